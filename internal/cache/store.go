package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/sealing"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

const credentialFileSuffix = ".cred"

// Store is the durable, process-wide credential cache. Reads are served
// from an immutable in-memory snapshot without taking locks; writes seal
// the payload, persist it atomically (write-new, fsync, rename-over-old via
// renameio), then publish a new snapshot. Writers for distinct
// (principal, kind) pairs do not block each other.
type Store struct {
	dir    string
	sealer sealing.Sealer
	log    *log.PrefixLogger

	// publishMu serializes snapshot replacement; per-entry writeLocks
	// serialize writers of the same (principal, kind).
	publishMu  sync.Mutex
	snapshot   map[string]*identity.CachedCredential
	lockMu     sync.Mutex
	writeLocks map[string]*sync.Mutex
}

// Open loads every persisted credential record under dir. Records that no
// longer decode are skipped with a warning so one corrupt file never takes
// down the daemon.
func Open(dir string, sealer sealing.Sealer, logger *log.PrefixLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		sealer:     sealer,
		log:        logger,
		snapshot:   make(map[string]*identity.CachedCredential),
		writeLocks: make(map[string]*sync.Mutex),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), credentialFileSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		contents, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("Skipping unreadable cache record %s: %v", entry.Name(), err)
			continue
		}
		var cred identity.CachedCredential
		if err := json.Unmarshal(contents, &cred); err != nil {
			logger.Warnf("Skipping undecodable cache record %s: %v", entry.Name(), err)
			continue
		}
		if !cred.Kind.Valid() {
			logger.Warnf("Skipping cache record %s with unknown kind %q", entry.Name(), cred.Kind)
			continue
		}
		s.snapshot[entryKey(cred.Principal, cred.Kind)] = &cred
	}

	logger.Infof("Credential cache opened with %d records", len(s.snapshot))
	return s, nil
}

func entryKey(p identity.Principal, kind identity.CredentialKind) string {
	return p.ObjectID + "|" + string(kind)
}

func (s *Store) recordPath(p identity.Principal, kind identity.CredentialKind) string {
	// object IDs are provider-issued GUIDs but hex-encode defensively so a
	// hostile UPN rename can never traverse out of the cache dir
	name := hex.EncodeToString([]byte(p.ObjectID)) + "-" + string(kind) + credentialFileSuffix
	return filepath.Join(s.dir, name)
}

func (s *Store) writeLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.writeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.writeLocks[key] = lock
	}
	return lock
}

// Get returns the live credential for (principal, kind), or false. The
// caller checks freshness against the policy before trusting the result
// for offline authentication.
func (s *Store) Get(p identity.Principal, kind identity.CredentialKind) (*identity.CachedCredential, bool) {
	s.publishMu.Lock()
	snap := s.snapshot
	s.publishMu.Unlock()
	cred, ok := snap[entryKey(p, kind)]
	return cred, ok
}

// GetByUPN finds the live credential for a principal known only by UPN,
// as authentication requests arrive before the object id is resolved. The
// snapshot is host-local and small, so a scan suffices.
func (s *Store) GetByUPN(upn string, kind identity.CredentialKind) (*identity.CachedCredential, bool) {
	s.publishMu.Lock()
	snap := s.snapshot
	s.publishMu.Unlock()
	for _, cred := range snap {
		if cred.Kind == kind && strings.EqualFold(cred.Principal.UPN, upn) {
			return cred, true
		}
	}
	return nil, false
}

// FindByLocalName finds the live credential whose principal maps to the
// given local account name, for NSS lookups that carry no UPN.
func (s *Store) FindByLocalName(name string, kind identity.CredentialKind) (*identity.CachedCredential, bool) {
	s.publishMu.Lock()
	snap := s.snapshot
	s.publishMu.Unlock()
	for _, cred := range snap {
		if cred.Kind == kind && identity.LocalName(cred.Principal.UPN) == strings.ToLower(name) {
			return cred, true
		}
	}
	return nil, false
}

// Put seals plaintext and atomically replaces the credential for
// (principal, kind). The prior value stays readable until the new record
// is durable.
func (s *Store) Put(ctx context.Context, p identity.Principal, kind identity.CredentialKind, plaintext []byte, expiresAt time.Time, maxOfflineAge time.Duration) (*identity.CachedCredential, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown credential kind %q", kind)
	}

	key := entryKey(p, kind)
	lock := s.writeLock(key)
	lock.Lock()
	defer lock.Unlock()

	blob, err := s.sealer.Seal(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing credential: %w", err)
	}

	cred := &identity.CachedCredential{
		Principal:     p,
		Kind:          kind,
		Sealed:        blob,
		IssuedAt:      time.Now(),
		ExpiresAt:     expiresAt,
		MaxOfflineAge: maxOfflineAge,
	}

	contents, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("encoding credential record: %w", err)
	}
	if err := renameio.WriteFile(s.recordPath(p, kind), contents, 0600); err != nil {
		return nil, fmt.Errorf("persisting credential record: %w", err)
	}

	s.publish(key, cred)
	return cred, nil
}

// Invalidate evicts the credential for (principal, kind), removing its
// durable record. Used on revocation or explicit sign-out.
func (s *Store) Invalidate(p identity.Principal, kind identity.CredentialKind) error {
	key := entryKey(p, kind)
	lock := s.writeLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.recordPath(p, kind)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credential record: %w", err)
	}
	s.publish(key, nil)
	return nil
}

// publish replaces the read snapshot with a copy carrying the new value.
func (s *Store) publish(key string, cred *identity.CachedCredential) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	next := make(map[string]*identity.CachedCredential, len(s.snapshot)+1)
	for k, v := range s.snapshot {
		next[k] = v
	}
	if cred == nil {
		delete(next, key)
	} else {
		next[key] = cred
	}
	s.snapshot = next
}

// Len reports the number of live credential records.
func (s *Store) Len() int {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	return len(s.snapshot)
}

// Close is idempotent; the store holds no open file handles between
// operations.
func (s *Store) Close() error {
	return nil
}
