package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/jellydator/ttlcache/v3"

	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

const recordFileSuffix = ".rec"

// RecordCache holds NSS-style directory projections with a TTL, so passwd
// and group lookups after a successful authentication do not touch the
// provider until the entries age out or are explicitly evicted on a
// directory-side change notification. Entries are persisted one file per
// record and reloaded on open with their remaining TTL, so resolution
// keeps working across a daemon restart with the provider unreachable.
type RecordCache struct {
	dir string
	ttl time.Duration
	log *log.PrefixLogger

	users  *ttlcache.Cache[string, *identity.DirectoryRecord]
	groups *ttlcache.Cache[string, *identity.GroupRecord]
}

// storedUser is the durable form of a user record; StoredAt anchors the
// remaining TTL on reload.
type storedUser struct {
	Record   *identity.DirectoryRecord `json:"record"`
	StoredAt time.Time                 `json:"storedAt"`
}

type storedGroup struct {
	Record   *identity.GroupRecord `json:"record"`
	StoredAt time.Time             `json:"storedAt"`
}

// NewRecordCache opens the record cache under dir, loading every persisted
// record that has TTL remaining and deleting the ones that aged out while
// the daemon was down.
func NewRecordCache(dir string, ttl time.Duration, logger *log.PrefixLogger) (*RecordCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating record cache directory: %w", err)
	}

	rc := &RecordCache{
		dir: dir,
		ttl: ttl,
		log: logger,
		users: ttlcache.New[string, *identity.DirectoryRecord](
			ttlcache.WithTTL[string, *identity.DirectoryRecord](ttl),
		),
		groups: ttlcache.New[string, *identity.GroupRecord](
			ttlcache.WithTTL[string, *identity.GroupRecord](ttl),
		),
	}
	if err := rc.load(); err != nil {
		return nil, err
	}
	go rc.users.Start()
	go rc.groups.Start()
	return rc, nil
}

func (rc *RecordCache) load() error {
	entries, err := os.ReadDir(rc.dir)
	if err != nil {
		return fmt.Errorf("reading record cache directory: %w", err)
	}
	now := time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordFileSuffix) {
			continue
		}
		path := filepath.Join(rc.dir, name)
		contents, err := os.ReadFile(path)
		if err != nil {
			rc.log.Warnf("Skipping unreadable record %s: %v", name, err)
			continue
		}
		switch {
		case strings.HasPrefix(name, "u-"):
			var stored storedUser
			if err := json.Unmarshal(contents, &stored); err != nil || stored.Record == nil {
				rc.log.Warnf("Skipping undecodable user record %s: %v", name, err)
				continue
			}
			remaining := rc.ttl - now.Sub(stored.StoredAt)
			if remaining <= 0 {
				rc.removeFile(path)
				continue
			}
			rc.users.Set(userNameKey(stored.Record.Name), stored.Record, remaining)
			rc.users.Set(userUIDKey(stored.Record.UID), stored.Record, remaining)
		case strings.HasPrefix(name, "g-"):
			var stored storedGroup
			if err := json.Unmarshal(contents, &stored); err != nil || stored.Record == nil {
				rc.log.Warnf("Skipping undecodable group record %s: %v", name, err)
				continue
			}
			remaining := rc.ttl - now.Sub(stored.StoredAt)
			if remaining <= 0 {
				rc.removeFile(path)
				continue
			}
			rc.groups.Set(groupNameKey(stored.Record.Name), stored.Record, remaining)
			rc.groups.Set(groupGIDKey(stored.Record.GID), stored.Record, remaining)
		}
	}
	return nil
}

func userNameKey(name string) string  { return "name/" + name }
func userUIDKey(uid uint32) string    { return fmt.Sprintf("uid/%d", uid) }
func groupNameKey(name string) string { return "name/" + name }
func groupGIDKey(gid uint32) string   { return fmt.Sprintf("gid/%d", gid) }

// user and group files share a directory; account names come from the
// directory, so hex-encode them rather than trust them as path components
func (rc *RecordCache) userPath(name string) string {
	return filepath.Join(rc.dir, "u-"+hex.EncodeToString([]byte(name))+recordFileSuffix)
}

func (rc *RecordCache) groupPath(name string) string {
	return filepath.Join(rc.dir, "g-"+hex.EncodeToString([]byte(name))+recordFileSuffix)
}

func (rc *RecordCache) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		rc.log.Warnf("Removing record file %s: %v", filepath.Base(path), err)
	}
}

func (rc *RecordCache) persist(path string, stored any) {
	contents, err := json.Marshal(stored)
	if err == nil {
		err = renameio.WriteFile(path, contents, 0600)
	}
	if err != nil {
		// the in-memory entry still serves lookups until restart
		rc.log.Warnf("Persisting record %s: %v", filepath.Base(path), err)
	}
}

// PutUser indexes the record under both its name and uid and persists it.
func (rc *RecordCache) PutUser(record *identity.DirectoryRecord) {
	rc.users.Set(userNameKey(record.Name), record, ttlcache.DefaultTTL)
	rc.users.Set(userUIDKey(record.UID), record, ttlcache.DefaultTTL)
	rc.persist(rc.userPath(record.Name), storedUser{Record: record, StoredAt: time.Now()})
}

func (rc *RecordCache) UserByName(name string) (*identity.DirectoryRecord, bool) {
	item := rc.users.Get(userNameKey(name))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (rc *RecordCache) UserByUID(uid uint32) (*identity.DirectoryRecord, bool) {
	item := rc.users.Get(userUIDKey(uid))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (rc *RecordCache) PutGroup(record *identity.GroupRecord) {
	rc.groups.Set(groupNameKey(record.Name), record, ttlcache.DefaultTTL)
	rc.groups.Set(groupGIDKey(record.GID), record, ttlcache.DefaultTTL)
	rc.persist(rc.groupPath(record.Name), storedGroup{Record: record, StoredAt: time.Now()})
}

func (rc *RecordCache) GroupByName(name string) (*identity.GroupRecord, bool) {
	item := rc.groups.Get(groupNameKey(name))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (rc *RecordCache) GroupByGID(gid uint32) (*identity.GroupRecord, bool) {
	item := rc.groups.Get(groupGIDKey(gid))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// EvictUser handles an explicit directory-side change notification,
// removing the durable record as well.
func (rc *RecordCache) EvictUser(record *identity.DirectoryRecord) {
	rc.users.Delete(userNameKey(record.Name))
	rc.users.Delete(userUIDKey(record.UID))
	rc.removeFile(rc.userPath(record.Name))
}

func (rc *RecordCache) Stop() {
	rc.users.Stop()
	rc.groups.Stop()
}
