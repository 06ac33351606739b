package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/sealing"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

var alice = identity.Principal{
	ObjectID: "7f5ccd07-e75f-4b7b-a234-b11c52dc5f0e",
	UPN:      "alice@contoso.com",
	TenantID: "e3514a05-1d7b-4c7e-b9e4-37f6af6891a2",
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	sealer, err := sealing.NewSoftwareSealer(filepath.Join(dir, "machine.key"), log.NewPrefixLogger("test"))
	require.NoError(t, err)
	store, err := Open(filepath.Join(dir, "cache"), sealer, log.NewPrefixLogger("test"))
	require.NoError(t, err)
	return store, dir
}

func TestPutGetInvalidate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, ok := store.Get(alice, identity.KindRefreshToken)
	require.False(t, ok)

	cred, err := store.Put(ctx, alice, identity.KindRefreshToken, []byte("0.ARwA-token"), time.Time{}, 90*24*time.Hour)
	require.NoError(t, err)
	require.True(t, cred.Fresh(time.Now()))

	got, ok := store.Get(alice, identity.KindRefreshToken)
	require.True(t, ok)
	require.Equal(t, cred.Sealed, got.Sealed)

	// replace, never append
	_, err = store.Put(ctx, alice, identity.KindRefreshToken, []byte("0.ARwA-token-2"), time.Time{}, 90*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	require.NoError(t, store.Invalidate(alice, identity.KindRefreshToken))
	_, ok = store.Get(alice, identity.KindRefreshToken)
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sealer, err := sealing.NewSoftwareSealer(filepath.Join(dir, "machine.key"), log.NewPrefixLogger("test"))
	require.NoError(t, err)

	store, err := Open(filepath.Join(dir, "cache"), sealer, log.NewPrefixLogger("test"))
	require.NoError(t, err)
	_, err = store.Put(ctx, alice, identity.KindPasswordVerifier, []byte("$6$salt$hash"), time.Time{}, 30*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(filepath.Join(dir, "cache"), sealer, log.NewPrefixLogger("test"))
	require.NoError(t, err)
	cred, ok := reopened.Get(alice, identity.KindPasswordVerifier)
	require.True(t, ok)

	plaintext, err := sealer.Unseal(ctx, cred.Sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("$6$salt$hash"), plaintext)
}

// A crash mid-Put must leave the previous record readable: renameio stages
// the new record in a temp file, so anything short of the final rename is
// invisible to a restart.
func TestCrashMidPutKeepsPriorRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	sealer, err := sealing.NewSoftwareSealer(filepath.Join(dir, "machine.key"), log.NewPrefixLogger("test"))
	require.NoError(t, err)

	store, err := Open(cacheDir, sealer, log.NewPrefixLogger("test"))
	require.NoError(t, err)
	_, err = store.Put(ctx, alice, identity.KindRefreshToken, []byte("valid-token"), time.Time{}, time.Hour)
	require.NoError(t, err)

	// simulate the staged-but-unrenamed state of an interrupted write
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, ".tmp-partial"), []byte("garb"), 0600))
	// and a record that was truncated mid-write before fsync semantics held
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "broken.cred"), []byte("{not json"), 0600))

	reopened, err := Open(cacheDir, sealer, log.NewPrefixLogger("test"))
	require.NoError(t, err)
	cred, ok := reopened.Get(alice, identity.KindRefreshToken)
	require.True(t, ok)

	plaintext, err := sealer.Unseal(ctx, cred.Sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("valid-token"), plaintext)
}

func TestConcurrentWritersDistinctPrincipals(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	principals := make([]identity.Principal, 8)
	for i := range principals {
		principals[i] = identity.Principal{
			ObjectID: string(rune('a'+i)) + "-object-id",
			UPN:      "user@contoso.com",
			TenantID: alice.TenantID,
		}
	}

	var wg sync.WaitGroup
	for _, p := range principals {
		wg.Add(1)
		go func(p identity.Principal) {
			defer wg.Done()
			_, err := store.Put(ctx, p, identity.KindRefreshToken, []byte("token-"+p.ObjectID), time.Time{}, time.Hour)
			require.NoError(t, err)
		}(p)
	}
	wg.Wait()
	require.Equal(t, len(principals), store.Len())
}

func TestRejectsUnknownKind(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Put(context.Background(), alice, identity.CredentialKind("saml-assertion"), []byte("x"), time.Time{}, time.Hour)
	require.Error(t, err)
}
