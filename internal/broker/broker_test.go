package broker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/cache"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/idp"
	"github.com/ItsAzM8/himmelblau/internal/ipc"
	"github.com/ItsAzM8/himmelblau/internal/sealing"
	"github.com/ItsAzM8/himmelblau/pkg/log"
	"github.com/ItsAzM8/himmelblau/pkg/poll"
)

const (
	testUPN    = "alice@contoso.com"
	testSecret = "hunter2!"
)

var testPrincipal = identity.Principal{
	ObjectID: "5f9a3c1e-8d2b-4e7a-9c6f-0b1d2e3f4a5b",
	UPN:      testUPN,
	TenantID: "f1e2d3c4-b5a6-4978-8899-aabbccddeeff",
}

func testRecord() *identity.DirectoryRecord {
	return &identity.DirectoryRecord{
		Name:    "alice",
		UID:     1500000,
		GID:     1500000,
		Gecos:   "Alice Example",
		HomeDir: "/home/alice",
		Shell:   "/bin/bash",
		Groups:  []string{"engineering"},
	}
}

func testGroups() []identity.GroupRecord {
	return []identity.GroupRecord{{Name: "engineering", GID: 1600000, Members: []string{"alice"}}}
}

// fakeProvider scripts provider behavior per call and counts exchanges.
type fakeProvider struct {
	mu sync.Mutex

	authErr   error
	authDelay time.Duration
	// onAuth runs inside AuthenticateInteractive before the scripted error,
	// for exercising mid-flight cache changes.
	onAuth      func()
	refreshErr  error
	resolveErr  error
	pollErrs    []error
	policies    []identity.Policy
	policiesErr error

	authCalls    int32
	refreshCalls int32
	resolveCalls int32
	pollCalls    int32
	policyCalls  int32
}

func (f *fakeProvider) tokens() *idp.TokenSet {
	return &idp.TokenSet{AccessToken: "at-test", RefreshToken: "rt-test", ExpiresIn: 3600}
}

func (f *fakeProvider) AuthenticateInteractive(ctx context.Context, upn, password string) (*idp.TokenSet, *identity.Principal, error) {
	atomic.AddInt32(&f.authCalls, 1)
	if f.onAuth != nil {
		f.onAuth()
	}
	if f.authDelay > 0 {
		select {
		case <-time.After(f.authDelay):
		case <-ctx.Done():
			return nil, nil, brokererrors.ErrNetworkUnavailable
		}
	}
	if f.authErr != nil {
		return nil, nil, f.authErr
	}
	p := testPrincipal
	return f.tokens(), &p, nil
}

func (f *fakeProvider) BeginDeviceCode(ctx context.Context, upn string) (*idp.DeviceAuthorization, error) {
	return &idp.DeviceAuthorization{
		DeviceCode:      "dc-test",
		UserCode:        "ABCD-1234",
		VerificationURI: "https://login.example.com/device",
		ExpiresIn:       900,
		Interval:        1,
	}, nil
}

func (f *fakeProvider) PollDeviceCode(ctx context.Context, da *idp.DeviceAuthorization) (*idp.TokenSet, *identity.Principal, error) {
	n := atomic.AddInt32(&f.pollCalls, 1)
	f.mu.Lock()
	var err error
	if int(n) <= len(f.pollErrs) {
		err = f.pollErrs[n-1]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	p := testPrincipal
	return f.tokens(), &p, nil
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*idp.TokenSet, *identity.Principal, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshErr != nil {
		return nil, nil, f.refreshErr
	}
	p := testPrincipal
	return f.tokens(), &p, nil
}

func (f *fakeProvider) ResolveDirectoryEntry(ctx context.Context, accessToken string, p identity.Principal, mapping identity.IDMapping) (*identity.DirectoryRecord, []identity.GroupRecord, error) {
	atomic.AddInt32(&f.resolveCalls, 1)
	if f.resolveErr != nil {
		return nil, nil, f.resolveErr
	}
	return testRecord(), testGroups(), nil
}

func (f *fakeProvider) ListAssignedPolicies(ctx context.Context, accessToken string, p identity.Principal) ([]identity.Policy, error) {
	atomic.AddInt32(&f.policyCalls, 1)
	if f.policiesErr != nil {
		return nil, f.policiesErr
	}
	return f.policies, nil
}

type fakeTasks struct {
	mu      sync.Mutex
	calls   []identity.Principal
	applied [][]identity.Policy
	err     error
}

func (f *fakeTasks) Provision(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, groups []identity.GroupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, principal)
	return f.err
}

func (f *fakeTasks) ApplyPolicies(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, policies []identity.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, policies)
	return f.err
}

func newTestBroker(t *testing.T, provider Provider, tasks TaskRunner, opts Options) (*Broker, *cache.Store, sealing.Sealer) {
	t.Helper()
	return newTestBrokerAt(t, t.TempDir(), provider, tasks, opts)
}

// newTestBrokerAt pins the state directory so a test can stand up a second
// broker over the same files, standing in for a daemon restart.
func newTestBrokerAt(t *testing.T, dir string, provider Provider, tasks TaskRunner, opts Options) (*Broker, *cache.Store, sealing.Sealer) {
	t.Helper()
	logger := log.NewPrefixLogger("test")

	sealer, err := sealing.NewSoftwareSealer(filepath.Join(dir, "machine.key"), logger)
	require.NoError(t, err)

	store, err := cache.Open(filepath.Join(dir, "cache"), sealer, logger)
	require.NoError(t, err)

	records, err := cache.NewRecordCache(filepath.Join(dir, "records"), 4*time.Hour, logger)
	require.NoError(t, err)

	b := New(store, records, sealer, provider, tasks, nil, opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
		require.NoError(t, sealer.Close())
	})
	return b, store, sealer
}

func seedVerifier(t *testing.T, b *Broker, store *cache.Store, password string, maxAge time.Duration) {
	t.Helper()
	verifier, err := hashPassword(password)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), testPrincipal, identity.KindPasswordVerifier, []byte(verifier), time.Time{}, maxAge)
	require.NoError(t, err)
	b.records.PutUser(testRecord())
	for _, g := range testGroups() {
		group := g
		b.records.PutGroup(&group)
	}
}

func drainBackground(t *testing.T, b *Broker) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		b.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background work did not drain")
	}
}

func TestPasswordOnlineSuccess(t *testing.T) {
	provider := &fakeProvider{}
	tasks := &fakeTasks{}
	b, store, _ := newTestBroker(t, provider, tasks, Options{})

	fr := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultSuccess, fr.resp.Result)
	require.NotNil(t, fr.resp.Record)
	require.Equal(t, "alice", fr.resp.Record.Name)
	require.Equal(t,
		[]State{StateReceived, StateLookup, StateOnlineAuth, StateVerify, StateSuccess},
		fr.trace)

	require.Len(t, tasks.calls, 1)
	require.Equal(t, testPrincipal.ObjectID, tasks.calls[0].ObjectID)

	drainBackground(t, b)
	cred, ok := store.Get(testPrincipal, identity.KindPasswordVerifier)
	require.True(t, ok)
	require.True(t, cred.Fresh(time.Now()))
	_, ok = store.Get(testPrincipal, identity.KindRefreshToken)
	require.True(t, ok)
}

func TestPasswordSuccessThenResolveWithoutNetwork(t *testing.T) {
	provider := &fakeProvider{}
	b, _, _ := newTestBroker(t, provider, &fakeTasks{}, Options{})

	resp := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, UPN: testUPN, Secret: testSecret})
	require.Equal(t, ipc.ResultSuccess, resp.Result)
	resolves := atomic.LoadInt32(&provider.resolveCalls)

	byName := b.ResolvePasswd(context.Background(), &ipc.Request{Op: ipc.OpResolvePasswd, Name: "alice"})
	require.Equal(t, ipc.ResultSuccess, byName.Result)
	require.Equal(t, resp.Record.UID, byName.Record.UID)

	uid := resp.Record.UID
	byUID := b.ResolvePasswd(context.Background(), &ipc.Request{Op: ipc.OpResolvePasswd, NumericID: &uid})
	require.Equal(t, ipc.ResultSuccess, byUID.Result)
	require.Equal(t, "alice", byUID.Record.Name)

	group := b.ResolveGroup(context.Background(), &ipc.Request{Op: ipc.OpResolveGroup, Name: "engineering"})
	require.Equal(t, ipc.ResultSuccess, group.Result)
	require.Equal(t, uint32(1600000), group.Group.GID)

	require.Equal(t, resolves, atomic.LoadInt32(&provider.resolveCalls))
}

func TestConcurrentRequestsShareOneExchange(t *testing.T) {
	provider := &fakeProvider{authDelay: 100 * time.Millisecond}
	b, _, _ := newTestBroker(t, provider, nil, Options{})

	const workers = 8
	var wg sync.WaitGroup
	results := make([]ipc.Result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, UPN: testUPN, Secret: testSecret})
			results[i] = resp.Result
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		require.Equal(t, ipc.ResultSuccess, result)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.authCalls))
}

func TestOfflineAuthWithFreshCachedVerifier(t *testing.T) {
	provider := &fakeProvider{authErr: brokererrors.ErrNetworkUnavailable}
	b, store, _ := newTestBroker(t, provider, &fakeTasks{}, Options{})
	seedVerifier(t, b, store, testSecret, 30*24*time.Hour)

	fr := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultSuccess, fr.resp.Result)
	require.Equal(t,
		[]State{StateReceived, StateLookup, StateOfflineAuth, StateVerify, StateSuccess},
		fr.trace)
	require.Equal(t, int32(0), atomic.LoadInt32(&provider.authCalls))
	require.NotNil(t, fr.resp.Record)
	require.Equal(t, "alice", fr.resp.Record.Name)
}

func TestOfflineWrongPasswordDenied(t *testing.T) {
	provider := &fakeProvider{}
	b, store, _ := newTestBroker(t, provider, nil, Options{})
	seedVerifier(t, b, store, testSecret, 30*24*time.Hour)

	fr := b.passwordFlight(testUPN, "not-the-password", time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultDenied, fr.resp.Result)
	require.Equal(t,
		[]State{StateReceived, StateLookup, StateOfflineAuth, StateVerify, StateDenied},
		fr.trace)
	require.Equal(t, int32(0), atomic.LoadInt32(&provider.authCalls))
}

// A cached verifier that no longer unseals (machine key rotated, disk
// moved between hosts) is a cache miss: with the provider reachable the
// flow completes online instead of denying.
func TestUnsealableVerifierFallsBackToProvider(t *testing.T) {
	provider := &fakeProvider{}
	b, store, _ := newTestBroker(t, provider, &fakeTasks{}, Options{})
	seedVerifier(t, b, store, testSecret, 30*24*time.Hour)

	cred, ok := store.Get(testPrincipal, identity.KindPasswordVerifier)
	require.True(t, ok)
	for i := range cred.Sealed.Ciphertext {
		cred.Sealed.Ciphertext[i] ^= 0xff
	}

	fr := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultSuccess, fr.resp.Result)
	require.Equal(t,
		[]State{StateReceived, StateLookup, StateOnlineAuth, StateVerify, StateSuccess},
		fr.trace)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.authCalls))

	// the online success reseals the verifier, healing the cache
	drainBackground(t, b)
	healed, ok := store.Get(testPrincipal, identity.KindPasswordVerifier)
	require.True(t, ok)
	_, err := b.sealer.Unseal(context.Background(), healed.Sealed)
	require.NoError(t, err)
}

func TestStaleVerifierDeniedWhenOffline(t *testing.T) {
	provider := &fakeProvider{authErr: brokererrors.ErrNetworkUnavailable}
	b, store, _ := newTestBroker(t, provider, nil, Options{})
	seedVerifier(t, b, store, testSecret, time.Nanosecond)
	time.Sleep(time.Millisecond)

	fr := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultDenied, fr.resp.Result)
	require.Equal(t,
		[]State{StateReceived, StateLookup, StateOnlineAuth, StateDenied},
		fr.trace)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.authCalls))

	// a network denial is not a credential failure; the next attempt still
	// reaches the provider
	fr = b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultDenied, fr.resp.Result)
	require.Equal(t, int32(2), atomic.LoadInt32(&provider.authCalls))
}

// A verifier sealed by a concurrent flight between lookup and the provider
// exchange must still answer a mid-flight network failure.
func TestNetworkFallbackUsesVerifierSealedMidFlight(t *testing.T) {
	provider := &fakeProvider{authErr: brokererrors.ErrNetworkUnavailable}
	b, store, _ := newTestBroker(t, provider, &fakeTasks{}, Options{})
	provider.onAuth = func() {
		seedVerifier(t, b, store, testSecret, 30*24*time.Hour)
	}

	fr := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultSuccess, fr.resp.Result)
	require.Equal(t,
		[]State{StateReceived, StateLookup, StateOnlineAuth, StateOfflineAuth, StateVerify, StateSuccess},
		fr.trace)
}

func TestOnlineSuccessAppliesAssignedPolicies(t *testing.T) {
	provider := &fakeProvider{
		policies: []identity.Policy{{
			ID:   "pol-1",
			Name: "Linux Baseline",
			Settings: []identity.PolicySetting{
				{Key: "linux_chromium_homepagelocation", Value: "https://intranet.contoso.com", Enabled: true},
			},
		}},
	}
	tasks := &fakeTasks{}
	b, _, _ := newTestBroker(t, provider, tasks, Options{ApplyPolicies: true})

	resp := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, UPN: testUPN, Secret: testSecret})
	require.Equal(t, ipc.ResultSuccess, resp.Result)

	drainBackground(t, b)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.policyCalls))
	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	require.Len(t, tasks.applied, 1)
	require.Equal(t, "pol-1", tasks.applied[0][0].ID)
}

func TestPolicyApplicationOffByDefault(t *testing.T) {
	provider := &fakeProvider{policies: []identity.Policy{{ID: "pol-1"}}}
	tasks := &fakeTasks{}
	b, _, _ := newTestBroker(t, provider, tasks, Options{})

	resp := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, UPN: testUPN, Secret: testSecret})
	require.Equal(t, ipc.ResultSuccess, resp.Result)

	drainBackground(t, b)
	require.Equal(t, int32(0), atomic.LoadInt32(&provider.policyCalls))
	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	require.Empty(t, tasks.applied)
}

// Directory records survive a daemon restart: a prior login must still
// resolve and provision with the provider unreachable, not come back as a
// bare success with no passwd row.
func TestOfflineAuthAfterRestartResolvesRecord(t *testing.T) {
	dir := t.TempDir()

	online := &fakeProvider{}
	first, _, _ := newTestBrokerAt(t, dir, online, &fakeTasks{}, Options{})
	resp := first.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, UPN: testUPN, Secret: testSecret})
	require.Equal(t, ipc.ResultSuccess, resp.Result)
	drainBackground(t, first)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Close(ctx))

	offline := &fakeProvider{
		authErr:    brokererrors.ErrNetworkUnavailable,
		refreshErr: brokererrors.ErrNetworkUnavailable,
		resolveErr: brokererrors.ErrNetworkUnavailable,
	}
	second, _, _ := newTestBrokerAt(t, dir, offline, &fakeTasks{}, Options{})

	fr := second.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultSuccess, fr.resp.Result)
	require.NotNil(t, fr.resp.Record, "the persisted directory record must back offline logins")
	require.Equal(t, "alice", fr.resp.Record.Name)
	require.Equal(t, int32(0), atomic.LoadInt32(&offline.authCalls))

	byName := second.ResolvePasswd(context.Background(), &ipc.Request{Op: ipc.OpResolvePasswd, Name: "alice"})
	require.Equal(t, ipc.ResultSuccess, byName.Result)
	require.Equal(t, resp.Record.UID, byName.Record.UID)

	group := second.ResolveGroup(context.Background(), &ipc.Request{Op: ipc.OpResolveGroup, Name: "engineering"})
	require.Equal(t, ipc.ResultSuccess, group.Result)
	drainBackground(t, second)
}

func TestBackoffBlocksRepeatedAttempts(t *testing.T) {
	provider := &fakeProvider{authErr: brokererrors.ErrDenied}
	b, _, _ := newTestBroker(t, provider, nil, Options{
		Backoff:          poll.Config{BaseDelay: time.Hour, Factor: 2, MaxDelay: 2 * time.Hour},
		BackoffThreshold: 5,
		BackoffWindow:    4 * time.Hour,
	})

	first := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultDenied, first.resp.Result)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.authCalls))

	second := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultDenied, second.resp.Result)
	require.Equal(t,
		[]State{StateReceived, StateLookup, StateDenied},
		second.trace)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.authCalls), "blocked attempt must not reach the provider")
}

func TestBackoffDoesNotGateOtherPrincipals(t *testing.T) {
	provider := &fakeProvider{authErr: brokererrors.ErrDenied}
	b, _, _ := newTestBroker(t, provider, nil, Options{
		Backoff:          poll.Config{BaseDelay: time.Hour, Factor: 2, MaxDelay: 2 * time.Hour},
		BackoffThreshold: 5,
		BackoffWindow:    4 * time.Hour,
	})

	fr := b.passwordFlight(testUPN, testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultDenied, fr.resp.Result)

	other := b.passwordFlight("bob@contoso.com", testSecret, time.Now().Add(10*time.Second))
	require.Equal(t, ipc.ResultDenied, other.resp.Result)
	require.Equal(t, int32(2), atomic.LoadInt32(&provider.authCalls))
}

func TestDeviceCodeFlow(t *testing.T) {
	provider := &fakeProvider{pollErrs: []error{idp.ErrAuthorizationPending, idp.ErrAuthorizationPending}}
	b, store, _ := newTestBroker(t, provider, &fakeTasks{}, Options{DevicePollInterval: 10 * time.Millisecond})

	begin := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, UPN: testUPN, Flow: ipc.FlowDeviceCode})
	require.Equal(t, ipc.ResultDeviceAuthPending, begin.Result)
	require.NotEmpty(t, begin.SessionToken)
	require.Equal(t, "ABCD-1234", begin.UserCode)
	require.Equal(t, "https://login.example.com/device", begin.VerificationURI)

	wait := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, Flow: ipc.FlowDeviceCodeWait, SessionToken: begin.SessionToken})
	require.Equal(t, ipc.ResultSuccess, wait.Result)
	require.Equal(t, int32(3), atomic.LoadInt32(&provider.pollCalls))

	drainBackground(t, b)
	_, ok := store.Get(testPrincipal, identity.KindRefreshToken)
	require.True(t, ok, "device flow must cache the refresh token")
	_, ok = store.Get(testPrincipal, identity.KindPasswordVerifier)
	require.False(t, ok, "device flow has no password to derive a verifier from")

	again := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, Flow: ipc.FlowDeviceCodeWait, SessionToken: begin.SessionToken})
	require.Equal(t, ipc.ResultNotFound, again.Result)
}

func TestDeviceCodeWaitDefersAtDeadline(t *testing.T) {
	pending := make([]error, 100)
	for i := range pending {
		pending[i] = idp.ErrAuthorizationPending
	}
	provider := &fakeProvider{pollErrs: pending}
	b, _, _ := newTestBroker(t, provider, nil, Options{DevicePollInterval: 10 * time.Millisecond})

	begin := b.Authenticate(context.Background(), &ipc.Request{Op: ipc.OpAuthenticate, UPN: testUPN, Flow: ipc.FlowDeviceCode})
	require.Equal(t, ipc.ResultDeviceAuthPending, begin.Result)

	wait := b.Authenticate(context.Background(), &ipc.Request{
		Op: ipc.OpAuthenticate, Flow: ipc.FlowDeviceCodeWait,
		SessionToken: begin.SessionToken, TimeoutMS: 100,
	})
	require.Equal(t, ipc.ResultDeferred, wait.Result)

	b.pendingMu.Lock()
	_, alive := b.pending[begin.SessionToken]
	b.pendingMu.Unlock()
	require.True(t, alive, "a deferred wait keeps the exchange resumable")
}

func TestRefreshSessionSuccess(t *testing.T) {
	provider := &fakeProvider{}
	b, store, _ := newTestBroker(t, provider, nil, Options{})
	_, err := store.Put(context.Background(), testPrincipal, identity.KindRefreshToken, []byte("rt-old"), time.Time{}, 90*24*time.Hour)
	require.NoError(t, err)

	resp := b.RefreshSession(context.Background(), &ipc.Request{Op: ipc.OpRefreshSession, UPN: testUPN})
	require.Equal(t, ipc.ResultSuccess, resp.Result)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.refreshCalls))
}

func TestRefreshSessionRevokedInvalidates(t *testing.T) {
	provider := &fakeProvider{refreshErr: brokererrors.ErrRevoked}
	b, store, _ := newTestBroker(t, provider, nil, Options{})
	_, err := store.Put(context.Background(), testPrincipal, identity.KindRefreshToken, []byte("rt-old"), time.Time{}, 90*24*time.Hour)
	require.NoError(t, err)

	resp := b.RefreshSession(context.Background(), &ipc.Request{Op: ipc.OpRefreshSession, UPN: testUPN})
	require.Equal(t, ipc.ResultDenied, resp.Result)

	_, ok := store.Get(testPrincipal, identity.KindRefreshToken)
	require.False(t, ok, "a revoked refresh token must not keep backing sessions")
}

func TestRefreshSessionWithoutCachedToken(t *testing.T) {
	b, _, _ := newTestBroker(t, &fakeProvider{}, nil, Options{})
	resp := b.RefreshSession(context.Background(), &ipc.Request{Op: ipc.OpRefreshSession, UPN: testUPN})
	require.Equal(t, ipc.ResultDenied, resp.Result)
}

func TestResolvePasswdFillsFromCachedSession(t *testing.T) {
	provider := &fakeProvider{}
	b, store, _ := newTestBroker(t, provider, nil, Options{})
	_, err := store.Put(context.Background(), testPrincipal, identity.KindRefreshToken, []byte("rt-old"), time.Time{}, 90*24*time.Hour)
	require.NoError(t, err)

	resp := b.ResolvePasswd(context.Background(), &ipc.Request{Op: ipc.OpResolvePasswd, Name: "alice"})
	require.Equal(t, ipc.ResultSuccess, resp.Result)
	require.Equal(t, "alice", resp.Record.Name)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.refreshCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.resolveCalls))
}

func TestResolvePasswdUnknownUser(t *testing.T) {
	b, _, _ := newTestBroker(t, &fakeProvider{}, nil, Options{})
	resp := b.ResolvePasswd(context.Background(), &ipc.Request{Op: ipc.OpResolvePasswd, Name: "mallory"})
	require.Equal(t, ipc.ResultNotFound, resp.Result)
}

func TestResolveRejectsAmbiguousQuery(t *testing.T) {
	b, _, _ := newTestBroker(t, &fakeProvider{}, nil, Options{})
	uid := uint32(1500000)
	resp := b.ResolvePasswd(context.Background(), &ipc.Request{Op: ipc.OpResolvePasswd, Name: "alice", NumericID: &uid})
	require.Equal(t, ipc.ResultProtocolError, resp.Result)
}

func TestHandleRejectsUnknownOp(t *testing.T) {
	b, _, _ := newTestBroker(t, &fakeProvider{}, nil, Options{})
	resp := b.Handle(context.Background(), &ipc.Request{Op: ipc.Op("bogus")})
	require.Equal(t, ipc.ResultProtocolError, resp.Result)
}

func TestSessionRejectsIllegalTransition(t *testing.T) {
	session := NewSession(ipc.OpAuthenticate, testUPN, time.Now().Add(time.Second))
	require.NoError(t, session.Advance(StateLookup))
	require.Error(t, session.Advance(StateSuccess), "lookup cannot jump straight to success")
	require.NoError(t, session.Advance(StateOnlineAuth))
	require.NoError(t, session.Advance(StateOfflineAuth))
	require.NoError(t, session.Advance(StateVerify))
	require.NoError(t, session.Advance(StateSuccess))
	require.True(t, session.State().Terminal())
	require.Error(t, session.Advance(StateDenied), "terminal states do not advance")
}

func TestBackoffRegistryWindowLockout(t *testing.T) {
	reg := newBackoffRegistry(poll.Config{BaseDelay: time.Second, Factor: 2, MaxDelay: time.Minute}, 3, 5*time.Minute)
	now := time.Now()

	blocked, _ := reg.Blocked(testUPN, now)
	require.False(t, blocked)

	reg.RecordFailure(testUPN, now)
	blocked, wait := reg.Blocked(testUPN, now)
	require.True(t, blocked)
	require.LessOrEqual(t, wait, 2*time.Second)

	reg.RecordFailure(testUPN, now)
	reg.RecordFailure(testUPN, now)
	blocked, wait = reg.Blocked(testUPN, now)
	require.True(t, blocked)
	require.Equal(t, 5*time.Minute, wait, "at the threshold the full window applies")

	blocked, _ = reg.Blocked(testUPN, now.Add(5*time.Minute))
	require.False(t, blocked)

	reg.Reset(testUPN)
	blocked, _ = reg.Blocked(testUPN, now)
	require.False(t, blocked)
}
