package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ItsAzM8/himmelblau/internal/cache"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/idp"
	"github.com/ItsAzM8/himmelblau/internal/instrumentation"
	"github.com/ItsAzM8/himmelblau/internal/ipc"
	"github.com/ItsAzM8/himmelblau/internal/sealing"
	"github.com/ItsAzM8/himmelblau/pkg/log"
	"github.com/ItsAzM8/himmelblau/pkg/poll"
)

// Provider is the identity-provider surface the arbiter depends on.
// *idp.Client implements it; tests substitute fakes.
type Provider interface {
	AuthenticateInteractive(ctx context.Context, upn, password string) (*idp.TokenSet, *identity.Principal, error)
	BeginDeviceCode(ctx context.Context, upn string) (*idp.DeviceAuthorization, error)
	PollDeviceCode(ctx context.Context, da *idp.DeviceAuthorization) (*idp.TokenSet, *identity.Principal, error)
	Refresh(ctx context.Context, refreshToken string) (*idp.TokenSet, *identity.Principal, error)
	ResolveDirectoryEntry(ctx context.Context, accessToken string, p identity.Principal, mapping identity.IDMapping) (*identity.DirectoryRecord, []identity.GroupRecord, error)
	ListAssignedPolicies(ctx context.Context, accessToken string, p identity.Principal) ([]identity.Policy, error)
}

// TaskRunner performs privileged login side effects. *tasks.Client
// implements it against the tasks process.
type TaskRunner interface {
	Provision(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, groups []identity.GroupRecord) error
	ApplyPolicies(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, policies []identity.Policy) error
}

// Options are policy parameters, not protocol requirements: freshness
// thresholds and the backoff curve come from configuration.
type Options struct {
	// DefaultTimeout bounds a request that carries no timeout of its own.
	DefaultTimeout time.Duration
	// ProviderGrace is how long past the session deadline an in-flight
	// provider exchange may keep running in the background so its result
	// can still populate the cache.
	ProviderGrace time.Duration

	Backoff          poll.Config
	BackoffThreshold int
	BackoffWindow    time.Duration

	// Freshness is the per-kind maximum offline age.
	Freshness map[identity.CredentialKind]time.Duration
	// OfflineAllowed overrides the per-kind default offline policy.
	OfflineAllowed map[identity.CredentialKind]bool

	IDMapping identity.IDMapping

	// ApplyPolicies enables fetching the principal's device-management
	// policies after a successful online login and handing them to the
	// tasks process.
	ApplyPolicies bool

	// DevicePollInterval overrides the provider-mandated poll pacing;
	// zero respects the provider's interval.
	DevicePollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		DefaultTimeout:   30 * time.Second,
		ProviderGrace:    30 * time.Second,
		Backoff:          poll.Config{BaseDelay: time.Second, Factor: 2, MaxDelay: 5 * time.Minute},
		BackoffThreshold: 5,
		BackoffWindow:    5 * time.Minute,
		Freshness: map[identity.CredentialKind]time.Duration{
			identity.KindPasswordVerifier: 30 * 24 * time.Hour,
			identity.KindRefreshToken:     90 * 24 * time.Hour,
			identity.KindKerberosTicket:   10 * time.Hour,
		},
		IDMapping: identity.DefaultIDMapping(),
	}
}

// Broker is the session/request arbiter: it accepts concurrent requests
// from the IPC transport, serializes per-principal authentication attempts
// via single-flight, decides online-vs-offline strategy, and drives the
// authentication state machine per request. All daemon-wide mutable state
// (cache, backoff counters, sealer handle) hangs off this object; there
// are no package-level variables.
type Broker struct {
	opts     Options
	store    *cache.Store
	records  *cache.RecordCache
	sealer   sealing.Sealer
	provider Provider
	tasks    TaskRunner
	metrics  *instrumentation.Metrics
	log      *log.PrefixLogger

	flights singleflight.Group
	backoff *backoffRegistry

	pendingMu sync.Mutex
	pending   map[string]*pendingDeviceAuth

	// lifecycleCtx outlives individual sessions; background cache writes
	// and past-deadline provider calls run under it.
	lifecycleCtx context.Context
	shutdown     context.CancelFunc
	background   sync.WaitGroup
	closeOnce    sync.Once
}

type pendingDeviceAuth struct {
	upn       string
	da        *idp.DeviceAuthorization
	expiresAt time.Time
}

func New(store *cache.Store, records *cache.RecordCache, sealer sealing.Sealer, provider Provider, tasks TaskRunner, metrics *instrumentation.Metrics, opts Options, logger *log.PrefixLogger) *Broker {
	defaults := DefaultOptions()
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaults.DefaultTimeout
	}
	if opts.ProviderGrace <= 0 {
		opts.ProviderGrace = defaults.ProviderGrace
	}
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff = defaults.Backoff
	}
	if opts.BackoffThreshold <= 0 {
		opts.BackoffThreshold = defaults.BackoffThreshold
	}
	if opts.BackoffWindow <= 0 {
		opts.BackoffWindow = defaults.BackoffWindow
	}
	if opts.Freshness == nil {
		opts.Freshness = defaults.Freshness
	}
	if opts.IDMapping == (identity.IDMapping{}) {
		opts.IDMapping = defaults.IDMapping
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		opts:         opts,
		store:        store,
		records:      records,
		sealer:       sealer,
		provider:     provider,
		tasks:        tasks,
		metrics:      metrics,
		log:          logger,
		backoff:      newBackoffRegistry(opts.Backoff, opts.BackoffThreshold, opts.BackoffWindow),
		pending:      make(map[string]*pendingDeviceAuth),
		lifecycleCtx: ctx,
		shutdown:     cancel,
	}
}

// Close drains background work (bounded by ctx) and stops the record
// cache. Idempotent; the credential store and sealer are owned by the
// caller.
func (b *Broker) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			b.background.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.log.Warn("Shutdown deadline elapsed with background work still in flight")
		}
		b.shutdown()
		b.records.Stop()
	})
	return nil
}

// Handle implements ipc.Handler, dispatching one decoded request.
func (b *Broker) Handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	switch req.Op {
	case ipc.OpAuthenticate:
		return b.Authenticate(ctx, req)
	case ipc.OpRefreshSession:
		return b.RefreshSession(ctx, req)
	case ipc.OpResolvePasswd:
		return b.ResolvePasswd(ctx, req)
	case ipc.OpResolveGroup:
		return b.ResolveGroup(ctx, req)
	default:
		return &ipc.Response{Result: ipc.ResultProtocolError, Message: "unsupported operation"}
	}
}

func (b *Broker) timeout(requestMS int64) time.Duration {
	if requestMS > 0 {
		return time.Duration(requestMS) * time.Millisecond
	}
	return b.opts.DefaultTimeout
}

// offlineAllowed applies the per-kind policy, configuration overriding the
// kind's default.
func (b *Broker) offlineAllowed(kind identity.CredentialKind) bool {
	if b.opts.OfflineAllowed != nil {
		if allowed, ok := b.opts.OfflineAllowed[kind]; ok {
			return allowed
		}
	}
	return kind.OfflineCapable()
}

func (b *Broker) freshness(kind identity.CredentialKind) time.Duration {
	if age, ok := b.opts.Freshness[kind]; ok {
		return age
	}
	return DefaultOptions().Freshness[kind]
}

func flightKey(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "|"))
}

// await runs the single-flight result channel against the session deadline:
// a session past its deadline is released with Deferred while the flight
// keeps running so its result can still populate the cache.
func (b *Broker) await(ctx context.Context, deadline time.Time, ch <-chan singleflight.Result) *ipc.Response {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-ch:
		if fr, ok := res.Val.(*flightResult); ok {
			return fr.resp
		}
		return &ipc.Response{Result: ipc.ResultDenied, Message: "internal error"}
	case <-timer.C:
	case <-ctx.Done():
	}
	b.countResult(ipc.ResultDeferred)
	return &ipc.Response{Result: ipc.ResultDeferred, Message: "request deadline elapsed; retry"}
}

type flightResult struct {
	resp  *ipc.Response
	trace []State
}

func (b *Broker) countResult(result ipc.Result) {
	if b.metrics != nil {
		b.metrics.ObserveAuthResult(string(result))
	}
}

func (b *Broker) observeCacheLookup(hit bool) {
	if b.metrics != nil {
		b.metrics.ObserveCacheLookup(hit)
	}
}

func (b *Broker) observeProviderCall(op string) {
	if b.metrics != nil {
		b.metrics.ObserveProviderCall(op)
	}
}

func (b *Broker) observeSealOp(op string, err error) {
	if b.metrics != nil {
		b.metrics.ObserveSealOp(op, err)
	}
}
