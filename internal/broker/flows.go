package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/idp"
	"github.com/ItsAzM8/himmelblau/internal/ipc"
)

// Authenticate drives one authentication request to a terminal result.
// Concurrent requests for the same principal and flow join a single
// in-flight attempt rather than racing the provider.
func (b *Broker) Authenticate(ctx context.Context, req *ipc.Request) *ipc.Response {
	deadline := time.Now().Add(b.timeout(req.TimeoutMS))

	switch req.Flow {
	case ipc.FlowDeviceCode:
		return b.beginDeviceCode(ctx, req, deadline)
	case ipc.FlowDeviceCodeWait:
		return b.waitDeviceCode(ctx, req, deadline)
	case ipc.FlowPassword, "":
	default:
		return protocolError("unknown authentication flow %q", req.Flow)
	}

	if req.UPN == "" || req.Secret == "" {
		return protocolError("password flow requires a principal and a secret")
	}

	ch := b.flights.DoChan(flightKey("password", req.UPN), func() (any, error) {
		return b.passwordFlight(req.UPN, req.Secret, deadline), nil
	})
	return b.await(ctx, deadline, ch)
}

func (b *Broker) passwordFlight(upn, secret string, deadline time.Time) *flightResult {
	session := NewSession(ipc.OpAuthenticate, upn, deadline)
	ctx, cancel := context.WithDeadline(b.lifecycleCtx, deadline.Add(b.opts.ProviderGrace))
	defer cancel()

	resp := b.runPassword(ctx, session, upn, secret)
	b.countResult(resp.Result)
	b.log.Debugf("Authentication for %s finished %s (session %s, trace %v)", upn, resp.Result, session.ID, session.Trace())
	return &flightResult{resp: resp, trace: session.Trace()}
}

func (b *Broker) runPassword(ctx context.Context, session *AuthSession, upn, secret string) *ipc.Response {
	now := time.Now()
	session.mustAdvance(StateLookup)

	if blocked, wait := b.backoff.Blocked(upn, now); blocked {
		session.mustAdvance(StateDenied)
		return denied("too many failed attempts; retry in %s", wait.Round(time.Second))
	}

	if cred, verifier, ok := b.usableVerifier(ctx, upn, now); ok {
		b.observeCacheLookup(true)
		session.mustAdvance(StateOfflineAuth)
		return b.verifyOffline(ctx, session, cred, verifier, secret)
	}
	b.observeCacheLookup(false)

	session.mustAdvance(StateOnlineAuth)
	b.observeProviderCall("authenticate")
	tokens, principal, err := b.provider.AuthenticateInteractive(ctx, upn, secret)
	switch {
	case err == nil:
		return b.completeOnline(ctx, session, *principal, tokens, secret)
	case errors.Is(err, brokererrors.ErrNetworkUnavailable):
		// mid-flight fallback: only a credential the freshness policy still
		// trusts may answer for an unreachable provider. Re-read the cache;
		// a concurrent flight may have sealed a verifier since the lookup.
		if cred, verifier, ok := b.usableVerifier(ctx, upn, time.Now()); ok {
			session.mustAdvance(StateOfflineAuth)
			return b.verifyOffline(ctx, session, cred, verifier, secret)
		}
		session.mustAdvance(StateDenied)
		return denied("provider unreachable and no usable cached credential")
	case errors.Is(err, brokererrors.ErrThrottled):
		session.mustAdvance(StateDeferred)
		return deferred("provider throttled the request; retry")
	case errors.Is(err, brokererrors.ErrDenied), errors.Is(err, brokererrors.ErrExpired), errors.Is(err, brokererrors.ErrRevoked):
		b.backoff.RecordFailure(upn, time.Now())
		session.mustAdvance(StateDenied)
		return denied("the identity provider rejected the credentials")
	default:
		// a malformed provider response is not the caller's fault and does
		// not count toward lockout
		b.log.Errorf("Provider exchange for %s failed: %v", upn, err)
		session.mustAdvance(StateDenied)
		return denied("identity provider protocol error")
	}
}

// usableVerifier returns the cached password verifier for upn, already
// unsealed, when the offline policy permits it and the freshness policy
// still trusts it. A blob that no longer unseals (key rotation, moved
// disk) is treated as a cache miss so the flow proceeds to the provider.
func (b *Broker) usableVerifier(ctx context.Context, upn string, now time.Time) (*identity.CachedCredential, string, bool) {
	if !b.offlineAllowed(identity.KindPasswordVerifier) {
		return nil, "", false
	}
	cred, ok := b.store.GetByUPN(upn, identity.KindPasswordVerifier)
	if !ok || !cred.Fresh(now) {
		return nil, "", false
	}
	plaintext, err := b.sealer.Unseal(ctx, cred.Sealed)
	b.observeSealOp("unseal", err)
	if err != nil {
		b.log.Warnf("Unsealing cached verifier for %s: %v", upn, err)
		return nil, "", false
	}
	return cred, string(plaintext), true
}

// verifyOffline checks the presented secret against an unsealed cached
// verifier.
func (b *Broker) verifyOffline(ctx context.Context, session *AuthSession, cred *identity.CachedCredential, verifier, secret string) *ipc.Response {
	session.mustAdvance(StateVerify)
	if err := verifyPassword(verifier, secret); err != nil {
		b.backoff.RecordFailure(session.UPN, time.Now())
		session.mustAdvance(StateDenied)
		return denied("invalid credentials")
	}

	session.mustAdvance(StateSuccess)
	b.backoff.Reset(session.UPN)

	record, _ := b.records.UserByName(identity.LocalName(cred.Principal.UPN))
	message := b.provision(ctx, cred.Principal, record, b.cachedGroups(record))
	b.maybeBackgroundRefresh(cred.Principal)
	return &ipc.Response{Result: ipc.ResultSuccess, Message: message, Record: record}
}

// completeOnline finishes a successful provider exchange: verifies the
// token material, resolves and caches the directory record, provisions the
// login, and schedules the credential-cache refresh in the background so
// sealing latency never sits on the response path.
func (b *Broker) completeOnline(ctx context.Context, session *AuthSession, principal identity.Principal, tokens *idp.TokenSet, secret string) *ipc.Response {
	session.mustAdvance(StateVerify)
	if tokens == nil || tokens.AccessToken == "" {
		session.mustAdvance(StateDenied)
		return denied("identity provider returned no usable token")
	}

	record, groups := b.resolveAndCacheRecord(ctx, tokens.AccessToken, principal)
	session.mustAdvance(StateSuccess)
	b.backoff.Reset(session.UPN)

	message := b.provision(ctx, principal, record, groups)
	b.refreshCredentialCache(principal, tokens, secret)
	b.applyPolicies(principal, record, tokens.AccessToken)
	return &ipc.Response{Result: ipc.ResultSuccess, Message: message, Record: record}
}

// applyPolicies fetches and applies the principal's management policies in
// the background. Policy application never gates the login result; failures
// are logged and retried on the next online success.
func (b *Broker) applyPolicies(principal identity.Principal, record *identity.DirectoryRecord, accessToken string) {
	if !b.opts.ApplyPolicies || b.tasks == nil || record == nil {
		return
	}
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		b.flights.Do(flightKey("apply-policies", principal.ObjectID), func() (any, error) {
			ctx, cancel := context.WithTimeout(b.lifecycleCtx, b.opts.ProviderGrace)
			defer cancel()

			b.observeProviderCall("list-policies")
			policies, err := b.provider.ListAssignedPolicies(ctx, accessToken, principal)
			if err != nil {
				b.log.Warnf("Listing policies for %s: %v", principal.UPN, err)
				return nil, nil
			}
			if err := b.tasks.ApplyPolicies(ctx, principal, record, policies); err != nil {
				b.log.Warnf("Applying %d policies for %s: %v", len(policies), principal.UPN, err)
			}
			return nil, nil
		})
	}()
}

// provision runs the privileged login side effects. Task failures are
// surfaced in the response message but never invalidate a successful
// authentication.
func (b *Broker) provision(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, groups []identity.GroupRecord) string {
	if b.tasks == nil || record == nil {
		return ""
	}
	if err := b.tasks.Provision(ctx, principal, record, groups); err != nil {
		b.log.Warnf("Provisioning %s: %v", record.Name, err)
		return fmt.Sprintf("provisioning incomplete: %v", err)
	}
	return ""
}

func (b *Broker) resolveAndCacheRecord(ctx context.Context, accessToken string, principal identity.Principal) (*identity.DirectoryRecord, []identity.GroupRecord) {
	b.observeProviderCall("resolve-directory-entry")
	record, groups, err := b.provider.ResolveDirectoryEntry(ctx, accessToken, principal, b.opts.IDMapping)
	if err != nil {
		b.log.Warnf("Resolving directory entry for %s: %v", principal.UPN, err)
		cached, _ := b.records.UserByName(identity.LocalName(principal.UPN))
		return cached, b.cachedGroups(cached)
	}
	b.records.PutUser(record)
	for i := range groups {
		b.records.PutGroup(&groups[i])
	}
	return record, groups
}

// cachedGroups rehydrates group records for a user's group names from the
// record cache; names without a cached record are skipped.
func (b *Broker) cachedGroups(record *identity.DirectoryRecord) []identity.GroupRecord {
	if record == nil {
		return nil
	}
	groups := make([]identity.GroupRecord, 0, len(record.Groups))
	for _, name := range record.Groups {
		if group, ok := b.records.GroupByName(name); ok {
			groups = append(groups, *group)
		}
	}
	return groups
}

// refreshCredentialCache seals and persists the offline credential
// material in the background.
func (b *Broker) refreshCredentialCache(principal identity.Principal, tokens *idp.TokenSet, secret string) {
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		ctx, cancel := context.WithTimeout(b.lifecycleCtx, b.opts.ProviderGrace)
		defer cancel()

		if secret != "" {
			verifier, err := hashPassword(secret)
			if err == nil {
				_, err = b.store.Put(ctx, principal, identity.KindPasswordVerifier, []byte(verifier), time.Time{}, b.freshness(identity.KindPasswordVerifier))
			}
			b.observeSealOp("seal", err)
			if err != nil {
				b.log.Warnf("Caching password verifier for %s: %v", principal.UPN, err)
			}
		}
		if tokens.RefreshToken != "" {
			_, err := b.store.Put(ctx, principal, identity.KindRefreshToken, []byte(tokens.RefreshToken), time.Time{}, b.freshness(identity.KindRefreshToken))
			b.observeSealOp("seal", err)
			if err != nil {
				b.log.Warnf("Caching refresh token for %s: %v", principal.UPN, err)
			}
		}
	}()
}

// maybeBackgroundRefresh opportunistically renews tokens and the directory
// record after an offline success, so the cache converges once the network
// returns. Best effort; failures are logged and forgotten.
func (b *Broker) maybeBackgroundRefresh(principal identity.Principal) {
	cred, ok := b.store.Get(principal, identity.KindRefreshToken)
	if !ok || !cred.Fresh(time.Now()) {
		return
	}
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		b.flights.Do(flightKey("background-refresh", principal.ObjectID), func() (any, error) {
			ctx, cancel := context.WithTimeout(b.lifecycleCtx, b.opts.ProviderGrace)
			defer cancel()
			b.renewTokens(ctx, cred)
			return nil, nil
		})
	}()
}

func (b *Broker) renewTokens(ctx context.Context, cred *identity.CachedCredential) {
	token, err := b.sealer.Unseal(ctx, cred.Sealed)
	if err != nil {
		b.log.Debugf("Background refresh for %s: %v", cred.Principal.UPN, err)
		return
	}
	b.observeProviderCall("refresh")
	tokens, principal, err := b.provider.Refresh(ctx, string(token))
	if err != nil {
		if errors.Is(err, brokererrors.ErrExpired) || errors.Is(err, brokererrors.ErrRevoked) {
			// a revoked token must not keep backing session renewal
			if err := b.store.Invalidate(cred.Principal, identity.KindRefreshToken); err != nil {
				b.log.Warnf("Invalidating refresh token for %s: %v", cred.Principal.UPN, err)
			}
		}
		b.log.Debugf("Background refresh for %s: %v", cred.Principal.UPN, err)
		return
	}
	if tokens.RefreshToken != "" {
		if _, err := b.store.Put(ctx, *principal, identity.KindRefreshToken, []byte(tokens.RefreshToken), time.Time{}, b.freshness(identity.KindRefreshToken)); err != nil {
			b.log.Warnf("Caching refresh token for %s: %v", principal.UPN, err)
		}
	}
	b.resolveAndCacheRecord(ctx, tokens.AccessToken, *principal)
}

// beginDeviceCode starts a device-code exchange and hands the caller a
// session token plus the user code to display. The exchange itself is
// completed by FlowDeviceCodeWait.
func (b *Broker) beginDeviceCode(ctx context.Context, req *ipc.Request, deadline time.Time) *ipc.Response {
	if req.UPN == "" {
		return protocolError("device-code flow requires a principal")
	}

	ch := b.flights.DoChan(flightKey("device-begin", req.UPN), func() (any, error) {
		session := NewSession(ipc.OpAuthenticate, req.UPN, deadline)
		fctx, cancel := context.WithDeadline(b.lifecycleCtx, deadline.Add(b.opts.ProviderGrace))
		defer cancel()

		session.mustAdvance(StateLookup)
		// device-code is never answered from cache
		session.mustAdvance(StateOnlineAuth)
		b.observeProviderCall("device-code-begin")
		da, err := b.provider.BeginDeviceCode(fctx, req.UPN)
		if err != nil {
			resp := b.mapExchangeError(session, req.UPN, err, false)
			b.countResult(resp.Result)
			return &flightResult{resp: resp, trace: session.Trace()}, nil
		}

		token := uuid.NewString()
		b.pendingMu.Lock()
		b.pending[token] = &pendingDeviceAuth{
			upn:       req.UPN,
			da:        da,
			expiresAt: time.Now().Add(time.Duration(da.ExpiresIn) * time.Second),
		}
		b.pendingMu.Unlock()

		session.mustAdvance(StateDeferred)
		b.countResult(ipc.ResultDeviceAuthPending)
		resp := &ipc.Response{
			Result:          ipc.ResultDeviceAuthPending,
			Message:         da.Message,
			SessionToken:    token,
			UserCode:        da.UserCode,
			VerificationURI: da.VerificationURI,
		}
		return &flightResult{resp: resp, trace: session.Trace()}, nil
	})
	return b.await(ctx, deadline, ch)
}

// waitDeviceCode blocks on a pending exchange until the user approves,
// the provider rejects, or the request deadline passes. A deadline pass
// keeps the pending entry alive so the shim can wait again.
func (b *Broker) waitDeviceCode(ctx context.Context, req *ipc.Request, deadline time.Time) *ipc.Response {
	if req.SessionToken == "" {
		return protocolError("device-code wait requires a session token")
	}

	b.pendingMu.Lock()
	pend, ok := b.pending[req.SessionToken]
	b.pendingMu.Unlock()
	if !ok {
		return &ipc.Response{Result: ipc.ResultNotFound, Message: "unknown or completed device-code session"}
	}
	if time.Now().After(pend.expiresAt) {
		b.dropPending(req.SessionToken)
		return denied("device-code session expired; start over")
	}

	ch := b.flights.DoChan(flightKey("device-wait", req.SessionToken), func() (any, error) {
		return b.deviceWaitFlight(req.SessionToken, pend, deadline), nil
	})
	return b.await(ctx, deadline, ch)
}

func (b *Broker) deviceWaitFlight(token string, pend *pendingDeviceAuth, deadline time.Time) *flightResult {
	session := NewSession(ipc.OpAuthenticate, pend.upn, deadline)
	// unlike the password flight this one stops at the deadline: the
	// pending entry survives and the next wait resumes polling
	ctx, cancel := context.WithDeadline(b.lifecycleCtx, deadline)
	defer cancel()

	session.mustAdvance(StateLookup)
	session.mustAdvance(StateOnlineAuth)

	interval := time.Duration(pend.da.Interval) * time.Second
	if b.opts.DevicePollInterval > 0 {
		interval = b.opts.DevicePollInterval
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		b.observeProviderCall("device-code-poll")
		tokens, principal, err := b.provider.PollDeviceCode(ctx, pend.da)
		switch {
		case err == nil:
			b.dropPending(token)
			resp := b.completeOnline(ctx, session, *principal, tokens, "")
			b.countResult(resp.Result)
			return &flightResult{resp: resp, trace: session.Trace()}
		case errors.Is(err, idp.ErrAuthorizationPending):
			// user has not approved yet
		case errors.Is(err, brokererrors.ErrNetworkUnavailable), errors.Is(err, brokererrors.ErrThrottled):
			// transient; keep polling until the deadline
		case errors.Is(err, brokererrors.ErrExpired):
			b.dropPending(token)
			session.mustAdvance(StateDenied)
			b.countResult(ipc.ResultDenied)
			return &flightResult{resp: denied("device code expired; start over"), trace: session.Trace()}
		default:
			b.dropPending(token)
			b.backoff.RecordFailure(pend.upn, time.Now())
			session.mustAdvance(StateDenied)
			b.countResult(ipc.ResultDenied)
			return &flightResult{resp: denied("the identity provider rejected the exchange"), trace: session.Trace()}
		}

		if time.Now().After(pend.expiresAt) {
			b.dropPending(token)
			session.mustAdvance(StateDenied)
			b.countResult(ipc.ResultDenied)
			return &flightResult{resp: denied("device code expired; start over"), trace: session.Trace()}
		}

		select {
		case <-ctx.Done():
			session.mustAdvance(StateDeferred)
			b.countResult(ipc.ResultDeferred)
			resp := &ipc.Response{
				Result:       ipc.ResultDeferred,
				Message:      "still waiting for user approval; wait again",
				SessionToken: token,
			}
			return &flightResult{resp: resp, trace: session.Trace()}
		case <-time.After(interval):
		}
	}
}

func (b *Broker) dropPending(token string) {
	b.pendingMu.Lock()
	delete(b.pending, token)
	b.pendingMu.Unlock()
}

// RefreshSession renews a principal's tokens from the sealed refresh
// token, for screen unlock and session re-validation.
func (b *Broker) RefreshSession(ctx context.Context, req *ipc.Request) *ipc.Response {
	if req.UPN == "" {
		return protocolError("session refresh requires a principal")
	}
	deadline := time.Now().Add(b.timeout(req.TimeoutMS))

	ch := b.flights.DoChan(flightKey("refresh-session", req.UPN), func() (any, error) {
		session := NewSession(ipc.OpRefreshSession, req.UPN, deadline)
		fctx, cancel := context.WithDeadline(b.lifecycleCtx, deadline.Add(b.opts.ProviderGrace))
		defer cancel()

		resp := b.runRefresh(fctx, session, req.UPN)
		b.countResult(resp.Result)
		return &flightResult{resp: resp, trace: session.Trace()}, nil
	})
	return b.await(ctx, deadline, ch)
}

func (b *Broker) runRefresh(ctx context.Context, session *AuthSession, upn string) *ipc.Response {
	now := time.Now()
	session.mustAdvance(StateLookup)

	cred, ok := b.store.GetByUPN(upn, identity.KindRefreshToken)
	b.observeCacheLookup(ok)
	if !ok || !cred.Fresh(now) {
		session.mustAdvance(StateDenied)
		return denied("no renewable session; full authentication required")
	}

	session.mustAdvance(StateOnlineAuth)
	token, err := b.sealer.Unseal(ctx, cred.Sealed)
	b.observeSealOp("unseal", err)
	if err != nil {
		b.log.Warnf("Unsealing refresh token for %s: %v", upn, err)
		session.mustAdvance(StateDenied)
		return denied("cached session unusable; full authentication required")
	}

	b.observeProviderCall("refresh")
	tokens, principal, err := b.provider.Refresh(ctx, string(token))
	switch {
	case err == nil:
		return b.completeOnline(ctx, session, *principal, tokens, "")
	case errors.Is(err, brokererrors.ErrNetworkUnavailable), errors.Is(err, brokererrors.ErrThrottled):
		session.mustAdvance(StateDeferred)
		return deferred("provider unreachable; retry")
	case errors.Is(err, brokererrors.ErrExpired), errors.Is(err, brokererrors.ErrRevoked):
		if err := b.store.Invalidate(cred.Principal, identity.KindRefreshToken); err != nil {
			b.log.Warnf("Invalidating refresh token for %s: %v", upn, err)
		}
		session.mustAdvance(StateDenied)
		return denied("session expired; full authentication required")
	default:
		b.log.Errorf("Refreshing session for %s: %v", upn, err)
		session.mustAdvance(StateDenied)
		return denied("identity provider protocol error")
	}
}

// mapExchangeError converts a provider error into a terminal response when
// no cached material can answer instead. countFailure gates whether the
// denial feeds the principal's lockout counter.
func (b *Broker) mapExchangeError(session *AuthSession, upn string, err error, countFailure bool) *ipc.Response {
	switch {
	case errors.Is(err, brokererrors.ErrNetworkUnavailable), errors.Is(err, brokererrors.ErrThrottled):
		session.mustAdvance(StateDeferred)
		return deferred("provider unreachable; retry")
	case errors.Is(err, brokererrors.ErrDenied), errors.Is(err, brokererrors.ErrExpired), errors.Is(err, brokererrors.ErrRevoked):
		if countFailure {
			b.backoff.RecordFailure(upn, time.Now())
		}
		session.mustAdvance(StateDenied)
		return denied("the identity provider rejected the request")
	default:
		b.log.Errorf("Provider exchange for %s failed: %v", upn, err)
		session.mustAdvance(StateDenied)
		return denied("identity provider protocol error")
	}
}

func protocolError(format string, args ...any) *ipc.Response {
	return &ipc.Response{Result: ipc.ResultProtocolError, Message: fmt.Sprintf(format, args...)}
}

func denied(format string, args ...any) *ipc.Response {
	return &ipc.Response{Result: ipc.ResultDenied, Message: fmt.Sprintf(format, args...)}
}

func deferred(format string, args ...any) *ipc.Response {
	return &ipc.Response{Result: ipc.ResultDeferred, Message: fmt.Sprintf(format, args...)}
}
