package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/ipc"
)

// ResolvePasswd answers an NSS passwd lookup by name or uid. Lookups are
// served from the record cache; a by-name miss may be filled online when a
// renewable session for a matching principal is cached.
func (b *Broker) ResolvePasswd(ctx context.Context, req *ipc.Request) *ipc.Response {
	switch {
	case req.Name != "" && req.NumericID == nil:
		if record, ok := b.records.UserByName(req.Name); ok {
			b.observeCacheLookup(true)
			return &ipc.Response{Result: ipc.ResultSuccess, Record: record}
		}
		b.observeCacheLookup(false)
		return b.fillUserByName(ctx, req.Name, time.Now().Add(b.timeout(req.TimeoutMS)))
	case req.NumericID != nil && req.Name == "":
		if record, ok := b.records.UserByUID(*req.NumericID); ok {
			b.observeCacheLookup(true)
			return &ipc.Response{Result: ipc.ResultSuccess, Record: record}
		}
		// numeric ids cannot be reversed into a directory query
		b.observeCacheLookup(false)
		return notFound("unknown uid")
	default:
		return protocolError("passwd lookup requires exactly one of name or numeric id")
	}
}

// ResolveGroup answers an NSS group lookup by name or gid. Groups are only
// discovered through user resolution, so a miss is terminal.
func (b *Broker) ResolveGroup(_ context.Context, req *ipc.Request) *ipc.Response {
	switch {
	case req.Name != "" && req.NumericID == nil:
		if group, ok := b.records.GroupByName(req.Name); ok {
			b.observeCacheLookup(true)
			return &ipc.Response{Result: ipc.ResultSuccess, Group: group}
		}
	case req.NumericID != nil && req.Name == "":
		if group, ok := b.records.GroupByGID(*req.NumericID); ok {
			b.observeCacheLookup(true)
			return &ipc.Response{Result: ipc.ResultSuccess, Group: group}
		}
	default:
		return protocolError("group lookup requires exactly one of name or numeric id")
	}
	b.observeCacheLookup(false)
	return notFound("unknown group")
}

// fillUserByName resolves a record-cache miss online, provided a fresh
// refresh token for a principal with that local name is cached. Without
// one the name does not belong to a brokered user.
func (b *Broker) fillUserByName(ctx context.Context, name string, deadline time.Time) *ipc.Response {
	cred, ok := b.store.FindByLocalName(name, identity.KindRefreshToken)
	if !ok || !cred.Fresh(time.Now()) {
		return notFound("unknown user")
	}

	ch := b.flights.DoChan(flightKey("resolve-user", name), func() (any, error) {
		fctx, cancel := context.WithDeadline(b.lifecycleCtx, deadline.Add(b.opts.ProviderGrace))
		defer cancel()
		return &flightResult{resp: b.resolveUserOnline(fctx, cred)}, nil
	})
	return b.await(ctx, deadline, ch)
}

func (b *Broker) resolveUserOnline(ctx context.Context, cred *identity.CachedCredential) *ipc.Response {
	token, err := b.sealer.Unseal(ctx, cred.Sealed)
	b.observeSealOp("unseal", err)
	if err != nil {
		b.log.Warnf("Unsealing refresh token for %s: %v", cred.Principal.UPN, err)
		return notFound("unknown user")
	}

	b.observeProviderCall("refresh")
	tokens, principal, err := b.provider.Refresh(ctx, string(token))
	if err != nil {
		b.log.Debugf("Online lookup for %s: %v", cred.Principal.UPN, err)
		return notFound("unknown user")
	}
	if tokens.RefreshToken != "" {
		if _, err := b.store.Put(ctx, *principal, identity.KindRefreshToken, []byte(tokens.RefreshToken), time.Time{}, b.freshness(identity.KindRefreshToken)); err != nil {
			b.log.Warnf("Caching refresh token for %s: %v", principal.UPN, err)
		}
	}

	record, _ := b.resolveAndCacheRecord(ctx, tokens.AccessToken, *principal)
	if record == nil {
		return notFound("unknown user")
	}
	return &ipc.Response{Result: ipc.ResultSuccess, Record: record}
}

func notFound(format string, args ...any) *ipc.Response {
	return &ipc.Response{Result: ipc.ResultNotFound, Message: fmt.Sprintf(format, args...)}
}
