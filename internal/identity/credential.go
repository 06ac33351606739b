package identity

import (
	"time"

	"github.com/ItsAzM8/himmelblau/internal/sealing"
)

// CachedCredential is the durable record the broker keeps per
// (principal, kind). The payload is sealed before it ever reaches disk;
// the plaintext exists only transiently inside the arbiter.
type CachedCredential struct {
	Principal Principal           `json:"principal"`
	Kind      CredentialKind      `json:"kind"`
	Sealed    *sealing.SealedBlob `json:"sealed"`
	IssuedAt  time.Time           `json:"issuedAt"`
	// ExpiresAt is the provider-side expiry of the underlying credential.
	// Zero means the provider did not state one.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	// MaxOfflineAge is the freshness policy: the maximum age at which this
	// credential may back an offline authentication.
	MaxOfflineAge time.Duration `json:"maxOfflineAge"`
}

// Fresh reports whether the credential may be trusted for offline
// authentication at the given instant. A credential exactly at its
// freshness cutoff is stale.
func (c *CachedCredential) Fresh(now time.Time) bool {
	if c == nil || c.Sealed == nil {
		return false
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return false
	}
	if c.MaxOfflineAge <= 0 {
		return false
	}
	return now.Before(c.IssuedAt.Add(c.MaxOfflineAge))
}
