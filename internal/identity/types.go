package identity

import (
	"fmt"
)

// Principal is a directory identity. Immutable once resolved; a directory
// rename produces a new Principal with the same ObjectID.
type Principal struct {
	// ObjectID is the stable unique identifier assigned by the directory.
	ObjectID string `json:"objectId" cbor:"object_id"`
	// UPN is the human-readable user principal name, e.g. "alice@contoso.com".
	UPN string `json:"upn" cbor:"upn"`
	// TenantID identifies the directory tenant the principal belongs to.
	TenantID string `json:"tenantId" cbor:"tenant_id"`
}

func (p Principal) String() string {
	return fmt.Sprintf("%s (%s)", p.UPN, p.ObjectID)
}

// CredentialKind is the closed set of credential types the broker caches.
// The set is fixed; cache and verifier logic switch exhaustively over it.
type CredentialKind string

const (
	KindPasswordVerifier CredentialKind = "password-verifier"
	KindRefreshToken     CredentialKind = "refresh-token"
	KindKerberosTicket   CredentialKind = "kerberos-ticket"
)

func (k CredentialKind) Valid() bool {
	switch k {
	case KindPasswordVerifier, KindRefreshToken, KindKerberosTicket:
		return true
	default:
		return false
	}
}

// OfflineCapable reports whether a cached credential of this kind may
// satisfy an authentication while the provider is unreachable. One-time
// exchanges (device codes ride on refresh tokens once redeemed) keep
// their defaults here; policy may further restrict via configuration.
func (k CredentialKind) OfflineCapable() bool {
	switch k {
	case KindPasswordVerifier, KindKerberosTicket:
		return true
	case KindRefreshToken:
		// a refresh token is only redeemable online
		return false
	default:
		return false
	}
}

// GroupRecord is the NSS-style projection of a directory group.
type GroupRecord struct {
	Name    string   `json:"name" cbor:"name"`
	GID     uint32   `json:"gid" cbor:"gid"`
	Members []string `json:"members,omitempty" cbor:"members,omitempty"`
}

// DirectoryRecord is the NSS-style projection of a Principal.
type DirectoryRecord struct {
	Name    string `json:"name" cbor:"name"`
	UID     uint32 `json:"uid" cbor:"uid"`
	GID     uint32 `json:"gid" cbor:"gid"`
	Gecos   string `json:"gecos" cbor:"gecos"`
	HomeDir string `json:"homeDir" cbor:"home_dir"`
	Shell   string `json:"shell" cbor:"shell"`
	// Groups holds directory group names the principal is a member of,
	// mapped onto local groups by the task executor.
	Groups []string `json:"groups,omitempty" cbor:"groups,omitempty"`
}
