package sealing

import (
	"context"
)

// Mode identifies which secure-element backend produced a SealedBlob.
type Mode string

const (
	// ModeTPM binds the blob to this host's TPM storage hierarchy.
	ModeTPM Mode = "tpm"
	// ModeSoftware protects the blob with a host-local key file. Offline
	// trust is weaker than hardware sealing; the broker records an audit
	// marker at startup when running in this mode.
	ModeSoftware Mode = "software"
)

// SealedBlob is ciphertext plus the metadata needed to unseal it. It is
// owned by the credential cache, never leaves the host, and is never
// logged.
type SealedBlob struct {
	Mode Mode `json:"mode"`

	// TPM mode: the marshaled TPM2B_PUBLIC/TPM2B_PRIVATE of the sealed
	// data object, loadable only under this host's storage root key.
	Public  []byte `json:"public,omitempty"`
	Private []byte `json:"private,omitempty"`

	// Software mode: HKDF salt, AEAD nonce and ciphertext (tag included),
	// plus the fingerprint of the machine key that derived the AEAD key.
	KeyID      string `json:"keyId,omitempty"`
	Salt       []byte `json:"salt,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// Sealer binds secret material to this host. Seal and Unseal are
// synchronous, perform no network I/O, and serialize access to the
// underlying secure element. Unseal failures of any flavor surface as
// brokererrors.ErrUnsealable; callers treat that as a cache miss, never
// as a fatal condition.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) (*SealedBlob, error)
	Unseal(ctx context.Context, blob *SealedBlob) ([]byte, error)
	Mode() Mode
	Close() error
}
