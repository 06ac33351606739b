package broker

import (
	"fmt"

	"github.com/GehirnInc/crypt"
	"github.com/GehirnInc/crypt/sha512_crypt"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
)

// hashPassword derives the sha512-crypt verifier that backs offline
// authentication. Only the verifier is ever sealed and cached; the
// password itself is discarded with the request.
func hashPassword(password string) (string, error) {
	crypter := sha512_crypt.New()
	hash, err := crypter.Generate([]byte(password), nil)
	if err != nil {
		return "", fmt.Errorf("deriving password verifier: %w", err)
	}
	return hash, nil
}

// verifyPassword checks a password against a cached sha512-crypt verifier.
// A mismatch is ErrDenied; a verifier in an unexpected format is treated
// the same way rather than leaking format detail to the caller.
func verifyPassword(verifier, password string) error {
	crypter := sha512_crypt.New()
	err := crypter.Verify(verifier, []byte(password))
	switch err {
	case nil:
		return nil
	case crypt.ErrKeyMismatch:
		return brokererrors.ErrDenied
	default:
		return fmt.Errorf("%w: verifier check failed", brokererrors.ErrDenied)
	}
}
