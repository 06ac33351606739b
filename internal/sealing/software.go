package sealing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

const (
	machineKeySize = 32
	saltSize       = 32

	hkdfInfo = "himmelblau credential sealing v1"
)

// softwareSealer is the fallback when no TPM is present: secrets are
// protected with a per-host machine key file. The trust model is weaker
// than hardware sealing (anyone who exfiltrates the key file and the cache
// can unseal), so the broker marks the cache as online-only trust in its
// audit log when this mode is active.
type softwareSealer struct {
	keyID string
	key   []byte
	log   *log.PrefixLogger
}

// NewSoftwareSealer loads the machine key at keyPath, generating it on
// first use with 0600 permissions.
func NewSoftwareSealer(keyPath string, logger *log.PrefixLogger) (Sealer, error) {
	key, err := loadOrGenerateMachineKey(keyPath)
	if err != nil {
		return nil, err
	}
	fp := sha256.Sum256(key)
	return &softwareSealer{
		keyID: hex.EncodeToString(fp[:8]),
		key:   key,
		log:   logger,
	}, nil
}

func loadOrGenerateMachineKey(keyPath string) ([]byte, error) {
	key, err := os.ReadFile(keyPath)
	if err == nil {
		if len(key) != machineKeySize {
			return nil, fmt.Errorf("machine key %s has unexpected size %d", keyPath, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading machine key: %w", err)
	}

	key = make([]byte, machineKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating machine key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("creating machine key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("writing machine key: %w", err)
	}
	return key, nil
}

func (s *softwareSealer) Mode() Mode { return ModeSoftware }

// blobKey derives a one-time AEAD key for a blob from the machine key and
// the blob's salt.
func (s *softwareSealer) blobKey(salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, s.key, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving blob key: %w", err)
	}
	return key, nil
}

func (s *softwareSealer) Seal(ctx context.Context, plaintext []byte) (*SealedBlob, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key, err := s.blobKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return &SealedBlob{
		Mode:       ModeSoftware,
		KeyID:      s.keyID,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(s.keyID)),
	}, nil
}

func (s *softwareSealer) Unseal(ctx context.Context, blob *SealedBlob) ([]byte, error) {
	if blob == nil || blob.Mode != ModeSoftware {
		return nil, fmt.Errorf("%w: blob was not software-sealed", brokererrors.ErrUnsealable)
	}
	if blob.KeyID != s.keyID {
		return nil, fmt.Errorf("%w: blob sealed under a different machine key", brokererrors.ErrUnsealable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := s.blobKey(blob.Salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, []byte(s.keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: integrity check failed", brokererrors.ErrUnsealable)
	}
	return plaintext, nil
}

func (s *softwareSealer) Close() error {
	for i := range s.key {
		s.key[i] = 0
	}
	return nil
}
