package sealing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpmutil"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

const (
	DefaultTPMDevicePath = "/dev/tpm0"
	tpmVersionInfoPath   = "/sys/class/tpm/tpm0/tpm_version_major"
)

// TPMExists reports whether a TPM device node (hardware or kernel-emulated)
// is present on the host.
func TPMExists(devicePath string) bool {
	if devicePath == "" {
		devicePath = DefaultTPMDevicePath
	}
	_, err := os.Stat(devicePath)
	return err == nil
}

// ValidateTPMVersion2 rejects hosts exposing only a TPM 1.2 device.
func ValidateTPMVersion2() error {
	versionBytes, err := os.ReadFile(tpmVersionInfoPath)
	if err != nil {
		return fmt.Errorf("reading TPM version info: %w", err)
	}
	if string(bytes.TrimSpace(versionBytes)) != "2" {
		return fmt.Errorf("TPM is not version 2.0")
	}
	return nil
}

// tpmSealer seals secrets as TPM keyed-hash objects under a storage root
// key in the owner hierarchy. The SRK is a deterministic primary, so sealed
// blobs remain loadable across daemon restarts without persisting the key.
// The TPM channel is a single serialized resource: all commands run under
// one mutex.
type tpmSealer struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	srk  *tpm2.NamedHandle
	log  *log.PrefixLogger
}

// NewTPMSealer opens the TPM character device and prepares the storage
// root key.
func NewTPMSealer(devicePath string, logger *log.PrefixLogger) (Sealer, error) {
	if devicePath == "" {
		devicePath = DefaultTPMDevicePath
	}
	conn, err := tpmutil.OpenTPM(devicePath)
	if err != nil {
		return nil, fmt.Errorf("opening TPM device %s: %w", devicePath, err)
	}
	return newTPMSealerFromChannel(conn, logger)
}

// NewTPMSealerFromChannel wraps an already-open TPM channel. Used by tests
// running against a simulator.
func NewTPMSealerFromChannel(conn io.ReadWriteCloser, logger *log.PrefixLogger) (Sealer, error) {
	return newTPMSealerFromChannel(conn, logger)
}

func newTPMSealerFromChannel(conn io.ReadWriteCloser, logger *log.PrefixLogger) (*tpmSealer, error) {
	s := &tpmSealer{conn: conn, log: logger}
	if err := s.ensureSRK(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating storage root key: %w", err)
	}
	return s, nil
}

func (s *tpmSealer) Mode() Mode { return ModeTPM }

func (s *tpmSealer) transport() transport.TPM {
	return transport.FromReadWriter(s.conn)
}

// ensureSRK creates (or recreates, after a flush) the primary storage key.
// CreatePrimary with a fixed template is deterministic per hierarchy seed,
// so this yields the same key every daemon start. Callers hold s.mu except
// during construction.
func (s *tpmSealer) ensureSRK() error {
	cmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(tpm2.ECCSRKTemplate),
	}
	resp, err := cmd.Execute(s.transport())
	if err != nil {
		return fmt.Errorf("creating SRK primary: %w", err)
	}
	s.srk = &tpm2.NamedHandle{
		Handle: resp.ObjectHandle,
		Name:   resp.Name,
	}
	return nil
}

// srkLoaded verifies the cached SRK handle is still valid, regenerating it
// if the TPM flushed it.
func (s *tpmSealer) srkLoaded() error {
	if s.srk == nil {
		return s.ensureSRK()
	}
	readCmd := tpm2.ReadPublic{ObjectHandle: s.srk.Handle}
	if _, err := readCmd.Execute(s.transport()); err == nil {
		return nil
	}
	s.log.Debugf("SRK handle invalid, regenerating")
	return s.ensureSRK()
}

// sealedObjectTemplate is the public area of a keyed-hash sealed data
// object: no scheme, not signable, not decryptable, bound to this TPM.
func sealedObjectTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgKeyedHash,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:     true,
			FixedParent:  true,
			UserWithAuth: true,
			NoDA:         true,
		},
	}
}

func (s *tpmSealer) Seal(ctx context.Context, plaintext []byte) (*SealedBlob, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.srkLoaded(); err != nil {
		return nil, err
	}

	createCmd := tpm2.Create{
		ParentHandle: *s.srk,
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(&tpm2.TPM2BSensitiveData{
					Buffer: plaintext,
				}),
			},
		},
		InPublic: tpm2.New2B(sealedObjectTemplate()),
	}
	createRsp, err := createCmd.Execute(s.transport())
	if err != nil {
		return nil, fmt.Errorf("creating sealed data object: %w", err)
	}

	return &SealedBlob{
		Mode:    ModeTPM,
		Public:  tpm2.Marshal(createRsp.OutPublic),
		Private: tpm2.Marshal(createRsp.OutPrivate),
	}, nil
}

func (s *tpmSealer) Unseal(ctx context.Context, blob *SealedBlob) ([]byte, error) {
	if blob == nil || blob.Mode != ModeTPM {
		return nil, fmt.Errorf("%w: blob was not TPM-sealed", brokererrors.ErrUnsealable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](blob.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding public area: %v", brokererrors.ErrUnsealable, err)
	}
	priv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](blob.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding private area: %v", brokererrors.ErrUnsealable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.srkLoaded(); err != nil {
		return nil, err
	}

	loadCmd := tpm2.Load{
		ParentHandle: *s.srk,
		InPrivate:    *priv,
		InPublic:     *pub,
	}
	loadRsp, err := loadCmd.Execute(s.transport())
	if err != nil {
		// integrity failure or a blob sealed under another host's SRK
		return nil, fmt.Errorf("%w: loading sealed object: %v", brokererrors.ErrUnsealable, err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: loadRsp.ObjectHandle}
		if _, err := flushCmd.Execute(s.transport()); err != nil {
			s.log.Warnf("Flushing sealed object handle: %v", err)
		}
	}()

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.NamedHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
		},
	}
	unsealRsp, err := unsealCmd.Execute(s.transport())
	if err != nil {
		return nil, fmt.Errorf("%w: unsealing: %v", brokererrors.ErrUnsealable, err)
	}

	return unsealRsp.OutData.Buffer, nil
}

func (s *tpmSealer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srk != nil {
		flushCmd := tpm2.FlushContext{FlushHandle: s.srk.Handle}
		if _, err := flushCmd.Execute(s.transport()); err != nil {
			s.log.Debugf("Flushing SRK on close: %v", err)
		}
		s.srk = nil
	}
	return s.conn.Close()
}
