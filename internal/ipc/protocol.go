package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
)

// Frames are a 4-byte big-endian length followed by a CBOR body. The limit
// bounds what a hostile local process can make the daemon buffer.
const MaxFrameSize = 256 * 1024

// Op is the request kind carried in a frame.
type Op string

const (
	OpAuthenticate   Op = "authenticate"
	OpResolvePasswd  Op = "resolve-passwd"
	OpResolveGroup   Op = "resolve-group"
	OpRefreshSession Op = "refresh-session"

	// OpProvision and OpApplyPolicies are accepted only on the root-only
	// tasks socket, never on the shim socket.
	OpProvision     Op = "provision"
	OpApplyPolicies Op = "apply-policies"
)

// Flow selects the authentication exchange for OpAuthenticate.
type Flow string

const (
	// FlowPassword authenticates with the supplied secret, online when the
	// provider is reachable, otherwise against the sealed local verifier.
	FlowPassword Flow = "password"
	// FlowDeviceCode starts a device-code exchange; the response carries
	// the user code and a session token for FlowDeviceCodeWait.
	FlowDeviceCode Flow = "device-code"
	// FlowDeviceCodeWait blocks on a pending device-code exchange.
	FlowDeviceCodeWait Flow = "device-code-wait"
)

// Request is one CBOR-encoded request frame from a shim (or, on the tasks
// socket, from the broker).
type Request struct {
	Op        Op     `cbor:"op"`
	RequestID string `cbor:"request_id,omitempty"`

	// Authenticate / RefreshSession
	UPN          string `cbor:"upn,omitempty"`
	Secret       string `cbor:"secret,omitempty"`
	Flow         Flow   `cbor:"flow,omitempty"`
	SessionToken string `cbor:"session_token,omitempty"`

	// ResolvePasswd / ResolveGroup: exactly one of Name or NumericID
	Name      string  `cbor:"name,omitempty"`
	NumericID *uint32 `cbor:"numeric_id,omitempty"`

	// TimeoutMS caps how long the broker may hold this request before
	// answering Deferred. Zero means the daemon default.
	TimeoutMS int64 `cbor:"timeout_ms,omitempty"`

	// Provision / ApplyPolicies (tasks socket only)
	Principal *identity.Principal       `cbor:"principal,omitempty"`
	Record    *identity.DirectoryRecord `cbor:"record,omitempty"`
	Groups    []identity.GroupRecord    `cbor:"groups,omitempty"`
	Policies  []identity.Policy         `cbor:"policies,omitempty"`
}

// Result is the taxonomy of caller-visible outcomes.
type Result string

const (
	ResultSuccess           Result = "success"
	ResultDenied            Result = "denied"
	ResultDeferred          Result = "deferred"
	ResultNotFound          Result = "not-found"
	ResultDeviceAuthPending Result = "device-auth-pending"
	ResultPermissionDenied  Result = "permission-denied"
	ResultFilesystemError   Result = "filesystem-error"
	ResultProtocolError     Result = "protocol-error"
)

// Response is one CBOR-encoded response frame.
type Response struct {
	RequestID string `cbor:"request_id,omitempty"`
	Result    Result `cbor:"result"`
	Message   string `cbor:"message,omitempty"`

	Record *identity.DirectoryRecord `cbor:"record,omitempty"`
	Group  *identity.GroupRecord     `cbor:"group,omitempty"`

	// SessionToken identifies a pending device-code exchange; the shim
	// presents it in FlowDeviceCodeWait.
	SessionToken string `cbor:"session_token,omitempty"`
	// UserCode and VerificationURI are relayed to the user for the
	// device-code flow.
	UserCode        string `cbor:"user_code,omitempty"`
	VerificationURI string `cbor:"verification_uri,omitempty"`
}

// Err maps a terminal result onto the broker error taxonomy, for callers
// that branch with errors.Is rather than on result codes.
func (r *Response) Err() error {
	switch r.Result {
	case ResultSuccess, ResultDeviceAuthPending:
		return nil
	case ResultDenied:
		return brokererrors.ErrDenied
	case ResultDeferred:
		return brokererrors.ErrDeferred
	case ResultNotFound:
		return brokererrors.ErrNotFound
	case ResultPermissionDenied:
		return brokererrors.ErrPermissionDenied
	case ResultFilesystemError:
		return brokererrors.ErrFilesystem
	default:
		return brokererrors.ErrProtocol
	}
}

// WriteFrame encodes v and writes one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", brokererrors.ErrProtocol, len(body))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame into v. Oversized or
// undecodable frames return ErrProtocol; the caller terminates the
// connection without mutating state.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d out of bounds", brokererrors.ErrProtocol, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decoding frame: %v", brokererrors.ErrProtocol, err)
	}
	return nil
}
