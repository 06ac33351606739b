//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
)

// PeerAuth authenticates the process on the other end of a unix socket
// connection before any frame is read: the kernel-reported credentials
// (SO_PEERCRED) must match an allowed uid or gid, and the peer's
// executable must sit under an allowed path. The exe check authenticates
// the calling process rather than just the calling user, so an arbitrary
// process of a permitted uid cannot impersonate the PAM/NSS shim.
type PeerAuth struct {
	// AllowedUIDs always admits the listed uids (typically just root).
	AllowedUIDs []uint32
	// AllowedGID admits processes whose primary gid matches (the shim
	// group); zero disables the gid check.
	AllowedGID uint32
	// AllowedExePrefixes restricts the peer's /proc/<pid>/exe target.
	// Empty disables the executable check.
	AllowedExePrefixes []string
}

// Credentials returns the kernel-verified peer identity of a unix socket
// connection.
func Credentials(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("accessing raw connection: %w", err)
	}
	var ucred *unix.Ucred
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("reading peer credentials: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("reading peer credentials: %w", sockErr)
	}
	return ucred, nil
}

// Authorize rejects the connection unless the peer passes both the
// credential and the executable check.
func (a *PeerAuth) Authorize(conn *net.UnixConn) error {
	ucred, err := Credentials(conn)
	if err != nil {
		return err
	}

	if !a.uidAllowed(ucred.Uid) && !(a.AllowedGID != 0 && ucred.Gid == a.AllowedGID) {
		return fmt.Errorf("%w: peer uid=%d gid=%d", brokererrors.ErrUnauthorized, ucred.Uid, ucred.Gid)
	}

	if len(a.AllowedExePrefixes) == 0 {
		return nil
	}

	// The exe link is read after the credential check; the peer still holds
	// the connection open so the pid cannot have been recycled by a
	// different binary without the kernel tearing the socket down.
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", ucred.Pid))
	if err != nil {
		return fmt.Errorf("%w: resolving peer executable: %v", brokererrors.ErrUnauthorized, err)
	}
	for _, prefix := range a.AllowedExePrefixes {
		if strings.HasPrefix(exe, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: peer executable %s is not an authorized client", brokererrors.ErrUnauthorized, exe)
}

func (a *PeerAuth) uidAllowed(uid uint32) bool {
	for _, allowed := range a.AllowedUIDs {
		if uid == allowed {
			return true
		}
	}
	return false
}
