package executer

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// Executer abstracts command execution so the task executor can be tested
// without touching the host.
type Executer interface {
	CommandContext(ctx context.Context, command string, args ...string) *exec.Cmd
	Execute(command string, args ...string) (stdout string, stderr string, exitCode int)
	ExecuteWithContext(ctx context.Context, command string, args ...string) (stdout string, stderr string, exitCode int)
}

type commonExecuter struct {
	// The uid and gid under which commands are executed. Negative implies
	// the current process user. If set, the process must run as root or
	// hold CAP_SETUID and CAP_SETGID.
	uid     int
	gid     int
	homeDir string
}

type ExecuterOption func(e *commonExecuter)

func WithUIDAndGID(uid uint32, gid uint32) ExecuterOption {
	return func(e *commonExecuter) {
		e.uid = int(uid)
		e.gid = int(gid)
	}
}

func WithHomeDir(homeDir string) ExecuterOption {
	return func(e *commonExecuter) {
		e.homeDir = homeDir
	}
}

func NewCommonExecuter(options ...ExecuterOption) *commonExecuter {
	e := &commonExecuter{
		uid:     -1,
		gid:     -1,
		homeDir: "",
	}
	for _, o := range options {
		o(e)
	}
	return e
}

func (e *commonExecuter) Execute(command string, args ...string) (stdout string, stderr string, exitCode int) {
	cmd := exec.Command(command, args...)
	return e.execute(context.Background(), cmd)
}

func (e *commonExecuter) ExecuteWithContext(ctx context.Context, command string, args ...string) (stdout string, stderr string, exitCode int) {
	cmd := e.CommandContext(ctx, command, args...)
	return e.execute(ctx, cmd)
}

func getExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if state, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus); ok {
			if state.Signal() == syscall.SIGKILL {
				return 137 // 128 + 9 (SIGKILL)
			}
		}
		return exitErr.ExitCode()
	}

	return -1
}

func getErrorStr(err error, stderr *bytes.Buffer) string {
	b := stderr.Bytes()
	if len(b) > 0 {
		return string(b)
	} else if err != nil {
		return err.Error()
	}

	return ""
}
