//go:build linux

package executer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func (e *commonExecuter) CommandContext(ctx context.Context, command string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, command, args...)

	// Setpgid keeps child processes in one process group so cancellation
	// reaps all of them; Pdeathsig cleans up if the daemon dies.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	if len(cmd.Env) == 0 {
		cmd.Env = os.Environ()
	}
	if e.homeDir != "" {
		cmd.Env = append(cmd.Env, "HOME="+e.homeDir)
	}

	if e.uid >= 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(e.uid), //nolint:gosec
			Gid: uint32(e.gid), //nolint:gosec
		}
	}

	cmd.Cancel = func() error {
		if cmd.Process != nil {
			// negative PID kills the process group
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	return cmd
}

func (e *commonExecuter) execute(ctx context.Context, cmd *exec.Cmd) (stdout string, stderr string, exitCode int) {
	var stdoutBytes, stderrBytes bytes.Buffer
	cmd.Stdout = &stdoutBytes
	cmd.Stderr = &stderrBytes

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stdoutBytes.String(), context.DeadlineExceeded.Error(), 124
		}
		return stdoutBytes.String(), getErrorStr(err, &stderrBytes), getExitCode(err)
	}

	return stdoutBytes.String(), stderrBytes.String(), 0
}
