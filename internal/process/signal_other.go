//go:build !unix

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if sig == killSignal {
		return cmd.Process.Kill()
	}
	err := cmd.Process.Signal(sig)
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}
