//go:build !linux

package transcode

import (
	"os"
	"os/exec"
	"syscall"
)

func setSysProcAttr(*exec.Cmd) {}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}
