//go:build linux

package transcode

import (
	"os"
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the child in its own process group and has the
// kernel kill it if the relay dies.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	return syscall.Kill(-p.Pid, sig)
}
