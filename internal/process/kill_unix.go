//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configure puts the worker in its own process group so that a kill also
// reaches the children it spawns.
func configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func kill(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return p.Kill()
	}
	return err
}
