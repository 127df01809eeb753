//go:build linux

package target

import (
	"os/exec"
	"syscall"
)

// configureProcAttrs puts the target in its own process group, so signals
// meant for the proxy do not reach it, and ties its lifetime to ours.
func configureProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
