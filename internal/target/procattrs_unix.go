//go:build unix && !linux

package target

import (
	"os/exec"
	"syscall"
)

func configureProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
