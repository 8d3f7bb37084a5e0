//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// setDetached runs the child in its own session so it survives the installer
// and its controlling terminal.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
