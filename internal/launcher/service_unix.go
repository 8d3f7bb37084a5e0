//go:build !windows

package launcher

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// startService asks systemd or launchd to start name.
func startService(ctx context.Context, name string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.CommandContext(ctx, "launchctl", "kickstart", "system/"+name)
	} else {
		cmd = exec.CommandContext(ctx, "systemctl", "start", name)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(cmd.Args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// serviceOwnsPID reports whether the service manager lists pid as the main
// process of name.
func serviceOwnsPID(name string, pid int) bool {
	var out []byte
	var err error
	if runtime.GOOS == "darwin" {
		out, err = exec.Command("launchctl", "print", "system/"+name).Output()
		if err != nil {
			return false
		}
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(line, "pid = "); ok {
				return v == strconv.Itoa(pid)
			}
		}
		return false
	}

	out, err = exec.Command("systemctl", "show", "--property=MainPID", "--value", name).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == strconv.Itoa(pid)
}
