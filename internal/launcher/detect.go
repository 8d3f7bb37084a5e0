package launcher

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// supervisorNames are parent processes that mean the application is managed
// by a service manager rather than started from a shell. A parent with PID 1
// never counts: orphaned console processes are reparented there too.
var supervisorNames = map[string]bool{
	"systemd":      true,
	"launchd":      true,
	"init":         true,
	"services":     true,
	"supervisord":  true,
	"runsv":        true,
	"s6-supervise": true,
	"nssm":         true,
}

// Detector decides the Kind of a running process.
type Detector struct {
	// ServiceName, when set, is the only evidence that counts: the process
	// is a service exactly when the platform service manager reports it as
	// that service's main process.
	ServiceName string

	ownsPID  func(name string, pid int) bool
	parentOf func(pid int) (ppid int32, name string, err error)
}

// Detect returns KindService when pid belongs to the configured service, or,
// with no service configured, when its parent is a known supervisor other
// than PID 1. Everything else, including lookup failures, is KindConsole.
func (d *Detector) Detect(pid int) Kind {
	if d.ServiceName != "" {
		owns := d.ownsPID
		if owns == nil {
			owns = serviceOwnsPID
		}
		if owns(d.ServiceName, pid) {
			return KindService
		}
		log.Debug("detect: not owned by service", "pid", pid, "service", d.ServiceName)
		return KindConsole
	}

	parentOf := d.parentOf
	if parentOf == nil {
		parentOf = processParent
	}
	ppid, name, err := parentOf(pid)
	if err != nil {
		log.Debug("detect: parent lookup failed", "pid", pid, "error", err.Error())
		return KindConsole
	}
	if ppid <= 1 {
		return KindConsole
	}
	if isSupervisor(name) {
		log.Debug("detect: supervised parent", "pid", pid, "parent", name)
		return KindService
	}
	return KindConsole
}

func processParent(pid int) (int32, string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, "", err
	}
	ppid, err := p.Ppid()
	if err != nil {
		return 0, "", err
	}
	if ppid < 1 {
		return ppid, "", nil
	}
	parent, err := process.NewProcess(ppid)
	if err != nil {
		return 0, "", err
	}
	name, err := parent.Name()
	if err != nil {
		return 0, "", err
	}
	return ppid, name, nil
}

func isSupervisor(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".exe")
	return supervisorNames[name]
}
