package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/installer/internal/backup"
	"github.com/breeze-rmm/installer/internal/backup/providers"
	"github.com/breeze-rmm/installer/internal/fsops"
	"github.com/breeze-rmm/installer/internal/installerr"
	"github.com/breeze-rmm/installer/internal/launcher"
	"github.com/breeze-rmm/installer/internal/precheck"
	"github.com/breeze-rmm/installer/internal/procctl"
	"github.com/breeze-rmm/installer/internal/replace"
	"github.com/breeze-rmm/installer/internal/restart"
)

const agentPID = 4242

// fakeProcs stands in for procctl: the original process exists until it is
// terminated, and a restarted copy appears on lookup appearAt.
type fakeProcs struct {
	mu         sync.Mutex
	alive      bool
	terminated int
	stopErr    error
	lookups    int
	appearAt   int
}

func (f *fakeProcs) Exists(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pid == agentPID && f.alive
}

func (f *fakeProcs) Name(int) (string, error) { return "breeze-agent", nil }

func (f *fakeProcs) Terminate(_ context.Context, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.alive = false
	return nil
}

func (f *fakeProcs) FindAllByName(name string) ([]procctl.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.appearAt > 0 && f.lookups >= f.appearAt {
		return []procctl.Handle{{PID: 5151, Name: name}}, nil
	}
	return nil, nil
}

type fakeDetector struct{ kind launcher.Kind }

func (d fakeDetector) Detect(int) launcher.Kind { return d.kind }

type fakeStarter struct {
	mu     sync.Mutex
	calls  int
	folder string
	err    error
}

func (s *fakeStarter) Start(_ context.Context, _ launcher.Kind, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.folder = folder
	return s.err
}

// countingStrategy wraps a strategy and counts Resume calls.
type countingStrategy struct {
	restart.Strategy
	resumes int
}

func (c *countingStrategy) Resume(ctx context.Context, t restart.Target) (restart.Outcome, error) {
	c.resumes++
	return c.Strategy.Resume(ctx, t)
}

// midCopyFailFS copies part of the package and then fails like a full disk.
type midCopyFailFS struct {
	*fsops.FS
}

func (f midCopyFailFS) TransferFolder(_ context.Context, src, dst string, _ fsops.Mode, _ bool) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(src, entries[0].Name()))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dst, entries[0].Name()), data, 0o644); err != nil {
		return err
	}
	return errors.New("write: no space left on device")
}

type failingRestore struct {
	*backup.Manager
}

func (failingRestore) Restore(context.Context, string) error {
	return installerr.New(installerr.RestoreFailed, "restore installation", "", errors.New("snapshot corrupt"))
}

type failingBackup struct {
	*backup.Manager
}

func (failingBackup) Backup(context.Context, string) (*backup.Snapshot, error) {
	return nil, installerr.New(installerr.BackupFailed, "backup installation", "", errors.New("read-only store"))
}

type env struct {
	root     string
	install  string
	staged   string
	backups  string
	appData  string
	report   string
	procs    *fakeProcs
	starter  *fakeStarter
	manager  *backup.Manager
	fs       replace.FileSystem
	strategy *countingStrategy
}

var oldFiles = map[string]string{"breeze-agent": "old binary", "a.dll": "old a", "b.dll": "old b"}
var newFiles = map[string]string{"breeze-agent": "new binary", "c.dll": "new c", "d.dll": "new d"}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:    root,
		install: filepath.Join(root, "install"),
		staged:  filepath.Join(root, "staged"),
		backups: filepath.Join(root, "backups"),
		procs:   &fakeProcs{alive: true},
		starter: &fakeStarter{},
	}
	e.report = filepath.Join(e.backups, "last-install.yaml")
	writeAll(t, e.install, oldFiles)
	writeAll(t, e.staged, newFiles)
	e.fs = fsops.New(2)
	e.manager = backup.NewManager(backup.Config{
		Store:     providers.NewLocalProvider(e.backups),
		Retention: 3,
		Workers:   2,
		Emptier:   fsops.New(1),
	})
	e.strategy = &countingStrategy{Strategy: restart.NewDirect(e.starter)}
	return e
}

func (e *env) orchestrator(backups Backups) *Orchestrator {
	if backups == nil {
		backups = e.manager
	}
	return New(Deps{
		Verifier:   &precheck.Verifier{StagingDir: e.staged, BackupDir: e.backups, AppDataDir: e.appData, Procs: e.procs},
		Processes:  e.procs,
		Detector:   fakeDetector{kind: launcher.KindService},
		Backups:    backups,
		Replacer:   replace.NewExecutor(e.fs, "breeze-agent"),
		Strategy:   e.strategy,
		StagingDir: e.staged,
		ReportFile: e.report,
	})
}

func writeAll(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readAll(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]string{}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatal(err)
		}
		out[entry.Name()] = string(data)
	}
	return out
}

func sameFiles(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestScenarioASuccessfulInstall(t *testing.T) {
	e := newEnv(t)
	res, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if got := readAll(t, e.install); !sameFiles(got, newFiles) {
		t.Fatalf("installation = %v, want %v", got, newFiles)
	}
	if res.Path != PathSucceeded || res.Outcome != restart.LaunchedDirectly {
		t.Fatalf("path=%v outcome=%v", res.Path, res.Outcome)
	}
	if e.procs.terminated != 1 {
		t.Fatalf("direct strategy should stop the process once, got %d", e.procs.terminated)
	}
	if e.starter.calls != 1 || e.starter.folder != e.install {
		t.Fatalf("launch calls=%d folder=%q", e.starter.calls, e.starter.folder)
	}

	snaps, err := e.manager.List(context.Background(), backup.KindInstall)
	if err != nil || len(snaps) != 1 || snaps[0].ID != res.InstallSnapshot {
		t.Fatalf("snapshots = %+v, err = %v", snaps, err)
	}
	restored := t.TempDir()
	if err := e.manager.RestoreSnapshot(context.Background(), &snaps[0], restored); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, restored); !sameFiles(got, oldFiles) {
		t.Fatalf("backup holds %v, want old files", got)
	}

	want := []State{StateVerifying, StateStoppingProcess, StateBackingUp, StateReplacing, StateSucceeded, StateResuming, StateDone}
	if len(res.Trace) != len(want) {
		t.Fatalf("trace = %v", res.Trace)
	}
	for i := range want {
		if res.Trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", res.Trace, want)
		}
	}
}

func TestScenarioBCopyFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.fs = midCopyFailFS{FS: fsops.New(1)}

	res, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if err != nil {
		t.Fatalf("rolled back install should not be an error: %v", err)
	}
	if res.Path != PathRolledBack {
		t.Fatalf("path = %v, want rolled back", res.Path)
	}
	if got := readAll(t, e.install); !sameFiles(got, oldFiles) {
		t.Fatalf("installation = %v, want original %v", got, oldFiles)
	}
	if res.ReplaceError == "" {
		t.Fatal("replace error not recorded")
	}
	if e.strategy.resumes != 1 || e.starter.calls != 1 {
		t.Fatalf("resumes=%d launches=%d, want 1", e.strategy.resumes, e.starter.calls)
	}

	report, err := ReadReport(e.report)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Path != "rolled_back" || report.ReplaceError == "" {
		t.Fatalf("report = %+v", report)
	}
}

func TestScenarioCSupervisedRestartAtTickThree(t *testing.T) {
	e := newEnv(t)
	e.procs.appearAt = 3
	e.strategy = &countingStrategy{Strategy: restart.NewSupervised(restart.Deps{
		Procs:    e.procs,
		Starter:  e.starter,
		Interval: time.Millisecond,
		Attempts: 5,
	})}

	res, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != restart.ExternallyRestarted {
		t.Fatalf("outcome = %v, want ExternallyRestarted", res.Outcome)
	}
	if e.starter.calls != 0 {
		t.Fatal("no direct launch expected after a supervisor restart")
	}
	if e.procs.terminated != 1 {
		t.Fatalf("original process terminated %d times, want 1", e.procs.terminated)
	}
	if e.procs.lookups != 3 {
		t.Fatalf("polled %d times, want 3", e.procs.lookups)
	}
	for _, s := range res.Trace {
		if s == StateStoppingProcess {
			t.Fatal("supervised strategy must not stop before replacing")
		}
	}
	if got := readAll(t, e.install); !sameFiles(got, newFiles) {
		t.Fatalf("installation = %v", got)
	}
}

func TestInvalidInputsMutateNothing(t *testing.T) {
	cases := []struct {
		name   string
		folder func(e *env) string
		pid    int
		kind   installerr.Kind
	}{
		{"blank folder", func(*env) string { return "" }, agentPID, installerr.InvalidArgument},
		{"missing folder", func(e *env) string { return filepath.Join(e.root, "nope") }, agentPID, installerr.PathNotFound},
		{"zero pid", func(e *env) string { return e.install }, 0, installerr.InvalidArgument},
		{"dead pid", func(e *env) string { return e.install }, 777, installerr.ProcessNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := newEnv(t)
			res, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: c.folder(e), ProcessID: c.pid})
			if installerr.KindOf(err) != c.kind {
				t.Fatalf("err = %v, want %s", err, c.kind)
			}
			if got := readAll(t, e.install); !sameFiles(got, oldFiles) {
				t.Fatalf("installation changed: %v", got)
			}
			if _, statErr := os.Stat(e.backups); !os.IsNotExist(statErr) {
				t.Fatal("backup store created for a rejected request")
			}
			if e.procs.terminated != 0 || e.strategy.resumes != 0 {
				t.Fatalf("terminated=%d resumes=%d", e.procs.terminated, e.strategy.resumes)
			}
			if len(res.Trace) != 1 || res.Trace[0] != StateVerifying {
				t.Fatalf("trace = %v", res.Trace)
			}
		})
	}
}

func TestMissingStagedPackageRejected(t *testing.T) {
	e := newEnv(t)
	if err := os.RemoveAll(e.staged); err != nil {
		t.Fatal(err)
	}
	_, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrPathNotFound) {
		t.Fatalf("err = %v, want PathNotFound", err)
	}
}

func TestBackupFailureStillResumesOnce(t *testing.T) {
	e := newEnv(t)
	res, err := e.orchestrator(failingBackup{e.manager}).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrBackupFailed) {
		t.Fatalf("err = %v, want BackupFailed", err)
	}
	if res.Path != PathNone {
		t.Fatalf("path = %v", res.Path)
	}
	if got := readAll(t, e.install); !sameFiles(got, oldFiles) {
		t.Fatal("installation must be untouched when the backup fails")
	}
	if e.strategy.resumes != 1 {
		t.Fatalf("resumes = %d, want 1", e.strategy.resumes)
	}
}

func TestSupervisedBackupFailureLeavesProcessRunning(t *testing.T) {
	e := newEnv(t)
	e.strategy = &countingStrategy{Strategy: restart.NewSupervised(restart.Deps{
		Procs:    e.procs,
		Starter:  e.starter,
		Interval: time.Millisecond,
		Attempts: 5,
	})}

	res, err := e.orchestrator(failingBackup{e.manager}).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrBackupFailed) {
		t.Fatalf("err = %v, want BackupFailed", err)
	}
	if e.procs.terminated != 0 || e.strategy.resumes != 0 || e.starter.calls != 0 {
		t.Fatalf("terminated=%d resumes=%d launches=%d, want the original left alone",
			e.procs.terminated, e.strategy.resumes, e.starter.calls)
	}
	if res.Outcome != restart.StillRunning {
		t.Fatalf("outcome = %v, want StillRunning", res.Outcome)
	}
	if last := res.Trace[len(res.Trace)-1]; last != StateDone {
		t.Fatalf("trace = %v", res.Trace)
	}
	report, readErr := ReadReport(e.report)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if report.Outcome != "still_running" || report.Error == "" {
		t.Fatalf("report = %+v", report)
	}
}

// assertUntouched checks the old installation files one by one, so extra
// directories inside the installation do not matter.
func assertUntouched(t *testing.T, e *env) {
	t.Helper()
	for name, want := range oldFiles {
		data, err := os.ReadFile(filepath.Join(e.install, name))
		if err != nil || string(data) != want {
			t.Fatalf("%s changed: %q, %v", name, data, err)
		}
	}
	if _, err := os.Stat(e.backups); !os.IsNotExist(err) {
		t.Fatal("backup store created for a rejected request")
	}
	if e.procs.terminated != 0 || e.strategy.resumes != 0 {
		t.Fatalf("terminated=%d resumes=%d", e.procs.terminated, e.strategy.resumes)
	}
}

func TestAppDataInsideInstallationRejected(t *testing.T) {
	e := newEnv(t)
	e.appData = filepath.Join(e.install, "data")
	writeAll(t, e.appData, map[string]string{"settings.db": "user state"})
	e.manager = backup.NewManager(backup.Config{
		Store:      providers.NewLocalProvider(e.backups),
		AppDataDir: e.appData,
		Workers:    2,
	})

	res, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	if len(res.Trace) != 1 {
		t.Fatalf("trace = %v", res.Trace)
	}
	assertUntouched(t, e)
	data, readErr := os.ReadFile(filepath.Join(e.appData, "settings.db"))
	if readErr != nil || string(data) != "user state" {
		t.Fatalf("app data changed: %q, %v", data, readErr)
	}
}

func TestStagingInsideInstallationRejected(t *testing.T) {
	e := newEnv(t)
	e.staged = filepath.Join(e.install, "update")
	writeAll(t, e.staged, newFiles)

	res, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	if res.Path != PathNone {
		t.Fatalf("path = %v", res.Path)
	}
	assertUntouched(t, e)
	if got := readAll(t, e.staged); !sameFiles(got, newFiles) {
		t.Fatalf("staged package changed: %v", got)
	}
}

func TestRestoreFailureIsSurfaced(t *testing.T) {
	e := newEnv(t)
	e.fs = midCopyFailFS{FS: fsops.New(1)}

	res, err := e.orchestrator(failingRestore{e.manager}).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrRestoreFailed) {
		t.Fatalf("err = %v, want RestoreFailed", err)
	}
	if res.Path != PathRestoreFailed || res.RestoreError == "" {
		t.Fatalf("path=%v restoreError=%q", res.Path, res.RestoreError)
	}
	if e.strategy.resumes != 1 {
		t.Fatalf("resumes = %d, want 1", e.strategy.resumes)
	}
}

func TestStopFailureDoesNotResume(t *testing.T) {
	e := newEnv(t)
	e.procs.stopErr = errors.New("access denied")

	_, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrStopFailed) {
		t.Fatalf("err = %v, want StopFailed", err)
	}
	if e.strategy.resumes != 0 {
		t.Fatal("the original process is still running; nothing to resume")
	}
	if got := readAll(t, e.install); !sameFiles(got, oldFiles) {
		t.Fatal("installation changed after a failed stop")
	}
}

func TestResumeFailureIsReturned(t *testing.T) {
	e := newEnv(t)
	e.starter.err = errors.New("service disabled")

	res, err := e.orchestrator(nil).Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
	if !errors.Is(err, installerr.ErrRestartFailed) {
		t.Fatalf("err = %v, want RestartFailed", err)
	}
	if res.Path != PathSucceeded || res.ResumeError == "" {
		t.Fatalf("path=%v resumeError=%q", res.Path, res.ResumeError)
	}
	report, readErr := ReadReport(e.report)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if report.Error == "" || report.Outcome != "none" {
		t.Fatalf("report = %+v", report)
	}
}

func TestConcurrentInstallsOnOneFolderSerialize(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.procs.mu.Lock()
			e.procs.alive = true
			e.procs.mu.Unlock()
			_, errs[i] = o.Install(context.Background(), Request{InstallationFolder: e.install, ProcessID: agentPID})
		}()
	}
	wg.Wait()

	if got := readAll(t, e.install); !sameFiles(got, newFiles) {
		t.Fatalf("installation = %v after concurrent installs", got)
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, installerr.ErrProcessNotFound) {
			t.Fatalf("unexpected error %v", err)
		}
	}
}
