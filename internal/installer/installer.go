// Package installer runs one update installation: verify, stop, back up,
// replace, roll back on failure and resume the application.
package installer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/breeze-rmm/installer/internal/backup"
	"github.com/breeze-rmm/installer/internal/installerr"
	"github.com/breeze-rmm/installer/internal/launcher"
	"github.com/breeze-rmm/installer/internal/logging"
	"github.com/breeze-rmm/installer/internal/pathlock"
	"github.com/breeze-rmm/installer/internal/restart"
)

var log = logging.L("installer")

// Request identifies the installation to update and the process running it.
type Request struct {
	InstallationFolder string
	ProcessID          int
}

// Result describes a finished run.
type Result struct {
	Path            Path
	Outcome         restart.Outcome
	Kind            launcher.Kind
	Strategy        string
	InstallSnapshot string
	AppDataSnapshot string
	StartedAt       time.Time
	FinishedAt      time.Time
	ReplaceError    string
	RestoreError    string
	ResumeError     string
	Trace           []State
}

func (r *Result) enter(s State) {
	r.Trace = append(r.Trace, s)
}

// Verifier checks an install request without side effects.
type Verifier interface {
	Verify(installFolder string, pid int) error
}

// Processes stops and names processes.
type Processes interface {
	Terminate(ctx context.Context, pid int) error
	Name(pid int) (string, error)
}

// Detector classifies the running application.
type Detector interface {
	Detect(pid int) launcher.Kind
}

// Backups snapshots and restores folders.
type Backups interface {
	Backup(ctx context.Context, installFolder string) (*backup.Snapshot, error)
	BackupAppData(ctx context.Context) (*backup.Snapshot, error)
	Restore(ctx context.Context, installFolder string) error
}

// Replacer swaps the installation folder for the staged package.
type Replacer interface {
	Replace(ctx context.Context, installFolder, stagedFolder string) error
}

// Deps wires an Orchestrator.
type Deps struct {
	Verifier    Verifier
	Processes   Processes
	Detector    Detector
	Backups     Backups
	Replacer    Replacer
	Strategy    restart.Strategy
	StagingDir  string
	ProcessName string
	ReportFile  string
	Locks       *pathlock.Locker
}

// Orchestrator runs install attempts.
type Orchestrator struct {
	deps Deps
	now  func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Locks == nil {
		deps.Locks = pathlock.Default
	}
	return &Orchestrator{deps: deps, now: time.Now}
}

// Install performs one install attempt.
//
// Verification failures are returned before anything changes. Once
// verification passes the resume step runs exactly once, last. It brings
// the application back unless the original process was never disturbed: a
// failed stop, or a backup failure under a strategy that stops only while
// resuming, leaves it running as it was. A failed replace is rolled back from the snapshot and is not an
// error to the caller; backup failures, restore failures and resume
// failures are.
func (o *Orchestrator) Install(ctx context.Context, req Request) (res Result, err error) {
	res.StartedAt = o.now()
	res.Strategy = o.deps.Strategy.Name()
	folder, pid := req.InstallationFolder, req.ProcessID
	logger := logging.WithInstall(log, folder, pid)

	res.enter(StateVerifying)
	if err := o.deps.Verifier.Verify(folder, pid); err != nil {
		res.FinishedAt = o.now()
		logger.Warn("install request rejected", logging.KeyError, err.Error())
		return res, err
	}

	release := o.deps.Locks.Acquire(folder)
	defer release()

	res.Kind = o.deps.Detector.Detect(pid)
	target := restart.Target{
		Folder:      folder,
		PID:         pid,
		Kind:        res.Kind,
		ProcessName: o.processName(pid, logger),
	}
	logger.Info("install started",
		logging.KeyStrategy, res.Strategy,
		"kind", res.Kind.String(),
		"process", target.ProcessName,
	)

	// stopped and replacing tell the resume step whether the original
	// process was disturbed at all.
	var stopped, replacing bool
	if o.deps.Strategy.StopBeforeReplace() {
		res.enter(StateStoppingProcess)
		if stopErr := o.deps.Processes.Terminate(ctx, pid); stopErr != nil {
			err = installerr.New(installerr.StopFailed, "stop application", "", stopErr)
			logger.Error("failed to stop application", logging.KeyError, err.Error())
			res.FinishedAt = o.now()
			o.writeReport(res, err)
			return res, err
		}
		stopped = true
	}

	defer func() {
		res.enter(StateResuming)
		if !stopped && !replacing {
			res.Outcome = restart.StillRunning
			logger.Info("application was never stopped, leaving it running")
			res.enter(StateDone)
			res.FinishedAt = o.now()
			o.writeReport(res, err)
			return
		}
		outcome, resumeErr := o.deps.Strategy.Resume(ctx, target)
		res.Outcome = outcome
		if resumeErr != nil {
			res.ResumeError = resumeErr.Error()
			logger.Error("failed to resume application", logging.KeyError, resumeErr.Error())
			err = errors.Join(err, resumeErr)
		} else {
			logger.Info("application resumed", "outcome", outcome.String())
		}
		res.enter(StateDone)
		res.FinishedAt = o.now()
		logger.Info("install finished",
			"path", res.Path.String(),
			logging.KeyDurationMs, res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		)
		o.writeReport(res, err)
	}()

	res.enter(StateBackingUp)
	snap, err := o.deps.Backups.Backup(ctx, folder)
	if err != nil {
		logger.Error("installation backup failed", logging.KeyError, err.Error())
		return res, err
	}
	res.InstallSnapshot = snap.ID
	appSnap, err := o.deps.Backups.BackupAppData(ctx)
	if err != nil {
		logger.Error("app data backup failed", logging.KeyError, err.Error())
		return res, err
	}
	if appSnap != nil {
		res.AppDataSnapshot = appSnap.ID
	}

	res.enter(StateReplacing)
	replacing = true
	replaceErr := o.deps.Replacer.Replace(ctx, folder, o.deps.StagingDir)
	if replaceErr == nil {
		res.Path = PathSucceeded
		res.enter(StateSucceeded)
		logger.Info("installation replaced", logging.KeySnapshotID, res.InstallSnapshot)
		return res, nil
	}

	res.ReplaceError = replaceErr.Error()
	logger.Error("install failed, restoring backup",
		"kind", string(installerr.ReplaceFailed),
		logging.KeyError, replaceErr.Error(),
	)
	// Restore must run even if the caller gave up on the install.
	if restoreErr := o.deps.Backups.Restore(context.WithoutCancel(ctx), folder); restoreErr != nil {
		res.Path = PathRestoreFailed
		res.RestoreError = restoreErr.Error()
		logger.Error("restore failed, installation folder may be incomplete",
			"fatal", true,
			logging.KeySnapshotID, res.InstallSnapshot,
			logging.KeyError, restoreErr.Error(),
		)
		return res, restoreErr
	}
	res.Path = PathRolledBack
	res.enter(StateRolledBack)
	logger.Warn("installation rolled back", logging.KeySnapshotID, res.InstallSnapshot)
	return res, nil
}

func (o *Orchestrator) processName(pid int, logger *slog.Logger) string {
	if o.deps.ProcessName != "" {
		return o.deps.ProcessName
	}
	name, err := o.deps.Processes.Name(pid)
	if err != nil {
		logger.Warn("could not read process name", logging.KeyError, err.Error())
		return ""
	}
	return name
}
