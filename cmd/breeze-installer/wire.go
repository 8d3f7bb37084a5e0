package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/breeze-rmm/installer/internal/backup"
	"github.com/breeze-rmm/installer/internal/backup/providers"
	"github.com/breeze-rmm/installer/internal/config"
	"github.com/breeze-rmm/installer/internal/fsops"
	"github.com/breeze-rmm/installer/internal/installer"
	"github.com/breeze-rmm/installer/internal/launcher"
	"github.com/breeze-rmm/installer/internal/logging"
	"github.com/breeze-rmm/installer/internal/precheck"
	"github.com/breeze-rmm/installer/internal/procctl"
	"github.com/breeze-rmm/installer/internal/replace"
	"github.com/breeze-rmm/installer/internal/restart"
)

var log = logging.L("main")

type app struct {
	cfg          *config.Config
	verifier     *precheck.Verifier
	backups      *backup.Manager
	orchestrator *installer.Orchestrator
	closers      []io.Closer
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
}

// setup loads and validates configuration, initializes logging and wires
// every component of an install run.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{cfg: cfg}

	out, closer, err := logging.OpenOutput(cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	a.closers = append(a.closers, closer)
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	if result := cfg.ValidateTiered(); result.HasFatals() {
		a.Close()
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(result.Fatals...))
	}

	procs := procctl.New(cfg.TerminateGrace())
	fs := fsops.New(cfg.CopyWorkers)

	mirror, err := providers.NewRemote(ctx, cfg.RemoteBackup)
	if err != nil {
		log.Warn("remote snapshot mirror disabled", "provider", cfg.RemoteBackup.Provider, "error", err.Error())
		mirror = nil
	}
	if c, ok := mirror.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.backups = backup.NewManager(backup.Config{
		Store:      providers.NewLocalProvider(cfg.BackupDir),
		Mirror:     mirror,
		AppDataDir: cfg.AppDataDir,
		Retention:  cfg.BackupRetention,
		Workers:    cfg.CopyWorkers,
		Emptier:    fs,
	})
	a.verifier = &precheck.Verifier{
		StagingDir: cfg.StagingDir,
		BackupDir:  cfg.BackupDir,
		AppDataDir: cfg.AppDataDir,
		Procs:      procs,
	}

	starter := &launcher.Launcher{
		ExecutableName: cfg.ExecutableName,
		ServiceName:    cfg.ServiceName,
		Args:           cfg.LaunchArgs,
	}
	strategy, err := restart.Select(cfg.RestartStrategy, runtime.GOOS, restart.Deps{
		Procs:    procs,
		Starter:  starter,
		Interval: cfg.PollInterval(),
		Attempts: cfg.RestartPollAttempts,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orchestrator = installer.New(installer.Deps{
		Verifier:    a.verifier,
		Processes:   procs,
		Detector:    &launcher.Detector{ServiceName: cfg.ServiceName},
		Backups:     a.backups,
		Replacer:    replace.NewExecutor(fs, cfg.ExecutableName),
		Strategy:    strategy,
		StagingDir:  cfg.StagingDir,
		ProcessName: cfg.EffectiveProcessName(),
		ReportFile:  cfg.EffectiveReportFile(),
	})
	return a, nil
}
