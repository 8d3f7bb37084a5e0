package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validStrategies = map[string]bool{
	"auto":       true,
	"direct":     true,
	"supervised": true,
}

var validProviders = map[string]bool{
	"":      true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

// ValidationResult separates errors that must stop an install from values
// that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped to safe
// values and reported as warnings; anything that would make an install unsafe
// or impossible is fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.ExecutableName) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("executable_name is required"))
	} else if strings.ContainsAny(c.ExecutableName, `/\`) {
		r.Fatals = append(r.Fatals, fmt.Errorf("executable_name %q must be a file name, not a path", c.ExecutableName))
	}

	for key, dir := range map[string]string{
		"staging_dir":  c.StagingDir,
		"backup_dir":   c.BackupDir,
		"app_data_dir": c.AppDataDir,
	} {
		if strings.TrimSpace(dir) == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s is required", key))
		}
	}

	if c.BackupDir != "" && c.AppDataDir != "" && isWithin(c.BackupDir, c.AppDataDir) {
		r.Fatals = append(r.Fatals, fmt.Errorf("backup_dir %q must not be inside app_data_dir %q", c.BackupDir, c.AppDataDir))
	}
	if c.BackupDir != "" && c.StagingDir != "" && isWithin(c.BackupDir, c.StagingDir) {
		r.Fatals = append(r.Fatals, fmt.Errorf("backup_dir %q must not be inside staging_dir %q", c.BackupDir, c.StagingDir))
	}

	if !validStrategies[strings.ToLower(c.RestartStrategy)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("restart_strategy %q is not valid (use auto, direct, supervised)", c.RestartStrategy))
	}

	r.Fatals = append(r.Fatals, c.RemoteBackup.validate()...)

	clamp := func(name string, v *int, lo, hi int) {
		if *v < lo {
			r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
			*v = lo
		} else if *v > hi {
			r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
			*v = hi
		}
	}
	clamp("backup_retention", &c.BackupRetention, 1, 50)
	clamp("restart_poll_interval_ms", &c.RestartPollIntervalMs, 100, 60000)
	clamp("restart_poll_attempts", &c.RestartPollAttempts, 1, 60)
	clamp("terminate_grace_seconds", &c.TerminateGraceSeconds, 1, 300)
	clamp("copy_workers", &c.CopyWorkers, 1, 64)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

// Validate returns every problem found, fatal or not.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

func (r RemoteBackup) validate() []error {
	var errs []error
	p := strings.ToLower(r.Provider)
	if !validProviders[p] {
		return []error{fmt.Errorf("remote_backup.provider %q is not valid (use s3, gcs, azure, b2)", r.Provider)}
	}
	if p == "" {
		return nil
	}
	if r.Bucket == "" {
		errs = append(errs, fmt.Errorf("remote_backup.bucket is required for provider %s", p))
	}
	switch p {
	case "s3":
		if r.Region == "" {
			errs = append(errs, fmt.Errorf("remote_backup.region is required for provider s3"))
		}
	case "azure":
		if r.ConnString == "" {
			errs = append(errs, fmt.Errorf("remote_backup.connection_string is required for provider azure"))
		}
	case "b2":
		if r.AccessKeyID == "" || r.SecretAccessKey == "" {
			errs = append(errs, fmt.Errorf("remote_backup.access_key_id and secret_access_key are required for provider b2"))
		}
	}
	return errs
}

// isWithin reports whether path equals dir or lies beneath it.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
