package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
}

func TestValidateTieredMissingExecutableIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ExecutableName = "  "
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("blank executable name should be fatal")
	}
}

func TestValidateTieredExecutablePathIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ExecutableName = "bin/breeze-agent"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("executable name with a separator should be fatal")
	}
}

func TestValidateTieredBackupInsideAppDataIsFatal(t *testing.T) {
	cfg := Default()
	cfg.AppDataDir = filepath.Join("var", "lib", "breeze")
	cfg.BackupDir = filepath.Join("var", "lib", "breeze", "backups")
	result := cfg.ValidateTiered()
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "must not be inside app_data_dir") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected backup/app data overlap fatal, got %v", result.Fatals)
	}
}

func TestValidateTieredUnknownStrategyIsFatal(t *testing.T) {
	cfg := Default()
	cfg.RestartStrategy = "reboot"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("unknown restart strategy should be fatal")
	}
}

func TestValidateTieredPollClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.RestartPollAttempts = 0
	cfg.RestartPollIntervalMs = 5
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped values should be warnings, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", result.Warnings)
	}
	if cfg.RestartPollAttempts != 1 {
		t.Fatalf("RestartPollAttempts = %d, want 1 (clamped)", cfg.RestartPollAttempts)
	}
	if cfg.RestartPollIntervalMs != 100 {
		t.Fatalf("RestartPollIntervalMs = %d, want 100 (clamped)", cfg.RestartPollIntervalMs)
	}
}

func TestValidateTieredHighCopyWorkersClamped(t *testing.T) {
	cfg := Default()
	cfg.CopyWorkers = 1000
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("unexpected fatals: %v", result.Fatals)
	}
	if cfg.CopyWorkers != 64 {
		t.Fatalf("CopyWorkers = %d, want 64", cfg.CopyWorkers)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredRemoteBackupRequirements(t *testing.T) {
	cases := []struct {
		name   string
		remote RemoteBackup
		fatal  bool
	}{
		{"disabled", RemoteBackup{}, false},
		{"unknown provider", RemoteBackup{Provider: "ftp", Bucket: "b"}, true},
		{"s3 without region", RemoteBackup{Provider: "s3", Bucket: "b"}, true},
		{"s3 complete", RemoteBackup{Provider: "s3", Bucket: "b", Region: "us-east-1"}, false},
		{"azure without connection string", RemoteBackup{Provider: "azure", Bucket: "c"}, true},
		{"b2 without keys", RemoteBackup{Provider: "b2", Bucket: "b"}, true},
		{"gcs without bucket", RemoteBackup{Provider: "gcs"}, true},
		{"gcs complete", RemoteBackup{Provider: "gcs", Bucket: "b"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.RemoteBackup = tc.remote
			if got := cfg.ValidateTiered().HasFatals(); got != tc.fatal {
				t.Fatalf("HasFatals = %v, want %v", got, tc.fatal)
			}
		})
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.RestartStrategy = "bogus" // fatal
	cfg.BackupRetention = 0       // warning
	all := cfg.Validate()
	if len(all) < 2 {
		t.Fatalf("Validate() returned %d errors, expected at least 2", len(all))
	}
}

func TestIsWithin(t *testing.T) {
	base := filepath.Join("opt", "breeze")
	if !isWithin(filepath.Join(base, "backups"), base) {
		t.Fatal("child should be within parent")
	}
	if !isWithin(base, base) {
		t.Fatal("dir should be within itself")
	}
	if isWithin(filepath.Join("opt", "breeze-backups"), base) {
		t.Fatal("sibling with shared prefix is not within")
	}
}
