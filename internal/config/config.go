package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/installer/internal/pathlock"
)

const (
	configName = "installer"
	envPrefix  = "BREEZE_INSTALLER"
)

// RemoteBackup configures the optional off-box mirror of backup snapshots.
type RemoteBackup struct {
	Provider        string `mapstructure:"provider"` // "", s3, gcs, azure, b2
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	CredentialsFile string `mapstructure:"credentials_file"`
	ConnString      string `mapstructure:"connection_string"`
}

// Enabled reports whether a remote provider is configured.
func (r RemoteBackup) Enabled() bool {
	return r.Provider != ""
}

type Config struct {
	AppName               string       `mapstructure:"app_name"`
	ExecutableName        string       `mapstructure:"executable_name"`
	ProcessName           string       `mapstructure:"process_name"`
	ServiceName           string       `mapstructure:"service_name"`
	LaunchArgs            []string     `mapstructure:"launch_args"`
	StagingDir            string       `mapstructure:"staging_dir"`
	AppDataDir            string       `mapstructure:"app_data_dir"`
	BackupDir             string       `mapstructure:"backup_dir"`
	BackupRetention       int          `mapstructure:"backup_retention"`
	RestartStrategy       string       `mapstructure:"restart_strategy"`
	RestartPollIntervalMs int          `mapstructure:"restart_poll_interval_ms"`
	RestartPollAttempts   int          `mapstructure:"restart_poll_attempts"`
	TerminateGraceSeconds int          `mapstructure:"terminate_grace_seconds"`
	CopyWorkers           int          `mapstructure:"copy_workers"`
	LogLevel              string       `mapstructure:"log_level"`
	LogFormat             string       `mapstructure:"log_format"`
	LogFile               string       `mapstructure:"log_file"`
	ReportFile            string       `mapstructure:"report_file"`
	RemoteBackup          RemoteBackup `mapstructure:"remote_backup"`
}

func Default() *Config {
	exe := "breeze-agent"
	if runtime.GOOS == "windows" {
		exe += ".exe"
	}
	return &Config{
		AppName:               "breeze-agent",
		ExecutableName:        exe,
		ServiceName:           defaultServiceName(),
		LaunchArgs:            []string{"run"},
		StagingDir:            filepath.Join(dataDir(), "updates", "staged"),
		AppDataDir:            filepath.Join(dataDir(), "data"),
		BackupDir:             filepath.Join(dataDir(), "backups"),
		BackupRetention:       3,
		RestartStrategy:       "auto",
		RestartPollIntervalMs: 1000,
		RestartPollAttempts:   5,
		TerminateGraceSeconds: 10,
		CopyWorkers:           4,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// PollInterval is the supervised-restart tick.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.RestartPollIntervalMs) * time.Millisecond
}

// TerminateGrace is how long a terminated process gets before it is killed.
func (c *Config) TerminateGrace() time.Duration {
	return time.Duration(c.TerminateGraceSeconds) * time.Second
}

// EffectiveProcessName is the name an externally restarted instance runs
// under. It defaults to the executable name.
func (c *Config) EffectiveProcessName() string {
	if c.ProcessName != "" {
		return c.ProcessName
	}
	return c.ExecutableName
}

// EffectiveReportFile is where the install report is written.
func (c *Config) EffectiveReportFile() string {
	if c.ReportFile != "" {
		return c.ReportFile
	}
	return filepath.Join(c.BackupDir, "last-install.yaml")
}

// Path returns the file Load and SaveTo use for cfgFile.
func Path(cfgFile string) string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(configDir(), configName+".yaml")
}

// Load reads the config file (if any) and environment overrides. The backing
// file is locked for the duration of the read.
func Load(cfgFile string) (*Config, error) {
	release := pathlock.Default.Acquire(Path(cfgFile))
	defer release()

	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes cfg as YAML, holding the file's lock while writing.
func SaveTo(cfg *Config, cfgFile string) error {
	cfgPath := Path(cfgFile)
	release := pathlock.Default.Acquire(cfgPath)
	defer release()

	v := viper.New()
	v.Set("app_name", cfg.AppName)
	v.Set("executable_name", cfg.ExecutableName)
	v.Set("process_name", cfg.ProcessName)
	v.Set("service_name", cfg.ServiceName)
	v.Set("launch_args", cfg.LaunchArgs)
	v.Set("staging_dir", cfg.StagingDir)
	v.Set("app_data_dir", cfg.AppDataDir)
	v.Set("backup_dir", cfg.BackupDir)
	v.Set("backup_retention", cfg.BackupRetention)
	v.Set("restart_strategy", cfg.RestartStrategy)
	v.Set("restart_poll_interval_ms", cfg.RestartPollIntervalMs)
	v.Set("restart_poll_attempts", cfg.RestartPollAttempts)
	v.Set("terminate_grace_seconds", cfg.TerminateGraceSeconds)
	v.Set("copy_workers", cfg.CopyWorkers)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("report_file", cfg.ReportFile)
	v.Set("remote_backup", map[string]any{
		"provider":          cfg.RemoteBackup.Provider,
		"bucket":            cfg.RemoteBackup.Bucket,
		"region":            cfg.RemoteBackup.Region,
		"endpoint":          cfg.RemoteBackup.Endpoint,
		"prefix":            cfg.RemoteBackup.Prefix,
		"access_key_id":     cfg.RemoteBackup.AccessKeyID,
		"secret_access_key": cfg.RemoteBackup.SecretAccessKey,
		"credentials_file":  cfg.RemoteBackup.CredentialsFile,
		"connection_string": cfg.RemoteBackup.ConnString,
	})

	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Remote credentials may be stored here.
	return os.Chmod(cfgPath, 0600)
}

func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about.
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("executable_name", cfg.ExecutableName)
	v.SetDefault("process_name", cfg.ProcessName)
	v.SetDefault("service_name", cfg.ServiceName)
	v.SetDefault("launch_args", cfg.LaunchArgs)
	v.SetDefault("staging_dir", cfg.StagingDir)
	v.SetDefault("app_data_dir", cfg.AppDataDir)
	v.SetDefault("backup_dir", cfg.BackupDir)
	v.SetDefault("backup_retention", cfg.BackupRetention)
	v.SetDefault("restart_strategy", cfg.RestartStrategy)
	v.SetDefault("restart_poll_interval_ms", cfg.RestartPollIntervalMs)
	v.SetDefault("restart_poll_attempts", cfg.RestartPollAttempts)
	v.SetDefault("terminate_grace_seconds", cfg.TerminateGraceSeconds)
	v.SetDefault("copy_workers", cfg.CopyWorkers)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("report_file", cfg.ReportFile)
	return v
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/var/lib/breeze"
	}
}

func defaultServiceName() string {
	switch runtime.GOOS {
	case "windows":
		return "BreezeAgent"
	case "darwin":
		return "com.breeze.agent"
	default:
		return "breeze-agent"
	}
}
