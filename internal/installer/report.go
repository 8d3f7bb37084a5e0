package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Report is the persisted summary of the last install run.
type Report struct {
	Path            string    `yaml:"path"`
	Outcome         string    `yaml:"outcome"`
	Kind            string    `yaml:"kind"`
	Strategy        string    `yaml:"strategy"`
	InstallSnapshot string    `yaml:"installSnapshot,omitempty"`
	AppDataSnapshot string    `yaml:"appDataSnapshot,omitempty"`
	StartedAt       time.Time `yaml:"startedAt"`
	FinishedAt      time.Time `yaml:"finishedAt"`
	States          []string  `yaml:"states"`
	ReplaceError    string    `yaml:"replaceError,omitempty"`
	RestoreError    string    `yaml:"restoreError,omitempty"`
	Error           string    `yaml:"error,omitempty"`
}

// NewReport converts a Result and the error returned with it.
func NewReport(res Result, err error) Report {
	r := Report{
		Path:            res.Path.String(),
		Outcome:         res.Outcome.String(),
		Kind:            res.Kind.String(),
		Strategy:        res.Strategy,
		InstallSnapshot: res.InstallSnapshot,
		AppDataSnapshot: res.AppDataSnapshot,
		StartedAt:       res.StartedAt.UTC(),
		FinishedAt:      res.FinishedAt.UTC(),
		ReplaceError:    res.ReplaceError,
		RestoreError:    res.RestoreError,
	}
	for _, s := range res.Trace {
		r.States = append(r.States, string(s))
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// WriteReport writes report to path through a temp file and rename.
func WriteReport(path string, report Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("decode report %s: %w", path, err)
	}
	return r, nil
}

func (o *Orchestrator) writeReport(res Result, err error) {
	if o.deps.ReportFile == "" {
		return
	}
	if writeErr := WriteReport(o.deps.ReportFile, NewReport(res, err)); writeErr != nil {
		log.Warn("failed to write install report", "path", o.deps.ReportFile, "error", writeErr.Error())
	}
}
