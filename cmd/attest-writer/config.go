package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/permachain/attest-writer/internal/bundler"
	"github.com/permachain/attest-writer/internal/cleanup"
	"github.com/permachain/attest-writer/internal/orchestrator"
	"github.com/permachain/attest-writer/internal/uploader"
	"github.com/permachain/attest-writer/internal/verifier"
	"github.com/permachain/attest-writer/internal/wallet"
)

// Thresholds holds the numeric tuning knobs an operator adjusts per
// deployment without recompiling: bundle sizing, retry/timeout budgets,
// and the balance gates. Loaded from an optional YAML file over the
// defaults; environment variables are not consulted for these fields.
type Thresholds struct {
	BatchSize           int           `yaml:"batch_size"`
	BundleSizeThreshold int64         `yaml:"bundle_size_threshold"`
	BundleTimeThreshold time.Duration `yaml:"bundle_time_threshold"`
	MaxBundleSize       int64         `yaml:"max_bundle_size"`
	Concurrency         int           `yaml:"concurrency"`
	MaxRetries          int           `yaml:"max_retries"`
	UploadTimeout       time.Duration `yaml:"upload_timeout"`
	StuckThreshold      time.Duration `yaml:"stuck_threshold"`
	SeedGracePeriod     time.Duration `yaml:"seed_grace_period"`
	SeedTimeout         time.Duration `yaml:"seed_timeout"`
	RetentionWindow     time.Duration `yaml:"retention_window"`
	CriticalBalance     string        `yaml:"critical_threshold"`
	WarningBalance      string        `yaml:"warning_threshold"`
	MaxProcessTime      time.Duration `yaml:"max_process_time"`
}

// DefaultThresholds mirrors the example magnitudes from the component
// design, used when no YAML file is provided.
func DefaultThresholds() Thresholds {
	bt := bundler.DefaultThresholds()
	wt := wallet.DefaultThresholds()
	up := uploader.DefaultConfig()
	cl := cleanup.DefaultConfig()
	vf := verifier.DefaultConfig()
	return Thresholds{
		BatchSize:           orchestrator.DefaultConfig().BatchSize,
		BundleSizeThreshold: bt.SizeThreshold,
		BundleTimeThreshold: bt.TimeThreshold,
		MaxBundleSize:       bt.MaxBundleSize,
		Concurrency:         up.Concurrency,
		MaxRetries:          up.MaxRetries,
		UploadTimeout:       30 * time.Second,
		StuckThreshold:      cl.StuckThreshold,
		SeedGracePeriod:     vf.GracePeriod,
		SeedTimeout:         vf.Timeout,
		RetentionWindow:     24 * time.Hour,
		CriticalBalance:     wt.Critical.String(),
		WarningBalance:      wt.Warning.String(),
		MaxProcessTime:      55 * time.Second,
	}
}

// LoadThresholds loads thresholds from an optional YAML file, starting
// from DefaultThresholds and overlaying whatever the file sets. An empty
// path is not an error: it returns the defaults unchanged.
func LoadThresholds(path string) (Thresholds, error) {
	cfg := DefaultThresholds()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Thresholds{}, fmt.Errorf("parse thresholds file: %w", err)
	}
	return cfg, nil
}
