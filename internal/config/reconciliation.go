package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/engine"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is not configured.
const DefaultDatabasePath = "$HOME/.local/share/balance/balance.db"

// SetDefaults registers the default value of every reconciliation key.
func SetDefaults(v *viper.Viper) {
	t := engine.DefaultThresholds()

	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("reconciliation.exact_tolerance", t.ExactTolerance.String())
	v.SetDefault("reconciliation.percent_tolerance", t.PercentTolerance)
	v.SetDefault("reconciliation.full_confidence", t.FullConfidence)
	v.SetDefault("reconciliation.auto_confidence", t.AutoConfidence)
	v.SetDefault("reconciliation.variance_penalty", t.VariancePenalty)
	v.SetDefault("reconciliation.inferred_penalty", t.InferredPenalty)
	v.SetDefault("reconciliation.inference_weight", t.InferenceWeight)
	v.SetDefault("reconciliation.inference_min_confidence", t.InferenceMinConfidence)
	v.SetDefault("reconciliation.batch_size", engine.DefaultBatchSize)
	v.SetDefault("reconciliation.workers", engine.DefaultWorkers)

	v.SetDefault("pricing.timeout", "5s")
	v.SetDefault("pricing.max_attempts", 3)

	v.SetDefault("schedule.cron", "0 2 * * *")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.lookback_days", 30)
}

// DatabasePath returns the expanded database location.
func DatabasePath(v *viper.Viper) string {
	path := v.GetString("database.path")
	if path == "" {
		path = DefaultDatabasePath
	}
	return ExpandPath(path)
}

// LoadThresholds reads the classification thresholds and validates them.
func LoadThresholds(v *viper.Viper) (engine.Thresholds, error) {
	t := engine.DefaultThresholds()

	if raw := strings.TrimSpace(v.GetString("reconciliation.exact_tolerance")); raw != "" {
		tolerance, err := decimal.NewFromString(raw)
		if err != nil {
			return engine.Thresholds{}, fmt.Errorf("%w: reconciliation.exact_tolerance %q", common.ErrInvalidConfig, raw)
		}
		t.ExactTolerance = tolerance
	}

	floats := map[string]*float64{
		"reconciliation.percent_tolerance":        &t.PercentTolerance,
		"reconciliation.full_confidence":          &t.FullConfidence,
		"reconciliation.auto_confidence":          &t.AutoConfidence,
		"reconciliation.variance_penalty":         &t.VariancePenalty,
		"reconciliation.inferred_penalty":         &t.InferredPenalty,
		"reconciliation.inference_weight":         &t.InferenceWeight,
		"reconciliation.inference_min_confidence": &t.InferenceMinConfidence,
	}
	for key, dst := range floats {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}

	if err := t.Validate(); err != nil {
		return engine.Thresholds{}, err
	}
	return t, nil
}

// RunDefaults are the sizing defaults for reconciliation runs.
type RunDefaults struct {
	BatchSize int
	Workers   int
}

// LoadRunDefaults reads the run sizing defaults.
func LoadRunDefaults(v *viper.Viper) (RunDefaults, error) {
	d := RunDefaults{
		BatchSize: v.GetInt("reconciliation.batch_size"),
		Workers:   v.GetInt("reconciliation.workers"),
	}
	if d.BatchSize <= 0 {
		d.BatchSize = engine.DefaultBatchSize
	}
	if d.Workers <= 0 {
		d.Workers = engine.DefaultWorkers
	}
	if d.Workers > 64 {
		return RunDefaults{}, fmt.Errorf("%w: reconciliation.workers must be at most 64, got %d", common.ErrInvalidConfig, d.Workers)
	}
	return d, nil
}

// PricingConfig selects and tunes the price service.
type PricingConfig struct {
	URL     string // Empty means the local price catalog
	Retry   service.RetryOptions
	Timeout time.Duration
}

// LoadPricingConfig reads the pricing section.
func LoadPricingConfig(v *viper.Viper) (PricingConfig, error) {
	timeout := v.GetDuration("pricing.timeout")
	if timeout <= 0 {
		return PricingConfig{}, fmt.Errorf("%w: pricing.timeout must be positive", common.ErrInvalidConfig)
	}

	attempts := v.GetInt("pricing.max_attempts")
	if attempts < 1 {
		attempts = 1
	}

	return PricingConfig{
		URL:     strings.TrimRight(strings.TrimSpace(v.GetString("pricing.url")), "/"),
		Timeout: timeout,
		Retry: service.RetryOptions{
			MaxAttempts:  attempts,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
	}, nil
}

// ScheduleConfig drives the cron-scheduled reconciliation.
type ScheduleConfig struct {
	Location     *time.Location
	Cron         string
	LookbackDays int
}

// LoadScheduleConfig reads the schedule section.
func LoadScheduleConfig(v *viper.Viper) (ScheduleConfig, error) {
	spec := strings.TrimSpace(v.GetString("schedule.cron"))
	if spec == "" {
		return ScheduleConfig{}, fmt.Errorf("%w: schedule.cron", common.ErrMissingConfig)
	}

	name := v.GetString("schedule.timezone")
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return ScheduleConfig{}, fmt.Errorf("%w: schedule.timezone %q: %w", common.ErrInvalidConfig, name, err)
	}

	lookback := v.GetInt("schedule.lookback_days")
	if lookback < 0 {
		return ScheduleConfig{}, fmt.Errorf("%w: schedule.lookback_days must not be negative", common.ErrInvalidConfig)
	}

	return ScheduleConfig{Cron: spec, Location: loc, LookbackDays: lookback}, nil
}
