// Package model defines the core value types flowing between the runner,
// scrapers, integrators, and the shared store.
package model

import (
	"github.com/rotisserie/eris"

	"github.com/gridwell/datafeeds/internal/dates"
)

// DataSource is one configured adapter/credential pair producing data for a
// utility account or meter. Sources are owned by external provisioning and
// read-only here.
type DataSource struct {
	ID             int64      `json:"id" yaml:"id"`
	Kind           string     `json:"kind" yaml:"kind"`
	AccountID      string     `json:"account_id" yaml:"account_id"`
	MeterID        *int64     `json:"meter_id,omitempty" yaml:"meter_id,omitempty"`
	ServiceID      int64      `json:"service_id" yaml:"service_id"`
	Enabled        bool       `json:"enabled" yaml:"enabled"`
	CredentialsRef string     `json:"credentials_ref" yaml:"credentials_ref"`
	Meta           SourceMeta `json:"source_meta" yaml:"source_meta"`
}

// SourceMeta carries per-source overrides for runner budgets and meter shape.
type SourceMeta struct {
	// LookbackDays sets the default window length when the request omits a
	// start date. Zero means the global default (30).
	LookbackDays int `json:"lookback_days,omitempty" yaml:"lookback_days,omitempty"`

	// MaxAttempts overrides the runner's retry budget for this source.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// TimeoutSeconds overrides the run deadline for slow portals.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// IntervalMinutes is the meter's interval granularity (15 → 96 slots/day).
	IntervalMinutes int `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty"`

	// SingleProvider marks services billed by one provider only; partial-bill
	// linking then accepts a single exactly-covering partial.
	SingleProvider bool `json:"single_provider,omitempty" yaml:"single_provider,omitempty"`

	// Extra holds adapter-specific settings (portal URLs, FTP paths).
	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// SlotsPerDay returns the interval vector length for the meter, defaulting to
// 15-minute data when unconfigured.
func (m SourceMeta) SlotsPerDay() int {
	minutes := m.IntervalMinutes
	if minutes <= 0 {
		minutes = 15
	}
	return 1440 / minutes
}

// DriverKind names a browser automation backend.
type DriverKind string

const (
	DriverFirefox  DriverKind = "firefox"
	DriverChromium DriverKind = "chromium"
)

// ParseDriverKind validates a driver name from the CLI.
func ParseDriverKind(s string) (DriverKind, error) {
	switch DriverKind(s) {
	case DriverFirefox, DriverChromium:
		return DriverKind(s), nil
	case "":
		return DriverChromium, nil
	default:
		return "", eris.Errorf("model: unknown driver %q (valid: firefox, chromium)", s)
	}
}

// RunRequest is the immutable description of one run, built by the dispatcher
// or the launch command.
type RunRequest struct {
	RunID           string       `json:"run_id"`
	Source          DataSource   `json:"source"`
	Window          dates.Window `json:"window"`
	DisableLogin    bool         `json:"disable_login,omitempty"`
	GenAccountScope string       `json:"gen_account_scope,omitempty"`
	Driver          DriverKind   `json:"driver_kind,omitempty"`
}

// Validate rejects requests the runner cannot plan.
func (r RunRequest) Validate() error {
	if r.RunID == "" {
		return eris.New("model: run request missing run_id")
	}
	if r.Source.ID == 0 {
		return eris.New("model: run request missing source")
	}
	if r.Source.Kind == "" {
		return eris.Errorf("model: source %d has no kind", r.Source.ID)
	}
	if !r.Window.Start.IsZero() && !r.Window.End.IsZero() && r.Window.Start.After(r.Window.End) {
		return eris.Errorf("model: window start %s after end %s", r.Window.Start, r.Window.End)
	}
	return nil
}

// UtilityService is the point of delivery bills are issued against. The core
// reads it and never mutates it.
type UtilityService struct {
	ID              int64        `json:"id"`
	Tariff          string       `json:"tariff"`
	ProviderType    ProviderType `json:"provider_type"`
	IntervalMinutes int          `json:"interval_minutes"`
}
