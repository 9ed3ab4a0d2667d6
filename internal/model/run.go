package model

import (
	"time"

	"github.com/gridwell/datafeeds/internal/dates"
)

// Results is what one scrape attempt hands back: any combination of whole
// bills, provider-scoped partial bills, and interval days.
type Results struct {
	Bills            []BillingDatum                `json:"bills,omitempty"`
	PartialBills     []PartialBillDatum            `json:"partial_bills,omitempty"`
	Intervals        map[dates.Date]IntervalVector `json:"intervals,omitempty"`
	TariffFromScrape string                        `json:"tariff_from_scrape,omitempty"`
}

// Empty reports whether the scrape produced no data at all.
func (r *Results) Empty() bool {
	return r == nil || (len(r.Bills) == 0 && len(r.PartialBills) == 0 && len(r.Intervals) == 0)
}

// RunStatus is the terminal classification of a run.
type RunStatus string

const (
	StatusSucceeded       RunStatus = "succeeded"
	StatusSucceededNoData RunStatus = "succeeded_no_data"
	StatusFailed          RunStatus = "failed"
	StatusTimedOut        RunStatus = "timed_out"
	StatusCancelled       RunStatus = "cancelled"
)

// Failed reports whether the status maps to a non-zero process exit.
func (s RunStatus) Failed() bool {
	switch s {
	case StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// ScrapedCounts summarizes post-integration writes, not raw scraped rows.
type ScrapedCounts struct {
	Bills        int `json:"bills"`
	PartialBills int `json:"partial_bills"`
	IntervalDays int `json:"interval_days"`
}

// IntegrationError records one datum or date the integrators skipped.
type IntegrationError struct {
	Scope   string `json:"scope"` // bill | partial_bill | interval
	Key     string `json:"key"`   // period or date the error is about
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunOutcome is the single status record a run produces, persisted on run_id
// and emitted as one JSON line on stdout for the dispatcher.
type RunOutcome struct {
	RunID             string             `json:"run_id"`
	SourceID          int64              `json:"source_id"`
	Status            RunStatus          `json:"status"`
	ErrorKind         string             `json:"error_kind,omitempty"`
	ErrorDetail       string             `json:"error_detail,omitempty"`
	Scraped           ScrapedCounts      `json:"scraped_counts"`
	Attempts          int                `json:"attempts"`
	ElapsedSeconds    float64            `json:"elapsed_seconds"`
	ArtifactRefs      []string           `json:"artifact_refs,omitempty"`
	IntegrationErrors []IntegrationError `json:"integration_errors,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at"`
}

// AuditFieldChange records one field difference between a superseded bill and
// its successor.
type AuditFieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// AuditEvent is a per-run integration audit record for operator triage.
type AuditEvent struct {
	RunID     string             `json:"run_id"`
	ServiceID int64              `json:"service_id"`
	Kind      string             `json:"kind"` // superseded | discarded_contained
	Period    dates.Window       `json:"period"`
	Changes   []AuditFieldChange `json:"changes,omitempty"`
	At        time.Time          `json:"at"`
}
