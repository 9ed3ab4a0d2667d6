package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridwell/datafeeds/internal/dates"
)

// ProviderType partitions split-provider bills.
type ProviderType string

const (
	// ProviderTND covers transmission-and-distribution charges only.
	ProviderTND ProviderType = "tnd-only"
	// ProviderGeneration covers generation charges only.
	ProviderGeneration ProviderType = "generation-only"
)

// LineItem is one charge line on a bill.
type LineItem struct {
	Kind        string      `json:"kind"`
	Description string      `json:"description"`
	Quantity    *float64    `json:"quantity,omitempty"`
	Rate        *float64    `json:"rate,omitempty"`
	Total       float64     `json:"total"`
	Unit        string      `json:"unit,omitempty"`
	PeriodStart *dates.Date `json:"period_start,omitempty"`
	PeriodEnd   *dates.Date `json:"period_end,omitempty"`
}

// BillingDatum is the canonical statement-level value a scraper produces.
// Dates are inclusive civil dates; monetary values are in portal currency.
type BillingDatum struct {
	Start              dates.Date `json:"start"`
	End                dates.Date `json:"end"`
	Cost               float64    `json:"cost"`
	Used               *float64   `json:"used,omitempty"`
	Peak               *float64   `json:"peak,omitempty"`
	Items              []LineItem `json:"items,omitempty"`
	Attachments        []string   `json:"attachments,omitempty"`
	UtilityCode        string     `json:"utility_code,omitempty"`
	GenUtilityCode     string     `json:"gen_utility_code,omitempty"`
	ThirdPartyExpected *bool      `json:"third_party_expected,omitempty"`
	ThirdPartyDetected *bool      `json:"third_party_detected,omitempty"`
	Credit             bool       `json:"credit,omitempty"`
	Source             string     `json:"source,omitempty"`
}

// Window returns the datum's billing period.
func (d BillingDatum) Window() dates.Window {
	return dates.Window{Start: d.Start, End: d.End}
}

// Validate enforces the canonical-form invariants every adapter must satisfy.
func (d BillingDatum) Validate() error {
	if d.Start.IsZero() || d.End.IsZero() {
		return eris.New("model: billing datum missing period")
	}
	if d.Start.After(d.End) {
		return eris.Errorf("model: billing datum start %s after end %s", d.Start, d.End)
	}
	if d.Cost < 0 && !d.Credit {
		return eris.Errorf("model: negative cost %.2f without credit flag", d.Cost)
	}
	if d.Used != nil && *d.Used < 0 {
		return eris.Errorf("model: negative usage %.2f", *d.Used)
	}
	if d.Peak != nil && *d.Peak < 0 {
		return eris.Errorf("model: negative peak %.2f", *d.Peak)
	}
	return nil
}

// ItemsHash fingerprints the line-item set, insensitive to ordering. Two
// bills with the same hash carry the same charges.
func (d BillingDatum) ItemsHash() string {
	if len(d.Items) == 0 {
		return ""
	}
	lines := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		var ps, pe string
		if it.PeriodStart != nil {
			ps = it.PeriodStart.String()
		}
		if it.PeriodEnd != nil {
			pe = it.PeriodEnd.String()
		}
		lines = append(lines, fmt.Sprintf("%s|%s|%v|%v|%.4f|%s|%s|%s",
			it.Kind, it.Description, f64(it.Quantity), f64(it.Rate), it.Total, it.Unit, ps, pe))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// HasAllCharges reports whether line items fully tile the billing period. A
// datum without items never claims full coverage.
func (d BillingDatum) HasAllCharges() bool {
	if len(d.Items) == 0 {
		return false
	}
	covered := make(map[dates.Date]bool)
	for _, it := range d.Items {
		start, end := d.Start, d.End
		if it.PeriodStart != nil {
			start = *it.PeriodStart
		}
		if it.PeriodEnd != nil {
			end = *it.PeriodEnd
		}
		if start.After(end) {
			continue
		}
		(dates.Window{Start: start, End: end}).Each(func(day dates.Date) {
			covered[day] = true
		})
	}
	all := true
	d.Window().Each(func(day dates.Date) {
		if !covered[day] {
			all = false
		}
	})
	return all
}

func f64(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// PartialBillDatum is a BillingDatum scoped to a single provider side.
type PartialBillDatum struct {
	BillingDatum
	ProviderType ProviderType `json:"provider_type"`
}

// Bill is a stored whole bill. At most one visible bill exists per
// (service, start, end); supersession, not a unique constraint, enforces it.
type Bill struct {
	OID       string `json:"oid"`
	ServiceID int64  `json:"service_id"`
	BillingDatum
	HasFullCharges bool      `json:"has_all_charges"`
	Visible        bool      `json:"visible"`
	Modified       time.Time `json:"modified"`
}

// PartialBill is a stored provider-scoped bill, linkable to whole bills.
type PartialBill struct {
	OID       string `json:"oid"`
	ServiceID int64  `json:"service_id"`
	PartialBillDatum
	Visible  bool      `json:"visible"`
	Modified time.Time `json:"modified"`
}

// PartialBillLink ties a visible partial bill to the whole bill whose window
// it helps cover.
type PartialBillLink struct {
	PartialOID string `json:"partial_oid"`
	BillOID    string `json:"bill_oid"`
}

// TariffTransition records a rate-schedule change observed on the portal,
// held for operator review; the service row is never mutated by the core.
type TariffTransition struct {
	ServiceID int64      `json:"service_id"`
	Occurred  dates.Date `json:"occurred"`
	To        string     `json:"to"`
	Applied   bool       `json:"applied"`
}
