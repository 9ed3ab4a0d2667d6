// Package integrate applies scraped results to the shared store: bill
// conflict resolution with supersession, partial-bill linking, tariff
// transition detection, and slot-wise interval merging.
package integrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/store"
)

// Tolerances bound what still counts as "the same bill" when a portal
// re-renders a statement with rounding drift.
type Tolerances struct {
	Cost float64 `mapstructure:"cost"` // dollars
	Used float64 `mapstructure:"used"` // kWh
	Peak float64 `mapstructure:"peak"` // kW
}

// DefaultTolerances returns the standard match tolerances.
func DefaultTolerances() Tolerances {
	return Tolerances{Cost: 0.01, Used: 0.5, Peak: 0.1}
}

// thirdPartySlack is how far a generation partial may sit from a tnd
// partial's period and still count as its counterpart.
const thirdPartySlack = 14

// linkEnvelopePadding widens the batch window when reloading rows for link
// recomputation, so neighboring periods participate.
const linkEnvelopePadding = 45

// BillReport summarizes one batch integration.
type BillReport struct {
	BillsWritten    int
	PartialsWritten int
	Refreshed       int
	Discarded       int
	Errors          []model.IntegrationError

	// newBillWindows are the periods of newly inserted visible whole bills,
	// ascending; tariff transition detection reads them.
	newBillWindows []dates.Window
}

// BillIntegrator writes a batch of billing data for one service.
type BillIntegrator struct {
	store store.Store
	tol   Tolerances
	now   func() time.Time
	log   *zap.Logger
}

// NewBillIntegrator builds an integrator with the given tolerances.
func NewBillIntegrator(st store.Store, tol Tolerances) *BillIntegrator {
	return &BillIntegrator{
		store: st,
		tol:   tol,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "integrate.bill")),
	}
}

// Integrate applies a batch of whole and partial bills for svc. Data are
// processed in ascending (start, end) order, one transaction per datum; a
// failed datum is recorded and skipped, never aborting the batch.
func (bi *BillIntegrator) Integrate(ctx context.Context, runID string, svc model.UtilityService, src model.DataSource, res *model.Results) (*BillReport, error) {
	report := &BillReport{}

	bills := append([]model.BillingDatum(nil), res.Bills...)
	sortData(bills)
	for _, datum := range bills {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		bi.integrateDatum(ctx, runID, svc, src, datum, report)
	}

	partials := append([]model.PartialBillDatum(nil), res.PartialBills...)
	sort.Slice(partials, func(i, j int) bool {
		if partials[i].Start != partials[j].Start {
			return partials[i].Start.Before(partials[j].Start)
		}
		return partials[i].End.Before(partials[j].End)
	})
	for _, datum := range partials {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		bi.integratePartial(ctx, runID, svc, src, datum, report)
	}

	if len(res.Bills) > 0 || len(res.PartialBills) > 0 {
		envelope := batchEnvelope(bills, partials)
		singleProvider := src.Meta.SingleProvider ||
			(svc.ProviderType != model.ProviderTND && svc.ProviderType != model.ProviderGeneration)
		if err := bi.recomputeLinks(ctx, svc, singleProvider, envelope); err != nil {
			report.Errors = append(report.Errors, model.IntegrationError{
				Scope:   "partial_bill",
				Key:     windowKey(envelope),
				Kind:    "LinkComputation",
				Message: err.Error(),
			})
		}
		if svc.ProviderType == model.ProviderTND {
			if err := bi.flagMissingThirdParty(ctx, svc, envelope); err != nil {
				bi.log.Warn("third-party expectation pass failed", zap.Error(err))
			}
		}
	}

	bi.detectTariffTransition(ctx, svc, res.TariffFromScrape, report)
	return report, nil
}

func (bi *BillIntegrator) integrateDatum(ctx context.Context, runID string, svc model.UtilityService, src model.DataSource, datum model.BillingDatum, report *BillReport) {
	datum = normalize(datum, src.Kind)
	if err := datum.Validate(); err != nil {
		report.Errors = append(report.Errors, integrationError("bill", datum.Window(), "InvalidDatum", err))
		return
	}

	err := bi.store.Tx(ctx, svc.ID, func(ctx context.Context, st store.Store) error {
		existing, err := st.ListBills(ctx, svc.ID, datum.Window())
		if err != nil {
			return err
		}
		action, err := bi.resolveBill(ctx, st, runID, svc, datum, existing)
		if err != nil {
			return err
		}
		switch action {
		case actionInserted:
			report.BillsWritten++
			report.newBillWindows = append(report.newBillWindows, datum.Window())
		case actionRefreshed:
			report.Refreshed++
		case actionDiscarded:
			report.Discarded++
		}
		return nil
	})
	if err != nil {
		report.Errors = append(report.Errors, integrationError("bill", datum.Window(), "StoreError", err))
	}
}

type resolveAction int

const (
	actionInserted resolveAction = iota
	actionRefreshed
	actionDiscarded
)

// resolveBill applies the conflict rules against existing rows, in priority
// order: exact match, same period, containment either way, then insert.
func (bi *BillIntegrator) resolveBill(ctx context.Context, st store.Store, runID string, svc model.UtilityService, datum model.BillingDatum, existing []model.Bill) (resolveAction, error) {
	now := bi.now()
	w := datum.Window()

	supersede := func(oid string) error {
		if err := st.SupersedeBill(ctx, oid); err != nil {
			return err
		}
		return st.UnlinkBill(ctx, oid)
	}

	for _, row := range existing {
		if !row.Visible || row.Start != datum.Start || row.End != datum.End {
			continue
		}
		if bi.sameBill(row.BillingDatum, datum) {
			return actionRefreshed, st.TouchBill(ctx, row.OID, now)
		}
		// Same period, different data: supersede and replace.
		if err := supersede(row.OID); err != nil {
			return 0, err
		}
		if len(row.Items) > 0 && len(datum.Items) > 0 {
			ev := model.AuditEvent{
				RunID:     runID,
				ServiceID: svc.ID,
				Kind:      "superseded",
				Period:    w,
				Changes:   fieldChanges(row.BillingDatum, datum),
				At:        now,
			}
			if err := st.EmitAudit(ctx, ev); err != nil {
				return 0, err
			}
		}
		return actionInserted, bi.insertBill(ctx, st, svc.ID, datum, now)
	}

	// New row strictly inside an existing visible row: discard.
	for _, row := range existing {
		if row.Visible && row.Window().StrictlyContains(w) {
			ev := model.AuditEvent{
				RunID:     runID,
				ServiceID: svc.ID,
				Kind:      "discarded_contained",
				Period:    w,
				At:        now,
			}
			if err := st.EmitAudit(ctx, ev); err != nil {
				return 0, err
			}
			return actionDiscarded, nil
		}
	}

	// Existing visible rows strictly inside the new row get superseded.
	for _, row := range existing {
		if row.Visible && w.StrictlyContains(row.Window()) {
			if err := supersede(row.OID); err != nil {
				return 0, err
			}
		}
	}

	return actionInserted, bi.insertBill(ctx, st, svc.ID, datum, now)
}

func (bi *BillIntegrator) insertBill(ctx context.Context, st store.Store, serviceID int64, datum model.BillingDatum, now time.Time) error {
	_, err := st.WriteBill(ctx, model.Bill{
		ServiceID:      serviceID,
		BillingDatum:   datum,
		HasFullCharges: datum.HasAllCharges(),
		Visible:        true,
		Modified:       now,
	})
	return err
}

func (bi *BillIntegrator) integratePartial(ctx context.Context, runID string, svc model.UtilityService, src model.DataSource, datum model.PartialBillDatum, report *BillReport) {
	datum.BillingDatum = normalize(datum.BillingDatum, src.Kind)
	if err := datum.Validate(); err != nil {
		report.Errors = append(report.Errors, integrationError("partial_bill", datum.Window(), "InvalidDatum", err))
		return
	}
	if datum.ProviderType == "" {
		report.Errors = append(report.Errors, integrationError("partial_bill", datum.Window(), "InvalidDatum",
			fmt.Errorf("partial bill has no provider type")))
		return
	}

	err := bi.store.Tx(ctx, svc.ID, func(ctx context.Context, st store.Store) error {
		existing, err := st.ListPartials(ctx, svc.ID, datum.ProviderType, datum.Window())
		if err != nil {
			return err
		}
		inserted, err := bi.resolvePartial(ctx, st, runID, svc, datum, existing)
		if err != nil {
			return err
		}
		if inserted {
			report.PartialsWritten++
		}
		return nil
	})
	if err != nil {
		report.Errors = append(report.Errors, integrationError("partial_bill", datum.Window(), "StoreError", err))
	}
}

// resolvePartial mirrors resolveBill within one (service, provider_type)
// partition. Superseded partials lose their links; recomputeLinks restores
// them against the successors.
func (bi *BillIntegrator) resolvePartial(ctx context.Context, st store.Store, runID string, svc model.UtilityService, datum model.PartialBillDatum, existing []model.PartialBill) (bool, error) {
	now := bi.now()
	w := datum.Window()

	supersede := func(oid string) error {
		if err := st.SupersedePartial(ctx, oid); err != nil {
			return err
		}
		return st.UnlinkPartial(ctx, oid)
	}

	for _, row := range existing {
		if !row.Visible || row.Start != datum.Start || row.End != datum.End {
			continue
		}
		if bi.sameBill(row.BillingDatum, datum.BillingDatum) {
			return false, st.TouchPartial(ctx, row.OID, now)
		}
		if err := supersede(row.OID); err != nil {
			return false, err
		}
		if len(row.Items) > 0 && len(datum.Items) > 0 {
			ev := model.AuditEvent{
				RunID:     runID,
				ServiceID: svc.ID,
				Kind:      "superseded",
				Period:    w,
				Changes:   fieldChanges(row.BillingDatum, datum.BillingDatum),
				At:        now,
			}
			if err := st.EmitAudit(ctx, ev); err != nil {
				return false, err
			}
		}
		return true, bi.insertPartial(ctx, st, svc.ID, datum, now)
	}

	for _, row := range existing {
		if row.Visible && row.Window().StrictlyContains(w) {
			ev := model.AuditEvent{
				RunID:     runID,
				ServiceID: svc.ID,
				Kind:      "discarded_contained",
				Period:    w,
				At:        now,
			}
			return false, st.EmitAudit(ctx, ev)
		}
	}

	for _, row := range existing {
		if row.Visible && w.StrictlyContains(row.Window()) {
			if err := supersede(row.OID); err != nil {
				return false, err
			}
		}
	}

	return true, bi.insertPartial(ctx, st, svc.ID, datum, now)
}

func (bi *BillIntegrator) insertPartial(ctx context.Context, st store.Store, serviceID int64, datum model.PartialBillDatum, now time.Time) error {
	_, err := st.WritePartial(ctx, model.PartialBill{
		ServiceID:        serviceID,
		PartialBillDatum: datum,
		Visible:          true,
		Modified:         now,
	})
	return err
}

// sameBill reports whether two data describe the same statement within the
// configured tolerances.
func (bi *BillIntegrator) sameBill(a, b model.BillingDatum) bool {
	if !within(a.Cost, b.Cost, bi.tol.Cost) {
		return false
	}
	if !withinPtr(a.Used, b.Used, bi.tol.Used) {
		return false
	}
	if !withinPtr(a.Peak, b.Peak, bi.tol.Peak) {
		return false
	}
	return a.ItemsHash() == b.ItemsHash()
}

func normalize(d model.BillingDatum, sourceKind string) model.BillingDatum {
	if d.Source == "" {
		d.Source = sourceKind
	}
	items := make([]model.LineItem, len(d.Items))
	for i, it := range d.Items {
		it.Kind = strings.TrimSpace(it.Kind)
		it.Description = strings.TrimSpace(it.Description)
		it.Unit = strings.TrimSpace(it.Unit)
		items[i] = it
	}
	d.Items = items
	return d
}

func within(a, b, tol float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}

func withinPtr(a, b *float64, tol float64) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return within(*a, *b, tol)
	}
}

func fieldChanges(old, new model.BillingDatum) []model.AuditFieldChange {
	var changes []model.AuditFieldChange
	add := func(field, oldVal, newVal string) {
		if oldVal != newVal {
			changes = append(changes, model.AuditFieldChange{Field: field, Old: oldVal, New: newVal})
		}
	}
	add("cost", fmt.Sprintf("%.2f", old.Cost), fmt.Sprintf("%.2f", new.Cost))
	add("used", fmtPtr(old.Used), fmtPtr(new.Used))
	add("peak", fmtPtr(old.Peak), fmtPtr(new.Peak))
	add("items_hash", old.ItemsHash(), new.ItemsHash())
	return changes
}

func fmtPtr(p *float64) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *p)
}

func sortData(data []model.BillingDatum) {
	sort.Slice(data, func(i, j int) bool {
		if data[i].Start != data[j].Start {
			return data[i].Start.Before(data[j].Start)
		}
		return data[i].End.Before(data[j].End)
	})
}

func batchEnvelope(bills []model.BillingDatum, partials []model.PartialBillDatum) dates.Window {
	var env dates.Window
	grow := func(w dates.Window) {
		if env.Start.IsZero() || w.Start.Before(env.Start) {
			env.Start = w.Start
		}
		if env.End.IsZero() || w.End.After(env.End) {
			env.End = w.End
		}
	}
	for _, b := range bills {
		grow(b.Window())
	}
	for _, p := range partials {
		grow(p.Window())
	}
	env.Start = env.Start.AddDays(-linkEnvelopePadding)
	env.End = env.End.AddDays(linkEnvelopePadding)
	return env
}

func integrationError(scope string, w dates.Window, kind string, err error) model.IntegrationError {
	return model.IntegrationError{
		Scope:   scope,
		Key:     windowKey(w),
		Kind:    kind,
		Message: err.Error(),
	}
}

func windowKey(w dates.Window) string {
	return w.Start.String() + ".." + w.End.String()
}
