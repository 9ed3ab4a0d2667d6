// Package store defines the shared persistence interface the integrators and
// the status reporter write through, with postgres, sqlite, and in-memory
// implementations.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
)

// Store is the abstract repository over the shared operational database.
// List methods return rows ordered by ascending (start, end); supersession
// decisions depend on that ordering.
type Store interface {
	// Sources and services (read-only to the core).
	LoadSource(ctx context.Context, id int64) (*model.DataSource, error)
	LoadService(ctx context.Context, id int64) (*model.UtilityService, error)

	// Whole bills. ListBills returns every row whose period overlaps the
	// window, visible or not.
	ListBills(ctx context.Context, serviceID int64, w dates.Window) ([]model.Bill, error)
	WriteBill(ctx context.Context, b model.Bill) (string, error)
	SupersedeBill(ctx context.Context, oid string) error
	TouchBill(ctx context.Context, oid string, at time.Time) error

	// Partial bills, partitioned by provider type.
	ListPartials(ctx context.Context, serviceID int64, pt model.ProviderType, w dates.Window) ([]model.PartialBill, error)
	WritePartial(ctx context.Context, p model.PartialBill) (string, error)
	SupersedePartial(ctx context.Context, oid string) error
	TouchPartial(ctx context.Context, oid string, at time.Time) error
	SetThirdPartyExpected(ctx context.Context, partialOID string, expected bool) error

	// Partial-bill links. Unlink removes every link touching the given row;
	// supersession calls it so links only ever bind visible rows.
	ListLinks(ctx context.Context, serviceID int64) ([]model.PartialBillLink, error)
	LinkPartial(ctx context.Context, partialOID, billOID string) error
	UnlinkPartial(ctx context.Context, partialOID string) error
	UnlinkBill(ctx context.Context, billOID string) error

	// Interval readings.
	LoadInterval(ctx context.Context, meterID int64, d dates.Date) (*model.IntervalReading, error)
	UpsertInterval(ctx context.Context, r model.IntervalReading) error

	// Operator-facing records.
	EmitTariffTransition(ctx context.Context, tt model.TariffTransition) error
	EmitAudit(ctx context.Context, ev model.AuditEvent) error

	// Run outcomes (single-row upsert on run_id).
	WriteRunOutcome(ctx context.Context, oc *model.RunOutcome) error
	GetRunOutcome(ctx context.Context, runID string) (*model.RunOutcome, error)
	ListRunOutcomes(ctx context.Context, limit int) ([]model.RunOutcome, error)

	// Tx runs fn in one transaction. A non-zero serviceID is row-locked
	// first so concurrent runs against the same service serialize in a
	// consistent order (service → bill → partial_bill → link).
	Tx(ctx context.Context, serviceID int64, fn func(ctx context.Context, s Store) error) error

	Migrate(ctx context.Context) error
	Close() error
}

func sortBills(bills []model.Bill) {
	sort.Slice(bills, func(i, j int) bool {
		if bills[i].Start != bills[j].Start {
			return bills[i].Start.Before(bills[j].Start)
		}
		if bills[i].End != bills[j].End {
			return bills[i].End.Before(bills[j].End)
		}
		return bills[i].OID < bills[j].OID
	})
}
