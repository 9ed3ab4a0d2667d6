package integrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/store"
)

var fixedNow = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestBillIntegrator(st store.Store) *BillIntegrator {
	bi := NewBillIntegrator(st, DefaultTolerances())
	bi.now = func() time.Time { return fixedNow }
	return bi
}

func testService() model.UtilityService {
	return model.UtilityService{ID: 7, Tariff: "E-19", ProviderType: model.ProviderTND}
}

func testSource() model.DataSource {
	return model.DataSource{ID: 1, Kind: "test-portal", ServiceID: 7}
}

func datum(start, end dates.Date, cost float64) model.BillingDatum {
	return model.BillingDatum{
		Start: start,
		End:   end,
		Cost:  cost,
		Used:  model.Reading(1000),
		Items: []model.LineItem{
			{Kind: "delivery", Description: "Delivery charges", Total: cost},
		},
	}
}

func integrateBills(t *testing.T, bi *BillIntegrator, st store.Store, bills ...model.BillingDatum) *BillReport {
	t.Helper()
	report, err := bi.Integrate(context.Background(), "run-1", testService(), testSource(),
		&model.Results{Bills: bills})
	require.NoError(t, err)
	return report
}

func TestIntegrateInsertsNewBill(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)

	d := datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150)
	report := integrateBills(t, bi, st, d)

	assert.Equal(t, 1, report.BillsWritten)
	assert.Empty(t, report.Errors)

	bills := st.Bills()
	require.Len(t, bills, 1)
	assert.True(t, bills[0].Visible)
	assert.Equal(t, "test-portal", bills[0].Source, "source defaults to the adapter kind")
	assert.True(t, bills[0].HasFullCharges)
}

func TestIntegrateExactMatchRefreshes(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)
	d := datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150)

	integrateBills(t, bi, st, d)

	later := fixedNow.Add(time.Hour)
	bi.now = func() time.Time { return later }
	drift := d
	drift.Cost = 150.005 // within the one-cent tolerance
	report := integrateBills(t, bi, st, drift)

	assert.Equal(t, 0, report.BillsWritten)
	assert.Equal(t, 1, report.Refreshed)

	bills := st.Bills()
	require.Len(t, bills, 1, "refresh must not create a second row")
	assert.Equal(t, 150.0, bills[0].Cost, "stored values stay untouched")
	assert.Equal(t, later, bills[0].Modified)
}

func TestIntegrateSamePeriodSupersedes(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)
	start, end := dates.New(2024, 1, 1), dates.New(2024, 1, 31)

	integrateBills(t, bi, st, datum(start, end, 150))
	report := integrateBills(t, bi, st, datum(start, end, 180))

	assert.Equal(t, 1, report.BillsWritten)

	bills := st.Bills()
	require.Len(t, bills, 2, "superseded row is kept, not deleted")
	var visible []model.Bill
	for _, b := range bills {
		if b.Visible {
			visible = append(visible, b)
		}
	}
	require.Len(t, visible, 1)
	assert.Equal(t, 180.0, visible[0].Cost)

	events := st.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "superseded", events[0].Kind)
	assert.NotEmpty(t, events[0].Changes, "both sides had items, so diffs are recorded")
	fields := make(map[string]bool)
	for _, c := range events[0].Changes {
		fields[c.Field] = true
	}
	assert.True(t, fields["cost"])
	assert.True(t, fields["items_hash"])
}

func TestIntegrateNoAuditWithoutItems(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)
	start, end := dates.New(2024, 1, 1), dates.New(2024, 1, 31)

	bare := model.BillingDatum{Start: start, End: end, Cost: 150}
	integrateBills(t, bi, st, bare)
	bare.Cost = 180
	integrateBills(t, bi, st, bare)

	assert.Empty(t, st.AuditEvents(), "audit diffs need items on both sides")
}

func TestIntegrateNewContainsExisting(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)

	integrateBills(t, bi, st, datum(dates.New(2024, 1, 5), dates.New(2024, 1, 20), 60))
	report := integrateBills(t, bi, st, datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150))

	assert.Equal(t, 1, report.BillsWritten)

	var visible []model.Bill
	for _, b := range st.Bills() {
		if b.Visible {
			visible = append(visible, b)
		}
	}
	require.Len(t, visible, 1)
	assert.Equal(t, dates.New(2024, 1, 1), visible[0].Start)
}

func TestIntegrateNewContainedIsDiscarded(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)

	integrateBills(t, bi, st, datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150))
	report := integrateBills(t, bi, st, datum(dates.New(2024, 1, 5), dates.New(2024, 1, 20), 60))

	assert.Equal(t, 0, report.BillsWritten)
	assert.Equal(t, 1, report.Discarded)

	bills := st.Bills()
	require.Len(t, bills, 1, "contained datum is never written")
	assert.Equal(t, 150.0, bills[0].Cost)

	events := st.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "discarded_contained", events[0].Kind)
}

func TestIntegrateDisjointPeriodsCoexist(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)

	report := integrateBills(t, bi, st,
		datum(dates.New(2024, 2, 1), dates.New(2024, 2, 29), 140),
		datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150))

	assert.Equal(t, 2, report.BillsWritten)
	bills := st.Bills()
	require.Len(t, bills, 2)
	assert.Equal(t, dates.New(2024, 1, 1), bills[0].Start, "batch is processed ascending")
}

func TestIntegrateInvalidDatumSkipsButContinues(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)

	bad := datum(dates.New(2024, 1, 31), dates.New(2024, 1, 1), 150) // inverted period
	good := datum(dates.New(2024, 2, 1), dates.New(2024, 2, 29), 140)
	report := integrateBills(t, bi, st, bad, good)

	assert.Equal(t, 1, report.BillsWritten)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "bill", report.Errors[0].Scope)
	assert.Equal(t, "InvalidDatum", report.Errors[0].Kind)
	require.Len(t, st.Bills(), 1)
}

func TestAtMostOneVisiblePerPeriod(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)
	start, end := dates.New(2024, 1, 1), dates.New(2024, 1, 31)

	for i := 0; i < 5; i++ {
		integrateBills(t, bi, st, datum(start, end, 100+float64(i)*10))
	}

	seen := make(map[dates.Window]int)
	for _, b := range st.Bills() {
		if b.Visible {
			seen[b.Window()]++
		}
	}
	for w, n := range seen {
		assert.Equal(t, 1, n, "window %s has %d visible bills", w, n)
	}
}

func TestIntegrateIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)
	res := &model.Results{
		Bills: []model.BillingDatum{
			datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150),
			datum(dates.New(2024, 2, 1), dates.New(2024, 2, 29), 140),
		},
		PartialBills: []model.PartialBillDatum{
			{BillingDatum: datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 90), ProviderType: model.ProviderTND},
		},
		TariffFromScrape: "E-19",
	}

	_, err := bi.Integrate(context.Background(), "run-1", testService(), testSource(), res)
	require.NoError(t, err)
	first, err := st.Fingerprint()
	require.NoError(t, err)

	_, err = bi.Integrate(context.Background(), "run-2", testService(), testSource(), res)
	require.NoError(t, err)
	second, err := st.Fingerprint()
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-integrating identical results must not change stored data")
}

func TestTariffTransitionDetected(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)
	res := &model.Results{
		Bills: []model.BillingDatum{
			datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150),
			datum(dates.New(2024, 2, 1), dates.New(2024, 2, 29), 140),
		},
		TariffFromScrape: "B-19",
	}

	_, err := bi.Integrate(context.Background(), "run-1", testService(), testSource(), res)
	require.NoError(t, err)

	transitions := st.TariffTransitions()
	require.Len(t, transitions, 1)
	assert.Equal(t, "B-19", transitions[0].To)
	assert.Equal(t, dates.New(2024, 1, 1), transitions[0].Occurred, "occurred is the earliest consecutive new bill")
	assert.False(t, transitions[0].Applied)
}

func TestTariffTransitionNeedsTwoConsecutiveBills(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)

	// One new bill is not enough evidence.
	_, err := bi.Integrate(context.Background(), "run-1", testService(), testSource(), &model.Results{
		Bills:            []model.BillingDatum{datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150)},
		TariffFromScrape: "B-19",
	})
	require.NoError(t, err)
	assert.Empty(t, st.TariffTransitions())

	// Two bills with a month-long gap are not consecutive.
	st = store.NewMemory()
	bi = newTestBillIntegrator(st)
	_, err = bi.Integrate(context.Background(), "run-1", testService(), testSource(), &model.Results{
		Bills: []model.BillingDatum{
			datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150),
			datum(dates.New(2024, 4, 1), dates.New(2024, 4, 30), 140),
		},
		TariffFromScrape: "B-19",
	})
	require.NoError(t, err)
	assert.Empty(t, st.TariffTransitions())
}

func TestTariffMatchEmitsNothing(t *testing.T) {
	st := store.NewMemory()
	bi := newTestBillIntegrator(st)

	_, err := bi.Integrate(context.Background(), "run-1", testService(), testSource(), &model.Results{
		Bills: []model.BillingDatum{
			datum(dates.New(2024, 1, 1), dates.New(2024, 1, 31), 150),
			datum(dates.New(2024, 2, 1), dates.New(2024, 2, 29), 140),
		},
		TariffFromScrape: "E-19",
	})
	require.NoError(t, err)
	assert.Empty(t, st.TariffTransitions())
}
