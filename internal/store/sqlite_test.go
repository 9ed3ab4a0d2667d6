package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedService(t *testing.T, s *SQLiteStore, id int64, tariff string) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO utility_services (id, tariff, provider_type, interval_minutes) VALUES (?, ?, '', 15)`,
		id, tariff,
	)
	require.NoError(t, err)
}

func TestSQLiteStore_BillRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	used := 1042.5
	b := model.Bill{
		ServiceID: 42,
		BillingDatum: model.BillingDatum{
			Start: dates.New(2026, 1, 1),
			End:   dates.New(2026, 1, 31),
			Cost:  412.07,
			Used:  &used,
			Items: []model.LineItem{
				{Kind: "energy", Description: "Generation charges", Total: 301.12},
				{Kind: "delivery", Description: "Delivery charges", Total: 110.95},
			},
		},
		HasFullCharges: true,
		Visible:        true,
		Modified:       time.Now().UTC().Truncate(time.Second),
	}

	oid, err := s.WriteBill(ctx, b)
	require.NoError(t, err)
	require.NotEmpty(t, oid)

	bills, err := s.ListBills(ctx, 42, dates.Window{Start: dates.New(2026, 1, 15), End: dates.New(2026, 2, 15)})
	require.NoError(t, err)
	require.Len(t, bills, 1)

	got := bills[0]
	assert.Equal(t, oid, got.OID)
	assert.Equal(t, b.Start, got.Start)
	assert.Equal(t, b.End, got.End)
	assert.Equal(t, b.Cost, got.Cost)
	require.NotNil(t, got.Used)
	assert.Equal(t, used, *got.Used)
	assert.Len(t, got.Items, 2)
	assert.True(t, got.HasFullCharges)
	assert.True(t, got.Visible)

	// Non-overlapping window returns nothing.
	none, err := s.ListBills(ctx, 42, dates.Window{Start: dates.New(2026, 3, 1), End: dates.New(2026, 3, 31)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_SupersedeKeepsRow(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	oid, err := s.WriteBill(ctx, model.Bill{
		ServiceID: 1,
		BillingDatum: model.BillingDatum{
			Start: dates.New(2026, 2, 1),
			End:   dates.New(2026, 2, 28),
			Cost:  100,
		},
		Visible:  true,
		Modified: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.SupersedeBill(ctx, oid))

	bills, err := s.ListBills(ctx, 1, dates.Window{Start: dates.New(2026, 2, 1), End: dates.New(2026, 2, 28)})
	require.NoError(t, err)
	require.Len(t, bills, 1, "superseded bills stay listed")
	assert.False(t, bills[0].Visible)

	assert.Error(t, s.SupersedeBill(ctx, "no-such-oid"))
}

func TestSQLiteStore_PartialBillsAndLinks(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	w := dates.Window{Start: dates.New(2026, 1, 1), End: dates.New(2026, 1, 31)}
	billOID, err := s.WriteBill(ctx, model.Bill{
		ServiceID:    9,
		BillingDatum: model.BillingDatum{Start: w.Start, End: w.End, Cost: 200},
		Visible:      true,
		Modified:     time.Now().UTC(),
	})
	require.NoError(t, err)

	tnd := model.PartialBill{
		ServiceID: 9,
		PartialBillDatum: model.PartialBillDatum{
			BillingDatum: model.BillingDatum{Start: w.Start, End: w.End, Cost: 120},
			ProviderType: model.ProviderTND,
		},
		Visible:  true,
		Modified: time.Now().UTC(),
	}
	tndOID, err := s.WritePartial(ctx, tnd)
	require.NoError(t, err)

	gen := tnd
	gen.OID = ""
	gen.ProviderType = model.ProviderGeneration
	gen.Cost = 80
	genOID, err := s.WritePartial(ctx, gen)
	require.NoError(t, err)

	// Provider filter.
	got, err := s.ListPartials(ctx, 9, model.ProviderTND, w)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tndOID, got[0].OID)

	all, err := s.ListPartials(ctx, 9, "", w)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.LinkPartial(ctx, tndOID, billOID))
	require.NoError(t, s.LinkPartial(ctx, tndOID, billOID), "re-link is idempotent")
	require.NoError(t, s.LinkPartial(ctx, genOID, billOID))

	links, err := s.ListLinks(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, s.UnlinkPartial(ctx, tndOID))
	links, err = s.ListLinks(ctx, 9)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, genOID, links[0].PartialOID)
}

func TestSQLiteStore_SetThirdPartyExpected(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	w := dates.Window{Start: dates.New(2026, 4, 1), End: dates.New(2026, 4, 30)}
	oid, err := s.WritePartial(ctx, model.PartialBill{
		ServiceID: 3,
		PartialBillDatum: model.PartialBillDatum{
			BillingDatum: model.BillingDatum{Start: w.Start, End: w.End, Cost: 55},
			ProviderType: model.ProviderTND,
		},
		Visible:  true,
		Modified: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.SetThirdPartyExpected(ctx, oid, false))

	got, err := s.ListPartials(ctx, 3, model.ProviderTND, w)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ThirdPartyExpected)
	assert.False(t, *got[0].ThirdPartyExpected)
}

func TestSQLiteStore_IntervalUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	day := dates.New(2026, 5, 10)

	missing, err := s.LoadInterval(ctx, 7, day)
	require.NoError(t, err)
	assert.Nil(t, missing)

	vec := make(model.IntervalVector, 96)
	vec[0] = model.Reading(1.25)
	vec[95] = model.Reading(0.5)
	require.NoError(t, s.UpsertInterval(ctx, model.IntervalReading{
		MeterID:  7,
		Occurred: day,
		Readings: vec,
		Modified: time.Now().UTC(),
	}))

	got, err := s.LoadInterval(ctx, 7, day)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, day, got.Occurred)
	assert.True(t, got.Readings.Equal(vec))
	assert.False(t, got.Frozen)

	// Second upsert replaces the row.
	vec[1] = model.Reading(2.0)
	require.NoError(t, s.UpsertInterval(ctx, model.IntervalReading{
		MeterID:  7,
		Occurred: day,
		Readings: vec,
		Frozen:   true,
		Modified: time.Now().UTC(),
	}))
	got, err = s.LoadInterval(ctx, 7, day)
	require.NoError(t, err)
	assert.True(t, got.Frozen)
	assert.True(t, got.Readings.Equal(vec))
}

func TestSQLiteStore_RunOutcomeUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	oc := &model.RunOutcome{
		RunID:      "run-abc",
		SourceID:   11,
		Status:     model.StatusFailed,
		ErrorKind:  "InvalidCredentials",
		Attempts:   1,
		StartedAt:  time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second),
		FinishedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.WriteRunOutcome(ctx, oc))

	oc.Status = model.StatusSucceeded
	oc.ErrorKind = ""
	oc.Attempts = 2
	require.NoError(t, s.WriteRunOutcome(ctx, oc))

	got, err := s.GetRunOutcome(ctx, "run-abc")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)

	list, err := s.ListRunOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteStore_TxRollback(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedService(t, s, 42, "E-19")

	err := s.Tx(ctx, 42, func(ctx context.Context, st Store) error {
		if _, err := st.WriteBill(ctx, model.Bill{
			ServiceID:    42,
			BillingDatum: model.BillingDatum{Start: dates.New(2026, 6, 1), End: dates.New(2026, 6, 30), Cost: 10},
			Visible:      true,
			Modified:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	bills, err := s.ListBills(ctx, 42, dates.Window{Start: dates.New(2026, 6, 1), End: dates.New(2026, 6, 30)})
	require.NoError(t, err)
	assert.Empty(t, bills, "rolled back write must not be visible")
}

func TestSQLiteStore_TxCommit(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedService(t, s, 42, "E-19")

	err := s.Tx(ctx, 42, func(ctx context.Context, st Store) error {
		_, err := st.WriteBill(ctx, model.Bill{
			ServiceID:    42,
			BillingDatum: model.BillingDatum{Start: dates.New(2026, 7, 1), End: dates.New(2026, 7, 31), Cost: 10},
			Visible:      true,
			Modified:     time.Now().UTC(),
		})
		return err
	})
	require.NoError(t, err)

	bills, err := s.ListBills(ctx, 42, dates.Window{Start: dates.New(2026, 7, 1), End: dates.New(2026, 7, 31)})
	require.NoError(t, err)
	assert.Len(t, bills, 1)
}
