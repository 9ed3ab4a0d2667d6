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

func TestMemoryStore_BillOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Insert out of order; ListBills must come back ascending (start, end).
	periods := []dates.Window{
		{Start: dates.New(2026, 3, 1), End: dates.New(2026, 3, 31)},
		{Start: dates.New(2026, 1, 1), End: dates.New(2026, 1, 31)},
		{Start: dates.New(2026, 2, 1), End: dates.New(2026, 2, 28)},
	}
	for _, w := range periods {
		_, err := m.WriteBill(ctx, model.Bill{
			ServiceID:    1,
			BillingDatum: model.BillingDatum{Start: w.Start, End: w.End, Cost: 1},
			Visible:      true,
			Modified:     time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	bills, err := m.ListBills(ctx, 1, dates.Window{Start: dates.New(2026, 1, 1), End: dates.New(2026, 12, 31)})
	require.NoError(t, err)
	require.Len(t, bills, 3)
	assert.Equal(t, dates.New(2026, 1, 1), bills[0].Start)
	assert.Equal(t, dates.New(2026, 2, 1), bills[1].Start)
	assert.Equal(t, dates.New(2026, 3, 1), bills[2].Start)
}

func TestMemoryStore_TxRollbackRestoresState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	oid, err := m.WriteBill(ctx, model.Bill{
		ServiceID:    5,
		BillingDatum: model.BillingDatum{Start: dates.New(2026, 1, 1), End: dates.New(2026, 1, 31), Cost: 50},
		Visible:      true,
		Modified:     time.Now().UTC(),
	})
	require.NoError(t, err)

	before, err := m.Fingerprint()
	require.NoError(t, err)

	err = m.Tx(ctx, 5, func(ctx context.Context, st Store) error {
		if err := st.SupersedeBill(ctx, oid); err != nil {
			return err
		}
		if _, err := st.WriteBill(ctx, model.Bill{
			ServiceID:    5,
			BillingDatum: model.BillingDatum{Start: dates.New(2026, 1, 1), End: dates.New(2026, 1, 31), Cost: 60},
			Visible:      true,
			Modified:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	after, err := m.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed Tx must leave no trace")

	bills := m.Bills()
	require.Len(t, bills, 1)
	assert.True(t, bills[0].Visible)
}

func TestMemoryStore_TxCommitKeepsWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Tx(ctx, 5, func(ctx context.Context, st Store) error {
		_, err := st.WritePartial(ctx, model.PartialBill{
			ServiceID: 5,
			PartialBillDatum: model.PartialBillDatum{
				BillingDatum: model.BillingDatum{Start: dates.New(2026, 2, 1), End: dates.New(2026, 2, 28), Cost: 30},
				ProviderType: model.ProviderGeneration,
			},
			Visible:  true,
			Modified: time.Now().UTC(),
		})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, m.Partials(), 1)
}

func TestMemoryStore_IntervalIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	day := dates.New(2026, 8, 1)

	vec := make(model.IntervalVector, 4)
	vec[0] = model.Reading(1)
	require.NoError(t, m.UpsertInterval(ctx, model.IntervalReading{MeterID: 2, Occurred: day, Readings: vec}))

	got, err := m.LoadInterval(ctx, 2, day)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Mutating the returned vector must not leak into the store.
	got.Readings[0] = model.Reading(99)
	again, err := m.LoadInterval(ctx, 2, day)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *again.Readings[0])
}

func TestMemoryStore_LinksFilterByService(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mk := func(service int64) (string, string) {
		w := dates.Window{Start: dates.New(2026, 1, 1), End: dates.New(2026, 1, 31)}
		billOID, err := m.WriteBill(ctx, model.Bill{
			ServiceID:    service,
			BillingDatum: model.BillingDatum{Start: w.Start, End: w.End, Cost: 1},
			Visible:      true,
		})
		require.NoError(t, err)
		partOID, err := m.WritePartial(ctx, model.PartialBill{
			ServiceID: service,
			PartialBillDatum: model.PartialBillDatum{
				BillingDatum: model.BillingDatum{Start: w.Start, End: w.End, Cost: 1},
				ProviderType: model.ProviderTND,
			},
			Visible: true,
		})
		require.NoError(t, err)
		require.NoError(t, m.LinkPartial(ctx, partOID, billOID))
		return partOID, billOID
	}

	p1, _ := mk(1)
	mk(2)

	links, err := m.ListLinks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, p1, links[0].PartialOID)
}
