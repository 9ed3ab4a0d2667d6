package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, q: mock}
	return s, mock
}

func TestPostgresStore_LoadSource_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, kind, account_id, meter_id, service_id, enabled, credentials_ref, source_meta`).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LoadSource(context.Background(), 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load source")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadInterval_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT meter_id, occurred, readings, frozen, modified FROM interval_readings`).
		WithArgs(int64(7), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	r, err := s.LoadInterval(context.Background(), 7, dates.New(2026, 3, 1))
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteBill_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO bills`).
		WithArgs(pgxmock.AnyArg(), int64(42), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), false, true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	b := model.Bill{
		ServiceID: 42,
		BillingDatum: model.BillingDatum{
			Start: dates.New(2026, 1, 1),
			End:   dates.New(2026, 1, 31),
			Cost:  412.07,
		},
		Visible:  true,
		Modified: time.Now().UTC(),
	}
	oid, err := s.WriteBill(context.Background(), b)
	require.NoError(t, err)
	assert.NotEmpty(t, oid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SupersedeBill_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE bills SET visible = FALSE`).
		WithArgs("missing-oid").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SupersedeBill(context.Background(), "missing-oid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteRunOutcome_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(run_id\)`).
		WithArgs("run-1", int64(5), "succeeded", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	oc := &model.RunOutcome{
		RunID:      "run-1",
		SourceID:   5,
		Status:     model.StatusSucceeded,
		StartedAt:  time.Now().UTC().Add(-time.Minute),
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, s.WriteRunOutcome(context.Background(), oc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Tx_LocksServiceAndCommits(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM utility_services WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`UPDATE bills SET visible = FALSE`).
		WithArgs("bill-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.Tx(context.Background(), 42, func(ctx context.Context, st Store) error {
		return st.SupersedeBill(ctx, "bill-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Tx_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM utility_services`).
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	wantErr := assert.AnError
	err := s.Tx(context.Background(), 42, func(ctx context.Context, st Store) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
