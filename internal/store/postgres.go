package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/db"
	"github.com/gridwell/datafeeds/internal/model"
)

// PostgresStore implements Store using pgxpool. Inside a Tx the same methods
// run against the open transaction instead of the pool.
type PostgresStore struct {
	pool    db.Pool
	q       db.Queryer
	inTx    bool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_interval": `SELECT meter_id, occurred, readings, frozen, modified FROM interval_readings WHERE meter_id = $1 AND occurred = $2`,
	"put_interval": `INSERT INTO interval_readings (meter_id, occurred, readings, frozen, modified) VALUES ($1, $2, $3, $4, $5)
	                 ON CONFLICT (meter_id, occurred) DO UPDATE SET readings = $3, frozen = $4, modified = $5`,
	"put_outcome": `INSERT INTO run_outcomes (run_id, source_id, status, outcome, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6)
	                ON CONFLICT (run_id) DO UPDATE SET source_id = $2, status = $3, outcome = $4, started_at = $5, finished_at = $6`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, q: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool; tests hand in a pgxmock pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS data_sources (
	id              BIGINT PRIMARY KEY,
	kind            TEXT NOT NULL,
	account_id      TEXT NOT NULL DEFAULT '',
	meter_id        BIGINT,
	service_id      BIGINT NOT NULL,
	enabled         BOOLEAN NOT NULL DEFAULT TRUE,
	credentials_ref TEXT NOT NULL DEFAULT '',
	source_meta     JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS utility_services (
	id               BIGINT PRIMARY KEY,
	tariff           TEXT NOT NULL DEFAULT '',
	provider_type    TEXT NOT NULL DEFAULT '',
	interval_minutes INTEGER NOT NULL DEFAULT 15
);

CREATE TABLE IF NOT EXISTS bills (
	oid             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	service_id      BIGINT NOT NULL,
	start_date      DATE NOT NULL,
	end_date        DATE NOT NULL,
	datum           JSONB NOT NULL,
	has_all_charges BOOLEAN NOT NULL DEFAULT FALSE,
	visible         BOOLEAN NOT NULL DEFAULT TRUE,
	modified        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bills_service_period ON bills(service_id, start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_bills_visible ON bills(service_id) WHERE visible;

CREATE TABLE IF NOT EXISTS partial_bills (
	oid           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	service_id    BIGINT NOT NULL,
	provider_type TEXT NOT NULL,
	start_date    DATE NOT NULL,
	end_date      DATE NOT NULL,
	datum         JSONB NOT NULL,
	visible       BOOLEAN NOT NULL DEFAULT TRUE,
	modified      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_partial_bills_service_period ON partial_bills(service_id, start_date, end_date);

CREATE TABLE IF NOT EXISTS partial_bill_links (
	partial_oid TEXT NOT NULL REFERENCES partial_bills(oid),
	bill_oid    TEXT NOT NULL REFERENCES bills(oid),
	PRIMARY KEY (partial_oid, bill_oid)
);

CREATE TABLE IF NOT EXISTS interval_readings (
	meter_id BIGINT NOT NULL,
	occurred DATE NOT NULL,
	readings JSONB NOT NULL,
	frozen   BOOLEAN NOT NULL DEFAULT FALSE,
	modified TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (meter_id, occurred)
);

CREATE TABLE IF NOT EXISTS tariff_transitions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	service_id BIGINT NOT NULL,
	occurred   DATE NOT NULL,
	tariff     TEXT NOT NULL,
	applied    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tariff_transitions_service ON tariff_transitions(service_id, applied);

CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id       TEXT NOT NULL,
	service_id   BIGINT NOT NULL,
	kind         TEXT NOT NULL,
	period_start DATE NOT NULL,
	period_end   DATE NOT NULL,
	changes      JSONB,
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id);

CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id      TEXT PRIMARY KEY,
	source_id   BIGINT NOT NULL,
	status      TEXT NOT NULL,
	outcome     JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_outcomes_source ON run_outcomes(source_id, started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.q.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) LoadSource(ctx context.Context, id int64) (*model.DataSource, error) {
	var src model.DataSource
	var metaJSON []byte
	err := s.q.QueryRow(ctx,
		`SELECT id, kind, account_id, meter_id, service_id, enabled, credentials_ref, source_meta
		 FROM data_sources WHERE id = $1`,
		id,
	).Scan(&src.ID, &src.Kind, &src.AccountID, &src.MeterID, &src.ServiceID, &src.Enabled, &src.CredentialsRef, &metaJSON)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load source %d", id)
	}
	if err := json.Unmarshal(metaJSON, &src.Meta); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal source meta")
	}
	return &src, nil
}

func (s *PostgresStore) LoadService(ctx context.Context, id int64) (*model.UtilityService, error) {
	var svc model.UtilityService
	err := s.q.QueryRow(ctx,
		`SELECT id, tariff, provider_type, interval_minutes FROM utility_services WHERE id = $1`,
		id,
	).Scan(&svc.ID, &svc.Tariff, &svc.ProviderType, &svc.IntervalMinutes)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load service %d", id)
	}
	return &svc, nil
}

func (s *PostgresStore) ListBills(ctx context.Context, serviceID int64, w dates.Window) ([]model.Bill, error) {
	rows, err := s.q.Query(ctx,
		`SELECT oid, service_id, datum, has_all_charges, visible, modified FROM bills
		 WHERE service_id = $1 AND start_date <= $3 AND end_date >= $2
		 ORDER BY start_date, end_date, oid`,
		serviceID, w.Start.Time(), w.End.Time(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bills")
	}
	defer rows.Close()

	var bills []model.Bill
	for rows.Next() {
		var b model.Bill
		var datumJSON []byte
		if err := rows.Scan(&b.OID, &b.ServiceID, &datumJSON, &b.HasFullCharges, &b.Visible, &b.Modified); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bill")
		}
		if err := json.Unmarshal(datumJSON, &b.BillingDatum); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal bill datum")
		}
		bills = append(bills, b)
	}
	return bills, eris.Wrap(rows.Err(), "postgres: list bills iterate")
}

func (s *PostgresStore) WriteBill(ctx context.Context, b model.Bill) (string, error) {
	if b.OID == "" {
		b.OID = uuid.New().String()
	}
	datumJSON, err := json.Marshal(b.BillingDatum)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal bill datum")
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO bills (oid, service_id, start_date, end_date, datum, has_all_charges, visible, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.OID, b.ServiceID, b.Start.Time(), b.End.Time(), datumJSON, b.HasFullCharges, b.Visible, b.Modified,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert bill")
	}
	return b.OID, nil
}

func (s *PostgresStore) SupersedeBill(ctx context.Context, oid string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE bills SET visible = FALSE, modified = now() WHERE oid = $1`,
		oid,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: supersede bill %s", oid)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("bill not found: %s", oid)
	}
	return nil
}

func (s *PostgresStore) TouchBill(ctx context.Context, oid string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE bills SET modified = $1 WHERE oid = $2`,
		at, oid,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch bill %s", oid)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("bill not found: %s", oid)
	}
	return nil
}

func (s *PostgresStore) ListPartials(ctx context.Context, serviceID int64, pt model.ProviderType, w dates.Window) ([]model.PartialBill, error) {
	query := `SELECT oid, service_id, provider_type, datum, visible, modified FROM partial_bills
	          WHERE service_id = $1 AND start_date <= $3 AND end_date >= $2`
	args := []any{serviceID, w.Start.Time(), w.End.Time()}
	if pt != "" {
		query += ` AND provider_type = $4`
		args = append(args, string(pt))
	}
	query += ` ORDER BY start_date, end_date, oid`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list partial bills")
	}
	defer rows.Close()

	var partials []model.PartialBill
	for rows.Next() {
		var p model.PartialBill
		var datumJSON []byte
		if err := rows.Scan(&p.OID, &p.ServiceID, &p.ProviderType, &datumJSON, &p.Visible, &p.Modified); err != nil {
			return nil, eris.Wrap(err, "postgres: scan partial bill")
		}
		if err := json.Unmarshal(datumJSON, &p.BillingDatum); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal partial bill datum")
		}
		partials = append(partials, p)
	}
	return partials, eris.Wrap(rows.Err(), "postgres: list partial bills iterate")
}

func (s *PostgresStore) WritePartial(ctx context.Context, p model.PartialBill) (string, error) {
	if p.OID == "" {
		p.OID = uuid.New().String()
	}
	datumJSON, err := json.Marshal(p.BillingDatum)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal partial bill datum")
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO partial_bills (oid, service_id, provider_type, start_date, end_date, datum, visible, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.OID, p.ServiceID, string(p.ProviderType), p.Start.Time(), p.End.Time(), datumJSON, p.Visible, p.Modified,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert partial bill")
	}
	return p.OID, nil
}

func (s *PostgresStore) SupersedePartial(ctx context.Context, oid string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE partial_bills SET visible = FALSE, modified = now() WHERE oid = $1`,
		oid,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: supersede partial bill %s", oid)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("partial_bill not found: %s", oid)
	}
	return nil
}

func (s *PostgresStore) TouchPartial(ctx context.Context, oid string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE partial_bills SET modified = $1 WHERE oid = $2`,
		at, oid,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch partial bill %s", oid)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("partial_bill not found: %s", oid)
	}
	return nil
}

func (s *PostgresStore) SetThirdPartyExpected(ctx context.Context, partialOID string, expected bool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE partial_bills
		 SET datum = jsonb_set(datum, '{third_party_expected}', to_jsonb($1::boolean)), modified = now()
		 WHERE oid = $2`,
		expected, partialOID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set third party expected %s", partialOID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("partial_bill not found: %s", partialOID)
	}
	return nil
}

func (s *PostgresStore) ListLinks(ctx context.Context, serviceID int64) ([]model.PartialBillLink, error) {
	rows, err := s.q.Query(ctx,
		`SELECT l.partial_oid, l.bill_oid FROM partial_bill_links l
		 JOIN partial_bills p ON p.oid = l.partial_oid
		 WHERE p.service_id = $1
		 ORDER BY l.partial_oid, l.bill_oid`,
		serviceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list links")
	}
	defer rows.Close()

	var links []model.PartialBillLink
	for rows.Next() {
		var l model.PartialBillLink
		if err := rows.Scan(&l.PartialOID, &l.BillOID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "postgres: list links iterate")
}

func (s *PostgresStore) LinkPartial(ctx context.Context, partialOID, billOID string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO partial_bill_links (partial_oid, bill_oid) VALUES ($1, $2)
		 ON CONFLICT (partial_oid, bill_oid) DO NOTHING`,
		partialOID, billOID,
	)
	return eris.Wrap(err, "postgres: link partial bill")
}

func (s *PostgresStore) UnlinkPartial(ctx context.Context, partialOID string) error {
	_, err := s.q.Exec(ctx,
		`DELETE FROM partial_bill_links WHERE partial_oid = $1`,
		partialOID,
	)
	return eris.Wrap(err, "postgres: unlink partial bill")
}

func (s *PostgresStore) UnlinkBill(ctx context.Context, billOID string) error {
	_, err := s.q.Exec(ctx,
		`DELETE FROM partial_bill_links WHERE bill_oid = $1`,
		billOID,
	)
	return eris.Wrap(err, "postgres: unlink bill")
}

func (s *PostgresStore) LoadInterval(ctx context.Context, meterID int64, d dates.Date) (*model.IntervalReading, error) {
	var r model.IntervalReading
	var occurred time.Time
	var readingsJSON []byte
	err := s.q.QueryRow(ctx,
		`SELECT meter_id, occurred, readings, frozen, modified FROM interval_readings
		 WHERE meter_id = $1 AND occurred = $2`,
		meterID, d.Time(),
	).Scan(&r.MeterID, &occurred, &readingsJSON, &r.Frozen, &r.Modified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: load interval %d/%s", meterID, d)
	}
	r.Occurred = dates.FromTime(occurred)
	if err := json.Unmarshal(readingsJSON, &r.Readings); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal readings")
	}
	return &r, nil
}

func (s *PostgresStore) UpsertInterval(ctx context.Context, r model.IntervalReading) error {
	readingsJSON, err := json.Marshal(r.Readings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal readings")
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO interval_readings (meter_id, occurred, readings, frozen, modified) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (meter_id, occurred) DO UPDATE SET readings = $3, frozen = $4, modified = $5`,
		r.MeterID, r.Occurred.Time(), readingsJSON, r.Frozen, r.Modified,
	)
	return eris.Wrap(err, "postgres: upsert interval")
}

func (s *PostgresStore) EmitTariffTransition(ctx context.Context, tt model.TariffTransition) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO tariff_transitions (id, service_id, occurred, tariff, applied) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), tt.ServiceID, tt.Occurred.Time(), tt.To, tt.Applied,
	)
	return eris.Wrap(err, "postgres: emit tariff transition")
}

func (s *PostgresStore) EmitAudit(ctx context.Context, ev model.AuditEvent) error {
	var changesJSON []byte
	if len(ev.Changes) > 0 {
		var err error
		changesJSON, err = json.Marshal(ev.Changes)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal audit changes")
		}
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO audit_events (id, run_id, service_id, kind, period_start, period_end, changes, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), ev.RunID, ev.ServiceID, ev.Kind,
		ev.Period.Start.Time(), ev.Period.End.Time(), changesJSON, ev.At,
	)
	return eris.Wrap(err, "postgres: emit audit event")
}

func (s *PostgresStore) WriteRunOutcome(ctx context.Context, oc *model.RunOutcome) error {
	outcomeJSON, err := json.Marshal(oc)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run outcome")
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO run_outcomes (run_id, source_id, status, outcome, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id) DO UPDATE SET source_id = $2, status = $3, outcome = $4, started_at = $5, finished_at = $6`,
		oc.RunID, oc.SourceID, string(oc.Status), outcomeJSON, oc.StartedAt, oc.FinishedAt,
	)
	return eris.Wrap(err, "postgres: write run outcome")
}

func (s *PostgresStore) GetRunOutcome(ctx context.Context, runID string) (*model.RunOutcome, error) {
	var outcomeJSON []byte
	err := s.q.QueryRow(ctx,
		`SELECT outcome FROM run_outcomes WHERE run_id = $1`,
		runID,
	).Scan(&outcomeJSON)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run outcome %s", runID)
	}
	var oc model.RunOutcome
	if err := json.Unmarshal(outcomeJSON, &oc); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run outcome")
	}
	return &oc, nil
}

func (s *PostgresStore) ListRunOutcomes(ctx context.Context, limit int) ([]model.RunOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx,
		`SELECT outcome FROM run_outcomes ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run outcomes")
	}
	defer rows.Close()

	var outcomes []model.RunOutcome
	for rows.Next() {
		var outcomeJSON []byte
		if err := rows.Scan(&outcomeJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run outcome")
		}
		var oc model.RunOutcome
		if err := json.Unmarshal(outcomeJSON, &oc); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run outcome")
		}
		outcomes = append(outcomes, oc)
	}
	return outcomes, eris.Wrap(rows.Err(), "postgres: list run outcomes iterate")
}

// Tx runs fn in one transaction. A non-zero serviceID row-locks the service
// first so concurrent runs serialize in the order service, bill, partial
// bill, link.
func (s *PostgresStore) Tx(ctx context.Context, serviceID int64, fn func(ctx context.Context, st Store) error) error {
	if s.inTx {
		return eris.New("postgres: nested transactions are not supported")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if serviceID != 0 {
		if _, err := tx.Exec(ctx, `SELECT id FROM utility_services WHERE id = $1 FOR UPDATE`, serviceID); err != nil {
			return eris.Wrapf(err, "postgres: lock service %d", serviceID)
		}
	}

	child := &PostgresStore{pool: s.pool, q: tx, inTx: true}
	if err := fn(ctx, child); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}
