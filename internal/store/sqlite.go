package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for single-host
// deployments and local development. Dates are stored as ISO-8601 text.
type SQLiteStore struct {
	db *sql.DB
	q  sqlQueryer
}

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb, q: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS data_sources (
	id              INTEGER PRIMARY KEY,
	kind            TEXT NOT NULL,
	account_id      TEXT NOT NULL DEFAULT '',
	meter_id        INTEGER,
	service_id      INTEGER NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	credentials_ref TEXT NOT NULL DEFAULT '',
	source_meta     TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS utility_services (
	id               INTEGER PRIMARY KEY,
	tariff           TEXT NOT NULL DEFAULT '',
	provider_type    TEXT NOT NULL DEFAULT '',
	interval_minutes INTEGER NOT NULL DEFAULT 15
);

CREATE TABLE IF NOT EXISTS bills (
	oid             TEXT PRIMARY KEY,
	service_id      INTEGER NOT NULL,
	start_date      TEXT NOT NULL,
	end_date        TEXT NOT NULL,
	datum           TEXT NOT NULL,
	has_all_charges INTEGER NOT NULL DEFAULT 0,
	visible         INTEGER NOT NULL DEFAULT 1,
	modified        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bills_service_period ON bills(service_id, start_date, end_date);

CREATE TABLE IF NOT EXISTS partial_bills (
	oid           TEXT PRIMARY KEY,
	service_id    INTEGER NOT NULL,
	provider_type TEXT NOT NULL,
	start_date    TEXT NOT NULL,
	end_date      TEXT NOT NULL,
	datum         TEXT NOT NULL,
	visible       INTEGER NOT NULL DEFAULT 1,
	modified      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_partial_bills_service_period ON partial_bills(service_id, start_date, end_date);

CREATE TABLE IF NOT EXISTS partial_bill_links (
	partial_oid TEXT NOT NULL REFERENCES partial_bills(oid),
	bill_oid    TEXT NOT NULL REFERENCES bills(oid),
	PRIMARY KEY (partial_oid, bill_oid)
);

CREATE TABLE IF NOT EXISTS interval_readings (
	meter_id INTEGER NOT NULL,
	occurred TEXT NOT NULL,
	readings TEXT NOT NULL,
	frozen   INTEGER NOT NULL DEFAULT 0,
	modified DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (meter_id, occurred)
);

CREATE TABLE IF NOT EXISTS tariff_transitions (
	id         TEXT PRIMARY KEY,
	service_id INTEGER NOT NULL,
	occurred   TEXT NOT NULL,
	tariff     TEXT NOT NULL,
	applied    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	service_id   INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end   TEXT NOT NULL,
	changes      TEXT,
	at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id);

CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id      TEXT PRIMARY KEY,
	source_id   INTEGER NOT NULL,
	status      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadSource(ctx context.Context, id int64) (*model.DataSource, error) {
	var src model.DataSource
	var metaJSON string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, kind, account_id, meter_id, service_id, enabled, credentials_ref, source_meta
		 FROM data_sources WHERE id = ?`,
		id,
	).Scan(&src.ID, &src.Kind, &src.AccountID, &src.MeterID, &src.ServiceID, &src.Enabled, &src.CredentialsRef, &metaJSON)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load source %d", id)
	}
	if err := json.Unmarshal([]byte(metaJSON), &src.Meta); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal source meta")
	}
	return &src, nil
}

func (s *SQLiteStore) LoadService(ctx context.Context, id int64) (*model.UtilityService, error) {
	var svc model.UtilityService
	err := s.q.QueryRowContext(ctx,
		`SELECT id, tariff, provider_type, interval_minutes FROM utility_services WHERE id = ?`,
		id,
	).Scan(&svc.ID, &svc.Tariff, &svc.ProviderType, &svc.IntervalMinutes)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load service %d", id)
	}
	return &svc, nil
}

func (s *SQLiteStore) ListBills(ctx context.Context, serviceID int64, w dates.Window) ([]model.Bill, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT oid, service_id, datum, has_all_charges, visible, modified FROM bills
		 WHERE service_id = ? AND start_date <= ? AND end_date >= ?
		 ORDER BY start_date, end_date, oid`,
		serviceID, w.End.String(), w.Start.String(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bills")
	}
	defer rows.Close()

	var bills []model.Bill
	for rows.Next() {
		var b model.Bill
		var datumJSON string
		if err := rows.Scan(&b.OID, &b.ServiceID, &datumJSON, &b.HasFullCharges, &b.Visible, &b.Modified); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bill")
		}
		if err := json.Unmarshal([]byte(datumJSON), &b.BillingDatum); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal bill datum")
		}
		bills = append(bills, b)
	}
	return bills, eris.Wrap(rows.Err(), "sqlite: list bills iterate")
}

func (s *SQLiteStore) WriteBill(ctx context.Context, b model.Bill) (string, error) {
	if b.OID == "" {
		b.OID = uuid.New().String()
	}
	datumJSON, err := json.Marshal(b.BillingDatum)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal bill datum")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO bills (oid, service_id, start_date, end_date, datum, has_all_charges, visible, modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.OID, b.ServiceID, b.Start.String(), b.End.String(), string(datumJSON), b.HasFullCharges, b.Visible, b.Modified,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert bill")
	}
	return b.OID, nil
}

func (s *SQLiteStore) SupersedeBill(ctx context.Context, oid string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE bills SET visible = 0, modified = datetime('now') WHERE oid = ?`,
		oid,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: supersede bill %s", oid)
	}
	return checkRowsAffected(res, "bill", oid)
}

func (s *SQLiteStore) TouchBill(ctx context.Context, oid string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE bills SET modified = ? WHERE oid = ?`,
		at, oid,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch bill %s", oid)
	}
	return checkRowsAffected(res, "bill", oid)
}

func (s *SQLiteStore) ListPartials(ctx context.Context, serviceID int64, pt model.ProviderType, w dates.Window) ([]model.PartialBill, error) {
	query := `SELECT oid, service_id, provider_type, datum, visible, modified FROM partial_bills
	          WHERE service_id = ? AND start_date <= ? AND end_date >= ?`
	args := []any{serviceID, w.End.String(), w.Start.String()}
	if pt != "" {
		query += ` AND provider_type = ?`
		args = append(args, string(pt))
	}
	query += ` ORDER BY start_date, end_date, oid`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list partial bills")
	}
	defer rows.Close()

	var partials []model.PartialBill
	for rows.Next() {
		var p model.PartialBill
		var datumJSON string
		if err := rows.Scan(&p.OID, &p.ServiceID, &p.ProviderType, &datumJSON, &p.Visible, &p.Modified); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan partial bill")
		}
		if err := json.Unmarshal([]byte(datumJSON), &p.BillingDatum); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal partial bill datum")
		}
		partials = append(partials, p)
	}
	return partials, eris.Wrap(rows.Err(), "sqlite: list partial bills iterate")
}

func (s *SQLiteStore) WritePartial(ctx context.Context, p model.PartialBill) (string, error) {
	if p.OID == "" {
		p.OID = uuid.New().String()
	}
	datumJSON, err := json.Marshal(p.BillingDatum)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal partial bill datum")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO partial_bills (oid, service_id, provider_type, start_date, end_date, datum, visible, modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.OID, p.ServiceID, string(p.ProviderType), p.Start.String(), p.End.String(), string(datumJSON), p.Visible, p.Modified,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert partial bill")
	}
	return p.OID, nil
}

func (s *SQLiteStore) SupersedePartial(ctx context.Context, oid string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE partial_bills SET visible = 0, modified = datetime('now') WHERE oid = ?`,
		oid,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: supersede partial bill %s", oid)
	}
	return checkRowsAffected(res, "partial_bill", oid)
}

func (s *SQLiteStore) TouchPartial(ctx context.Context, oid string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE partial_bills SET modified = ? WHERE oid = ?`,
		at, oid,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch partial bill %s", oid)
	}
	return checkRowsAffected(res, "partial_bill", oid)
}

func (s *SQLiteStore) SetThirdPartyExpected(ctx context.Context, partialOID string, expected bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE partial_bills
		 SET datum = json_set(datum, '$.third_party_expected', json(?)), modified = datetime('now')
		 WHERE oid = ?`,
		boolJSON(expected), partialOID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set third party expected %s", partialOID)
	}
	return checkRowsAffected(res, "partial_bill", partialOID)
}

func (s *SQLiteStore) ListLinks(ctx context.Context, serviceID int64) ([]model.PartialBillLink, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT l.partial_oid, l.bill_oid FROM partial_bill_links l
		 JOIN partial_bills p ON p.oid = l.partial_oid
		 WHERE p.service_id = ?
		 ORDER BY l.partial_oid, l.bill_oid`,
		serviceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list links")
	}
	defer rows.Close()

	var links []model.PartialBillLink
	for rows.Next() {
		var l model.PartialBillLink
		if err := rows.Scan(&l.PartialOID, &l.BillOID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: list links iterate")
}

func (s *SQLiteStore) LinkPartial(ctx context.Context, partialOID, billOID string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO partial_bill_links (partial_oid, bill_oid) VALUES (?, ?)`,
		partialOID, billOID,
	)
	return eris.Wrap(err, "sqlite: link partial bill")
}

func (s *SQLiteStore) UnlinkPartial(ctx context.Context, partialOID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM partial_bill_links WHERE partial_oid = ?`,
		partialOID,
	)
	return eris.Wrap(err, "sqlite: unlink partial bill")
}

func (s *SQLiteStore) UnlinkBill(ctx context.Context, billOID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM partial_bill_links WHERE bill_oid = ?`,
		billOID,
	)
	return eris.Wrap(err, "sqlite: unlink bill")
}

func (s *SQLiteStore) LoadInterval(ctx context.Context, meterID int64, d dates.Date) (*model.IntervalReading, error) {
	var r model.IntervalReading
	var occurred, readingsJSON string
	err := s.q.QueryRowContext(ctx,
		`SELECT meter_id, occurred, readings, frozen, modified FROM interval_readings
		 WHERE meter_id = ? AND occurred = ?`,
		meterID, d.String(),
	).Scan(&r.MeterID, &occurred, &readingsJSON, &r.Frozen, &r.Modified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load interval %d/%s", meterID, d)
	}
	r.Occurred, err = dates.Parse(occurred)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse occurred")
	}
	if err := json.Unmarshal([]byte(readingsJSON), &r.Readings); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal readings")
	}
	return &r, nil
}

func (s *SQLiteStore) UpsertInterval(ctx context.Context, r model.IntervalReading) error {
	readingsJSON, err := json.Marshal(r.Readings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal readings")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO interval_readings (meter_id, occurred, readings, frozen, modified) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (meter_id, occurred) DO UPDATE SET readings = excluded.readings, frozen = excluded.frozen, modified = excluded.modified`,
		r.MeterID, r.Occurred.String(), string(readingsJSON), r.Frozen, r.Modified,
	)
	return eris.Wrap(err, "sqlite: upsert interval")
}

func (s *SQLiteStore) EmitTariffTransition(ctx context.Context, tt model.TariffTransition) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tariff_transitions (id, service_id, occurred, tariff, applied) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), tt.ServiceID, tt.Occurred.String(), tt.To, tt.Applied,
	)
	return eris.Wrap(err, "sqlite: emit tariff transition")
}

func (s *SQLiteStore) EmitAudit(ctx context.Context, ev model.AuditEvent) error {
	var changesJSON sql.NullString
	if len(ev.Changes) > 0 {
		b, err := json.Marshal(ev.Changes)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal audit changes")
		}
		changesJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO audit_events (id, run_id, service_id, kind, period_start, period_end, changes, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ev.RunID, ev.ServiceID, ev.Kind,
		ev.Period.Start.String(), ev.Period.End.String(), changesJSON, ev.At,
	)
	return eris.Wrap(err, "sqlite: emit audit event")
}

func (s *SQLiteStore) WriteRunOutcome(ctx context.Context, oc *model.RunOutcome) error {
	outcomeJSON, err := json.Marshal(oc)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run outcome")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO run_outcomes (run_id, source_id, status, outcome, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET source_id = excluded.source_id, status = excluded.status,
		   outcome = excluded.outcome, started_at = excluded.started_at, finished_at = excluded.finished_at`,
		oc.RunID, oc.SourceID, string(oc.Status), string(outcomeJSON), oc.StartedAt, oc.FinishedAt,
	)
	return eris.Wrap(err, "sqlite: write run outcome")
}

func (s *SQLiteStore) GetRunOutcome(ctx context.Context, runID string) (*model.RunOutcome, error) {
	var outcomeJSON string
	err := s.q.QueryRowContext(ctx,
		`SELECT outcome FROM run_outcomes WHERE run_id = ?`,
		runID,
	).Scan(&outcomeJSON)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run outcome %s", runID)
	}
	var oc model.RunOutcome
	if err := json.Unmarshal([]byte(outcomeJSON), &oc); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run outcome")
	}
	return &oc, nil
}

func (s *SQLiteStore) ListRunOutcomes(ctx context.Context, limit int) ([]model.RunOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT outcome FROM run_outcomes ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run outcomes")
	}
	defer rows.Close()

	var outcomes []model.RunOutcome
	for rows.Next() {
		var outcomeJSON string
		if err := rows.Scan(&outcomeJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run outcome")
		}
		var oc model.RunOutcome
		if err := json.Unmarshal([]byte(outcomeJSON), &oc); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run outcome")
		}
		outcomes = append(outcomes, oc)
	}
	return outcomes, eris.Wrap(rows.Err(), "sqlite: list run outcomes iterate")
}

// Tx runs fn in one transaction. SQLite serializes writers itself, so the
// serviceID is unused beyond keeping call sites identical across stores.
func (s *SQLiteStore) Tx(ctx context.Context, _ int64, fn func(ctx context.Context, st Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return eris.New("sqlite: nested transactions are not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	child := &SQLiteStore{db: s.db, q: tx}
	if err := fn(ctx, child); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
