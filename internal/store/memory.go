package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
)

// MemoryStore is an in-memory Store used by unit and property tests, and by
// dry runs that must not touch a real database. Tx gives real rollback
// semantics by snapshotting tables.
type MemoryStore struct {
	mu sync.Mutex

	sources   map[int64]model.DataSource
	services  map[int64]model.UtilityService
	bills     map[string]model.Bill
	partials  map[string]model.PartialBill
	links     []model.PartialBillLink
	intervals map[intervalKey]model.IntervalReading
	tariffs   []model.TariffTransition
	audits    []model.AuditEvent
	outcomes  map[string]model.RunOutcome

	inTx bool
}

type intervalKey struct {
	meterID int64
	day     dates.Date
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sources:   make(map[int64]model.DataSource),
		services:  make(map[int64]model.UtilityService),
		bills:     make(map[string]model.Bill),
		partials:  make(map[string]model.PartialBill),
		intervals: make(map[intervalKey]model.IntervalReading),
		outcomes:  make(map[string]model.RunOutcome),
	}
}

// Seed helpers for tests and local catalogs.

func (m *MemoryStore) PutSource(s model.DataSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.ID] = s
}

func (m *MemoryStore) PutService(s model.UtilityService) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
}

func (m *MemoryStore) PutInterval(r model.IntervalReading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervals[intervalKey{r.MeterID, r.Occurred}] = r
}

// TariffTransitions returns emitted transitions, for assertions.
func (m *MemoryStore) TariffTransitions() []model.TariffTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TariffTransition, len(m.tariffs))
	copy(out, m.tariffs)
	return out
}

// AuditEvents returns emitted audit events, for assertions.
func (m *MemoryStore) AuditEvents() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEvent, len(m.audits))
	copy(out, m.audits)
	return out
}

// Bills returns all bill rows, for assertions.
func (m *MemoryStore) Bills() []model.Bill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Bill, 0, len(m.bills))
	for _, b := range m.bills {
		out = append(out, b)
	}
	sortBills(out)
	return out
}

// Partials returns all partial-bill rows, for assertions.
func (m *MemoryStore) Partials() []model.PartialBill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PartialBill, 0, len(m.partials))
	for _, p := range m.partials {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].End.Before(out[j].End)
	})
	return out
}

func (m *MemoryStore) LoadSource(_ context.Context, id int64) (*model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, eris.Errorf("store: source %d not found", id)
	}
	return &s, nil
}

func (m *MemoryStore) LoadService(_ context.Context, id int64) (*model.UtilityService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return nil, eris.Errorf("store: service %d not found", id)
	}
	return &s, nil
}

func (m *MemoryStore) ListBills(_ context.Context, serviceID int64, w dates.Window) ([]model.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bill
	for _, b := range m.bills {
		if b.ServiceID == serviceID && b.Window().Overlaps(w) {
			out = append(out, b)
		}
	}
	sortBills(out)
	return out, nil
}

func (m *MemoryStore) WriteBill(_ context.Context, b model.Bill) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.OID == "" {
		b.OID = uuid.New().String()
	}
	m.bills[b.OID] = b
	return b.OID, nil
}

func (m *MemoryStore) SupersedeBill(_ context.Context, oid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[oid]
	if !ok {
		return eris.Errorf("store: bill %s not found", oid)
	}
	b.Visible = false
	m.bills[oid] = b
	return nil
}

func (m *MemoryStore) TouchBill(_ context.Context, oid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[oid]
	if !ok {
		return eris.Errorf("store: bill %s not found", oid)
	}
	b.Modified = at
	m.bills[oid] = b
	return nil
}

func (m *MemoryStore) ListPartials(_ context.Context, serviceID int64, pt model.ProviderType, w dates.Window) ([]model.PartialBill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PartialBill
	for _, p := range m.partials {
		if p.ServiceID != serviceID || p.Window().Overlaps(w) == false {
			continue
		}
		if pt != "" && p.ProviderType != pt {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].End.Before(out[j].End)
	})
	return out, nil
}

func (m *MemoryStore) WritePartial(_ context.Context, p model.PartialBill) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.OID == "" {
		p.OID = uuid.New().String()
	}
	m.partials[p.OID] = p
	return p.OID, nil
}

func (m *MemoryStore) SupersedePartial(_ context.Context, oid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partials[oid]
	if !ok {
		return eris.Errorf("store: partial bill %s not found", oid)
	}
	p.Visible = false
	m.partials[oid] = p
	return nil
}

func (m *MemoryStore) TouchPartial(_ context.Context, oid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partials[oid]
	if !ok {
		return eris.Errorf("store: partial bill %s not found", oid)
	}
	p.Modified = at
	m.partials[oid] = p
	return nil
}

func (m *MemoryStore) SetThirdPartyExpected(_ context.Context, partialOID string, expected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partials[partialOID]
	if !ok {
		return eris.Errorf("store: partial bill %s not found", partialOID)
	}
	p.ThirdPartyExpected = &expected
	m.partials[partialOID] = p
	return nil
}

func (m *MemoryStore) ListLinks(_ context.Context, serviceID int64) ([]model.PartialBillLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PartialBillLink
	for _, l := range m.links {
		p, ok := m.partials[l.PartialOID]
		if ok && p.ServiceID == serviceID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryStore) LinkPartial(_ context.Context, partialOID, billOID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.PartialOID == partialOID && l.BillOID == billOID {
			return nil
		}
	}
	m.links = append(m.links, model.PartialBillLink{PartialOID: partialOID, BillOID: billOID})
	return nil
}

func (m *MemoryStore) UnlinkPartial(_ context.Context, partialOID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.links[:0]
	for _, l := range m.links {
		if l.PartialOID != partialOID {
			kept = append(kept, l)
		}
	}
	m.links = kept
	return nil
}

func (m *MemoryStore) UnlinkBill(_ context.Context, billOID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.links[:0]
	for _, l := range m.links {
		if l.BillOID != billOID {
			kept = append(kept, l)
		}
	}
	m.links = kept
	return nil
}

func (m *MemoryStore) LoadInterval(_ context.Context, meterID int64, d dates.Date) (*model.IntervalReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.intervals[intervalKey{meterID, d}]
	if !ok {
		return nil, nil
	}
	r.Readings = r.Readings.Clone()
	return &r, nil
}

func (m *MemoryStore) UpsertInterval(_ context.Context, r model.IntervalReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Readings = r.Readings.Clone()
	m.intervals[intervalKey{r.MeterID, r.Occurred}] = r
	return nil
}

func (m *MemoryStore) EmitTariffTransition(_ context.Context, tt model.TariffTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tariffs = append(m.tariffs, tt)
	return nil
}

func (m *MemoryStore) EmitAudit(_ context.Context, ev model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, ev)
	return nil
}

func (m *MemoryStore) WriteRunOutcome(_ context.Context, oc *model.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[oc.RunID] = *oc
	return nil
}

func (m *MemoryStore) GetRunOutcome(_ context.Context, runID string) (*model.RunOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oc, ok := m.outcomes[runID]
	if !ok {
		return nil, eris.Errorf("store: run outcome %s not found", runID)
	}
	return &oc, nil
}

func (m *MemoryStore) ListRunOutcomes(_ context.Context, limit int) ([]model.RunOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RunOutcome, 0, len(m.outcomes))
	for _, oc := range m.outcomes {
		out = append(out, oc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Tx snapshots all tables, runs fn, and restores the snapshot if fn fails.
// The single mutex already serializes writers, so serviceID locking is moot.
func (m *MemoryStore) Tx(ctx context.Context, _ int64, fn func(ctx context.Context, s Store) error) error {
	m.mu.Lock()
	if m.inTx {
		m.mu.Unlock()
		return eris.New("store: nested transactions are not supported")
	}
	snap := m.snapshotLocked()
	m.inTx = true
	m.mu.Unlock()

	err := fn(ctx, m)

	m.mu.Lock()
	m.inTx = false
	if err != nil {
		m.restoreLocked(snap)
	}
	m.mu.Unlock()
	return err
}

type memorySnapshot struct {
	bills     map[string]model.Bill
	partials  map[string]model.PartialBill
	links     []model.PartialBillLink
	intervals map[intervalKey]model.IntervalReading
	tariffs   []model.TariffTransition
	audits    []model.AuditEvent
}

func (m *MemoryStore) snapshotLocked() memorySnapshot {
	snap := memorySnapshot{
		bills:     make(map[string]model.Bill, len(m.bills)),
		partials:  make(map[string]model.PartialBill, len(m.partials)),
		links:     append([]model.PartialBillLink(nil), m.links...),
		intervals: make(map[intervalKey]model.IntervalReading, len(m.intervals)),
		tariffs:   append([]model.TariffTransition(nil), m.tariffs...),
		audits:    append([]model.AuditEvent(nil), m.audits...),
	}
	for k, v := range m.bills {
		snap.bills[k] = v
	}
	for k, v := range m.partials {
		snap.partials[k] = v
	}
	for k, v := range m.intervals {
		v.Readings = v.Readings.Clone()
		snap.intervals[k] = v
	}
	return snap
}

func (m *MemoryStore) restoreLocked(snap memorySnapshot) {
	m.bills = snap.bills
	m.partials = snap.partials
	m.links = snap.links
	m.intervals = snap.intervals
	m.tariffs = snap.tariffs
	m.audits = snap.audits
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Fingerprint serializes the mutable tables to canonical JSON; the
// idempotence property test compares fingerprints across repeated runs.
func (m *MemoryStore) Fingerprint() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := struct {
		Bills     []model.Bill                     `json:"bills"`
		Partials  []model.PartialBill              `json:"partials"`
		Links     []model.PartialBillLink          `json:"links"`
		Intervals map[string]model.IntervalReading `json:"intervals"`
		Tariffs   []model.TariffTransition         `json:"tariffs"`
	}{
		Links:     append([]model.PartialBillLink(nil), m.links...),
		Intervals: make(map[string]model.IntervalReading, len(m.intervals)),
		Tariffs:   append([]model.TariffTransition(nil), m.tariffs...),
	}
	for _, b := range m.bills {
		state.Bills = append(state.Bills, b)
	}
	sortBills(state.Bills)
	for _, p := range m.partials {
		state.Partials = append(state.Partials, p)
	}
	sort.Slice(state.Partials, func(i, j int) bool { return state.Partials[i].OID < state.Partials[j].OID })
	for k, v := range m.intervals {
		state.Intervals[v.Occurred.String()+"/"+itoa(k.meterID)] = v
	}
	sort.Slice(state.Links, func(i, j int) bool {
		return state.Links[i].PartialOID+state.Links[i].BillOID < state.Links[j].PartialOID+state.Links[j].BillOID
	})
	b, err := json.Marshal(state)
	if err != nil {
		return "", eris.Wrap(err, "store: fingerprint")
	}
	return string(b), nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
