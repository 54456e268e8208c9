package ward

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the whole store, used to persist and
// restore a MemoryStore.
type Snapshot struct {
	Facilities []*Facility `json:"facilities"`
	Units      []*Unit     `json:"units"`
	Patients   []*Patient  `json:"patients"`
	Sequences  Sequences   `json:"sequences"`
}

// Sequences holds the last id handed out per table.
type Sequences struct {
	Facility int64 `json:"facility"`
	Unit     int64 `json:"unit"`
	Patient  int64 `json:"patient"`
}

type memState struct {
	facilities map[int64]*Facility
	units      map[int64]*Unit
	patients   map[int64]*Patient
	seq        Sequences
}

func newMemState() *memState {
	return &memState{
		facilities: make(map[int64]*Facility),
		units:      make(map[int64]*Unit),
		patients:   make(map[int64]*Patient),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		facilities: make(map[int64]*Facility, len(s.facilities)),
		units:      make(map[int64]*Unit, len(s.units)),
		patients:   make(map[int64]*Patient, len(s.patients)),
		seq:        s.seq,
	}
	for id, f := range s.facilities {
		cp := *f
		c.facilities[id] = &cp
	}
	for id, u := range s.units {
		cp := *u
		c.units[id] = &cp
	}
	for id, p := range s.patients {
		c.patients[id] = clonePatient(p)
	}
	return c
}

func clonePatient(p *Patient) *Patient {
	cp := *p
	if p.UnitID != nil {
		v := *p.UnitID
		cp.UnitID = &v
	}
	if p.ReferralFacilityID != nil {
		v := *p.ReferralFacilityID
		cp.ReferralFacilityID = &v
	}
	if p.ReferralFloor != nil {
		v := *p.ReferralFloor
		cp.ReferralFloor = &v
	}
	return &cp
}

func (s *memState) export() Snapshot {
	c := s.clone()
	snap := Snapshot{Sequences: c.seq}
	for _, f := range c.facilities {
		snap.Facilities = append(snap.Facilities, f)
	}
	for _, u := range c.units {
		snap.Units = append(snap.Units, u)
	}
	for _, p := range c.patients {
		snap.Patients = append(snap.Patients, p)
	}
	sort.Slice(snap.Facilities, func(i, j int) bool { return snap.Facilities[i].ID < snap.Facilities[j].ID })
	sort.Slice(snap.Units, func(i, j int) bool { return snap.Units[i].ID < snap.Units[j].ID })
	sort.Slice(snap.Patients, func(i, j int) bool { return snap.Patients[i].ID < snap.Patients[j].ID })
	return snap
}

func stateFromSnapshot(snap Snapshot) *memState {
	s := newMemState()
	s.seq = snap.Sequences
	for _, f := range snap.Facilities {
		cp := *f
		s.facilities[f.ID] = &cp
	}
	for _, u := range snap.Units {
		cp := *u
		s.units[u.ID] = &cp
	}
	for _, p := range snap.Patients {
		s.patients[p.ID] = clonePatient(p)
	}
	return s
}

// MemoryStore keeps all state in process. Transactions run serially under a
// mutex against a clone of the state which replaces the live state only when
// the transaction function succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState

	// onCommit, when set, sees the post-transaction snapshot before it
	// becomes live. An error aborts the commit.
	onCommit func(Snapshot) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// ImportState replaces the store contents with snap.
func (m *MemoryStore) ImportState(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = stateFromSnapshot(snap)
}

// ExportState returns a deep copy of the store contents.
func (m *MemoryStore) ExportState() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.export()
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	if m.onCommit != nil {
		if err := m.onCommit(work.export()); err != nil {
			return storeErr("commit", err)
		}
	}
	m.state = work
	return nil
}

func (m *MemoryStore) CountUnits(ctx context.Context) (UnitCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c UnitCounts
	for _, u := range m.state.units {
		c.Total++
		if u.Status == UnitOccupied {
			c.Occupied++
		}
	}
	return c, nil
}

func (m *MemoryStore) GetPatient(ctx context.Context, id int64) (*PatientView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	return m.state.view(p), nil
}

func (s *memState) view(p *Patient) *PatientView {
	v := &PatientView{Patient: *clonePatient(p)}
	if p.UnitID == nil {
		return v
	}
	if u, ok := s.units[*p.UnitID]; ok {
		v.UnitLabel = u.Label
		v.FacilityID = u.FacilityID
		v.Floor = u.Floor
		if f, ok := s.facilities[u.FacilityID]; ok {
			v.FacilityName = f.Name
		}
	}
	return v
}

func (m *MemoryStore) ListPatients(ctx context.Context, filter PatientFilter) ([]*PatientView, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var out []*PatientView
	for _, p := range m.state.patients {
		v := m.state.view(p)
		if filter.FacilityID != nil && v.FacilityID != *filter.FacilityID {
			continue
		}
		if filter.Floor != nil && v.Floor != *filter.Floor {
			continue
		}
		if filter.Severity != nil && v.Severity != *filter.Severity {
			continue
		}
		if filter.Referral != nil && v.ReferralStatus != *filter.Referral {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(v.FullName), search) &&
			!strings.Contains(strings.ToLower(v.Code), search) {
			continue
		}
		out = append(out, v)
	}

	switch filter.Sort {
	case SortUnitLabel:
		sort.Slice(out, func(i, j int) bool {
			if out[i].UnitLabel != out[j].UnitLabel {
				return out[i].UnitLabel < out[j].UnitLabel
			}
			return out[i].ID < out[j].ID
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].AdmittedAt.Equal(out[j].AdmittedAt) {
				return out[i].AdmittedAt.After(out[j].AdmittedAt)
			}
			return out[i].ID > out[j].ID
		})
	}

	total := len(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*PatientView{}, total, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (m *MemoryStore) ListFacilities(ctx context.Context) ([]*Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Facility, 0, len(m.state.facilities))
	for _, f := range m.state.facilities {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetFacility(ctx context.Context, id int64) (*Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.state.facilities[id]
	if !ok {
		return nil, fmt.Errorf("facility %d: %w", id, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) ListUnits(ctx context.Context, facilityID int64, floor int) ([]*Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Unit
	for _, u := range m.state.units {
		if u.FacilityID == facilityID && u.Floor == floor {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct {
	state *memState
}

func (t *memTx) matches(u *Unit, q UnitQuery) bool {
	if q.FacilityID != nil && u.FacilityID != *q.FacilityID {
		return false
	}
	if q.Floor != nil && u.Floor != *q.Floor {
		return false
	}
	if len(q.FacilityTypes) > 0 {
		f, ok := t.state.facilities[u.FacilityID]
		if !ok {
			return false
		}
		for _, ft := range q.FacilityTypes {
			if f.Type == ft {
				return true
			}
		}
		return false
	}
	return true
}

func (t *memTx) FindAvailableUnit(ctx context.Context, q UnitQuery) (*Unit, error) {
	var best *Unit
	for _, u := range t.state.units {
		if u.Status != UnitAvailable || !t.matches(u, q) {
			continue
		}
		if best == nil || u.Floor < best.Floor || (u.Floor == best.Floor && u.ID < best.ID) {
			best = u
		}
	}
	if best == nil {
		return nil, fmt.Errorf("available unit: %w", ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (t *memTx) GetUnit(ctx context.Context, id int64) (*Unit, error) {
	u, ok := t.state.units[id]
	if !ok {
		return nil, fmt.Errorf("unit %d: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) SetUnitStatus(ctx context.Context, id int64, from, to UnitStatus) (bool, error) {
	u, ok := t.state.units[id]
	if !ok {
		return false, fmt.Errorf("unit %d: %w", id, ErrNotFound)
	}
	if u.Status != from {
		return false, nil
	}
	u.Status = to
	return true, nil
}

func (t *memTx) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	p, ok := t.state.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	return clonePatient(p), nil
}

// checkUnitBinding mirrors the unique constraint on patient.unit_id.
func (t *memTx) checkUnitBinding(p *Patient) error {
	if p.UnitID == nil {
		return nil
	}
	if _, ok := t.state.units[*p.UnitID]; !ok {
		return fmt.Errorf("unit %d: %w", *p.UnitID, ErrNotFound)
	}
	for id, other := range t.state.patients {
		if id != p.ID && other.UnitID != nil && *other.UnitID == *p.UnitID {
			return fmt.Errorf("unit %d already bound: %w", *p.UnitID, ErrNoCapacity)
		}
	}
	return nil
}

func (t *memTx) CreatePatient(ctx context.Context, p *Patient) error {
	t.state.seq.Patient++
	p.ID = t.state.seq.Patient
	if err := t.checkUnitBinding(p); err != nil {
		return err
	}
	if p.AdmittedAt.IsZero() {
		p.AdmittedAt = time.Now().UTC()
	}
	if p.ReferralStatus == "" {
		p.ReferralStatus = ReferralNone
	}
	t.state.patients[p.ID] = clonePatient(p)
	return nil
}

func (t *memTx) UpdatePatient(ctx context.Context, p *Patient) error {
	if _, ok := t.state.patients[p.ID]; !ok {
		return fmt.Errorf("patient %d: %w", p.ID, ErrNotFound)
	}
	if err := t.checkUnitBinding(p); err != nil {
		return err
	}
	t.state.patients[p.ID] = clonePatient(p)
	return nil
}

func (t *memTx) DeletePatient(ctx context.Context, id int64) error {
	if _, ok := t.state.patients[id]; !ok {
		return fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	delete(t.state.patients, id)
	return nil
}

func (t *memTx) GetFacility(ctx context.Context, id int64) (*Facility, error) {
	f, ok := t.state.facilities[id]
	if !ok {
		return nil, fmt.Errorf("facility %d: %w", id, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (t *memTx) CreateFacility(ctx context.Context, f *Facility) error {
	for _, existing := range t.state.facilities {
		if strings.EqualFold(existing.Name, f.Name) {
			return validationf("facility %q already exists", f.Name)
		}
	}
	t.state.seq.Facility++
	f.ID = t.state.seq.Facility
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	cp := *f
	t.state.facilities[f.ID] = &cp
	return nil
}

func (t *memTx) CreateUnit(ctx context.Context, u *Unit) error {
	if _, ok := t.state.facilities[u.FacilityID]; !ok {
		return fmt.Errorf("facility %d: %w", u.FacilityID, ErrNotFound)
	}
	for _, existing := range t.state.units {
		if existing.FacilityID == u.FacilityID && existing.Floor == u.Floor && existing.Label == u.Label {
			return validationf("unit %q already exists on floor %d", u.Label, u.Floor)
		}
	}
	t.state.seq.Unit++
	u.ID = t.state.seq.Unit
	if u.Status == "" {
		u.Status = UnitAvailable
	}
	cp := *u
	t.state.units[u.ID] = &cp
	return nil
}
