package ward

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/admissions/internal/platform/websocket"
)

// Facility ids in the seeded store.
const (
	erID    int64 = 1
	wardID  int64 = 2
	icuID   int64 = 3
	wardBID int64 = 4
)

// seededStore returns a store with an ER (units 5 and 3 on floor 1, unit 1 on
// floor 2), two general wards and an ICU. Unit ids are deliberately out of
// label order to exercise the floor-then-id tie-break.
func seededStore() *MemoryStore {
	m := NewMemoryStore()
	m.ImportState(Snapshot{
		Facilities: []*Facility{
			{ID: erID, Name: "Emergency", Type: FacilityEmergency, Floors: 2, BedsPerFloor: 2},
			{ID: wardID, Name: "General Ward A", Type: FacilityWard, Floors: 2, BedsPerFloor: 2},
			{ID: icuID, Name: "ICU", Type: FacilityIntensiveCare, Floors: 1, BedsPerFloor: 1},
			{ID: wardBID, Name: "General Ward B", Type: FacilityWard, Floors: 1, BedsPerFloor: 1},
		},
		Units: []*Unit{
			{ID: 5, FacilityID: erID, Floor: 1, Label: "Bed 1", Status: UnitAvailable},
			{ID: 3, FacilityID: erID, Floor: 1, Label: "Bed 2", Status: UnitAvailable},
			{ID: 1, FacilityID: erID, Floor: 2, Label: "Bed 1", Status: UnitAvailable},
			{ID: 10, FacilityID: wardID, Floor: 1, Label: "Bed 1", Status: UnitAvailable},
			{ID: 11, FacilityID: wardID, Floor: 1, Label: "Bed 2", Status: UnitAvailable},
			{ID: 12, FacilityID: wardID, Floor: 2, Label: "Bed 1", Status: UnitAvailable},
			{ID: 20, FacilityID: icuID, Floor: 1, Label: "Bed 1", Status: UnitAvailable},
			{ID: 30, FacilityID: wardBID, Floor: 1, Label: "Bed 1", Status: UnitAvailable},
		},
		Sequences: Sequences{Facility: 4, Unit: 30},
	})
	return m
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService() (*Service, *MemoryStore, *recordingPublisher) {
	store := seededStore()
	svc := NewService(store, nil, zerolog.Nop())
	pub := &recordingPublisher{}
	svc.SetEventPublisher(pub)
	return svc, store, pub
}

func unitStatus(t *testing.T, m *MemoryStore, id int64) UnitStatus {
	t.Helper()
	for _, u := range m.ExportState().Units {
		if u.ID == id {
			return u.Status
		}
	}
	t.Fatalf("unit %d not in store", id)
	return ""
}

func admit(t *testing.T, svc *Service, sev Severity) *Admission {
	t.Helper()
	out, err := svc.Admit(context.Background(), RoleDoctor, AdmitRequest{FullName: "Jane Roe", Age: 40, Severity: sev})
	if err != nil {
		t.Fatalf("admit %s: %v", sev, err)
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }
