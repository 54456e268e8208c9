package ward

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func autoAssign(t *testing.T, m *MemoryStore, a *Allocator, sev Severity) (*Unit, error) {
	t.Helper()
	var u *Unit
	err := m.RunInTx(context.Background(), func(tx Tx) error {
		var err error
		u, err = a.AutoAssign(context.Background(), tx, sev)
		return err
	})
	return u, err
}

func TestAllocator_AutoAssignTieBreak(t *testing.T) {
	m := seededStore()
	a := NewAllocator(nil)

	// floor 1 before floor 2, then lowest id
	for _, want := range []int64{3, 5, 1} {
		u, err := autoAssign(t, m, a, SeverityCritical)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.ID != want {
			t.Errorf("expected unit %d, got %d", want, u.ID)
		}
		if u.Status != UnitOccupied {
			t.Errorf("expected returned unit to be OCCUPIED, got %s", u.Status)
		}
		if got := unitStatus(t, m, want); got != UnitOccupied {
			t.Errorf("expected stored unit %d OCCUPIED, got %s", want, got)
		}
	}

	_, err := autoAssign(t, m, a, SeverityCritical)
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

func TestAllocator_SeverityRouting(t *testing.T) {
	tests := []struct {
		severity Severity
		facility int64
	}{
		{SeverityCritical, erID},
		{SeverityHigh, wardID},
		{SeverityModerate, wardID},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			m := seededStore()
			u, err := autoAssign(t, m, NewAllocator(nil), tt.severity)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.FacilityID != tt.facility {
				t.Errorf("expected facility %d, got %d", tt.facility, u.FacilityID)
			}
		})
	}
}

func TestAllocator_LowSeverityIsNoOp(t *testing.T) {
	m := seededStore()
	before := m.ExportState()

	u, err := autoAssign(t, m, NewAllocator(nil), SeverityLow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != nil {
		t.Errorf("expected no unit for low severity, got %d", u.ID)
	}
	if !reflect.DeepEqual(before, m.ExportState()) {
		t.Error("expected store to be unchanged")
	}
}

func TestAllocator_CustomRule(t *testing.T) {
	m := seededStore()
	a := NewAllocator(AdmissionRule{SeverityCritical: {FacilityIntensiveCare}})

	u, err := autoAssign(t, m, a, SeverityCritical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != 20 {
		t.Errorf("expected ICU unit 20, got %d", u.ID)
	}
	if len(a.Eligible(SeverityHigh)) != 0 {
		t.Error("expected high severity to be ineligible under the custom rule")
	}
}

func TestAllocator_ManualAssign(t *testing.T) {
	m := seededStore()
	a := NewAllocator(nil)
	ctx := context.Background()

	var u *Unit
	err := m.RunInTx(ctx, func(tx Tx) error {
		var err error
		u, err = a.ManualAssign(ctx, tx, wardID, 2)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != 12 {
		t.Errorf("expected unit 12, got %d", u.ID)
	}

	err = m.RunInTx(ctx, func(tx Tx) error {
		_, err := a.ManualAssign(ctx, tx, wardID, 2)
		return err
	})
	if !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity on a full floor, got %v", err)
	}
}

func TestAllocator_ReleaseIsIdempotent(t *testing.T) {
	m := seededStore()
	a := NewAllocator(nil)
	ctx := context.Background()

	u, err := autoAssign(t, m, a, SeverityHigh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.RunInTx(ctx, func(tx Tx) error { return a.Release(ctx, tx, u.ID) }); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		if got := unitStatus(t, m, u.ID); got != UnitAvailable {
			t.Errorf("expected AVAILABLE after release, got %s", got)
		}
	}

	err = m.RunInTx(ctx, func(tx Tx) error { return a.Release(ctx, tx, 999) })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown unit, got %v", err)
	}
}

func TestAllocator_FailedTxLeavesUnitAvailable(t *testing.T) {
	m := seededStore()
	a := NewAllocator(nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.RunInTx(ctx, func(tx Tx) error {
		if _, err := a.AutoAssign(ctx, tx, SeverityCritical); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := unitStatus(t, m, 3); got != UnitAvailable {
		t.Errorf("expected rolled back unit to stay AVAILABLE, got %s", got)
	}
}

func TestAllocator_ConcurrentAdmissionsNeverShareUnit(t *testing.T) {
	svc, store, _ := newTestService()
	const workers = 20

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		units    = map[int64]int{}
		failures int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Admit(context.Background(), RoleNurse, AdmitRequest{FullName: "Concurrent", Age: 30, Severity: SeverityCritical})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, ErrNoCapacity) {
					t.Errorf("unexpected error: %v", err)
				}
				failures++
				return
			}
			units[out.Unit.ID]++
		}()
	}
	wg.Wait()

	if len(units) != 3 {
		t.Fatalf("expected 3 distinct units claimed, got %d", len(units))
	}
	for id, n := range units {
		if n != 1 {
			t.Errorf("unit %d assigned %d times", id, n)
		}
	}
	if failures != workers-3 {
		t.Errorf("expected %d ErrNoCapacity, got %d", workers-3, failures)
	}
	if got := len(store.ExportState().Patients); got != 3 {
		t.Errorf("expected 3 patients, got %d", got)
	}
}

func TestAllocator_ConcurrentReferralsAndTransfersShareOneUnit(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	// three ER patients refer to ward B, two ward A patients transfer there;
	// ward B floor 1 has a single unit
	place := func(facility int64, floor int) *Admission {
		out, err := svc.Admit(ctx, RoleDoctor, AdmitRequest{
			FullName: "Contender", Age: 45, Severity: SeverityModerate,
			FacilityID: int64Ptr(facility), Floor: intPtr(floor),
		})
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		return out
	}
	referred := []*Admission{place(erID, 1), place(erID, 1), place(erID, 2)}
	moved := []*Admission{place(wardID, 1), place(wardID, 1)}
	for _, a := range referred {
		if _, err := svc.RequestReferral(ctx, RoleDoctor, a.Patient.ID, wardBID, 1); err != nil {
			t.Fatalf("request: %v", err)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []int64
		failures int
	)
	record := func(patientID int64, u *Unit, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if !errors.Is(err, ErrNoCapacity) {
				t.Errorf("patient %d: unexpected error: %v", patientID, err)
			}
			failures++
			return
		}
		if u.ID != 30 {
			t.Errorf("patient %d: expected unit 30, got %d", patientID, u.ID)
		}
		winners = append(winners, patientID)
	}
	for _, a := range referred {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			u, err := svc.ApproveReferral(ctx, RoleDoctor, id)
			record(id, u, err)
		}(a.Patient.ID)
	}
	for _, a := range moved {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			u, err := svc.Transfer(ctx, RoleDoctor, id, wardBID, 1)
			record(id, u, err)
		}(a.Patient.ID)
	}
	wg.Wait()

	if len(winners) != 1 || failures != 4 {
		t.Fatalf("expected one winner and 4 ErrNoCapacity, got %v and %d", winners, failures)
	}

	state := store.ExportState()
	bound := map[int64]int64{}
	for _, p := range state.Patients {
		if p.UnitID == nil {
			t.Fatalf("patient %d lost its unit", p.ID)
		}
		if other, dup := bound[*p.UnitID]; dup {
			t.Errorf("unit %d bound to patients %d and %d", *p.UnitID, other, p.ID)
		}
		bound[*p.UnitID] = p.ID
		if p.ID == winners[0] {
			if *p.UnitID != 30 {
				t.Errorf("expected winner on unit 30, got %d", *p.UnitID)
			}
			continue
		}
		for _, a := range referred {
			if a.Patient.ID == p.ID && p.ReferralStatus != ReferralPending {
				t.Errorf("patient %d: expected referral to stay PENDING, got %s", p.ID, p.ReferralStatus)
			}
		}
	}
	occupied := 0
	for _, u := range state.Units {
		if u.Status == UnitOccupied {
			occupied++
			if _, ok := bound[u.ID]; !ok {
				t.Errorf("unit %d OCCUPIED without a patient", u.ID)
			}
		}
	}
	if occupied != len(state.Patients) {
		t.Errorf("expected %d occupied units, got %d", len(state.Patients), occupied)
	}
}
