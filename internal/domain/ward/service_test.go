package ward

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"

	"github.com/rs/zerolog"
)

func TestService_AdmitAssignsUnit(t *testing.T) {
	svc, store, pub := newTestService()

	out := admit(t, svc, SeverityCritical)
	if !out.Admitted {
		t.Fatal("expected critical patient to be admitted")
	}
	if out.Unit.ID != 3 {
		t.Errorf("expected unit 3, got %d", out.Unit.ID)
	}
	if out.Patient.UnitID == nil || *out.Patient.UnitID != out.Unit.ID {
		t.Error("expected patient bound to the claimed unit")
	}
	if !regexp.MustCompile(`^PT-[0-9A-F]{8}$`).MatchString(out.Patient.Code) {
		t.Errorf("unexpected patient code %q", out.Patient.Code)
	}
	if out.Patient.ReferralStatus != ReferralNone {
		t.Errorf("expected NONE referral status, got %s", out.Patient.ReferralStatus)
	}
	if got := unitStatus(t, store, 3); got != UnitOccupied {
		t.Errorf("expected unit 3 OCCUPIED, got %s", got)
	}
	if types := pub.types(); len(types) != 1 || types[0] != EventUnitAssigned {
		t.Errorf("expected one %s event, got %v", EventUnitAssigned, types)
	}
}

func TestService_AdmitLowSeverityNotAdmitted(t *testing.T) {
	svc, store, pub := newTestService()

	for _, req := range []AdmitRequest{
		{FullName: "Walk In", Age: 22, Severity: SeverityLow},
		{FullName: "Walk In", Age: 22, Severity: SeverityLow, FacilityID: int64Ptr(wardID), Floor: intPtr(1)},
	} {
		out, err := svc.Admit(context.Background(), RoleDoctor, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Admitted || out.Patient != nil {
			t.Error("expected low severity not to be admitted")
		}
	}
	if n := len(store.ExportState().Patients); n != 0 {
		t.Errorf("expected no patients, got %d", n)
	}
	if len(pub.types()) != 0 {
		t.Error("expected no events")
	}
}

func TestService_AdmitExplicitPlacement(t *testing.T) {
	svc, _, _ := newTestService()

	out, err := svc.Admit(context.Background(), RoleDoctor, AdmitRequest{
		FullName: "Placed", Age: 61, Severity: SeverityModerate,
		FacilityID: int64Ptr(icuID), Floor: intPtr(1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Unit.ID != 20 {
		t.Errorf("expected ICU unit 20, got %d", out.Unit.ID)
	}

	_, err = svc.Admit(context.Background(), RoleDoctor, AdmitRequest{
		FullName: "Placed", Age: 61, Severity: SeverityModerate,
		FacilityID: int64Ptr(icuID), Floor: intPtr(4),
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing floor, got %v", err)
	}
}

func TestService_AdmitValidation(t *testing.T) {
	svc, _, _ := newTestService()
	tests := []struct {
		name string
		req  AdmitRequest
		want error
	}{
		{"missing name", AdmitRequest{Age: 3, Severity: SeverityHigh}, ErrValidation},
		{"bad age", AdmitRequest{FullName: "x", Age: -1, Severity: SeverityHigh}, ErrValidation},
		{"missing severity", AdmitRequest{FullName: "x", Age: 3}, ErrValidation},
		{"unknown severity", AdmitRequest{FullName: "x", Age: 3, Severity: "urgent"}, ErrUnknownEnum},
		{"half placement", AdmitRequest{FullName: "x", Age: 3, Severity: SeverityHigh, Floor: intPtr(1)}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Admit(context.Background(), RoleDoctor, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestService_UserRoleCannotAdmit(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Admit(context.Background(), RoleUser, AdmitRequest{FullName: "x", Age: 3, Severity: SeverityHigh})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestService_DischargeReleasesUnit(t *testing.T) {
	svc, store, pub := newTestService()
	ctx := context.Background()
	out := admit(t, svc, SeverityHigh)

	if err := svc.Discharge(ctx, RoleNurse, out.Patient.ID); err != nil {
		t.Fatalf("discharge: %v", err)
	}
	if got := unitStatus(t, store, out.Unit.ID); got != UnitAvailable {
		t.Errorf("expected unit released, got %s", got)
	}
	if _, err := svc.GetPatient(ctx, out.Patient.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after discharge, got %v", err)
	}
	if err := svc.Discharge(ctx, RoleNurse, out.Patient.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second discharge, got %v", err)
	}
	types := pub.types()
	if types[len(types)-1] != EventUnitReleased {
		t.Errorf("expected %s, got %v", EventUnitReleased, types)
	}
}

func TestService_UpdateClinicalKeepsUnit(t *testing.T) {
	svc, _, _ := newTestService()
	out := admit(t, svc, SeverityModerate)

	diag := "pneumonia"
	sev := SeverityCritical
	p, err := svc.UpdateClinical(context.Background(), RoleTechnician, out.Patient.ID, ClinicalUpdate{Diagnosis: &diag, Severity: &sev})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Diagnosis != diag || p.Severity != SeverityCritical {
		t.Errorf("expected updated clinical fields, got %q/%s", p.Diagnosis, p.Severity)
	}
	if p.UnitID == nil || *p.UnitID != out.Unit.ID {
		t.Error("expected unit binding unchanged")
	}

	bad := Severity("urgent")
	_, err = svc.UpdateClinical(context.Background(), RoleDoctor, out.Patient.ID, ClinicalUpdate{Severity: &bad})
	if !errors.Is(err, ErrUnknownEnum) {
		t.Errorf("expected ErrUnknownEnum, got %v", err)
	}
}

func TestService_NonCanonicalEnumsAreNormalized(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	out, err := svc.Admit(ctx, RoleDoctor, AdmitRequest{FullName: "Shouted", Age: 40, Severity: Severity(" CRITICAL ")})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !out.Admitted || out.Patient.Severity != SeverityCritical {
		t.Fatalf("expected admitted critical patient, got %+v", out)
	}
	if out.Unit.FacilityID != erID {
		t.Errorf("expected an ER unit, got facility %d", out.Unit.FacilityID)
	}

	m := admit(t, svc, SeverityModerate)
	upper := Severity("CRITICAL")
	p, err := svc.UpdateClinical(ctx, RoleNurse, m.Patient.ID, ClinicalUpdate{Severity: &upper})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("expected stored severity %q, got %q", SeverityCritical, p.Severity)
	}
	crit := SeverityCritical
	items, total, err := svc.ListPatients(ctx, PatientFilter{Severity: &crit, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected 2 critical patients, got %d/%d", len(items), total)
	}
	if d, _ := svc.Dashboard(ctx); d.Critical != 2 {
		t.Errorf("expected dashboard critical 2, got %d", d.Critical)
	}

	admin := NewService(NewMemoryStore(), nil, zerolog.Nop())
	f, err := admin.ProvisionFacility(ctx, RoleAdmin, ProvisionRequest{Name: "Front Door", Type: FacilityType("emergency"), Floors: 1, BedsPerFloor: 1})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if f.Type != FacilityEmergency {
		t.Errorf("expected type %q, got %q", FacilityEmergency, f.Type)
	}
	got, err := admin.Admit(ctx, RoleDoctor, AdmitRequest{FullName: "First", Age: 50, Severity: SeverityCritical})
	if err != nil || !got.Admitted {
		t.Fatalf("expected auto-assignment into the provisioned ER, got %+v %v", got, err)
	}
}

func TestService_Transfer(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	out := admit(t, svc, SeverityCritical)

	// nurse may not move a patient out of the ER
	if _, err := svc.Transfer(ctx, RoleNurse, out.Patient.ID, wardID, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := unitStatus(t, store, out.Unit.ID); got != UnitOccupied {
		t.Errorf("expected unit to stay OCCUPIED after denied transfer, got %s", got)
	}

	u, err := svc.Transfer(ctx, RoleDoctor, out.Patient.ID, wardID, 1)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if u.ID != 10 {
		t.Errorf("expected unit 10, got %d", u.ID)
	}
	if got := unitStatus(t, store, out.Unit.ID); got != UnitAvailable {
		t.Errorf("expected old unit released, got %s", got)
	}

	// ward to ward is open to nurses
	u, err = svc.Transfer(ctx, RoleNurse, out.Patient.ID, wardBID, 1)
	if err != nil {
		t.Fatalf("ward transfer: %v", err)
	}
	if u.ID != 30 {
		t.Errorf("expected unit 30, got %d", u.ID)
	}
}

func TestService_TransferNoCapacity(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	a := admit(t, svc, SeverityHigh)
	b := admit(t, svc, SeverityHigh)

	// ward B has a single unit; fill it with a, then b finds nothing
	if _, err := svc.Transfer(ctx, RoleDoctor, a.Patient.ID, wardBID, 1); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	before := store.ExportState()
	if _, err := svc.Transfer(ctx, RoleDoctor, b.Patient.ID, wardBID, 1); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if !reflect.DeepEqual(before, store.ExportState()) {
		t.Error("expected no mutation when the target floor is full")
	}
}

func TestService_ProvisionFacility(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()

	f, err := svc.ProvisionFacility(ctx, RoleAdmin, ProvisionRequest{
		Name: "North Wing", Type: FacilityWard, Floors: 2, BedsPerFloor: 2, RoomsPerFloor: 1,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if f.ID == 0 {
		t.Fatal("expected facility id to be assigned")
	}

	for floor := 1; floor <= 2; floor++ {
		v, err := svc.FloorView(ctx, f.ID, floor)
		if err != nil {
			t.Fatalf("floor %d: %v", floor, err)
		}
		var labels []string
		for _, u := range v.Units {
			labels = append(labels, u.Label)
			if u.Status != UnitAvailable {
				t.Errorf("expected new unit AVAILABLE, got %s", u.Status)
			}
		}
		want := []string{"Bed 1", "Bed 2", "Room 1"}
		if len(labels) != len(want) {
			t.Fatalf("floor %d: expected %v, got %v", floor, want, labels)
		}
		for i := range want {
			if labels[i] != want[i] {
				t.Errorf("floor %d: expected %v, got %v", floor, want, labels)
				break
			}
		}
		if v.Available != 3 || v.Occupied != 0 {
			t.Errorf("expected 3 available, got %d/%d", v.Available, v.Occupied)
		}
	}

	if _, err := svc.FloorView(ctx, f.ID, 3); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for floor 3, got %v", err)
	}
	_, err = svc.ProvisionFacility(ctx, RoleAdmin, ProvisionRequest{Name: "north wing", Type: FacilityWard, Floors: 1, BedsPerFloor: 1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected duplicate name to fail validation, got %v", err)
	}
}

func TestService_ProvisionFacilityRules(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.ProvisionFacility(ctx, RoleDoctor, ProvisionRequest{Name: "ER", Type: FacilityEmergency, Floors: 1, BedsPerFloor: 1}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for doctor, got %v", err)
	}
	tests := []ProvisionRequest{
		{Name: "", Type: FacilityWard, Floors: 1, BedsPerFloor: 1},
		{Name: "ER", Type: FacilityEmergency, Floors: 1, BedsPerFloor: 1, RoomsPerFloor: 2},
		{Name: "ER", Type: FacilityEmergency, Floors: 0, BedsPerFloor: 1},
		{Name: "ER", Type: FacilityEmergency, Floors: 1},
	}
	for i, req := range tests {
		if _, err := svc.ProvisionFacility(ctx, RoleAdmin, req); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	if facilities, _ := svc.ListFacilities(ctx); len(facilities) != 0 {
		t.Errorf("expected no facilities, got %d", len(facilities))
	}
}

func TestService_Dashboard(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	admit(t, svc, SeverityCritical)
	admit(t, svc, SeverityCritical)
	h := admit(t, svc, SeverityHigh)
	if _, err := svc.RequestReferral(ctx, RoleDoctor, h.Patient.ID, icuID, 1); err != nil {
		t.Fatalf("request: %v", err)
	}

	d, err := svc.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.Admitted != 3 || d.Critical != 2 || d.Pending != 1 {
		t.Errorf("unexpected census %+v", d)
	}
	if d.Units.Total != 8 || d.Units.Occupied != 3 {
		t.Errorf("unexpected unit counts %+v", d.Units)
	}
	if d.RatioPercent != 37.5 {
		t.Errorf("expected 37.5%%, got %v", d.RatioPercent)
	}
}

func TestService_ListPatientsFilters(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	admit(t, svc, SeverityCritical)
	admit(t, svc, SeverityHigh)
	admit(t, svc, SeverityModerate)

	facility := wardID
	items, total, err := svc.ListPatients(ctx, PatientFilter{FacilityID: &facility, Sort: SortUnitLabel, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 ward patients, got %d/%d", len(items), total)
	}
	if items[0].UnitLabel > items[1].UnitLabel {
		t.Errorf("expected ascending unit labels, got %s then %s", items[0].UnitLabel, items[1].UnitLabel)
	}
	if items[0].FacilityName != "General Ward A" {
		t.Errorf("expected facility name on view, got %q", items[0].FacilityName)
	}

	items, total, err = svc.ListPatients(ctx, PatientFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 1 {
		t.Errorf("expected page of 1 out of 3, got %d/%d", len(items), total)
	}
}
