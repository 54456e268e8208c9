package ward

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/admissions/internal/platform/websocket"
)

// Event types published on the ward topic.
const (
	EventUnitAssigned      = "unit.assigned"
	EventUnitReleased      = "unit.released"
	EventPatientUpdated    = "patient.updated"
	EventReferralRequested = "referral.requested"
	EventReferralApproved  = "referral.approved"
	EventReferralDeclined  = "referral.declined"
	EventReferralWithdrawn = "referral.withdrawn"
)

// Service is the caller-facing admission API. Every mutating method takes the
// acting role, checks the authorization policy before writing and runs its
// store work in one transaction.
type Service struct {
	store     Store
	alloc     *Allocator
	referrals *Referrals
	events    websocket.EventPublisher
	logger    zerolog.Logger
}

func NewService(store Store, alloc *Allocator, logger zerolog.Logger) *Service {
	if alloc == nil {
		alloc = NewAllocator(nil)
	}
	return &Service{
		store:     store,
		alloc:     alloc,
		referrals: NewReferrals(alloc),
		logger:    logger,
	}
}

// SetEventPublisher attaches an optional publisher for ward change events.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// Store returns the underlying resource store.
func (s *Service) Store() Store { return s.store }

func (s *Service) publish(ctx context.Context, typ, subject string, id int64, data interface{}) {
	if s.events == nil {
		return
	}
	ev := websocket.NewEvent(websocket.TopicWard, typ, subject, strconv.FormatInt(id, 10), data)
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Msg("publish ward event")
	}
}

func newPatientCode() string {
	return "PT-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

// AdmitRequest is an admission. FacilityID and Floor are set together for an
// explicit placement; otherwise the unit is chosen from the severity.
type AdmitRequest struct {
	FullName   string   `json:"full_name"`
	Age        int      `json:"age"`
	Gender     string   `json:"gender"`
	Diagnosis  string   `json:"diagnosis"`
	Severity   Severity `json:"severity"`
	FacilityID *int64   `json:"facility_id,omitempty"`
	Floor      *int     `json:"floor,omitempty"`
}

func (r *AdmitRequest) Validate() error {
	if strings.TrimSpace(r.FullName) == "" {
		return validationf("full_name is required")
	}
	if r.Age < 0 || r.Age > 150 {
		return validationf("age must be between 0 and 150")
	}
	if r.Severity == "" {
		return validationf("severity is required")
	}
	sev, err := ParseSeverity(string(r.Severity))
	if err != nil {
		return err
	}
	r.Severity = sev
	if (r.FacilityID == nil) != (r.Floor == nil) {
		return validationf("facility_id and floor must be given together")
	}
	return nil
}

// Admission is the outcome of Admit. Admitted is false when the severity is
// not admitted at all, in which case Patient and Unit are nil.
type Admission struct {
	Admitted bool     `json:"admitted"`
	Patient  *Patient `json:"patient,omitempty"`
	Unit     *Unit    `json:"unit,omitempty"`
}

// Admit creates a patient bound to a freshly claimed unit. Low severity is
// never admitted, with or without an explicit placement.
func (s *Service) Admit(ctx context.Context, role Role, req AdmitRequest) (*Admission, error) {
	if err := Authorize(role, CanAddPatient(role), "add patients"); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(s.alloc.Eligible(req.Severity)) == 0 {
		s.logger.Info().Str("severity", string(req.Severity)).Msg("severity not admitted")
		return &Admission{Admitted: false}, nil
	}

	out := &Admission{Admitted: true}
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		var (
			unit *Unit
			err  error
		)
		if req.FacilityID != nil {
			f, err := tx.GetFacility(ctx, *req.FacilityID)
			if err != nil {
				return err
			}
			if !f.HasFloor(*req.Floor) {
				return validationf("facility %q has no floor %d", f.Name, *req.Floor)
			}
			unit, err = s.alloc.ManualAssign(ctx, tx, f.ID, *req.Floor)
			if err != nil {
				return err
			}
		} else if unit, err = s.alloc.AutoAssign(ctx, tx, req.Severity); err != nil {
			return err
		}

		p := &Patient{
			Code:           newPatientCode(),
			FullName:       strings.TrimSpace(req.FullName),
			Age:            req.Age,
			Gender:         req.Gender,
			Diagnosis:      req.Diagnosis,
			Severity:       req.Severity,
			UnitID:         &unit.ID,
			AdmittedAt:     time.Now().UTC(),
			ReferralStatus: ReferralNone,
		}
		if err := tx.CreatePatient(ctx, p); err != nil {
			return err
		}
		out.Patient, out.Unit = p, unit
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("patient_id", out.Patient.ID).Int64("unit_id", out.Unit.ID).
		Str("severity", string(req.Severity)).Msg("patient admitted")
	s.publish(ctx, EventUnitAssigned, "patient", out.Patient.ID, out)
	return out, nil
}

// Discharge removes the patient and frees its unit.
func (s *Service) Discharge(ctx context.Context, role Role, patientID int64) error {
	if err := Authorize(role, CanDischarge(role), "discharge patients"); err != nil {
		return err
	}
	var released *int64
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if err := tx.DeletePatient(ctx, p.ID); err != nil {
			return err
		}
		if p.UnitID != nil {
			released = p.UnitID
			return s.alloc.Release(ctx, tx, *p.UnitID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("patient_id", patientID).Msg("patient discharged")
	if released != nil {
		s.publish(ctx, EventUnitReleased, "unit", *released, map[string]int64{"patient_id": patientID})
	}
	return nil
}

// ClinicalUpdate carries the editable clinical fields. Nil fields are left
// unchanged.
type ClinicalUpdate struct {
	Diagnosis *string   `json:"diagnosis,omitempty"`
	Severity  *Severity `json:"severity,omitempty"`
}

// UpdateClinical edits diagnosis and severity. The unit binding is kept.
func (s *Service) UpdateClinical(ctx context.Context, role Role, patientID int64, upd ClinicalUpdate) (*Patient, error) {
	if err := Authorize(role, CanEditSeverity(role), "edit patients"); err != nil {
		return nil, err
	}
	if upd.Severity != nil {
		sev, err := ParseSeverity(string(*upd.Severity))
		if err != nil {
			return nil, err
		}
		upd.Severity = &sev
	}
	var out *Patient
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if upd.Diagnosis != nil {
			p.Diagnosis = *upd.Diagnosis
		}
		if upd.Severity != nil {
			p.Severity = *upd.Severity
		}
		if err := tx.UpdatePatient(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventPatientUpdated, "patient", out.ID, out)
	return out, nil
}

// currentFacilityType returns the type of the facility p currently occupies,
// or fallback when p has no unit.
func currentFacilityType(ctx context.Context, tx Tx, p *Patient, fallback FacilityType) (FacilityType, error) {
	if p.UnitID == nil {
		return fallback, nil
	}
	u, err := tx.GetUnit(ctx, *p.UnitID)
	if err != nil {
		return "", err
	}
	f, err := tx.GetFacility(ctx, u.FacilityID)
	if err != nil {
		return "", err
	}
	return f.Type, nil
}

// Transfer moves a patient directly to the first available unit on the
// given facility floor.
func (s *Service) Transfer(ctx context.Context, role Role, patientID, facilityID int64, floor int) (*Unit, error) {
	var (
		unit *Unit
		old  *int64
	)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		to, err := tx.GetFacility(ctx, facilityID)
		if err != nil {
			return err
		}
		from, err := currentFacilityType(ctx, tx, p, to.Type)
		if err != nil {
			return err
		}
		if err := Authorize(role, CanTransfer(role, from, to.Type), "transfer from "+string(from)+" to "+string(to.Type)); err != nil {
			return err
		}
		if !to.HasFloor(floor) {
			return validationf("facility %q has no floor %d", to.Name, floor)
		}
		if unit, err = s.alloc.ManualAssign(ctx, tx, to.ID, floor); err != nil {
			return err
		}
		if p.UnitID != nil {
			old = p.UnitID
			if err := s.alloc.Release(ctx, tx, *p.UnitID); err != nil {
				return err
			}
		}
		p.UnitID = &unit.ID
		return tx.UpdatePatient(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("patient_id", patientID).Int64("unit_id", unit.ID).Msg("patient transferred")
	if old != nil {
		s.publish(ctx, EventUnitReleased, "unit", *old, map[string]int64{"patient_id": patientID})
	}
	s.publish(ctx, EventUnitAssigned, "unit", unit.ID, map[string]int64{"patient_id": patientID})
	return unit, nil
}

// RequestReferral records a pending transfer to facilityID/floor.
func (s *Service) RequestReferral(ctx context.Context, role Role, patientID, facilityID int64, floor int) (*Patient, error) {
	var out *Patient
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		to, err := tx.GetFacility(ctx, facilityID)
		if err != nil {
			return err
		}
		from, err := currentFacilityType(ctx, tx, p, to.Type)
		if err != nil {
			return err
		}
		if err := Authorize(role, CanTransfer(role, from, to.Type), "refer from "+string(from)+" to "+string(to.Type)); err != nil {
			return err
		}
		if err := s.referrals.Request(ctx, tx, p, facilityID, floor); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("patient_id", patientID).Int64("facility_id", facilityID).Int("floor", floor).Msg("referral requested")
	s.publish(ctx, EventReferralRequested, "patient", patientID, out)
	return out, nil
}

// ApproveReferral performs the pending transfer. On ErrNoCapacity the
// referral stays PENDING.
func (s *Service) ApproveReferral(ctx context.Context, role Role, patientID int64) (*Unit, error) {
	var (
		unit *Unit
		old  *int64
	)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if p.ReferralStatus != ReferralPending || p.ReferralFacilityID == nil {
			return &InvalidStateError{Action: string(actionApprove), From: p.ReferralStatus}
		}
		to, err := tx.GetFacility(ctx, *p.ReferralFacilityID)
		if err != nil {
			return err
		}
		from, err := currentFacilityType(ctx, tx, p, to.Type)
		if err != nil {
			return err
		}
		if err := Authorize(role, CanTransfer(role, from, to.Type), "approve referral to "+string(to.Type)); err != nil {
			return err
		}
		old = p.UnitID
		unit, err = s.referrals.Approve(ctx, tx, p)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			s.logger.Warn().Int64("patient_id", patientID).Msg("referral approval found no capacity")
		}
		return nil, err
	}
	s.logger.Info().Int64("patient_id", patientID).Int64("unit_id", unit.ID).Msg("referral approved")
	if old != nil {
		s.publish(ctx, EventUnitReleased, "unit", *old, map[string]int64{"patient_id": patientID})
	}
	s.publish(ctx, EventReferralApproved, "patient", patientID, unit)
	return unit, nil
}

// DeclineReferral rejects a pending referral.
func (s *Service) DeclineReferral(ctx context.Context, role Role, patientID int64) (*Patient, error) {
	return s.closeReferral(ctx, role, patientID, s.referrals.Decline, EventReferralDeclined)
}

// WithdrawReferral cancels a pending referral on the requester's side. The
// outcome is the same as a decline.
func (s *Service) WithdrawReferral(ctx context.Context, role Role, patientID int64) (*Patient, error) {
	return s.closeReferral(ctx, role, patientID, s.referrals.Withdraw, EventReferralWithdrawn)
}

func (s *Service) closeReferral(ctx context.Context, role Role, patientID int64,
	fn func(context.Context, Tx, *Patient) error, event string) (*Patient, error) {
	if err := Authorize(role, CanDecideReferral(role), "decide referrals"); err != nil {
		return nil, err
	}
	var out *Patient
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("patient_id", patientID).Str("event", event).Msg("referral closed")
	s.publish(ctx, event, "patient", patientID, out)
	return out, nil
}

func (s *Service) GetPatient(ctx context.Context, id int64) (*PatientView, error) {
	return s.store.GetPatient(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, filter PatientFilter) ([]*PatientView, int, error) {
	return s.store.ListPatients(ctx, filter)
}

func (s *Service) ListFacilities(ctx context.Context) ([]*Facility, error) {
	return s.store.ListFacilities(ctx)
}

// FloorView returns the unit grid of one facility floor.
func (s *Service) FloorView(ctx context.Context, facilityID int64, floor int) (*FloorView, error) {
	f, err := s.store.GetFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	if !f.HasFloor(floor) {
		return nil, validationf("facility %q has no floor %d", f.Name, floor)
	}
	units, err := s.store.ListUnits(ctx, facilityID, floor)
	if err != nil {
		return nil, err
	}
	v := &FloorView{Facility: f, Floor: floor, Units: units}
	for _, u := range units {
		if u.Status == UnitOccupied {
			v.Occupied++
		} else {
			v.Available++
		}
	}
	return v, nil
}

// Dashboard summarises the census and occupancy.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	var err error
	if _, d.Admitted, err = s.store.ListPatients(ctx, PatientFilter{Limit: 1}); err != nil {
		return nil, err
	}
	critical := SeverityCritical
	if _, d.Critical, err = s.store.ListPatients(ctx, PatientFilter{Severity: &critical, Limit: 1}); err != nil {
		return nil, err
	}
	pending := ReferralPending
	if _, d.Pending, err = s.store.ListPatients(ctx, PatientFilter{Referral: &pending, Limit: 1}); err != nil {
		return nil, err
	}
	if d.Units, err = s.store.CountUnits(ctx); err != nil {
		return nil, err
	}
	d.RatioPercent = d.Units.RatioPercent()
	return &d, nil
}
