package ward

import (
	"time"
)

// Facility maps to the facility table.
type Facility struct {
	ID            int64        `db:"id" json:"id"`
	Name          string       `db:"name" json:"name"`
	Type          FacilityType `db:"type" json:"type"`
	Floors        int          `db:"floors" json:"floors"`
	BedsPerFloor  int          `db:"beds_per_floor" json:"beds_per_floor"`
	RoomsPerFloor int          `db:"rooms_per_floor" json:"rooms_per_floor"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// HasFloor reports whether floor is one of the facility's provisioned floors.
func (f *Facility) HasFloor(floor int) bool {
	return floor >= 1 && floor <= f.Floors
}

// Unit maps to the unit table. A unit is a single bed or room.
type Unit struct {
	ID         int64      `db:"id" json:"id"`
	FacilityID int64      `db:"facility_id" json:"facility_id"`
	Floor      int        `db:"floor" json:"floor"`
	Label      string     `db:"label" json:"label"`
	Status     UnitStatus `db:"status" json:"status"`
}

// Patient maps to the patient table. Referral state lives on the patient row;
// there is no separate referral entity.
type Patient struct {
	ID                 int64          `db:"id" json:"id"`
	Code               string         `db:"code" json:"code"`
	FullName           string         `db:"full_name" json:"full_name"`
	Age                int            `db:"age" json:"age"`
	Gender             string         `db:"gender" json:"gender"`
	Diagnosis          string         `db:"diagnosis" json:"diagnosis"`
	Severity           Severity       `db:"severity" json:"severity"`
	UnitID             *int64         `db:"unit_id" json:"unit_id,omitempty"`
	AdmittedAt         time.Time      `db:"admitted_at" json:"admitted_at"`
	ReferralStatus     ReferralStatus `db:"referral_status" json:"referral_status"`
	ReferralFacilityID *int64         `db:"referral_facility_id" json:"referral_facility_id,omitempty"`
	ReferralFloor      *int           `db:"referral_floor" json:"referral_floor,omitempty"`
}

func (p *Patient) clearReferralTarget() {
	p.ReferralFacilityID = nil
	p.ReferralFloor = nil
}

// PatientView is a patient joined with its unit and facility, as returned by
// listings.
type PatientView struct {
	Patient
	UnitLabel    string `json:"unit_label,omitempty"`
	FacilityID   int64  `json:"facility_id,omitempty"`
	FacilityName string `json:"facility_name,omitempty"`
	Floor        int    `json:"floor,omitempty"`
}

// UnitCounts is an aggregate occupancy sample.
type UnitCounts struct {
	Total    int `json:"total"`
	Occupied int `json:"occupied"`
}

// RatioPercent returns occupied/total as a percentage. An empty store is 0%.
func (c UnitCounts) RatioPercent() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Occupied) * 100.0 / float64(c.Total)
}

// UnitQuery selects candidate units for assignment. Either FacilityTypes is
// set (severity-driven) or FacilityID and Floor are (explicit placement).
type UnitQuery struct {
	FacilityTypes []FacilityType
	FacilityID    *int64
	Floor         *int
}

// PatientSort orders patient listings.
type PatientSort string

const (
	SortAdmissionDate PatientSort = "admission_date"
	SortUnitLabel     PatientSort = "unit_label"
)

// PatientFilter narrows a patient listing. Zero values mean "no filter".
type PatientFilter struct {
	FacilityID *int64
	Floor      *int
	Severity   *Severity
	Referral   *ReferralStatus
	Search     string
	Sort       PatientSort
	Limit      int
	Offset     int
}

// FloorView is the unit grid of a single facility floor.
type FloorView struct {
	Facility  *Facility `json:"facility"`
	Floor     int       `json:"floor"`
	Units     []*Unit   `json:"units"`
	Available int       `json:"available"`
	Occupied  int       `json:"occupied"`
}

// Dashboard summarises the active census.
type Dashboard struct {
	Admitted     int        `json:"admitted"`
	Critical     int        `json:"critical"`
	Pending      int        `json:"pending_referrals"`
	Units        UnitCounts `json:"units"`
	RatioPercent float64    `json:"ratio_percent"`
}
