package ward

import (
	"context"
)

// Store is the resource store the admission core runs against. Every
// read-modify-write goes through RunInTx; the remaining methods are
// read-only conveniences for listings and the capacity sampler.
type Store interface {
	// RunInTx runs fn in a single all-or-nothing transaction. If fn returns
	// an error nothing it wrote is visible afterwards.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// CountUnits returns the system-wide unit total and occupied count.
	CountUnits(ctx context.Context) (UnitCounts, error)

	GetPatient(ctx context.Context, id int64) (*PatientView, error)
	ListPatients(ctx context.Context, filter PatientFilter) ([]*PatientView, int, error)
	ListFacilities(ctx context.Context) ([]*Facility, error)
	GetFacility(ctx context.Context, id int64) (*Facility, error)
	// ListUnits returns the units of one facility floor ordered by id.
	ListUnits(ctx context.Context, facilityID int64, floor int) ([]*Unit, error)
}

// Tx is the transactional view of the store.
type Tx interface {
	// FindAvailableUnit returns the first AVAILABLE unit matching q, ordered
	// by floor then id. It returns ErrNotFound when none matches.
	FindAvailableUnit(ctx context.Context, q UnitQuery) (*Unit, error)
	GetUnit(ctx context.Context, id int64) (*Unit, error)
	// SetUnitStatus moves unit id from status from to status to. It reports
	// false without error when the unit is not currently in status from.
	SetUnitStatus(ctx context.Context, id int64, from, to UnitStatus) (bool, error)

	GetPatient(ctx context.Context, id int64) (*Patient, error)
	CreatePatient(ctx context.Context, p *Patient) error
	UpdatePatient(ctx context.Context, p *Patient) error
	DeletePatient(ctx context.Context, id int64) error

	GetFacility(ctx context.Context, id int64) (*Facility, error)
	CreateFacility(ctx context.Context, f *Facility) error
	CreateUnit(ctx context.Context, u *Unit) error
}
