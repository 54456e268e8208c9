package ward

import (
	"context"
	"errors"
	"fmt"
)

// AdmissionRule maps a severity to the facility types that admit it. A
// severity with no entry is not admitted.
type AdmissionRule map[Severity][]FacilityType

// DefaultAdmissionRule routes critical patients to emergency, high and
// moderate patients to the general ward, and does not admit low severity.
func DefaultAdmissionRule() AdmissionRule {
	return AdmissionRule{
		SeverityCritical: {FacilityEmergency},
		SeverityHigh:     {FacilityWard},
		SeverityModerate: {FacilityWard},
	}
}

// Allocator picks and claims units. All methods run inside a caller-supplied
// transaction so the claim and the patient binding commit together.
type Allocator struct {
	rule AdmissionRule
}

func NewAllocator(rule AdmissionRule) *Allocator {
	if rule == nil {
		rule = DefaultAdmissionRule()
	}
	return &Allocator{rule: rule}
}

// Eligible returns the facility types that admit severity s.
func (a *Allocator) Eligible(s Severity) []FacilityType {
	return a.rule[s]
}

// AutoAssign claims the first available unit, by floor then id, in any
// facility eligible for severity. A severity with no eligible facility type
// returns (nil, nil) and touches nothing.
func (a *Allocator) AutoAssign(ctx context.Context, tx Tx, severity Severity) (*Unit, error) {
	types := a.rule[severity]
	if len(types) == 0 {
		return nil, nil
	}
	return claim(ctx, tx, UnitQuery{FacilityTypes: types})
}

// ManualAssign claims the first available unit on the given facility floor.
func (a *Allocator) ManualAssign(ctx context.Context, tx Tx, facilityID int64, floor int) (*Unit, error) {
	return claim(ctx, tx, UnitQuery{FacilityID: &facilityID, Floor: &floor})
}

// Release makes unitID available again. Releasing an available unit is a
// no-op.
func (a *Allocator) Release(ctx context.Context, tx Tx, unitID int64) error {
	if _, err := tx.SetUnitStatus(ctx, unitID, UnitOccupied, UnitAvailable); err != nil {
		return err
	}
	return nil
}

func claim(ctx context.Context, tx Tx, q UnitQuery) (*Unit, error) {
	u, err := tx.FindAvailableUnit(ctx, q)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoCapacity
	}
	if err != nil {
		return nil, err
	}
	ok, err := tx.SetUnitStatus(ctx, u.ID, UnitAvailable, UnitOccupied)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unit %d claimed concurrently: %w", u.ID, ErrNoCapacity)
	}
	u.Status = UnitOccupied
	return u, nil
}
