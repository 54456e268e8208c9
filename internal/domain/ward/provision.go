package ward

import (
	"context"
	"fmt"
	"strings"
)

// ProvisionRequest describes a facility and its per-floor unit layout.
type ProvisionRequest struct {
	Name          string       `json:"name"`
	Type          FacilityType `json:"type"`
	Floors        int          `json:"floors"`
	BedsPerFloor  int          `json:"beds_per_floor"`
	RoomsPerFloor int          `json:"rooms_per_floor"`
}

func (r *ProvisionRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return validationf("name is required")
	}
	ft, err := ParseFacilityType(string(r.Type))
	if err != nil {
		return err
	}
	r.Type = ft
	if r.Floors < 1 {
		return validationf("floors must be at least 1")
	}
	if r.BedsPerFloor < 0 || r.RoomsPerFloor < 0 {
		return validationf("unit counts must not be negative")
	}
	if r.Type != FacilityWard && r.RoomsPerFloor > 0 {
		return validationf("only %s facilities have rooms", FacilityWard)
	}
	if r.BedsPerFloor+r.RoomsPerFloor == 0 {
		return validationf("a facility needs at least one unit per floor")
	}
	return nil
}

// unitLabels returns the labels created on every floor: beds for every
// facility type, rooms for wards only.
func unitLabels(r ProvisionRequest) []string {
	labels := make([]string, 0, r.BedsPerFloor+r.RoomsPerFloor)
	for i := 1; i <= r.BedsPerFloor; i++ {
		labels = append(labels, fmt.Sprintf("Bed %d", i))
	}
	if r.Type == FacilityWard {
		for i := 1; i <= r.RoomsPerFloor; i++ {
			labels = append(labels, fmt.Sprintf("Room %d", i))
		}
	}
	return labels
}

// ProvisionFacility creates a facility and all of its units, all AVAILABLE,
// in one transaction.
func (s *Service) ProvisionFacility(ctx context.Context, role Role, req ProvisionRequest) (*Facility, error) {
	if err := Authorize(role, CanManageFacilities(role), "manage facilities"); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	f := &Facility{
		Name:          strings.TrimSpace(req.Name),
		Type:          req.Type,
		Floors:        req.Floors,
		BedsPerFloor:  req.BedsPerFloor,
		RoomsPerFloor: req.RoomsPerFloor,
	}
	if f.Type != FacilityWard {
		f.RoomsPerFloor = 0
	}
	labels := unitLabels(req)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.CreateFacility(ctx, f); err != nil {
			return err
		}
		for floor := 1; floor <= f.Floors; floor++ {
			for _, label := range labels {
				u := &Unit{FacilityID: f.ID, Floor: floor, Label: label, Status: UnitAvailable}
				if err := tx.CreateUnit(ctx, u); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("facility_id", f.ID).Str("name", f.Name).Str("type", string(f.Type)).
		Int("units", len(labels)*f.Floors).Msg("facility provisioned")
	return f, nil
}
