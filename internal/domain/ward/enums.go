package ward

import (
	"strings"
)

// Severity is the triage category of a patient. Values are ordered
// low < moderate < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity parses a severity case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityModerate:
		return SeverityModerate, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", &UnknownEnumError{Kind: "severity", Value: s}
}

// Rank returns the position of the severity in triage order (low = 0).
func (s Severity) Rank() int {
	switch s {
	case SeverityModerate:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnitStatus is the occupancy state of a unit.
type UnitStatus string

const (
	UnitAvailable UnitStatus = "AVAILABLE"
	UnitOccupied  UnitStatus = "OCCUPIED"
)

func ParseUnitStatus(s string) (UnitStatus, error) {
	switch UnitStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case UnitAvailable:
		return UnitAvailable, nil
	case UnitOccupied:
		return UnitOccupied, nil
	}
	return "", &UnknownEnumError{Kind: "unit status", Value: s}
}

func (u UnitStatus) MarshalText() ([]byte, error) { return []byte(u), nil }

func (u *UnitStatus) UnmarshalText(b []byte) error {
	v, err := ParseUnitStatus(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// FacilityType constrains which severities a facility admits and which
// transfers a nurse may perform.
type FacilityType string

const (
	FacilityEmergency     FacilityType = "ER"
	FacilityWard          FacilityType = "WARD"
	FacilityIntensiveCare FacilityType = "ICU"
	FacilityRecovery      FacilityType = "PACU"
)

// ParseFacilityType accepts the short code or the long name of a facility
// type, case-insensitively.
func ParseFacilityType(s string) (FacilityType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "er", "emergency":
		return FacilityEmergency, nil
	case "ward":
		return FacilityWard, nil
	case "icu", "intensive-care", "intensive_care":
		return FacilityIntensiveCare, nil
	case "pacu", "recovery":
		return FacilityRecovery, nil
	}
	return "", &UnknownEnumError{Kind: "facility type", Value: s}
}

func (f FacilityType) MarshalText() ([]byte, error) { return []byte(f), nil }

func (f *FacilityType) UnmarshalText(b []byte) error {
	v, err := ParseFacilityType(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ReferralStatus is the state of a patient's cross-facility referral.
type ReferralStatus string

const (
	ReferralNone     ReferralStatus = "NONE"
	ReferralPending  ReferralStatus = "PENDING"
	ReferralApproved ReferralStatus = "APPROVED"
	ReferralDeclined ReferralStatus = "DECLINED"
)

// ParseReferralStatus parses a referral status. An empty string is NONE,
// matching rows written before referrals existed.
func ParseReferralStatus(s string) (ReferralStatus, error) {
	switch ReferralStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ReferralNone:
		return ReferralNone, nil
	case ReferralPending:
		return ReferralPending, nil
	case ReferralApproved:
		return ReferralApproved, nil
	case ReferralDeclined:
		return ReferralDeclined, nil
	}
	return "", &UnknownEnumError{Kind: "referral status", Value: s}
}

func (r ReferralStatus) MarshalText() ([]byte, error) { return []byte(r), nil }

func (r *ReferralStatus) UnmarshalText(b []byte) error {
	v, err := ParseReferralStatus(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Role is the acting user's role. It is supplied per call by the session
// layer and never stored.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDoctor     Role = "doctor"
	RoleNurse      Role = "nurse"
	RoleTechnician Role = "technician"
	RoleUser       Role = "user"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleDoctor:
		return RoleDoctor, nil
	case RoleNurse:
		return RoleNurse, nil
	case RoleTechnician:
		return RoleTechnician, nil
	case RoleUser:
		return RoleUser, nil
	}
	return "", &UnknownEnumError{Kind: "role", Value: s}
}

var rolePrecedence = []Role{RoleAdmin, RoleDoctor, RoleNurse, RoleTechnician, RoleUser}

// ResolveRole picks the most privileged recognised role from a token's role
// claims. Unrecognised claims are ignored; with none recognised the caller is
// a generic authenticated user.
func ResolveRole(claims []string) Role {
	held := make(map[Role]bool, len(claims))
	for _, c := range claims {
		if r, err := ParseRole(c); err == nil {
			held[r] = true
		}
	}
	for _, r := range rolePrecedence {
		if held[r] {
			return r
		}
	}
	return RoleUser
}
