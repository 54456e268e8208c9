package ward

// The authorization policy is a set of pure predicates over the acting role.
// The service consults it before every mutating call; the allocator and the
// referral machine keep the store consistent regardless.

func isStaff(r Role) bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse, RoleTechnician:
		return true
	}
	return false
}

func isNurseOrTechnician(r Role) bool {
	return r == RoleNurse || r == RoleTechnician
}

func CanAddPatient(r Role) bool   { return isStaff(r) }
func CanDischarge(r Role) bool    { return isStaff(r) }
func CanEditSeverity(r Role) bool { return isStaff(r) }

// CanDecideReferral gates declining or withdrawing a pending referral, which
// moves no patient.
func CanDecideReferral(r Role) bool { return isStaff(r) }

// CanManageFacilities gates facility provisioning.
func CanManageFacilities(r Role) bool { return r == RoleAdmin }

// CanTransfer reports whether r may move a patient between facilities of the
// given types. Admins and doctors are unrestricted; nurses and technicians may
// only move patients ward to ward.
func CanTransfer(r Role, from, to FacilityType) bool {
	switch r {
	case RoleAdmin, RoleDoctor:
		return true
	}
	return isNurseOrTechnician(r) && from == FacilityWard && to == FacilityWard
}

// Authorize converts a policy decision into an error.
func Authorize(r Role, allowed bool, action string) error {
	if allowed {
		return nil
	}
	return &UnauthorizedError{Role: r, Action: action}
}
