package ward

import (
	"context"
)

type referralAction string

const (
	actionRequest  referralAction = "request"
	actionApprove  referralAction = "approve"
	actionDecline  referralAction = "decline"
	actionWithdraw referralAction = "withdraw"
)

// referralSources lists the states each action may be taken from.
var referralSources = map[referralAction][]ReferralStatus{
	actionRequest:  {ReferralNone, ReferralDeclined},
	actionApprove:  {ReferralPending},
	actionDecline:  {ReferralPending},
	actionWithdraw: {ReferralPending},
}

func checkTransition(action referralAction, from ReferralStatus) error {
	for _, s := range referralSources[action] {
		if s == from {
			return nil
		}
	}
	return &InvalidStateError{Action: string(action), From: from}
}

// Referrals drives a patient's referral state. Methods run inside a caller
// transaction and either apply the whole transition or return an error
// before the first write.
type Referrals struct {
	alloc *Allocator
}

func NewReferrals(alloc *Allocator) *Referrals {
	return &Referrals{alloc: alloc}
}

// Request records a provisional transfer target. No unit is touched until the
// referral is approved.
func (r *Referrals) Request(ctx context.Context, tx Tx, p *Patient, facilityID int64, floor int) error {
	if err := checkTransition(actionRequest, p.ReferralStatus); err != nil {
		return err
	}
	f, err := tx.GetFacility(ctx, facilityID)
	if err != nil {
		return err
	}
	if !f.HasFloor(floor) {
		return validationf("facility %q has no floor %d", f.Name, floor)
	}
	p.ReferralStatus = ReferralPending
	p.ReferralFacilityID = &facilityID
	p.ReferralFloor = &floor
	return tx.UpdatePatient(ctx, p)
}

// Approve moves the patient into the first available unit on the target
// floor and frees the old unit. ErrNoCapacity is returned before any write,
// so the referral stays PENDING.
func (r *Referrals) Approve(ctx context.Context, tx Tx, p *Patient) (*Unit, error) {
	if err := checkTransition(actionApprove, p.ReferralStatus); err != nil {
		return nil, err
	}
	if p.ReferralFacilityID == nil || p.ReferralFloor == nil {
		return nil, validationf("patient %d has no referral target", p.ID)
	}
	unit, err := r.alloc.ManualAssign(ctx, tx, *p.ReferralFacilityID, *p.ReferralFloor)
	if err != nil {
		return nil, err
	}
	if p.UnitID != nil {
		if err := r.alloc.Release(ctx, tx, *p.UnitID); err != nil {
			return nil, err
		}
	}
	// APPROVED resolves to NONE within the same transaction.
	p.ReferralStatus = ReferralNone
	p.clearReferralTarget()
	p.UnitID = &unit.ID
	if err := tx.UpdatePatient(ctx, p); err != nil {
		return nil, err
	}
	return unit, nil
}

// Decline rejects a pending referral. The current unit binding is untouched.
func (r *Referrals) Decline(ctx context.Context, tx Tx, p *Patient) error {
	return r.close(ctx, tx, p, actionDecline)
}

// Withdraw is the requester cancelling a pending referral. It ends in the
// same DECLINED state as Decline.
func (r *Referrals) Withdraw(ctx context.Context, tx Tx, p *Patient) error {
	return r.close(ctx, tx, p, actionWithdraw)
}

func (r *Referrals) close(ctx context.Context, tx Tx, p *Patient, action referralAction) error {
	if err := checkTransition(action, p.ReferralStatus); err != nil {
		return err
	}
	p.ReferralStatus = ReferralDeclined
	p.clearReferralTarget()
	return tx.UpdatePatient(ctx, p)
}
