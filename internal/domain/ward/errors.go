package ward

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCapacity means no eligible unit was available. Callers may retry,
	// pick another facility or floor, or decline.
	ErrNoCapacity = errors.New("no capacity")
	// ErrInvalidState means a referral operation was invoked from a state
	// that does not permit it.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnauthorized means the acting role may not perform the action.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStoreUnavailable wraps an I/O failure of the resource store.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrUnknownEnum      = errors.New("unknown enum value")
	ErrValidation       = errors.New("validation failed")
)

// UnknownEnumError is returned when an external string does not name a
// known variant.
type UnknownEnumError struct {
	Kind  string
	Value string
}

func (e *UnknownEnumError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Value)
}

func (e *UnknownEnumError) Unwrap() error { return ErrUnknownEnum }

// InvalidStateError describes a rejected referral transition.
type InvalidStateError struct {
	Action string
	From   ReferralStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s referral in state %s", e.Action, e.From)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// UnauthorizedError names the role and action that were denied.
type UnauthorizedError struct {
	Role   Role
	Action string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("role %q may not %s", e.Role, e.Action)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
