package levx

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure aborts the whole call: engine entry points
// mutate state only after all fallible work has finished, so a returned
// error implies no partial effect.

// ValidationError reports a malformed request: unknown market or asset,
// lot-size violation, leverage out of bounds, zero identity.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// AuthorizationError reports a missing role or delegation.
type AuthorizationError struct {
	Role   Role
	Caller Address
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized: %s lacks role %s", e.Caller, e.Role)
}

// StateError reports an operation against the wrong order status or
// timing window ("cool down", "not expired", already terminal).
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return "state: " + e.Reason }

// CapacityError reports exhausted pool headroom, a draining pool, or an
// oversized close.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string { return "capacity: " + e.Reason }

// PriceError reports an unsatisfied limit or a stale oracle quote.
type PriceError struct {
	Reason string
}

func (e *PriceError) Error() string { return "price: " + e.Reason }

// ArithmeticError reports fixed-point overflow or division by zero.
// Always fatal to the call.
type ArithmeticError struct {
	Op string
}

func (e *ArithmeticError) Error() string { return "arithmetic: " + e.Op }

var ErrOrderNotFound = errors.New("order not found")

func errValidation(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func errCapacity(format string, args ...interface{}) error {
	return &CapacityError{Reason: fmt.Sprintf(format, args...)}
}

func errState(reason string) error { return &StateError{Reason: reason} }

func errPrice(format string, args ...interface{}) error {
	return &PriceError{Reason: fmt.Sprintf(format, args...)}
}

// trapArithmetic converts an ArithmeticError panic raised by the wad
// helpers into the error return of the surrounding call.
func trapArithmetic(err *error) {
	if r := recover(); r != nil {
		ae, ok := r.(*ArithmeticError)
		if !ok {
			panic(r)
		}
		*err = ae
	}
}
