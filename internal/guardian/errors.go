package guardian

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized              = errors.New("guardian: caller lacks required role")
	ErrZeroAddress               = errors.New("guardian: zero address")
	ErrZeroAmount                = errors.New("guardian: amount must be positive")
	ErrInvalidDeadline           = errors.New("guardian: invalid deadline")
	ErrInvalidTicket             = errors.New("guardian: invalid ticket hash")
	ErrTicketUsed                = errors.New("guardian: ticket already used")
	ErrTicketUnknown             = errors.New("guardian: ticket not authorized")
	ErrTicketConsumed            = errors.New("guardian: ticket already executed")
	ErrInsufficientAuthorization = errors.New("guardian: insufficient authorization")
	ErrDeadlinePassed            = errors.New("guardian: settlement deadline passed")
	ErrFundsFrozen               = errors.New("guardian: funds frozen")
	ErrZeroPrice                 = errors.New("guardian: price must be positive")
	ErrEmptyMarket               = errors.New("guardian: market is required")
	ErrInvalidSeverity           = errors.New("guardian: severity must be within 0-100")
	ErrInvalidAction             = errors.New("guardian: action not allowed as default")
	ErrViolationNotFound         = errors.New("guardian: violation not found")
	ErrAlreadyResolved           = errors.New("guardian: violation already resolved")
	ErrOpenViolations            = errors.New("guardian: open violations remain")
	ErrLastAdmin                 = errors.New("guardian: cannot revoke the last admin")
	ErrViolationReverted         = errors.New("guardian: call reverted by enforcement")
)

// ViolationError is returned when a revert-class enforcement action aborts
// the triggering call. The violation itself stays recorded.
type ViolationError struct {
	ID       uint64
	Law      LawType
	Severity Severity
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: violation %d (%s/%s)", ErrViolationReverted, e.ID, e.Law, e.Severity)
}

func (e *ViolationError) Unwrap() error {
	return ErrViolationReverted
}
