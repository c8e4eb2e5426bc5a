// Package errs defines the error taxonomy shared by the vault core.
//
// Errors fall into four classes. ConfigurationError covers operator input
// that references unknown or unpriceable entities. AuthorizationError covers
// calls from the wrong principal or through a forbidden path.
// StateError covers requests that are well-formed but impossible in the
// current state. InvariantViolation is reserved for accounting breaks and
// always accompanies a full rollback.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// Configuration
	ErrUntrustedPosition = errors.New("position is not trusted by the registry")
	ErrUnknownPosition   = errors.New("position id is not catalogued")
	ErrUnsupportedAsset  = errors.New("asset is not supported by the valuation oracle")
	ErrPricingNotSetUp   = errors.New("no price route configured for asset")

	// Authorization
	ErrRecipientNotVault = errors.New("withdraw recipient must be the vault account")
	ErrReentrantCall     = errors.New("reentrant call rejected")
	ErrNotOperator       = errors.New("caller is not an authorized operator")

	// State
	ErrZeroAmount              = errors.New("amount must be positive")
	ErrZeroAddress             = errors.New("holder id must be set")
	ErrBelowMinimumDeposit     = errors.New("first deposit below vault minimum")
	ErrInsufficientShares      = errors.New("share balance too low")
	ErrSharesLocked            = errors.New("shares are locked")
	ErrInsufficientLiquidity   = errors.New("positions cannot cover requested amount")
	ErrInsufficientAllowance   = errors.New("spender allowance too low")
	ErrWithdrawExceedsMax      = errors.New("withdraw exceeds maximum for owner")
	ErrNoDebtOwed              = errors.New("no outstanding debt for position")
	ErrUntrackedDebt           = errors.New("debt position is not tracked by the vault")
	ErrPositionNotEmpty        = errors.New("position still holds a balance")
	ErrHoldingPositionRequired = errors.New("holding position cannot be removed")
	ErrAdvanceNotRepaid        = errors.New("flash advance not repaid before batch end")
)

// ConfigurationError marks operator or deploy-time misconfiguration.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// AuthorizationError marks a call rejected for identity or call-path reasons.
type AuthorizationError struct {
	Op  string
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization: %s: %v", e.Op, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// StateError marks a request that the current vault state cannot satisfy.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state: %s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// InvariantViolation reports an accounting invariant break. For rebalance
// deviation failures Before and After carry total assets in reserve-asset
// units and Bound is the configured ratio scaled by BoundScale.
type InvariantViolation struct {
	Op     string
	Before int64
	After  int64
	Bound  int64
}

// BoundScale is the fixed-point scale for deviation bounds: a Bound of
// 3_000_000_000_000_000 is 0.003 (0.3%).
const BoundScale = 1_000_000_000_000_000_000

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s: before=%d after=%d bound=%d/%d",
		e.Op, e.Before, e.After, e.Bound, int64(BoundScale))
}

// Configuration wraps err as a ConfigurationError.
func Configuration(op string, err error) error {
	return &ConfigurationError{Op: op, Err: err}
}

// Authorization wraps err as an AuthorizationError.
func Authorization(op string, err error) error {
	return &AuthorizationError{Op: op, Err: err}
}

// State wraps err as a StateError.
func State(op string, err error) error {
	return &StateError{Op: op, Err: err}
}
