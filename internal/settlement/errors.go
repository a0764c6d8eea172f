package settlement

import "errors"

// Validation failures. Nothing is mutated when one of these is returned.
var (
	ErrProjectNotFound        = errors.New("project not found")
	ErrNotOwner               = errors.New("caller does not own the project")
	ErrAlreadyTokenized       = errors.New("project is already tokenized")
	ErrNotTokenized           = errors.New("project is not tokenized")
	ErrInvalidShareCount      = errors.New("share count must be positive")
	ErrInvalidTokenization    = errors.New("total shares and price per share must be positive")
	ErrInsufficientShares     = errors.New("not enough shares available")
	ErrCostOverflow           = errors.New("purchase cost overflows")
	ErrPayoutPrincipalMissing = errors.New("owner has no payout principal")
	ErrInvalidCaller          = errors.New("caller id is required")
	ErrInvalidName            = errors.New("project name is required")
)

// Funding failures, decided from an observed ledger balance
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceBelowFee   = errors.New("balance does not cover the transfer fee")
)

// ErrInvariantViolation means persisted share accounting no longer adds up.
// The operation that detected it is refused and nothing is saved.
var ErrInvariantViolation = errors.New("settlement invariant violated")
