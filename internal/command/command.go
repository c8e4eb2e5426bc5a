// Package command defines the typed inputs the vault core processes and
// the envelope wrapping every entry in the operation log.
package command

import (
	"time"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeWithdraw
	TypeRedeem
	TypeTransferShares
	TypeApproveShares
	TypePriceUpdate
	TypeYieldAccrued
	TypeRebalance
	TypeAddPosition
	TypeRemovePosition
	TypeSetHoldingPosition
	TypeSetRebalanceDeviation
)

// Envelope wraps every command in the operation log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType Type

	// Partition key used for source ordering
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// Type returns the discriminator
	Type() Type

	// Partition returns the source-ordering partition key
	Partition() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

func (t Type) String() string {
	switch t {
	case TypeDeposit:
		return "Deposit"
	case TypeWithdraw:
		return "Withdraw"
	case TypeRedeem:
		return "Redeem"
	case TypeTransferShares:
		return "TransferShares"
	case TypeApproveShares:
		return "ApproveShares"
	case TypePriceUpdate:
		return "PriceUpdate"
	case TypeYieldAccrued:
		return "YieldAccrued"
	case TypeRebalance:
		return "Rebalance"
	case TypeAddPosition:
		return "AddPosition"
	case TypeRemovePosition:
		return "RemovePosition"
	case TypeSetHoldingPosition:
		return "SetHoldingPosition"
	case TypeSetRebalanceDeviation:
		return "SetRebalanceDeviation"
	default:
		return "Unknown"
	}
}
