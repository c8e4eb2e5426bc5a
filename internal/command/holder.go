package command

import (
	"time"

	"github.com/google/uuid"
)

// PartitionHolders orders all share-holder commands behind one upstream
// sequence. Holder commands interleave with operator commands only at
// the core, never inside a partition.
const PartitionHolders = "holders"

type Deposit struct {
	RequestID uuid.UUID
	Payer     uuid.UUID
	Receiver  uuid.UUID
	Amount    int64 // reserve asset units
	Sequence  int64
	Timestamp time.Time
}

func (d *Deposit) IdempotencyKey() string { return d.RequestID.String() }
func (d *Deposit) Type() Type             { return TypeDeposit }
func (d *Deposit) Partition() string      { return PartitionHolders }
func (d *Deposit) SourceSequence() int64  { return d.Sequence }
func (d *Deposit) OccurredAt() time.Time  { return d.Timestamp }

type Withdraw struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Receiver  uuid.UUID
	Amount    int64 // reserve asset units
	Sequence  int64
	Timestamp time.Time
}

func (w *Withdraw) IdempotencyKey() string { return w.RequestID.String() }
func (w *Withdraw) Type() Type             { return TypeWithdraw }
func (w *Withdraw) Partition() string      { return PartitionHolders }
func (w *Withdraw) SourceSequence() int64  { return w.Sequence }
func (w *Withdraw) OccurredAt() time.Time  { return w.Timestamp }

type Redeem struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Receiver  uuid.UUID
	Shares    int64
	Sequence  int64
	Timestamp time.Time
}

func (r *Redeem) IdempotencyKey() string { return r.RequestID.String() }
func (r *Redeem) Type() Type             { return TypeRedeem }
func (r *Redeem) Partition() string      { return PartitionHolders }
func (r *Redeem) SourceSequence() int64  { return r.Sequence }
func (r *Redeem) OccurredAt() time.Time  { return r.Timestamp }

type TransferShares struct {
	RequestID uuid.UUID
	From      uuid.UUID
	To        uuid.UUID
	// Spender is set when the transfer consumes an allowance instead of
	// being initiated by the owner.
	Spender   *uuid.UUID
	Shares    int64
	Sequence  int64
	Timestamp time.Time
}

func (t *TransferShares) IdempotencyKey() string { return t.RequestID.String() }
func (t *TransferShares) Type() Type             { return TypeTransferShares }
func (t *TransferShares) Partition() string      { return PartitionHolders }
func (t *TransferShares) SourceSequence() int64  { return t.Sequence }
func (t *TransferShares) OccurredAt() time.Time  { return t.Timestamp }

type ApproveShares struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Spender   uuid.UUID
	Shares    int64
	Sequence  int64
	Timestamp time.Time
}

func (a *ApproveShares) IdempotencyKey() string { return a.RequestID.String() }
func (a *ApproveShares) Type() Type             { return TypeApproveShares }
func (a *ApproveShares) Partition() string      { return PartitionHolders }
func (a *ApproveShares) SourceSequence() int64  { return a.Sequence }
func (a *ApproveShares) OccurredAt() time.Time  { return a.Timestamp }
