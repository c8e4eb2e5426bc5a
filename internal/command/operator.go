package command

import (
	"time"

	"github.com/google/uuid"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/rebalance"
)

// PartitionOperator orders all operator commands.
const PartitionOperator = "operator"

// Rebalance carries an atomic batch of position operations.
type Rebalance struct {
	BatchID   uuid.UUID
	Operator  uuid.UUID
	Ops       []rebalance.Op
	Sequence  int64
	Timestamp time.Time
}

func (r *Rebalance) IdempotencyKey() string { return r.BatchID.String() }
func (r *Rebalance) Type() Type             { return TypeRebalance }
func (r *Rebalance) Partition() string      { return PartitionOperator }
func (r *Rebalance) SourceSequence() int64  { return r.Sequence }
func (r *Rebalance) OccurredAt() time.Time  { return r.Timestamp }

// AddPosition trusts a position config under a named adaptor and
// activates it at a list index.
type AddPosition struct {
	RequestID   uuid.UUID
	Operator    uuid.UUID
	Index       int
	AdaptorName string
	Config      adaptor.Config
	IsDebt      bool
	Sequence    int64
	Timestamp   time.Time
}

func (a *AddPosition) IdempotencyKey() string { return a.RequestID.String() }
func (a *AddPosition) Type() Type             { return TypeAddPosition }
func (a *AddPosition) Partition() string      { return PartitionOperator }
func (a *AddPosition) SourceSequence() int64  { return a.Sequence }
func (a *AddPosition) OccurredAt() time.Time  { return a.Timestamp }

type RemovePosition struct {
	RequestID uuid.UUID
	Operator  uuid.UUID
	Index     int
	IsDebt    bool
	Sequence  int64
	Timestamp time.Time
}

func (r *RemovePosition) IdempotencyKey() string { return r.RequestID.String() }
func (r *RemovePosition) Type() Type             { return TypeRemovePosition }
func (r *RemovePosition) Partition() string      { return PartitionOperator }
func (r *RemovePosition) SourceSequence() int64  { return r.Sequence }
func (r *RemovePosition) OccurredAt() time.Time  { return r.Timestamp }

type SetHoldingPosition struct {
	RequestID  uuid.UUID
	Operator   uuid.UUID
	PositionID adaptor.PositionID
	Sequence   int64
	Timestamp  time.Time
}

func (s *SetHoldingPosition) IdempotencyKey() string { return s.RequestID.String() }
func (s *SetHoldingPosition) Type() Type             { return TypeSetHoldingPosition }
func (s *SetHoldingPosition) Partition() string      { return PartitionOperator }
func (s *SetHoldingPosition) SourceSequence() int64  { return s.Sequence }
func (s *SetHoldingPosition) OccurredAt() time.Time  { return s.Timestamp }

type SetRebalanceDeviation struct {
	RequestID uuid.UUID
	Operator  uuid.UUID
	Bound     int64 // fraction at fixedpoint.BoundScale
	Sequence  int64
	Timestamp time.Time
}

func (s *SetRebalanceDeviation) IdempotencyKey() string { return s.RequestID.String() }
func (s *SetRebalanceDeviation) Type() Type             { return TypeSetRebalanceDeviation }
func (s *SetRebalanceDeviation) Partition() string      { return PartitionOperator }
func (s *SetRebalanceDeviation) SourceSequence() int64  { return s.Sequence }
func (s *SetRebalanceDeviation) OccurredAt() time.Time  { return s.Timestamp }
