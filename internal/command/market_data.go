package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PriceUpdate refreshes one asset's oracle price. Price sequences are
// gap-tolerant: a missed update is superseded by the next one.
type PriceUpdate struct {
	Asset          string // asset symbol
	Price          string // decimal string in quote units per whole token
	PriceSequence  int64
	PriceTimestamp int64 // micros
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", p.Asset, p.PriceSequence)
}

func (p *PriceUpdate) Type() Type            { return TypePriceUpdate }
func (p *PriceUpdate) Partition() string     { return fmt.Sprintf("price:%s", p.Asset) }
func (p *PriceUpdate) SourceSequence() int64 { return p.PriceSequence }
func (p *PriceUpdate) OccurredAt() time.Time { return time.UnixMicro(p.PriceTimestamp) }

// YieldAccrued credits interest earned on a supply position at a lend
// market.
type YieldAccrued struct {
	AccrualID uuid.UUID
	Market    string
	Asset     string
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (y *YieldAccrued) IdempotencyKey() string { return y.AccrualID.String() }
func (y *YieldAccrued) Type() Type             { return TypeYieldAccrued }
func (y *YieldAccrued) Partition() string      { return PartitionOperator }
func (y *YieldAccrued) SourceSequence() int64  { return y.Sequence }
func (y *YieldAccrued) OccurredAt() time.Time  { return y.Timestamp }
