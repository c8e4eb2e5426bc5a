package ingestion

import (
	"encoding/json"
	"fmt"

	"VaultEngine/internal/command"
	"VaultEngine/internal/rebalance"
)

// EncodeCommand renders a typed command back into its wire JSON form.
// The operation log stores this encoding, so startup replay feeds rows
// straight back through the Parser without a second payload format.
func EncodeCommand(cmd command.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case *command.Deposit:
		return json.Marshal(depositJSON{
			RequestID:   c.RequestID.String(),
			Payer:       c.Payer.String(),
			Receiver:    c.Receiver.String(),
			Amount:      c.Amount,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.Withdraw:
		return json.Marshal(withdrawJSON{
			RequestID:   c.RequestID.String(),
			Owner:       c.Owner.String(),
			Receiver:    c.Receiver.String(),
			Amount:      c.Amount,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.Redeem:
		return json.Marshal(withdrawJSON{
			RequestID:   c.RequestID.String(),
			Owner:       c.Owner.String(),
			Receiver:    c.Receiver.String(),
			Shares:      c.Shares,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.TransferShares:
		j := transferSharesJSON{
			RequestID:   c.RequestID.String(),
			From:        c.From.String(),
			To:          c.To.String(),
			Shares:      c.Shares,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		}
		if c.Spender != nil {
			j.Spender = c.Spender.String()
		}
		return json.Marshal(j)

	case *command.ApproveShares:
		return json.Marshal(approveSharesJSON{
			RequestID:   c.RequestID.String(),
			Owner:       c.Owner.String(),
			Spender:     c.Spender.String(),
			Shares:      c.Shares,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.PriceUpdate:
		return json.Marshal(priceUpdateJSON{
			Asset:            c.Asset,
			Price:            c.Price,
			PriceSequence:    c.PriceSequence,
			PriceTimestampUs: c.PriceTimestamp,
		})

	case *command.YieldAccrued:
		return json.Marshal(yieldAccruedJSON{
			AccrualID:   c.AccrualID.String(),
			Market:      c.Market,
			Asset:       c.Asset,
			Amount:      c.Amount,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.Rebalance:
		return json.Marshal(rebalanceJSON{
			BatchID:     c.BatchID.String(),
			Operator:    c.Operator.String(),
			Ops:         encodeOps(c.Ops),
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.AddPosition:
		return json.Marshal(addPositionJSON{
			RequestID:   c.RequestID.String(),
			Operator:    c.Operator.String(),
			Index:       c.Index,
			AdaptorName: c.AdaptorName,
			Asset:       c.Config.Asset.Symbol,
			Market:      c.Config.Market,
			Collateral:  uint32(c.Config.Collateral),
			IsDebt:      c.IsDebt,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.RemovePosition:
		return json.Marshal(removePositionJSON{
			RequestID:   c.RequestID.String(),
			Operator:    c.Operator.String(),
			Index:       c.Index,
			IsDebt:      c.IsDebt,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.SetHoldingPosition:
		return json.Marshal(setHoldingJSON{
			RequestID:   c.RequestID.String(),
			Operator:    c.Operator.String(),
			PositionID:  uint32(c.PositionID),
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	case *command.SetRebalanceDeviation:
		return json.Marshal(setDeviationJSON{
			RequestID:   c.RequestID.String(),
			Operator:    c.Operator.String(),
			Bound:       c.Bound,
			Sequence:    c.Sequence,
			TimestampUs: c.Timestamp.UnixMicro(),
		})

	default:
		return nil, fmt.Errorf("encode: unknown command type %T", cmd)
	}
}

func encodeOps(ops []rebalance.Op) []opJSON {
	out := make([]opJSON, 0, len(ops))
	for _, op := range ops {
		j := opJSON{
			Kind:       encodeOpKind(op.Kind),
			PositionID: uint32(op.PositionID),
			Amount:     op.Amount,
		}
		if op.Kind == rebalance.OpBatch {
			j.Sub = encodeOps(op.Sub)
		}
		out = append(out, j)
	}
	return out
}

func encodeOpKind(kind rebalance.OpKind) string {
	switch kind {
	case rebalance.OpDeposit:
		return "deposit"
	case rebalance.OpWithdraw:
		return "withdraw"
	case rebalance.OpBorrow:
		return "borrow"
	case rebalance.OpRepay:
		return "repay"
	case rebalance.OpAdvance:
		return "advance"
	case rebalance.OpReturnAdvance:
		return "return_advance"
	case rebalance.OpBatch:
		return "batch"
	default:
		return "unknown"
	}
}
