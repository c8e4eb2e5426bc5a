package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/command"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/rebalance"
)

// Parser converts raw NATS payloads into typed commands. Asset symbols
// in payloads are resolved against the registry here, so the core only
// ever sees assets it knows.
type Parser struct {
	assets *custody.AssetRegistry
}

func NewParser(assets *custody.AssetRegistry) *Parser {
	return &Parser{assets: assets}
}

// Parse converts a RawCommand (JSON bytes + command type string) into a
// typed command.Command.
func (p *Parser) Parse(raw RawCommand) (command.Command, error) {
	switch raw.CommandType {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "Redeem":
		return parseRedeem(raw.Data)
	case "TransferShares":
		return parseTransferShares(raw.Data)
	case "ApproveShares":
		return parseApproveShares(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "YieldAccrued":
		return parseYieldAccrued(raw.Data)
	case "Rebalance":
		return parseRebalance(raw.Data)
	case "AddPosition":
		return p.parseAddPosition(raw.Data)
	case "RemovePosition":
		return parseRemovePosition(raw.Data)
	case "SetHoldingPosition":
		return parseSetHoldingPosition(raw.Data)
	case "SetRebalanceDeviation":
		return parseSetRebalanceDeviation(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", raw.CommandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type depositJSON struct {
	RequestID   string `json:"request_id"`
	Payer       string `json:"payer"`
	Receiver    string `json:"receiver"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*command.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	payer, err := uuid.Parse(j.Payer)
	if err != nil {
		return nil, fmt.Errorf("parse payer: %w", err)
	}
	receiver, err := uuid.Parse(j.Receiver)
	if err != nil {
		return nil, fmt.Errorf("parse receiver: %w", err)
	}

	return &command.Deposit{
		RequestID: requestID,
		Payer:     payer,
		Receiver:  receiver,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	Receiver    string `json:"receiver"`
	Amount      int64  `json:"amount"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdraw(data []byte) (*command.Withdraw, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	requestID, owner, receiver, err := parseHolderIDs(j.RequestID, j.Owner, j.Receiver)
	if err != nil {
		return nil, err
	}
	return &command.Withdraw{
		RequestID: requestID,
		Owner:     owner,
		Receiver:  receiver,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRedeem(data []byte) (*command.Redeem, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Redeem: %w", err)
	}
	requestID, owner, receiver, err := parseHolderIDs(j.RequestID, j.Owner, j.Receiver)
	if err != nil {
		return nil, err
	}
	return &command.Redeem{
		RequestID: requestID,
		Owner:     owner,
		Receiver:  receiver,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseHolderIDs(requestID, owner, receiver string) (uuid.UUID, uuid.UUID, uuid.UUID, error) {
	reqID, err := uuid.Parse(requestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("parse request_id: %w", err)
	}
	ownerID, err := uuid.Parse(owner)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("parse owner: %w", err)
	}
	receiverID, err := uuid.Parse(receiver)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("parse receiver: %w", err)
	}
	return reqID, ownerID, receiverID, nil
}

type transferSharesJSON struct {
	RequestID   string `json:"request_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Spender     string `json:"spender,omitempty"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseTransferShares(data []byte) (*command.TransferShares, error) {
	var j transferSharesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TransferShares: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	from, err := uuid.Parse(j.From)
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	to, err := uuid.Parse(j.To)
	if err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}

	cmd := &command.TransferShares{
		RequestID: requestID,
		From:      from,
		To:        to,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}
	if j.Spender != "" {
		spender, err := uuid.Parse(j.Spender)
		if err != nil {
			return nil, fmt.Errorf("parse spender: %w", err)
		}
		cmd.Spender = &spender
	}
	return cmd, nil
}

type approveSharesJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	Spender     string `json:"spender"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseApproveShares(data []byte) (*command.ApproveShares, error) {
	var j approveSharesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ApproveShares: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	spender, err := uuid.Parse(j.Spender)
	if err != nil {
		return nil, fmt.Errorf("parse spender: %w", err)
	}
	return &command.ApproveShares{
		RequestID: requestID,
		Owner:     owner,
		Spender:   spender,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Asset            string `json:"asset"`
	Price            string `json:"price"`
	PriceSequence    int64  `json:"price_sequence"`
	PriceTimestampUs int64  `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*command.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Asset == "" || j.Price == "" {
		return nil, fmt.Errorf("parse PriceUpdate: missing asset or price")
	}
	return &command.PriceUpdate{
		Asset:          j.Asset,
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestampUs,
	}, nil
}

type yieldAccruedJSON struct {
	AccrualID   string `json:"accrual_id"`
	Market      string `json:"market"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseYieldAccrued(data []byte) (*command.YieldAccrued, error) {
	var j yieldAccruedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse YieldAccrued: %w", err)
	}
	accrualID, err := uuid.Parse(j.AccrualID)
	if err != nil {
		return nil, fmt.Errorf("parse accrual_id: %w", err)
	}
	return &command.YieldAccrued{
		AccrualID: accrualID,
		Market:    j.Market,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type rebalanceJSON struct {
	BatchID     string   `json:"batch_id"`
	Operator    string   `json:"operator"`
	Ops         []opJSON `json:"ops"`
	Sequence    int64    `json:"sequence"`
	TimestampUs int64    `json:"timestamp_us"`
}

type opJSON struct {
	Kind       string   `json:"kind"`
	PositionID uint32   `json:"position_id,omitempty"`
	Amount     int64    `json:"amount,omitempty"`
	Sub        []opJSON `json:"sub,omitempty"`
}

func parseRebalance(data []byte) (*command.Rebalance, error) {
	var j rebalanceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Rebalance: %w", err)
	}
	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	operator, err := uuid.Parse(j.Operator)
	if err != nil {
		return nil, fmt.Errorf("parse operator: %w", err)
	}
	ops, err := parseOps(j.Ops)
	if err != nil {
		return nil, err
	}
	return &command.Rebalance{
		BatchID:   batchID,
		Operator:  operator,
		Ops:       ops,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseOps(raw []opJSON) ([]rebalance.Op, error) {
	ops := make([]rebalance.Op, 0, len(raw))
	for _, r := range raw {
		kind, err := parseOpKind(r.Kind)
		if err != nil {
			return nil, err
		}
		op := rebalance.Op{
			Kind:       kind,
			PositionID: adaptor.PositionID(r.PositionID),
			Amount:     r.Amount,
		}
		if kind == rebalance.OpBatch {
			sub, err := parseOps(r.Sub)
			if err != nil {
				return nil, err
			}
			op.Sub = sub
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func parseOpKind(kind string) (rebalance.OpKind, error) {
	switch kind {
	case "deposit":
		return rebalance.OpDeposit, nil
	case "withdraw":
		return rebalance.OpWithdraw, nil
	case "borrow":
		return rebalance.OpBorrow, nil
	case "repay":
		return rebalance.OpRepay, nil
	case "advance":
		return rebalance.OpAdvance, nil
	case "return_advance":
		return rebalance.OpReturnAdvance, nil
	case "batch":
		return rebalance.OpBatch, nil
	default:
		return rebalance.OpUnknown, fmt.Errorf("unknown op kind %q", kind)
	}
}

type addPositionJSON struct {
	RequestID   string `json:"request_id"`
	Operator    string `json:"operator"`
	Index       int    `json:"index"`
	AdaptorName string `json:"adaptor"`
	Asset       string `json:"asset"`
	Market      string `json:"market,omitempty"`
	Collateral  uint32 `json:"collateral,omitempty"`
	IsDebt      bool   `json:"is_debt,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (p *Parser) parseAddPosition(data []byte) (*command.AddPosition, error) {
	var j addPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddPosition: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	operator, err := uuid.Parse(j.Operator)
	if err != nil {
		return nil, fmt.Errorf("parse operator: %w", err)
	}
	asset, ok := p.assets.BySymbol(j.Asset)
	if !ok {
		return nil, fmt.Errorf("parse AddPosition: unknown asset %q", j.Asset)
	}
	return &command.AddPosition{
		RequestID:   requestID,
		Operator:    operator,
		Index:       j.Index,
		AdaptorName: j.AdaptorName,
		Config: adaptor.Config{
			Asset:      asset,
			Market:     j.Market,
			Collateral: adaptor.PositionID(j.Collateral),
		},
		IsDebt:    j.IsDebt,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type removePositionJSON struct {
	RequestID   string `json:"request_id"`
	Operator    string `json:"operator"`
	Index       int    `json:"index"`
	IsDebt      bool   `json:"is_debt,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRemovePosition(data []byte) (*command.RemovePosition, error) {
	var j removePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RemovePosition: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	operator, err := uuid.Parse(j.Operator)
	if err != nil {
		return nil, fmt.Errorf("parse operator: %w", err)
	}
	return &command.RemovePosition{
		RequestID: requestID,
		Operator:  operator,
		Index:     j.Index,
		IsDebt:    j.IsDebt,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type setHoldingJSON struct {
	RequestID   string `json:"request_id"`
	Operator    string `json:"operator"`
	PositionID  uint32 `json:"position_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetHoldingPosition(data []byte) (*command.SetHoldingPosition, error) {
	var j setHoldingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetHoldingPosition: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	operator, err := uuid.Parse(j.Operator)
	if err != nil {
		return nil, fmt.Errorf("parse operator: %w", err)
	}
	return &command.SetHoldingPosition{
		RequestID:  requestID,
		Operator:   operator,
		PositionID: adaptor.PositionID(j.PositionID),
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type setDeviationJSON struct {
	RequestID   string `json:"request_id"`
	Operator    string `json:"operator"`
	Bound       int64  `json:"bound"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetRebalanceDeviation(data []byte) (*command.SetRebalanceDeviation, error) {
	var j setDeviationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetRebalanceDeviation: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	operator, err := uuid.Parse(j.Operator)
	if err != nil {
		return nil, fmt.Errorf("parse operator: %w", err)
	}
	return &command.SetRebalanceDeviation{
		RequestID: requestID,
		Operator:  operator,
		Bound:     j.Bound,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
