package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"VaultEngine/internal/command"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/ingestion"
	"VaultEngine/internal/rebalance"
)

func newParser(t *testing.T) *ingestion.Parser {
	t.Helper()
	assets := custody.NewAssetRegistry()
	if _, err := assets.Register("USDC", 6); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := assets.Register("WETH", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	return ingestion.NewParser(assets)
}

func rawFromJSON(t *testing.T, commandType string, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:     "test",
		CommandType: commandType,
		Data:        data,
		Timestamp:   time.Now(),
		AckFunc:     func() {},
		NakFunc:     func() {},
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"payer":        "660e8400-e29b-41d4-a716-446655440001",
		"receiver":     "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(5_000_000),
		"sequence":     int64(7),
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	cmd, err := newParser(t).Parse(rawFromJSON(t, "Deposit", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dep, ok := cmd.(*command.Deposit)
	if !ok {
		t.Fatalf("expected *command.Deposit, got %T", cmd)
	}
	if dep.Amount != 5_000_000 {
		t.Errorf("amount: got %d, want 5_000_000", dep.Amount)
	}
	if dep.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", dep.Sequence)
	}
	if dep.Payer != dep.Receiver {
		t.Error("payer/receiver mismatch")
	}
	if dep.Timestamp.UnixMicro() != 1_700_000_000_000_000 {
		t.Errorf("timestamp: got %d", dep.Timestamp.UnixMicro())
	}
	if dep.Partition() != command.PartitionHolders {
		t.Errorf("partition: got %s", dep.Partition())
	}
}

func TestParseDepositBadUUID(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "not-a-uuid",
		"payer":      "660e8400-e29b-41d4-a716-446655440001",
		"receiver":   "660e8400-e29b-41d4-a716-446655440001",
		"amount":     int64(1),
	}
	if _, err := newParser(t).Parse(rawFromJSON(t, "Deposit", payload)); err == nil {
		t.Fatal("expected parse error for bad request_id")
	}
}

func TestParseRedeemUsesShares(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"owner":        "660e8400-e29b-41d4-a716-446655440001",
		"receiver":     "770e8400-e29b-41d4-a716-446655440002",
		"shares":       int64(2_500_000),
		"sequence":     int64(3),
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	cmd, err := newParser(t).Parse(rawFromJSON(t, "Redeem", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rd, ok := cmd.(*command.Redeem)
	if !ok {
		t.Fatalf("expected *command.Redeem, got %T", cmd)
	}
	if rd.Shares != 2_500_000 {
		t.Errorf("shares: got %d, want 2_500_000", rd.Shares)
	}
}

func TestParseTransferSharesSpender(t *testing.T) {
	base := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"from":         "660e8400-e29b-41d4-a716-446655440001",
		"to":           "770e8400-e29b-41d4-a716-446655440002",
		"shares":       int64(100),
		"sequence":     int64(1),
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	cmd, err := newParser(t).Parse(rawFromJSON(t, "TransferShares", base))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tr := cmd.(*command.TransferShares)
	if tr.Spender != nil {
		t.Error("spender should be nil when absent")
	}

	base["spender"] = "880e8400-e29b-41d4-a716-446655440003"
	cmd, err = newParser(t).Parse(rawFromJSON(t, "TransferShares", base))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tr = cmd.(*command.TransferShares)
	if tr.Spender == nil || tr.Spender.String() != "880e8400-e29b-41d4-a716-446655440003" {
		t.Errorf("spender: got %v", tr.Spender)
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset":              "WETH",
		"price":              "2000.25",
		"price_sequence":     int64(42),
		"price_timestamp_us": int64(1_700_000_000_000_000),
	}

	cmd, err := newParser(t).Parse(rawFromJSON(t, "PriceUpdate", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pu := cmd.(*command.PriceUpdate)
	if pu.Asset != "WETH" || pu.Price != "2000.25" || pu.PriceSequence != 42 {
		t.Errorf("parsed: %+v", pu)
	}
	if pu.Partition() != "price:WETH" {
		t.Errorf("partition: got %s", pu.Partition())
	}
}

func TestParsePriceUpdateMissingFields(t *testing.T) {
	payload := map[string]interface{}{
		"price_sequence": int64(1),
	}
	if _, err := newParser(t).Parse(rawFromJSON(t, "PriceUpdate", payload)); err == nil {
		t.Fatal("expected error for missing asset/price")
	}
}

func TestParseRebalanceNestedOps(t *testing.T) {
	payload := map[string]interface{}{
		"batch_id": "550e8400-e29b-41d4-a716-446655440000",
		"operator": "660e8400-e29b-41d4-a716-446655440001",
		"ops": []map[string]interface{}{
			{"kind": "advance", "amount": int64(1_000_000)},
			{"kind": "batch", "sub": []map[string]interface{}{
				{"kind": "deposit", "position_id": uint32(2), "amount": int64(1_000_000)},
				{"kind": "borrow", "position_id": uint32(3), "amount": int64(500_000)},
			}},
			{"kind": "return_advance", "amount": int64(1_000_000)},
		},
		"sequence":     int64(9),
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	cmd, err := newParser(t).Parse(rawFromJSON(t, "Rebalance", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rb := cmd.(*command.Rebalance)
	if len(rb.Ops) != 3 {
		t.Fatalf("ops: got %d, want 3", len(rb.Ops))
	}
	if rb.Ops[0].Kind != rebalance.OpAdvance {
		t.Errorf("op[0] kind: got %v", rb.Ops[0].Kind)
	}
	if rb.Ops[1].Kind != rebalance.OpBatch || len(rb.Ops[1].Sub) != 2 {
		t.Errorf("op[1]: %+v", rb.Ops[1])
	}
	if rb.Ops[1].Sub[1].Kind != rebalance.OpBorrow || rb.Ops[1].Sub[1].Amount != 500_000 {
		t.Errorf("nested op: %+v", rb.Ops[1].Sub[1])
	}
	if rb.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", rb.IdempotencyKey())
	}
}

func TestParseRebalanceUnknownOp(t *testing.T) {
	payload := map[string]interface{}{
		"batch_id": "550e8400-e29b-41d4-a716-446655440000",
		"operator": "660e8400-e29b-41d4-a716-446655440001",
		"ops": []map[string]interface{}{
			{"kind": "liquidate", "amount": int64(1)},
		},
	}
	if _, err := newParser(t).Parse(rawFromJSON(t, "Rebalance", payload)); err == nil {
		t.Fatal("expected error for unknown op kind")
	}
}

func TestParseAddPositionResolvesAsset(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"operator":     "660e8400-e29b-41d4-a716-446655440001",
		"index":        1,
		"adaptor":      "lendmarket-supply",
		"asset":        "WETH",
		"market":       "aavesim",
		"sequence":     int64(4),
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	cmd, err := newParser(t).Parse(rawFromJSON(t, "AddPosition", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ap := cmd.(*command.AddPosition)
	if ap.Config.Asset.Symbol != "WETH" || ap.Config.Asset.ID == 0 {
		t.Errorf("asset not resolved: %+v", ap.Config.Asset)
	}
	if ap.Config.Market != "aavesim" || ap.AdaptorName != "lendmarket-supply" {
		t.Errorf("config: %+v", ap)
	}

	payload["asset"] = "DOGE"
	if _, err := newParser(t).Parse(rawFromJSON(t, "AddPosition", payload)); err == nil {
		t.Fatal("expected error for unregistered asset")
	}
}

func TestParseUnknownCommandType(t *testing.T) {
	raw := rawFromJSON(t, "Liquidate", map[string]interface{}{})
	if _, err := newParser(t).Parse(raw); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

// The operation log stores the encoder's output, so every command must
// survive an encode/parse roundtrip for replay to work.
func TestEncodeParseRoundtrip(t *testing.T) {
	spender := uuid.MustParse("880e8400-e29b-41d4-a716-446655440003")
	cmds := []command.Command{
		&command.Deposit{
			RequestID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
			Payer:     uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
			Receiver:  uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
			Amount:    5_000_000,
			Sequence:  1,
			Timestamp: time.UnixMicro(1_700_000_000_000_000),
		},
		&command.TransferShares{
			RequestID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440004"),
			From:      uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
			To:        uuid.MustParse("770e8400-e29b-41d4-a716-446655440002"),
			Spender:   &spender,
			Shares:    100,
			Sequence:  2,
			Timestamp: time.UnixMicro(1_700_000_000_000_000),
		},
		&command.PriceUpdate{
			Asset:          "WETH",
			Price:          "1999.5",
			PriceSequence:  10,
			PriceTimestamp: 1_700_000_000_000_000,
		},
		&command.Rebalance{
			BatchID:  uuid.MustParse("550e8400-e29b-41d4-a716-446655440005"),
			Operator: uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
			Ops: []rebalance.Op{
				{Kind: rebalance.OpAdvance, Amount: 1_000_000},
				{Kind: rebalance.OpBatch, Sub: []rebalance.Op{
					{Kind: rebalance.OpDeposit, PositionID: 2, Amount: 1_000_000},
				}},
			},
			Sequence:  3,
			Timestamp: time.UnixMicro(1_700_000_000_000_000),
		},
	}

	parser := newParser(t)
	for _, cmd := range cmds {
		data, err := ingestion.EncodeCommand(cmd)
		if err != nil {
			t.Fatalf("encode %T: %v", cmd, err)
		}
		back, err := parser.Parse(ingestion.RawCommand{
			CommandType: cmd.Type().String(),
			Data:        data,
		})
		if err != nil {
			t.Fatalf("reparse %T: %v", cmd, err)
		}
		if back.IdempotencyKey() != cmd.IdempotencyKey() {
			t.Errorf("%T: idempotency key changed: %s -> %s", cmd, cmd.IdempotencyKey(), back.IdempotencyKey())
		}
		if back.SourceSequence() != cmd.SourceSequence() {
			t.Errorf("%T: source sequence changed", cmd)
		}
		if !back.OccurredAt().Equal(cmd.OccurredAt()) {
			t.Errorf("%T: timestamp changed", cmd)
		}
	}
}
