package projection

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"VaultEngine/internal/testutil"
)

func queryBalance(t *testing.T, db *sql.DB, account string, assetID uint16) int64 {
	t.Helper()
	var bal int64
	err := db.QueryRow(`
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, account, assetID).Scan(&bal)
	if err != nil {
		t.Fatalf("query balance for %s: %v", account, err)
	}
	return bal
}

func insertJournal(t *testing.T, db *sql.DB, seq int64, debit, credit string, assetID uint16, amount int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO vault_log.journal
			(journal_id, batch_id, command_ref, sequence, debit_account,
			 credit_account, asset_id, amount, journal_type, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.New(), uuid.New(), fmt.Sprintf("ref-%d", seq), seq, debit, credit, assetID, amount, 1, seq*1000)
	if err != nil {
		t.Fatalf("insert journal row: %v", err)
	}
}

func TestProcessOutputUpdatesProjections(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	vaultAcct := "vault:550e8400-e29b-41d4-a716-446655440000:1"
	holderAcct := "holder:660e8400-e29b-41d4-a716-446655440001:1"

	pw := NewWorker(db, nil, nil)
	out := Output{
		Sequence:    7,
		CommandType: "Deposit",
		Journals: []JournalEntry{
			{DebitAccount: vaultAcct, CreditAccount: holderAcct, AssetID: 1, Amount: 500, JournalType: 1},
		},
		ShareSupply: 500,
		Shares:      []ShareEntry{{HolderID: "660e8400-e29b-41d4-a716-446655440001", Shares: 500}},
		Timestamp:   1_700_000_000_000_000,
	}
	if err := pw.processOutput(context.Background(), out); err != nil {
		t.Fatalf("processOutput: %v", err)
	}

	if got := queryBalance(t, db, vaultAcct, 1); got != 500 {
		t.Errorf("vault balance = %d, want 500", got)
	}
	if got := queryBalance(t, db, holderAcct, 1); got != -500 {
		t.Errorf("holder balance = %d, want -500", got)
	}

	var wm int64
	if err := db.QueryRow(`
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&wm); err != nil {
		t.Fatalf("query watermark: %v", err)
	}
	if wm != 7 {
		t.Errorf("watermark = %d, want 7", wm)
	}
}

// Accounts that appear on both sides of the journal must net out the same
// way the incremental projection computes them.
func TestRebuildBalancesNetsBothSides(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	if _, err := db.Exec(`
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ('holder:770e8400-e29b-41d4-a716-446655440002:1', 1, 999, 1)
	`); err != nil {
		t.Fatalf("seed stale balance: %v", err)
	}

	a := "vault:550e8400-e29b-41d4-a716-446655440000:1"
	b := "holder:660e8400-e29b-41d4-a716-446655440001:1"
	insertJournal(t, db, 1, a, b, 1, 1000)
	insertJournal(t, db, 2, b, a, 1, 400)

	if err := RebuildBalances(context.Background(), db); err != nil {
		t.Fatalf("RebuildBalances: %v", err)
	}

	if got := queryBalance(t, db, a, 1); got != 600 {
		t.Errorf("balance of %s = %d, want 600", a, got)
	}
	if got := queryBalance(t, db, b, 1); got != -600 {
		t.Errorf("balance of %s = %d, want -600", b, got)
	}

	var stale int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM projections.balances
		WHERE account_path = 'holder:770e8400-e29b-41d4-a716-446655440002:1'
	`).Scan(&stale); err != nil {
		t.Fatalf("count stale rows: %v", err)
	}
	if stale != 0 {
		t.Error("stale balance row survived rebuild")
	}
}
