package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"VaultEngine/internal/observability"
)

// Output is one applied command flattened for projection consumption.
// The orchestrator bridges core.Output into this; projections never
// read vault state directly.
type Output struct {
	Sequence         int64
	CommandType      string
	Journals         []JournalEntry
	ShareSupply      int64
	Shares           []ShareEntry
	PositionsChanged bool
	Positions        []PositionEntry
	Timestamp        int64
}

// JournalEntry is a simplified journal for projection consumption.
// Amount arrives at DebitAccount and leaves CreditAccount.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// ShareEntry is a holder's post-command share balance.
type ShareEntry struct {
	HolderID      string
	Shares        int64
	LockedUntilUs int64
}

// PositionEntry is one active position after a membership change.
type PositionEntry struct {
	PositionID uint32
	Index      int
	Adaptor    string
	Asset      string
	Market     string
	IsDebt     bool
	Holding    bool
}

// Worker updates projection tables from applied commands. The publish
// channel feeding it is non-blocking with drop: if projections fall
// behind they can be rebuilt from the operation log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewWorker(db *sql.DB, inputChan <-chan Output, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Keep going: projections are eventually consistent and
				// can be rebuilt from the operation log.
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}

			if pw.metrics != nil {
				pw.metrics.ProjectionLastSeq.Set(float64(output.Sequence))
			}
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, s := range output.Shares {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.holders (holder_id, shares, locked_until_us, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (holder_id)
			DO UPDATE SET shares = $2, locked_until_us = $3, last_sequence = $4
		`, s.HolderID, s.Shares, s.LockedUntilUs, output.Sequence); err != nil {
			return fmt.Errorf("holder projection: %w", err)
		}
	}

	if output.PositionsChanged {
		if _, err := tx.ExecContext(ctx, `DELETE FROM projections.positions`); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
		for _, p := range output.Positions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.positions
					(position_id, list_index, adaptor, asset, market, is_debt, holding, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, p.PositionID, p.Index, p.Adaptor, p.Asset, p.Market, p.IsDebt, p.Holding, output.Sequence); err != nil {
				return fmt.Errorf("position projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vault_state (id, share_supply, last_sequence, updated_at)
		VALUES ('main', $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET share_supply = $1, last_sequence = $2, updated_at = NOW()
	`, output.ShareSupply, output.Sequence); err != nil {
		return fmt.Errorf("vault state projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *Worker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	// Debit account receives the amount
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	// Credit account gives it up
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// RebuildBalances rebuilds the balance projection from the journal.
// Holder and vault state projections refill as new commands flow; they
// come from the core, not the journal.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM vault_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credits subtract
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM vault_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}
	return nil
}
