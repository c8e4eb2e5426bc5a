package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to projection tables and the
// operation log. Responses include as_of_sequence so callers can reason
// about freshness; projections trail the core by design.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetVaultSummary returns the projected vault state: share supply,
// reserve balances per asset, and the active position count.
func (qs *Service) GetVaultSummary(ctx context.Context) (*VaultSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	summary := &VaultSummary{AsOfSequence: asOfSeq}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(share_supply, 0) FROM projections.vault_state WHERE id = 'main'
	`).Scan(&summary.ShareSupply)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance
		FROM projections.balances
		WHERE account_path LIKE 'vault:%' AND balance != 0
		ORDER BY asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r ReserveBalance
		if err := rows.Scan(&r.AccountPath, &r.AssetID, &r.Balance); err != nil {
			return nil, err
		}
		summary.Reserves = append(summary.Reserves, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projections.positions
	`).Scan(&summary.Positions)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return summary, nil
}

// GetHolderShares returns a holder's projected share balance and lock
// expiry.
func (qs *Service) GetHolderShares(
	ctx context.Context,
	holderID uuid.UUID,
) (*HolderSharesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &HolderSharesResponse{HolderID: holderID, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT shares, locked_until_us
		FROM projections.holders
		WHERE holder_id = $1
	`, holderID.String()).Scan(&resp.Shares, &resp.LockedUntilUs)
	if err == sql.ErrNoRows {
		return resp, nil // Unknown holder reads as zero shares
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPositions returns the active position lists, credits before debts.
func (qs *Service) GetPositions(ctx context.Context) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, list_index, adaptor, asset, market, is_debt, holding
		FROM projections.positions
		ORDER BY is_debt, list_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.PositionID, &p.Index, &p.Adaptor, &p.Asset, &p.Market, &p.IsDebt, &p.Holding,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetOperations returns operation log entries with cursor pagination,
// newest first.
func (qs *Service) GetOperations(
	ctx context.Context,
	limit int,
	beforeSequence *int64,
) ([]OperationResponse, error) {
	query := `
		SELECT sequence, command_type, idempotency_key, partition,
		       source_sequence, state_hash, timestamp
		FROM vault_log.commands
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationResponse
	for rows.Next() {
		var o OperationResponse
		if err := rows.Scan(
			&o.Sequence, &o.CommandType, &o.IdempotencyKey, &o.Partition,
			&o.SourceSequence, &o.StateHash, &o.Timestamp,
		); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	return ops, rows.Err()
}

// GetJournalHistory returns custody moves touching a holder's accounts,
// with cursor pagination.
func (qs *Service) GetJournalHistory(
	ctx context.Context,
	holderID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("holder:%s:%%", holderID)

	query := `
		SELECT journal_id, batch_id, command_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM vault_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the operation log and
// the zero-sum invariant over projected balances.
func (qs *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM vault_log.commands c1
		JOIN vault_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal moves value between two accounts of the same asset,
	// so per-asset sums must be zero.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
