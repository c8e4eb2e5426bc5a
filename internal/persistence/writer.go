package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CommandLogWriter batch-inserts command envelopes and custody journals.
// Multi-row INSERT keeps the writer portable; switch to pgx CopyFrom if
// write throughput ever becomes the bottleneck.
type CommandLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// CommandRow is one row of vault_log.commands.
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Partition      string
	Payload        []byte // wire-format JSON, re-parseable on replay
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow is one row of vault_log.journal.
type JournalRow struct {
	JournalID     string
	BatchID       string
	CommandRef    string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewCommandLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *CommandLogWriter {
	return &CommandLogWriter{db: db, batchSize: batchSize, flushTimeout: flushTimeout}
}

// execer lets batch writes run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteCommandBatch inserts commands into vault_log.commands. Conflicts
// on sequence are ignored so retried flushes stay idempotent.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(commands)*9)
	for _, c := range commands {
		args = append(args,
			c.Sequence, c.CommandType, c.IdempotencyKey, c.Partition,
			c.Payload, c.StateHash, c.PrevHash, c.Timestamp, c.SourceSequence,
		)
	}

	query := `INSERT INTO vault_log.commands
		(sequence, command_type, idempotency_key, partition, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholderRows(len(commands), 9) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journals into vault_log.journal, idempotent
// on journal_id.
func (w *CommandLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.CommandRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO vault_log.journal
		(journal_id, batch_id, command_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES ` + placeholderRows(len(journals), 10) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholderRows renders "($1, $2, ...), ($3, $4, ...)" for a multi-row
// INSERT of rows x cols parameters.
func placeholderRows(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}
