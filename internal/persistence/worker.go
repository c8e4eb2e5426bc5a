package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"VaultEngine/internal/observability"
)

// CoreOutput is one applied command flattened into writable rows. The
// orchestrator (cmd/vaultengine) converts core.Output into this form.
type CoreOutput struct {
	CommandRow  CommandRow
	JournalRows []JournalRow
}

// PersistenceWorker drains the persist channel into Postgres in batches.
// The core sends on that channel blocking, so a worker that falls behind
// stalls the core rather than losing applied commands.
type PersistenceWorker struct {
	writer       *CommandLogWriter
	in           <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	commands []CommandRow
	journals []JournalRow
}

func NewPersistenceWorker(
	db *sql.DB,
	in <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewCommandLogWriter(db, batchSize, flushTimeout),
		in:           in,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
		commands:     make([]CommandRow, 0, batchSize),
		journals:     make([]JournalRow, 0, batchSize*4),
	}
}

// Run batches outputs and flushes when the batch fills or the flush
// timer fires. Returns when the input channel closes (after a final
// flush) or the context is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.finalFlush()
			return ctx.Err()

		case output, ok := <-pw.in:
			if !ok {
				pw.finalFlush()
				return nil
			}
			pw.commands = append(pw.commands, output.CommandRow)
			pw.journals = append(pw.journals, output.JournalRows...)
			if len(pw.commands) >= pw.batchSize {
				pw.flushWithRetry(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(pw.commands) > 0 {
				pw.flushWithRetry(ctx)
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// finalFlush writes whatever is pending with a fresh context, so a
// shutdown never drops the tail of the batch.
func (pw *PersistenceWorker) finalFlush() {
	if len(pw.commands) == 0 {
		return
	}
	if err := pw.flush(context.Background()); err != nil {
		pw.log.Error().Err(err).Int("commands", len(pw.commands)).Msg("final flush failed")
	}
}

// flushWithRetry retries with exponential backoff until the write lands
// or the context is cancelled. Applied commands are never dropped; on
// cancellation the pending batch goes through finalFlush in Run.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		err := pw.flush(ctx)
		if err == nil {
			pw.commands = pw.commands[:0]
			pw.journals = pw.journals[:0]
			return
		}
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
		pw.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).
			Int("commands", len(pw.commands)).Msg("flush failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// flush writes the pending commands and journals in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, pw.commands); err != nil {
		pw.countError("write_commands")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, pw.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(pw.commands)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(pw.commands)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(pw.journals)))
		pw.metrics.PersistLastSequence.Set(float64(pw.commands[len(pw.commands)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
