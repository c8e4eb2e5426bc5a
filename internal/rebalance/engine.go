// Package rebalance executes operator-submitted batches of position
// operations atomically against a vault. A batch either completes with
// the fund valuation inside the configured deviation bound, or every
// mutation it made is rewound.
package rebalance

import (
	"fmt"

	"github.com/rs/zerolog"

	"VaultEngine/internal/adaptor"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
	"VaultEngine/internal/fixedpoint"
	"VaultEngine/internal/vault"
)

// OpKind discriminates batch operations.
type OpKind int32

const (
	OpUnknown OpKind = iota
	// OpDeposit moves reserve funds into a position.
	OpDeposit
	// OpWithdraw pulls funds out of a position into the vault reserve.
	OpWithdraw
	// OpBorrow mints debt on a debt position, proceeds to the reserve.
	OpBorrow
	// OpRepay pays debt down from the reserve.
	OpRepay
	// OpAdvance draws a temporary capital advance into the reserve. It
	// must be fully returned before the outermost batch ends.
	OpAdvance
	// OpReturnAdvance returns advanced capital.
	OpReturnAdvance
	// OpBatch runs a nested batch; only the outermost batch is subject
	// to the deviation check.
	OpBatch
)

func (k OpKind) String() string {
	switch k {
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	case OpBorrow:
		return "borrow"
	case OpRepay:
		return "repay"
	case OpAdvance:
		return "advance"
	case OpReturnAdvance:
		return "return_advance"
	case OpBatch:
		return "batch"
	}
	return "unknown"
}

// Op is one operation in a batch. Amounts are denominated in the target
// position's asset, except advances which are reserve-asset amounts.
type Op struct {
	Kind       OpKind
	PositionID adaptor.PositionID
	Amount     int64
	Sub        []Op
}

// Engine runs batches against one vault.
type Engine struct {
	vault *vault.Vault
	log   zerolog.Logger
}

func NewEngine(v *vault.Vault, log zerolog.Logger) *Engine {
	return &Engine{vault: v, log: log}
}

// batchContext threads call depth and outstanding advances through a
// batch and its nested batches.
type batchContext struct {
	depth       int
	outstanding int64 // reserve units advanced and not yet returned
	ref         string
	ts          int64
}

// Result reports a completed batch's valuation movement.
type Result struct {
	Before    int64
	After     int64
	Deviation int64 // |after-before|/before at fixedpoint.BoundScale
}

// ExecuteBatch validates and runs ops in order, then enforces the
// deviation bound. Any failure rewinds the vault, custody book, share
// ledger, and all registered venue state to the pre-batch bytes.
func (e *Engine) ExecuteBatch(ops []Op, ref string, ts int64) (Result, error) {
	if err := e.vault.BeginExclusive(); err != nil {
		return Result{}, err
	}
	defer e.vault.EndExclusive()

	// Reject malformed batches before touching any state.
	if len(ops) == 0 {
		return Result{}, errs.Configuration("execute batch", fmt.Errorf("empty batch"))
	}
	if err := e.validate(ops); err != nil {
		return Result{}, err
	}

	before, err := e.vault.TotalAssets()
	if err != nil {
		return Result{}, err
	}
	snap := e.vault.FullSnapshot()

	ctx := &batchContext{ref: ref, ts: ts}
	if err := e.run(ops, ctx); err != nil {
		snap.Restore()
		return Result{}, err
	}
	if ctx.outstanding != 0 {
		snap.Restore()
		return Result{}, errs.State("execute batch",
			fmt.Errorf("%w: %d outstanding", errs.ErrAdvanceNotRepaid, ctx.outstanding))
	}

	after, err := e.vault.TotalAssets()
	if err != nil {
		snap.Restore()
		return Result{}, err
	}

	var deviation int64
	if before > 0 {
		diff := after - before
		if diff < 0 {
			diff = -diff
		}
		deviation = fixedpoint.Ratio(diff, before)
		if deviation > e.vault.DeviationBound() {
			snap.Restore()
			return Result{}, &errs.InvariantViolation{
				Op:     "rebalance deviation",
				Before: before,
				After:  after,
				Bound:  e.vault.DeviationBound(),
			}
		}
	}

	e.log.Info().Int64("before", before).Int64("after", after).
		Int64("deviation", deviation).Int("ops", len(ops)).Msg("batch executed")
	return Result{Before: before, After: after, Deviation: deviation}, nil
}

// validate walks the batch tree rejecting unknown targets and malformed
// operations before execution starts.
func (e *Engine) validate(ops []Op) error {
	for i, op := range ops {
		switch op.Kind {
		case OpBatch:
			if len(op.Sub) == 0 {
				return errs.Configuration("validate batch",
					fmt.Errorf("op %d: empty nested batch", i))
			}
			if err := e.validate(op.Sub); err != nil {
				return err
			}
			continue
		case OpAdvance, OpReturnAdvance:
			if op.Amount <= 0 {
				return errs.Configuration("validate batch",
					fmt.Errorf("op %d: advance amount must be positive", i))
			}
			continue
		case OpDeposit, OpWithdraw, OpBorrow, OpRepay:
			if op.Amount <= 0 {
				return errs.Configuration("validate batch",
					fmt.Errorf("op %d: %s amount must be positive", i, op.Kind))
			}
			if !e.vault.IsTracked(op.PositionID) {
				return errs.Configuration("validate batch",
					fmt.Errorf("op %d: position %d: %w", i, op.PositionID, errs.ErrUnknownPosition))
			}
		default:
			return errs.Configuration("validate batch",
				fmt.Errorf("op %d: unknown kind %d", i, op.Kind))
		}
	}
	return nil
}

func (e *Engine) run(ops []Op, ctx *batchContext) error {
	for i, op := range ops {
		if err := e.runOp(op, ctx); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
	}
	return nil
}

func (e *Engine) runOp(op Op, ctx *batchContext) error {
	switch op.Kind {
	case OpBatch:
		nested := &batchContext{
			depth:       ctx.depth + 1,
			outstanding: ctx.outstanding,
			ref:         ctx.ref,
			ts:          ctx.ts,
		}
		if err := e.run(op.Sub, nested); err != nil {
			return err
		}
		ctx.outstanding = nested.outstanding
		return nil

	case OpAdvance:
		reserve := e.vault.Reserve()
		acct := custody.VaultAccount(e.vault.ID(), reserve.ID)
		if err := e.vault.Book().Mint(acct, op.Amount, custody.JournalTypeAdvance, ctx.ref, ctx.ts); err != nil {
			return err
		}
		ctx.outstanding += op.Amount
		return nil

	case OpReturnAdvance:
		if op.Amount > ctx.outstanding {
			return errs.State("return advance",
				fmt.Errorf("returning %d with only %d outstanding", op.Amount, ctx.outstanding))
		}
		reserve := e.vault.Reserve()
		acct := custody.VaultAccount(e.vault.ID(), reserve.ID)
		if err := e.vault.Book().Transfer(acct, custody.ExternalAccount(reserve.ID), op.Amount, custody.JournalTypeAdvanceReturn, ctx.ref, ctx.ts); err != nil {
			return err
		}
		ctx.outstanding -= op.Amount
		return nil
	}

	pos, err := e.vault.Find(op.PositionID)
	if err != nil {
		return err
	}
	call := adaptor.CallContext{
		VaultID:    e.vault.ID(),
		PositionID: pos.ID,
		Tracker:    e.vault,
		CommandRef: ctx.ref,
		Timestamp:  ctx.ts,
	}

	switch op.Kind {
	case OpDeposit:
		return pos.Entry.Adaptor.Deposit(call, op.Amount, pos.Entry.Config)

	case OpWithdraw:
		recipient := custody.VaultAccount(e.vault.ID(), pos.Entry.Config.Asset.ID)
		return pos.Entry.Adaptor.Withdraw(call, op.Amount, recipient, pos.Entry.Config)

	case OpBorrow:
		debt, ok := pos.Entry.Adaptor.(adaptor.DebtAdaptor)
		if !ok {
			return errs.Configuration("borrow",
				fmt.Errorf("position %d is not a debt position", pos.ID))
		}
		return debt.Borrow(call, op.Amount, pos.Entry.Config)

	case OpRepay:
		debt, ok := pos.Entry.Adaptor.(adaptor.DebtAdaptor)
		if !ok {
			return errs.Configuration("repay",
				fmt.Errorf("position %d is not a debt position", pos.ID))
		}
		_, err := debt.Repay(call, op.Amount, pos.Entry.Config)
		return err
	}
	return errs.Configuration("execute batch", fmt.Errorf("unknown op kind %d", op.Kind))
}
