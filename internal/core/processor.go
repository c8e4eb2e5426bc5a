// Package core hosts the single-writer command processor. All vault
// state mutations flow through one goroutine; everything downstream
// (persistence, publishing, projections) consumes its outputs over
// channels.
package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"VaultEngine/internal/command"
	"VaultEngine/internal/custody"
	"VaultEngine/internal/errs"
	"VaultEngine/internal/lendmarket"
	"VaultEngine/internal/observability"
	"VaultEngine/internal/oracle"
	"VaultEngine/internal/rebalance"
	"VaultEngine/internal/registry"
	"VaultEngine/internal/vault"
)

// Clock serves the latest command timestamp as "now" to components that
// need one (share locks, price staleness). The core never reads the
// wall clock for domain decisions.
type Clock struct {
	current time.Time
}

func (c *Clock) Now() time.Time { return c.current }

// Advance moves the clock forward. Timestamps never move it backwards,
// so a late-arriving price update cannot unlock shares early.
func (c *Clock) Advance(t time.Time) {
	if t.After(c.current) {
		c.current = t
	}
}

// Output is what the core emits per applied command.
type Output struct {
	Envelope *command.Envelope
	// Command is the applied command itself; the orchestrator re-encodes
	// it into the wire form for the operation log.
	Command     command.Command
	Journals    []custody.Journal
	ShareSupply int64
	// Shares holds the post-command balances of every holder the
	// command touched, so projections never read vault state from
	// outside the core goroutine.
	Shares []ShareBalance
	// PositionsChanged marks commands that altered the active position
	// lists; Positions then carries the full new membership.
	PositionsChanged bool
	Positions        []PositionInfo
	StateDelta       []byte
}

// ShareBalance is one holder's balance after a command applied.
type ShareBalance struct {
	Holder      uuid.UUID
	Balance     int64
	LockedUntil time.Time
}

// PositionInfo describes one active position for downstream consumers.
type PositionInfo struct {
	ID      uint32
	Index   int
	Adaptor string
	Asset   string
	Market  string
	IsDebt  bool
	Holding bool
}

// Deps wires the processor to the domain it drives.
type Deps struct {
	Book    *custody.Book
	Assets  *custody.AssetRegistry
	Feed    *oracle.PriceFeed
	Catalog *registry.Registry
	Vault   *vault.Vault
	Engine  *rebalance.Engine
	Markets *lendmarket.Set
	Clock   *Clock
	Metrics *observability.Metrics
	Log     zerolog.Logger
	DBDedup DBIdempotencyChecker
	LRUSize int
}

// Processor applies commands one at a time.
type Processor struct {
	sequence          int64
	hasher            *StateHasher
	book              *custody.Book
	assets            *custody.AssetRegistry
	feed              *oracle.PriceFeed
	catalog           *registry.Registry
	vault             *vault.Vault
	engine            *rebalance.Engine
	markets           *lendmarket.Set
	clock             *Clock
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewProcessor(startSequence int64, persistChan, publishChan chan<- Output, deps Deps) *Processor {
	lruSize := deps.LRUSize
	if lruSize <= 0 {
		lruSize = 1_000_000
	}
	return &Processor{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		book:              deps.Book,
		assets:            deps.Assets,
		feed:              deps.Feed,
		catalog:           deps.Catalog,
		vault:             deps.Vault,
		engine:            deps.Engine,
		markets:           deps.Markets,
		clock:             deps.Clock,
		idempotency:       NewIdempotencyChecker(lruSize, deps.DBDedup, deps.Metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           deps.Metrics,
		log:               deps.Log,
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// ProcessCommand runs the full pipeline for one command: dedup,
// ordering, dispatch, journal drain, hash chain, emit.
func (p *Processor) ProcessCommand(cmd command.Command) error {
	start := time.Now()
	cmdType := cmd.Type().String()
	key := cmd.IdempotencyKey()

	isDuplicate := p.idempotency.IsDuplicate(cmdType, key)

	// Price updates tolerate gaps; everything else is strictly ordered
	// per partition.
	if price, ok := cmd.(*command.PriceUpdate); ok {
		if err := p.sequenceValidator.ValidatePriceSequence(price.Asset, price.PriceSequence); err != nil {
			if errors.Is(err, ErrStaleQuote) {
				// A newer quote already landed; dropping this one is the
				// idempotent outcome, not a failure.
				p.reject(cmdType, "stale_price")
				return nil
			}
			return err
		}
	} else {
		if err := p.sequenceValidator.ValidateSequence(cmd.Partition(), cmd.SourceSequence(), key, isDuplicate); err != nil {
			if p.metrics != nil {
				switch {
				case errors.Is(err, ErrSequenceGap):
					p.metrics.CommandSequenceGap.WithLabelValues(cmd.Partition()).Inc()
				case errors.Is(err, ErrOutOfOrder):
					p.metrics.CommandOutOfOrder.WithLabelValues(cmd.Partition()).Inc()
				}
			}
			p.reject(cmdType, "sequence")
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		p.reject(cmdType, "duplicate")
		return nil
	}

	p.clock.Advance(cmd.OccurredAt())

	if err := p.dispatch(cmd); err != nil {
		// Failed commands mutate nothing: the vault rewinds itself, so
		// there are no journals to drain and no sequence to assign. The
		// idempotency key is still recorded so a retry of the same
		// request does not get a second chance at a different outcome.
		p.book.Drain()
		p.reject(cmdType, rejectReason(err))
		p.idempotency.MarkProcessed(cmdType, key)
		p.log.Warn().Str("command", cmdType).Str("key", key).Err(err).Msg("command rejected")
		return err
	}

	journals := p.book.Drain()
	stateDigest := p.computeStateDigest(journals)
	prevHash := p.hasher.GetPrevHash()
	stateHash := p.hasher.ComputeHash(p.sequence, stateDigest)

	envelope := &command.Envelope{
		Sequence:       p.sequence,
		IdempotencyKey: key,
		CommandType:    cmd.Type(),
		Partition:      cmd.Partition(),
		Timestamp:      cmd.OccurredAt(),
		SourceSequence: cmd.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := Output{
		Envelope:    envelope,
		Command:     cmd,
		Journals:    journals,
		ShareSupply: p.vault.Shares().TotalShares(),
		Shares:      p.touchedShares(cmd),
		StateDelta:  stateDigest,
	}
	switch cmd.(type) {
	case *command.AddPosition, *command.RemovePosition, *command.SetHoldingPosition:
		output.PositionsChanged = true
		output.Positions = p.currentPositions()
	}
	p.sequence++

	p.postCheckInvariants()

	// Persistence: blocking send, the core stalls until the persistence
	// worker drains. No applied command is ever lost.
	p.persistChan <- output

	// Publishing: non-blocking, downstream consumers can re-read the
	// operation log if they fall behind.
	select {
	case p.publishChan <- output:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
	}

	p.idempotency.MarkProcessed(cmdType, key)

	if p.metrics != nil {
		p.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
		p.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(p.sequence))
		for _, j := range journals {
			p.metrics.JournalsWritten.WithLabelValues(j.JournalType.String()).Inc()
		}
		switch c := cmd.(type) {
		case *command.Deposit:
			p.metrics.DepositsTotal.Inc()
			p.metrics.DepositVolume.Add(float64(c.Amount))
		case *command.Withdraw:
			p.metrics.WithdrawalsTotal.Inc()
			p.metrics.WithdrawalVolume.Add(float64(c.Amount))
		case *command.Redeem:
			p.metrics.WithdrawalsTotal.Inc()
		}
		p.updateVaultGauges()
	}

	return nil
}

func (p *Processor) reject(cmdType, reason string) {
	if p.metrics != nil {
		p.metrics.CommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func rejectReason(err error) string {
	var iv *errs.InvariantViolation
	var ce *errs.ConfigurationError
	var ae *errs.AuthorizationError
	switch {
	case errors.As(err, &iv):
		return "deviation"
	case errors.As(err, &ce):
		return "configuration"
	case errors.As(err, &ae):
		return "authorization"
	default:
		return "state"
	}
}

func (p *Processor) dispatch(cmd command.Command) error {
	ref := cmd.IdempotencyKey()
	ts := cmd.OccurredAt().UnixMicro()

	switch c := cmd.(type) {
	case *command.Deposit:
		return p.vault.Deposit(c.Payer, c.Receiver, c.Amount, ref)

	case *command.Withdraw:
		return p.vault.Withdraw(c.Amount, c.Receiver, c.Owner, ref)

	case *command.Redeem:
		return p.vault.Redeem(c.Shares, c.Receiver, c.Owner, ref)

	case *command.TransferShares:
		if c.Spender != nil {
			return p.vault.Shares().TransferFrom(*c.Spender, c.From, c.To, c.Shares)
		}
		return p.vault.Shares().Transfer(c.From, c.To, c.Shares)

	case *command.ApproveShares:
		return p.vault.Shares().Approve(c.Owner, c.Spender, c.Shares)

	case *command.PriceUpdate:
		return p.handlePriceUpdate(c)

	case *command.YieldAccrued:
		return p.handleYieldAccrued(c, ref, ts)

	case *command.Rebalance:
		res, err := p.engine.ExecuteBatch(c.Ops, ref, ts)
		if err != nil {
			if p.metrics != nil {
				p.metrics.BatchesRolledBack.WithLabelValues(rejectReason(err)).Inc()
			}
			return err
		}
		if p.metrics != nil {
			p.metrics.BatchesExecuted.Inc()
			p.metrics.BatchOps.Observe(float64(len(c.Ops)))
			p.metrics.BatchDeviation.Observe(float64(res.Deviation) / 1e18)
			if n := countAdvances(c.Ops); n > 0 {
				p.metrics.AdvancesDrawn.Add(float64(n))
			}
		}
		return nil

	case *command.AddPosition:
		return p.handleAddPosition(c)

	case *command.RemovePosition:
		return p.vault.RemovePosition(c.Index, c.IsDebt)

	case *command.SetHoldingPosition:
		return p.vault.SetHoldingPosition(c.PositionID)

	case *command.SetRebalanceDeviation:
		return p.vault.SetRebalanceDeviation(c.Bound)

	default:
		return errs.Configuration("dispatch", fmt.Errorf("unknown command type %T", cmd))
	}
}

func countAdvances(ops []rebalance.Op) int {
	n := 0
	for _, op := range ops {
		if op.Kind == rebalance.OpAdvance {
			n++
		}
		n += countAdvances(op.Sub)
	}
	return n
}

func (p *Processor) handlePriceUpdate(c *command.PriceUpdate) error {
	asset, ok := p.assets.BySymbol(c.Asset)
	if !ok {
		return errs.Configuration("price update", fmt.Errorf("unknown asset %q", c.Asset))
	}
	price, err := decimal.NewFromString(c.Price)
	if err != nil {
		return errs.Configuration("price update", fmt.Errorf("bad price %q: %w", c.Price, err))
	}
	return p.feed.SetPrice(asset, price)
}

func (p *Processor) handleYieldAccrued(c *command.YieldAccrued, ref string, ts int64) error {
	asset, ok := p.assets.BySymbol(c.Asset)
	if !ok {
		return errs.Configuration("yield accrual", fmt.Errorf("unknown asset %q", c.Asset))
	}
	m, err := p.markets.Get(c.Market)
	if err != nil {
		return err
	}
	return m.AccrueSupplyYield(p.vault.ID(), asset, c.Amount, ref, ts)
}

func (p *Processor) handleAddPosition(c *command.AddPosition) error {
	adaptorID, err := p.catalog.FindAdaptor(c.AdaptorName)
	if err != nil {
		return err
	}
	id, err := p.catalog.TrustPosition(adaptorID, c.Config)
	if err != nil {
		return err
	}
	return p.vault.AddPosition(c.Index, id, c.Config, c.IsDebt)
}

// touchedShares reads the post-command balances of the holders a
// command can move shares for.
func (p *Processor) touchedShares(cmd command.Command) []ShareBalance {
	var holders []uuid.UUID
	switch c := cmd.(type) {
	case *command.Deposit:
		holders = []uuid.UUID{c.Receiver}
	case *command.Withdraw:
		holders = []uuid.UUID{c.Owner}
	case *command.Redeem:
		holders = []uuid.UUID{c.Owner}
	case *command.TransferShares:
		holders = []uuid.UUID{c.From, c.To}
	default:
		return nil
	}

	shares := p.vault.Shares()
	out := make([]ShareBalance, 0, len(holders))
	for _, h := range holders {
		out = append(out, ShareBalance{
			Holder:      h,
			Balance:     shares.BalanceOf(h),
			LockedUntil: shares.LockedUntil(h),
		})
	}
	return out
}

// currentPositions renders the active position lists, credits first.
func (p *Processor) currentPositions() []PositionInfo {
	holding := p.vault.HoldingID()
	credits := p.vault.CreditPositions()
	debts := p.vault.DebtPositions()
	out := make([]PositionInfo, 0, len(credits)+len(debts))
	for i, pos := range credits {
		out = append(out, PositionInfo{
			ID:      uint32(pos.ID),
			Index:   i,
			Adaptor: pos.Entry.Adaptor.Name(),
			Asset:   pos.Entry.Config.Asset.Symbol,
			Market:  pos.Entry.Config.Market,
			Holding: pos.ID == holding,
		})
	}
	for i, pos := range debts {
		out = append(out, PositionInfo{
			ID:      uint32(pos.ID),
			Index:   i,
			Adaptor: pos.Entry.Adaptor.Name(),
			Asset:   pos.Entry.Config.Asset.Symbol,
			Market:  pos.Entry.Config.Market,
			IsDebt:  true,
		})
	}
	return out
}

// computeStateDigest builds canonical bytes over the accounts this
// command touched.
func (p *Processor) computeStateDigest(journals []custody.Journal) []byte {
	affected := make(map[custody.AccountKey]bool)
	for _, j := range journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]custody.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, p.book.Balance(key))
	}

	// Shares are state too: fold the supply in so a pure share transfer
	// still moves the hash chain.
	digest = appendInt64LE(digest, p.vault.Shares().TotalShares())

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants panics on double-entry corruption. A broken book
// means every downstream valuation is garbage; crashing is the only
// safe response.
func (p *Processor) postCheckInvariants() {
	if p.sequence%1000 != 0 {
		return
	}
	if err := p.book.ValidateZeroSum(); err != nil {
		panic(fmt.Sprintf("FATAL: custody book out of balance at seq %d: %v", p.sequence, err))
	}
}

func (p *Processor) updateVaultGauges() {
	p.metrics.ShareSupply.Set(float64(p.vault.Shares().TotalShares()))
	if total, err := p.vault.TotalAssets(); err == nil {
		p.metrics.TotalAssets.Set(float64(total))
	}
	if withdrawable, err := p.vault.TotalAssetsWithdrawable(); err == nil {
		p.metrics.WithdrawableAssets.Set(float64(withdrawable))
	}
	p.metrics.ActivePositions.WithLabelValues("credit").Set(float64(len(p.vault.CreditPositions())))
	p.metrics.ActivePositions.WithLabelValues("debt").Set(float64(len(p.vault.DebtPositions())))
	if p.vault.Unsafe() {
		p.metrics.OracleUnsafe.Set(1)
	} else {
		p.metrics.OracleUnsafe.Set(0)
	}
}

// GetSequence returns the next sequence the core will assign.
func (p *Processor) GetSequence() int64 {
	return p.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (p *Processor) GetStateHash() [32]byte {
	return p.hasher.GetPrevHash()
}

// ReplayCommand re-applies a command loaded from the operation log
// during startup recovery. The log only holds commands that applied
// successfully, so this skips deduplication (every logged command is a
// known duplicate by definition) and emits nothing downstream — the
// rows are already persisted. Any error here means the log and the
// code disagree on semantics, which is fatal for the caller.
func (p *Processor) ReplayCommand(cmd command.Command) error {
	cmdType := cmd.Type().String()
	key := cmd.IdempotencyKey()

	if price, ok := cmd.(*command.PriceUpdate); ok {
		if err := p.sequenceValidator.ValidatePriceSequence(price.Asset, price.PriceSequence); err != nil {
			return fmt.Errorf("replay %s: %w", cmdType, err)
		}
	} else {
		if err := p.sequenceValidator.ValidateSequence(cmd.Partition(), cmd.SourceSequence(), key, false); err != nil {
			return fmt.Errorf("replay %s: %w", cmdType, err)
		}
	}

	p.clock.Advance(cmd.OccurredAt())

	if err := p.dispatch(cmd); err != nil {
		p.book.Drain()
		return fmt.Errorf("replay %s at seq %d: %w", cmdType, p.sequence, err)
	}

	journals := p.book.Drain()
	p.hasher.ComputeHash(p.sequence, p.computeStateDigest(journals))
	p.sequence++
	p.idempotency.MarkProcessed(cmdType, key)

	if p.metrics != nil {
		p.metrics.ReplayCommandsTotal.Inc()
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache so a restart
// does not cold-path every recent duplicate to the database.
func (p *Processor) WarmLRU(keys []string) {
	p.idempotency.lru.WarmFromKeys(keys)
}
