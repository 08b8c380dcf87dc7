package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ToteLedger/internal/asset"
	"ToteLedger/internal/auth"
	"ToteLedger/internal/event"
	"ToteLedger/internal/observability"
	"ToteLedger/internal/wager"
)

// Engine is the single-threaded command processor. All writes to wagering
// state flow through Run, which serializes them; callers block on a reply
// channel for the synchronous result.
type Engine struct {
	sequence    int64
	hasher      *StateHasher
	registry    *wager.Registry
	balances    *wager.BalanceTracker
	idempotency *IdempotencyChecker
	authority   *auth.Authority
	transferer  asset.Transferer
	metrics     *observability.Metrics
	logger      zerolog.Logger

	// payoutAccount receives withdrawn owner cuts.
	payoutAccount string

	// lruEvictions is the last reported eviction count, for delta export.
	lruEvictions int64

	persistChan    chan<- Output
	projectionChan chan<- Output
	publishChan    chan<- Notice
	snapshotReq    chan snapshotRequest
}

// Output is the audit product of one applied command.
type Output struct {
	Envelope *event.Envelope
	Batch    *wager.Batch // nil when the command moved no assets
	Notices  []Notice
}

// Notice is an outbound lifecycle notification for downstream consumers.
type Notice struct {
	Kind      string    `json:"kind"`
	EventCode string    `json:"event_code"`
	Holder    string    `json:"holder,omitempty"`
	Side      int       `json:"side,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notice kinds.
const (
	NoticeEventInitialized  = "EventInitialized"
	NoticeDepositAccepted   = "DepositAccepted"
	NoticeSaleEnded         = "SaleEnded"
	NoticeWinnerSelected    = "WinnerSelected"
	NoticeEventCancelled    = "EventCancelled"
	NoticeRewardPaid        = "RewardPaid"
	NoticeRefundPaid        = "RefundPaid"
	NoticeOwnerCutWithdrawn = "OwnerCutWithdrawn"
)

// Receipt summarizes one distribution or refund page.
type Receipt struct {
	Paid           int   `json:"paid"`
	PaidAmount     int64 `json:"paid_amount"`
	AlreadyClaimed int   `json:"already_claimed"`
	Failed         int   `json:"failed"`
	Remaining      int   `json:"remaining"`
}

// Result is returned to the submitter of a command.
type Result struct {
	Receipt *Receipt
	Err     error
}

// Submission pairs a command with its reply channel. Reply must be buffered
// (capacity 1) so the engine never blocks on a departed caller.
type Submission struct {
	Cmd   event.Command
	Reply chan Result
}

// snapshotRequest asks the engine goroutine to capture its state. Registry
// and balances are owned by that goroutine, so snapshots must be taken there.
type snapshotRequest struct {
	reply chan *SnapshotState
}

type Config struct {
	StartSequence    int64
	DedupLRUCapacity int
	PayoutAccount    string
}

func NewEngine(
	cfg Config,
	authority *auth.Authority,
	transferer asset.Transferer,
	dbChecker DBIdempotencyChecker,
	persistChan, projectionChan chan<- Output,
	publishChan chan<- Notice,
	metrics *observability.Metrics,
) *Engine {
	capacity := cfg.DedupLRUCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		registry:       wager.NewRegistry(),
		balances:       wager.NewBalanceTracker(),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker, metrics),
		authority:      authority,
		transferer:     transferer,
		metrics:        metrics,
		logger:         observability.NewLogger("engine"),
		payoutAccount:  cfg.PayoutAccount,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		publishChan:    publishChan,
		snapshotReq:    make(chan snapshotRequest),
	}
}

// Run drains submissions until the context is cancelled. This is the only
// goroutine that touches registry and balances.
func (e *Engine) Run(ctx context.Context, submissions <-chan Submission) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-submissions:
			if !ok {
				return
			}
			receipt, err := e.ProcessCommand(ctx, sub.Cmd)
			if sub.Reply != nil {
				sub.Reply <- Result{Receipt: receipt, Err: err}
			}
		case req := <-e.snapshotReq:
			req.reply <- e.CreateSnapshotState()
		}
	}
}

// RequestSnapshot captures engine state via the engine goroutine. Blocks
// until the engine reaches a command boundary or the context is cancelled.
func (e *Engine) RequestSnapshot(ctx context.Context) (*SnapshotState, error) {
	req := snapshotRequest{reply: make(chan *SnapshotState, 1)}
	select {
	case e.snapshotReq <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessCommand is the main processing pipeline:
// dedup -> authorize -> dispatch -> apply journals -> hash -> emit -> mark.
func (e *Engine) ProcessCommand(ctx context.Context, cmd event.Command) (*Receipt, error) {
	start := time.Now()
	cmdType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if isDup, tier := e.idempotency.IsDuplicate(cmdType, idempotencyKey); isDup {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(cmdType, "duplicate").Inc()
			e.metrics.IdempotencyDuplicates.WithLabelValues(cmdType, tier).Inc()
		}
		e.logger.Debug().
			Str("command_type", cmdType).
			Str("idempotency_key", idempotencyKey).
			Str("tier", tier).
			Msg("duplicate command skipped")
		return nil, nil
	}

	// Step 2: Dispatch
	res, err := e.dispatch(ctx, cmd)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(cmdType, rejectReason(err)).Inc()
		}
		return nil, err
	}

	// Step 3: Validate and apply the journal batch
	if res.batch != nil && len(res.batch.Journals) > 0 {
		if err := e.balances.ApplyBatch(res.batch); err != nil {
			// The handlers build batches from amounts they just computed, so
			// an invalid batch is a bug, not an input error.
			e.logger.Error().Err(err).Str("command_type", cmdType).Msg("journal batch rejected")
			return nil, err
		}
		if err := e.balances.ValidatePoolNonNegative(cmd.EventCode()); err != nil {
			e.logger.Error().Err(err).Str("event_code", cmd.EventCode()).Msg("pool overdrawn after batch")
			return nil, err
		}
		if e.metrics != nil {
			for _, j := range res.batch.Journals {
				e.metrics.JournalsWritten.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	// Step 4: Compute state digest and chain hash over the affected event
	hashStart := time.Now()
	stateDigest := e.computeStateDigest(res.eventRecord)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 5: Build the audit envelope
	payload, _ := json.Marshal(cmd)
	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		EventCode:      cmd.EventCode(),
		Actor:          cmd.Actor(),
		Timestamp:      cmd.OccurredAt(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	output := Output{
		Envelope: envelope,
		Batch:    res.batch,
		Notices:  res.notices,
	}

	// Step 6: Emit outputs.
	// Persistence: blocking send — the engine stalls until the writer drains,
	// so no applied command is ever lost.
	select {
	case e.persistChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.PersistBackpressure.Inc()
		}
		e.persistChan <- output
	}

	// Projections: non-blocking send — drop on full. Projection workers can
	// rebuild from the command log if they fall behind.
	select {
	case e.projectionChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.ProjectionDrops.Inc()
		}
	}

	// Outbound notices: non-blocking, informational only.
	for _, n := range res.notices {
		select {
		case e.publishChan <- n:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 7: Mark as processed (add to LRU)
	e.idempotency.MarkProcessed(cmdType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
		e.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.lru.Size()))
		if ev := e.idempotency.lru.Evictions(); ev > e.lruEvictions {
			e.metrics.DedupLRUEvictions.Add(float64(ev - e.lruEvictions))
			e.lruEvictions = ev
		}
	}

	return res.receipt, nil
}

// dispatchResult carries everything a handler produced.
type dispatchResult struct {
	batch       *wager.Batch
	notices     []Notice
	receipt     *Receipt
	eventRecord *wager.Event // affected record, for the state digest
}

func (e *Engine) dispatch(ctx context.Context, cmd event.Command) (*dispatchResult, error) {
	switch c := cmd.(type) {
	case *event.InitializeEvent:
		return e.handleInitializeEvent(c)
	case *event.Deposit:
		return e.handleDeposit(ctx, c)
	case *event.EndSale:
		return e.handleEndSale(c)
	case *event.SelectWinner:
		return e.handleSelectWinner(c)
	case *event.CancelEvent:
		return e.handleCancelEvent(c)
	case *event.DistributeRewards:
		return e.handleDistributeRewards(ctx, c)
	case *event.RefundTokens:
		return e.handleRefundTokens(ctx, c)
	case *event.WithdrawOwnerCut:
		return e.handleWithdrawOwnerCut(ctx, c)
	default:
		return nil, errors.New("unknown command type")
	}
}

// computeStateDigest hashes the affected event record. InitializeEvent and
// later commands all touch exactly one record, so chaining per-record digests
// still commits to every state change in order.
func (e *Engine) computeStateDigest(record *wager.Event) []byte {
	if record == nil {
		return nil
	}
	return record.Digest()
}

// rejectReason maps a taxonomy error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, wager.ErrNotFound):
		return "not_found"
	case errors.Is(err, wager.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, wager.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, wager.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, wager.ErrAlreadyDone):
		return "already_done"
	case errors.Is(err, wager.ErrTransferFailed):
		return "transfer_failed"
	default:
		return "internal"
	}
}

// --- Snapshot & Startup ---

// BalanceSnapshot is one journal account balance in serializable form.
type BalanceSnapshot struct {
	Scope   uint8  `json:"scope"`
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       [32]byte              `json:"state_hash"`
	Events          []wager.EventSnapshot `json:"events"`
	Balances        []BalanceSnapshot     `json:"balances"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	balances := e.balances.Snapshot()
	bals := make([]BalanceSnapshot, 0, len(balances))
	for key, bal := range balances {
		bals = append(bals, BalanceSnapshot{Scope: uint8(key.Scope), ID: key.ID, Balance: bal})
	}

	return &SnapshotState{
		Sequence:        e.sequence - 1, // Last processed sequence
		StateHash:       e.hasher.GetPrevHash(),
		Events:          e.registry.Snapshot(),
		Balances:        bals,
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot restores the engine's in-memory state. On warm restart
// the caller loads the latest snapshot, restores, then replays the command
// log past the snapshot sequence.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.sequence = snap.Sequence + 1 // Next sequence to assign
	e.hasher.SetPrevHash(snap.StateHash)
	e.registry.Restore(snap.Events)

	e.balances = wager.NewBalanceTracker()
	for _, b := range snap.Balances {
		e.balances.SetBalance(wager.AccountKey{Scope: wager.AccountScope(b.Scope), ID: b.ID}, b.Balance)
	}

	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// ReplayCommand re-applies a logged command during startup recovery. Dedup
// checks and output emission are skipped: every logged command is unique and
// already persisted. The caller must install a replay transferer first so
// external transfers resolve to their recorded outcomes instead of moving
// assets again.
func (e *Engine) ReplayCommand(ctx context.Context, cmd event.Command) error {
	res, err := e.dispatch(ctx, cmd)
	if err != nil {
		return err
	}

	if res.batch != nil && len(res.batch.Journals) > 0 {
		if err := e.balances.ApplyBatch(res.batch); err != nil {
			return err
		}
	}

	digest := e.computeStateDigest(res.eventRecord)
	e.hasher.ComputeHash(e.sequence, digest)
	e.sequence++

	e.idempotency.MarkProcessed(cmd.CommandType().String(), cmd.IdempotencyKey())
	return nil
}

// SetTransferer swaps the asset transferer. Only legal before Run starts;
// used to switch from the replay transferer to the live one.
func (e *Engine) SetTransferer(t asset.Transferer) {
	e.transferer = t
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// Registry exposes the event registry. Only safe from the engine goroutine
// or before Run starts; read serving goes through the projection tables.
func (e *Engine) Registry() *wager.Registry {
	return e.registry
}

// Balances exposes the journal-derived balance view. Same access rules as
// Registry.
func (e *Engine) Balances() *wager.BalanceTracker {
	return e.balances
}
