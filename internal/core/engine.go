package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LendLedger/internal/bank"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"
)

// MaxFee caps the protocol fee at 25% of accrued interest.
const MaxFee int64 = 250_000_000_000_000_000

// Output is what the engine emits per applied operation: the envelope for
// the event log, the journal batch for the value ledger, and the state
// digest the hash covers.
type Output struct {
	Envelope   *event.Envelope
	Batch      *bank.Batch
	StateDelta []byte
}

// Engine is the single-threaded operation processor. One goroutine feeds
// it; collaborator callbacks run synchronously and may re-enter engine
// methods. Atomicity is snapshot-based: every top-level operation captures
// the store and value ledger on entry and restores them on any failure,
// which also undoes nested re-entrant operations.
//
// The engine never reads the wall clock; time is an injected, versioned
// input.
type Engine struct {
	owner  uuid.UUID
	store  *state.Store
	mover  TokenMover
	assets *bank.AssetRegistry
	rates  RateModels
	prices PriceFeeds

	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker

	depth   int
	pending []Output
	nextRef string

	persistChan    chan<- Output
	projectionChan chan<- Output
	publishChan    chan<- Output

	metrics *observability.Metrics
	log     zerolog.Logger

	now func() int64
}

// Config wires an Engine. Clock is required; channels and metrics are
// optional (tests run without them).
type Config struct {
	Owner          uuid.UUID
	Store          *state.Store
	Mover          TokenMover
	Assets         *bank.AssetRegistry
	RateModels     RateModels
	PriceFeeds     PriceFeeds
	Clock          func() int64
	StartSequence  int64
	LRUCapacity    int
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- Output
	ProjectionChan chan<- Output
	PublishChan    chan<- Output
}

func New(cfg Config) *Engine {
	if cfg.LRUCapacity == 0 {
		cfg.LRUCapacity = 1_000_000
	}
	return &Engine{
		owner:          cfg.Owner,
		store:          cfg.Store,
		mover:          cfg.Mover,
		assets:         cfg.Assets,
		rates:          cfg.RateModels,
		prices:         cfg.PriceFeeds,
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		publishChan:    cfg.PublishChan,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		now:            cfg.Clock,
	}
}

// --- operation bracket ---

// opGuard captures everything an operation can mutate. Restoring it rolls
// back the store, the value ledger, the sequence, the hash-chain tip, and
// any envelopes staged by the operation or its re-entrant children.
type opGuard struct {
	start      time.Time
	opName     string
	store      *state.Snapshot
	mover      bank.MoverSnapshot
	sequence   int64
	hashTip    [32]byte
	pendingLen int
}

func (e *Engine) begin(opName string) *opGuard {
	e.depth++
	return &opGuard{
		start:      time.Now(),
		opName:     opName,
		store:      e.store.Snapshot(),
		mover:      e.mover.Snapshot(),
		sequence:   e.sequence,
		hashTip:    e.hasher.GetPrevHash(),
		pendingLen: len(e.pending),
	}
}

// end closes the bracket opened by begin. On error it restores the guard;
// on success at depth zero it flushes staged outputs downstream.
func (e *Engine) end(g *opGuard, errp *error) {
	e.depth--

	if *errp != nil {
		e.store.Restore(g.store)
		e.mover.Restore(g.mover)
		e.sequence = g.sequence
		e.hasher.SetPrevHash(g.hashTip)
		e.pending = e.pending[:g.pendingLen]
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(g.opName, "error").Inc()
		}
		return
	}

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(g.opName).Inc()
		e.metrics.OpDuration.WithLabelValues(g.opName).Observe(time.Since(g.start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}

	if e.depth == 0 {
		e.flushPending()
	}
}

// flushPending emits staged outputs. Persist sends block (backpressure,
// nothing is lost); projection and publish sends drop when full.
// Projections rebuild from the event log, downstream consumers can query
// it directly.
func (e *Engine) flushPending() {
	for _, out := range e.pending {
		if e.persistChan != nil {
			e.persistChan <- out
		}
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- out:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.Inc()
				}
			}
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- out:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
			}
		}
	}
	e.pending = e.pending[:0]
}

// SetNextRef sets the idempotency key the next operation will record.
// Used by the command dispatcher; direct calls get a generated ref.
func (e *Engine) SetNextRef(key string) {
	e.nextRef = key
}

func (e *Engine) takeRef(opName string) string {
	if e.nextRef != "" {
		ref := e.nextRef
		e.nextRef = ""
		return ref
	}
	return fmt.Sprintf("%s:%d", opName, e.sequence)
}

// IsDuplicate consults the two-tier idempotency checker.
func (e *Engine) IsDuplicate(opType, key string) bool {
	dup, tier := e.idempotency.IsDuplicate(opType, key)
	if dup && e.metrics != nil {
		e.metrics.IdempotencyDuplicates.WithLabelValues(opType, tier).Inc()
	}
	return dup
}

// MarkApplied records a processed idempotency key.
func (e *Engine) MarkApplied(opType, key string) {
	e.idempotency.MarkApplied(opType, key)
}

// digester is anything contributing canonical bytes to a state digest.
type digester interface {
	CanonicalBytes() []byte
}

func (e *Engine) stateDigest(parts ...digester) []byte {
	digest := make([]byte, 0, len(parts)*48)
	for _, p := range parts {
		digest = append(digest, p.CanonicalBytes()...)
	}
	return digest
}

// emit stages one envelope plus the journals drained from the value
// ledger. Envelopes only leave the engine when the outermost operation
// commits.
func (e *Engine) emit(op event.OpType, ref string, marketID *state.MarketID, ts int64, payload interface{}, digest []byte) {
	seq := e.sequence
	e.sequence++

	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, digest)

	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s payload: %v", op, err))
	}

	var mid *string
	if marketID != nil {
		s := marketID.String()
		mid = &s
	}

	journals := e.mover.Drain()
	batch := &bank.Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  seq,
		Timestamp: ts,
		Journals:  journals,
	}
	for i := range batch.Journals {
		batch.Journals[i].BatchID = batch.BatchID
		batch.Journals[i].Sequence = seq
		batch.Journals[i].Timestamp = ts
	}
	if err := batch.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}

	e.pending = append(e.pending, Output{
		Envelope: &event.Envelope{
			Sequence:       seq,
			IdempotencyKey: ref,
			OpType:         op,
			MarketID:       mid,
			Timestamp:      ts,
			Payload:        data,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:      batch,
		StateDelta: digest,
	})
}

// --- shared lookups ---

func (e *Engine) market(id state.MarketID) (*state.Market, state.MarketParams, error) {
	m := e.store.Market(id)
	if m == nil {
		return nil, state.MarketParams{}, fmt.Errorf("market %s: %w", id, ErrMarketNotFound)
	}
	params, _ := e.store.Params(id)
	return m, params, nil
}

func (e *Engine) collateralPrice(params state.MarketParams) (int64, error) {
	feed, ok := e.prices.Resolve(params.PriceFeed)
	if !ok {
		return 0, fmt.Errorf("price feed %q: %w", params.PriceFeed, ErrInvalidMarketParams)
	}
	price, err := feed.Price()
	if err != nil {
		return 0, fmt.Errorf("price feed %q: %w", params.PriceFeed, err)
	}
	if price < 0 {
		return 0, fmt.Errorf("price feed %q returned negative price: %w", params.PriceFeed, ErrArithmeticOverflow)
	}
	return price, nil
}

// --- market lifecycle & admin ---

// CreateMarket registers a new isolated market. Parameters are validated
// against the registries; the rate model is invoked once so a broken model
// fails at creation rather than on first accrual.
func (e *Engine) CreateMarket(caller uuid.UUID, params state.MarketParams) (id state.MarketID, err error) {
	g := e.begin("create_market")
	defer e.end(g, &err)

	if caller == uuid.Nil {
		return id, ErrZeroAddress
	}
	if params.LoanAsset == "" || params.CollateralAsset == "" {
		return id, fmt.Errorf("empty asset: %w", ErrInvalidMarketParams)
	}
	// Canonical serialization length-prefixes each name with one byte.
	for _, name := range []string{params.LoanAsset, params.CollateralAsset, params.PriceFeed, params.RateModel} {
		if len(name) > 255 {
			return id, fmt.Errorf("name longer than 255 bytes: %w", ErrInvalidMarketParams)
		}
	}
	if params.LLTV <= 0 || params.LLTV >= fpmath.One {
		return id, fmt.Errorf("lltv %d out of range: %w", params.LLTV, ErrInvalidMarketParams)
	}
	model, ok := e.rates.Resolve(params.RateModel)
	if !ok {
		return id, fmt.Errorf("rate model %q: %w", params.RateModel, ErrInvalidMarketParams)
	}
	if _, ok := e.prices.Resolve(params.PriceFeed); !ok {
		return id, fmt.Errorf("price feed %q: %w", params.PriceFeed, ErrInvalidMarketParams)
	}

	id = params.ID()
	if e.store.Market(id) != nil {
		return id, fmt.Errorf("market %s: %w", id, ErrMarketAlreadyExists)
	}

	ts := e.now()
	ref := e.takeRef("create_market")

	if _, err = e.store.CreateMarket(params, ts); err != nil {
		return id, fmt.Errorf("%v: %w", err, ErrMarketAlreadyExists)
	}

	// Prime the model once with the empty market.
	if _, err = model.BorrowRatePerSecond(params, *e.store.Market(id)); err != nil {
		return id, fmt.Errorf("rate model %q rejected market: %w", params.RateModel, err)
	}

	// The params enter the digest: a creation event with doctored
	// parameters cannot replay against the logged hash.
	e.emit(event.OpTypeMarketCreated, ref, &id, ts, event.MarketCreated{
		MarketID:        id.String(),
		LoanAsset:       params.LoanAsset,
		CollateralAsset: params.CollateralAsset,
		PriceFeed:       params.PriceFeed,
		RateModel:       params.RateModel,
		LLTV:            params.LLTV,
	}, e.stateDigest(params, e.store.Market(id)))

	e.log.Info().Str("market", id.String()).
		Str("loan", params.LoanAsset).Str("collateral", params.CollateralAsset).
		Int64("lltv", params.LLTV).Msg("market created")
	if e.metrics != nil {
		e.metrics.MarketsCreated.Inc()
	}
	return id, nil
}

// SetFee updates a market's fee cut of accrued interest. Owner-only.
// Accrues first so the new fee never applies retroactively.
func (e *Engine) SetFee(caller uuid.UUID, id state.MarketID, fee int64) (err error) {
	g := e.begin("set_fee")
	defer e.end(g, &err)

	if caller != e.owner {
		return ErrUnauthorized
	}
	m, params, err := e.market(id)
	if err != nil {
		return err
	}
	if fee < 0 || fee > MaxFee {
		return fmt.Errorf("fee %d: %w", fee, ErrMaxFeeExceeded)
	}
	if fee > 0 && e.store.FeeRecipient() == uuid.Nil {
		return fmt.Errorf("fee recipient unset: %w", ErrZeroAddress)
	}

	ref := e.takeRef("set_fee")
	if err = e.accrue(id, m, params); err != nil {
		return err
	}
	m.Fee = fee

	e.emit(event.OpTypeFeeSet, ref, &id, e.now(), event.FeeSet{Fee: fee}, e.stateDigest(m))
	return nil
}

// SetFeeRecipient updates the account that fee shares are minted to.
// Owner-only.
func (e *Engine) SetFeeRecipient(caller, recipient uuid.UUID) (err error) {
	g := e.begin("set_fee_recipient")
	defer e.end(g, &err)

	if caller != e.owner {
		return ErrUnauthorized
	}
	if recipient == uuid.Nil {
		return ErrZeroAddress
	}

	ref := e.takeRef("set_fee_recipient")
	e.store.SetFeeRecipient(recipient)
	e.emit(event.OpTypeFeeRecipientSet, ref, nil, e.now(),
		event.FeeRecipientSet{FeeRecipient: recipient.String()}, recipientDigest(recipient))
	return nil
}

// SetAuthorization grants or revokes an operator's right to act on the
// caller's positions.
func (e *Engine) SetAuthorization(caller, operator uuid.UUID, authorized bool) (err error) {
	g := e.begin("set_authorization")
	defer e.end(g, &err)

	if caller == uuid.Nil || operator == uuid.Nil {
		return ErrZeroAddress
	}

	ref := e.takeRef("set_authorization")
	e.store.SetAuthorization(caller, operator, authorized)
	e.emit(event.OpTypeAuthorizationSet, ref, nil, e.now(), event.AuthorizationSet{
		OnBehalf:   caller.String(),
		Operator:   operator.String(),
		Authorized: authorized,
	}, authDigest(caller, operator, authorized))
	return nil
}

// --- funding boundary ---

// DepositFunds credits a user's cash from the external boundary. Funds
// must exist in a user's cash account before any market operation can pull
// them in.
func (e *Engine) DepositFunds(user uuid.UUID, asset string, amount int64) (err error) {
	g := e.begin("deposit_funds")
	defer e.end(g, &err)

	if user == uuid.Nil {
		return ErrZeroAddress
	}
	if amount <= 0 {
		return ErrZeroAmount
	}

	ref := e.takeRef("deposit_funds")
	if err = e.mover.Deposit(user, asset, amount, ref); err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}
	e.emit(event.OpTypeFundsDeposited, ref, nil, e.now(), event.FundsDeposited{
		User: user.String(), Asset: asset, Amount: amount,
	}, fundsDigest(user, asset, amount))
	return nil
}

// WithdrawFunds debits a user's cash out across the external boundary.
func (e *Engine) WithdrawFunds(user uuid.UUID, asset string, amount int64) (err error) {
	g := e.begin("withdraw_funds")
	defer e.end(g, &err)

	if user == uuid.Nil {
		return ErrZeroAddress
	}
	if amount <= 0 {
		return ErrZeroAmount
	}

	ref := e.takeRef("withdraw_funds")
	if err = e.mover.Withdraw(user, asset, amount, ref); err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransferFailed)
	}
	e.emit(event.OpTypeFundsWithdrawn, ref, nil, e.now(), event.FundsWithdrawn{
		User: user.String(), Asset: asset, Amount: amount,
	}, fundsDigest(user, asset, amount))
	return nil
}

// --- accessors ---

// Sequence returns the next sequence the engine will assign.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// StateHash returns the current hash-chain tip.
func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// Store exposes engine state for the command-loop's read requests. Must
// only be touched from the engine goroutine.
func (e *Engine) Store() *state.Store {
	return e.store
}

// --- small digest helpers for global (non-market) operations ---

func recipientDigest(u uuid.UUID) []byte {
	b := [16]byte(u)
	return append([]byte("fee_recipient:"), b[:]...)
}

func authDigest(onBehalf, operator uuid.UUID, authorized bool) []byte {
	a := [16]byte(onBehalf)
	b := [16]byte(operator)
	out := append([]byte("auth:"), a[:]...)
	out = append(out, b[:]...)
	if authorized {
		return append(out, 1)
	}
	return append(out, 0)
}

func fundsDigest(user uuid.UUID, asset string, amount int64) []byte {
	u := [16]byte(user)
	out := append([]byte("funds:"), u[:]...)
	out = append(out, byte(len(asset)))
	out = append(out, []byte(asset)...)
	return appendInt64LE(out, amount)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}
