// Package amm quotes and executes AVGX mint and redeem operations against the
// current index price, applying fee and spread adjustments with slippage
// protection and atomic multi-party settlement.
package amm

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parkeqpapa/avgx-backend-v3/auth"
	"github.com/parkeqpapa/avgx-backend-v3/fixedmath"
	"github.com/parkeqpapa/avgx-backend-v3/guard"
	"github.com/parkeqpapa/avgx-backend-v3/observability"
)

var (
	// ErrInvalidAmount indicates a zero or nil input amount.
	ErrInvalidAmount = errors.New("amm: invalid amount")
	// ErrInvalidRecipient indicates a zero recipient address.
	ErrInvalidRecipient = errors.New("amm: invalid recipient")
	// ErrSlippageExceeded indicates a quote outside the caller-specified bound.
	ErrSlippageExceeded = errors.New("amm: slippage exceeded")
	// ErrInsufficientLiquidity indicates the vault cannot cover the payout.
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	// ErrInvalidParams indicates out-of-range fee or spread, or zero addresses.
	ErrInvalidParams = errors.New("amm: invalid params")
	// ErrReentrantCall indicates a nested entry into mint or redeem.
	ErrReentrantCall = errors.New("amm: reentrant call")
)

// BpsScale is the basis point denominator for fees and spreads.
const BpsScale = 10_000

// Params is the engine parameter singleton. UpdateParams replaces it
// wholesale.
type Params struct {
	FeeBps       uint64
	SpreadBps    uint64
	FeeRecipient ethcommon.Address
	Treasury     ethcommon.Address
}

// Validate checks fee and spread bounds and recipient addresses.
func (p Params) Validate() error {
	if p.FeeBps > BpsScale || p.SpreadBps > BpsScale {
		return ErrInvalidParams
	}
	if p.FeeRecipient == (ethcommon.Address{}) || p.Treasury == (ethcommon.Address{}) {
		return ErrInvalidParams
	}
	return nil
}

// MintQuote prices a base-for-AVGX swap.
type MintQuote struct {
	IndexPrice     *uint256.Int
	EffectivePrice *uint256.Int
	Fee            *uint256.Int
	AvgxOut        *uint256.Int
}

// RedeemQuote prices an AVGX-for-base swap. BaseOut is the quoted output;
// the executed payout additionally carries the fee deduction.
type RedeemQuote struct {
	IndexPrice     *uint256.Int
	EffectivePrice *uint256.Int
	GrossBase      *uint256.Int
	Fee            *uint256.Int
	BaseOut        *uint256.Int
}

// IndexSource supplies the current index price. Quotes must stay available
// while the system is paused, so the source must not consult the pause switch.
type IndexSource interface {
	IndexValue(ctx context.Context) (*uint256.Int, error)
}

// Ledger is the AVGX token surface the engine needs. The engine passes its
// own authority address as the caller.
type Ledger interface {
	Mint(caller, to ethcommon.Address, amount *uint256.Int) error
	BurnFrom(caller, holder ethcommon.Address, amount *uint256.Int) error
}

// Liquidity is the base asset vault surface the engine needs.
type Liquidity interface {
	Deposit(from ethcommon.Address, amount *uint256.Int) error
	Withdraw(to ethcommon.Address, amount *uint256.Int) error
	Transfer(from, to ethcommon.Address, amount *uint256.Int) error
	Balance() *uint256.Int
}

// ParamStore persists the parameter singleton.
type ParamStore interface {
	SaveParams(params Params) error
}

// SwapRecord is one executed operation for the audit trail.
type SwapRecord struct {
	Operation  string
	Account    ethcommon.Address
	Recipient  ethcommon.Address
	AmountIn   *uint256.Int
	AmountOut  *uint256.Int
	Fee        *uint256.Int
	IndexPrice *uint256.Int
	CreatedAt  time.Time
}

// Recorder receives executed swaps. Recording is best effort; a failed insert
// is logged and does not roll back the swap.
type Recorder interface {
	RecordSwap(record SwapRecord) error
}

// Engine executes mint and redeem flows. A busy flag rejects nested entry for
// the duration of an execution; overlapping top-level calls are rejected the
// same way, matching the serialized execution model the settlement steps
// assume.
type Engine struct {
	mu        sync.RWMutex
	busy      atomic.Bool
	index     IndexSource
	ledger    Ledger
	vault     Liquidity
	roles     auth.Registry
	pause     guard.PauseView
	authority ethcommon.Address
	params    Params
	store     ParamStore
	recorder  Recorder
	clock     func() time.Time
	log       *slog.Logger
	metrics   *observability.AMMMetrics
	tracer    trace.Tracer
}

// NewEngine constructs an engine with the supplied parameters. The authority
// address is the identity the engine presents to the token ledger as minter.
func NewEngine(index IndexSource, ledger Ledger, vault Liquidity, roles auth.Registry, pause guard.PauseView, authority ethcommon.Address, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		index:     index,
		ledger:    ledger,
		vault:     vault,
		roles:     roles,
		pause:     pause,
		authority: authority,
		params:    params,
		clock:     time.Now,
		log:       slog.Default(),
		metrics:   observability.AMM(),
		tracer:    otel.Tracer("avgxd/amm"),
	}, nil
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// WithLogger overrides the engine logger.
func (e *Engine) WithLogger(log *slog.Logger) {
	if e == nil || log == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = log
}

// WithStore wires parameter persistence. A non-nil restored value replaces
// the constructor parameters.
func (e *Engine) WithStore(store ParamStore, restored *Params) error {
	if e == nil {
		return errors.New("amm: engine not configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
	if restored != nil {
		if err := restored.Validate(); err != nil {
			return err
		}
		e.params = *restored
	}
	return nil
}

// WithRecorder wires the audit trail.
func (e *Engine) WithRecorder(recorder Recorder) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = recorder
}

// Authority returns the engine's minter identity.
func (e *Engine) Authority() ethcommon.Address {
	return e.authority
}

// Params returns a copy of the current parameters.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParams replaces the parameter singleton wholesale.
func (e *Engine) UpdateParams(caller ethcommon.Address, params Params) error {
	if e == nil {
		return errors.New("amm: engine not configured")
	}
	if err := auth.Require(e.roles, auth.RoleGovernor, caller); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.params
	e.params = params
	if e.store != nil {
		if err := e.store.SaveParams(params); err != nil {
			e.params = prev
			return err
		}
	}
	return nil
}

// QuoteMint prices a mint without mutating state. Callable while paused.
func (e *Engine) QuoteMint(ctx context.Context, baseIn *uint256.Int) (*MintQuote, error) {
	if baseIn == nil || baseIn.IsZero() {
		return nil, ErrInvalidAmount
	}
	index, err := e.index.IndexValue(ctx)
	if err != nil {
		return nil, err
	}
	return e.quoteMint(baseIn, index, e.Params())
}

// QuoteRedeem prices a redeem without mutating state. Callable while paused.
func (e *Engine) QuoteRedeem(ctx context.Context, avgxIn *uint256.Int) (*RedeemQuote, error) {
	if avgxIn == nil || avgxIn.IsZero() {
		return nil, ErrInvalidAmount
	}
	index, err := e.index.IndexValue(ctx)
	if err != nil {
		return nil, err
	}
	return e.quoteRedeem(avgxIn, index, e.Params())
}

func (e *Engine) quoteMint(baseIn, index *uint256.Int, params Params) (*MintQuote, error) {
	fee, err := bpsShare(baseIn, params.FeeBps)
	if err != nil {
		return nil, err
	}
	spread, err := bpsShare(index, params.SpreadBps)
	if err != nil {
		return nil, err
	}
	effective, overflow := new(uint256.Int).AddOverflow(index, spread)
	if overflow {
		return nil, fixedmath.ErrOverflow
	}
	net := new(uint256.Int).Sub(baseIn, fee)
	avgxOut, err := fixedmath.Div(net, effective)
	if err != nil {
		return nil, err
	}
	return &MintQuote{
		IndexPrice:     index,
		EffectivePrice: effective,
		Fee:            fee,
		AvgxOut:        avgxOut,
	}, nil
}

func (e *Engine) quoteRedeem(avgxIn, index *uint256.Int, params Params) (*RedeemQuote, error) {
	spread, err := bpsShare(index, params.SpreadBps)
	if err != nil {
		return nil, err
	}
	effective := new(uint256.Int).Sub(index, spread)
	gross, err := fixedmath.Mul(avgxIn, effective)
	if err != nil {
		return nil, err
	}
	fee, err := bpsShare(gross, params.FeeBps)
	if err != nil {
		return nil, err
	}
	baseOut := new(uint256.Int).Sub(gross, fee)
	return &RedeemQuote{
		IndexPrice:     index,
		EffectivePrice: effective,
		GrossBase:      gross,
		Fee:            fee,
		BaseOut:        baseOut,
	}, nil
}

// MintWithBase takes baseIn of base asset from the caller, distributes the
// fee, and mints the quoted AVGX to the recipient. Either every transfer
// lands or none does.
func (e *Engine) MintWithBase(ctx context.Context, caller ethcommon.Address, baseIn, minAvgxOut *uint256.Int, to ethcommon.Address) (*MintQuote, error) {
	if e == nil {
		return nil, errors.New("amm: engine not configured")
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	defer e.busy.Store(false)

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "amm.mint")
	defer span.End()
	quote, err := e.executeMint(ctx, caller, baseIn, minAvgxOut, to)
	e.metrics.Observe("mint", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.metrics.RecordVolume("mint", baseUnits(baseIn))
	span.SetAttributes(attribute.String("amm.avgx_out", fixedmath.ToDecimal(quote.AvgxOut)))
	span.SetStatus(codes.Ok, "mint executed")
	return quote, nil
}

func (e *Engine) executeMint(ctx context.Context, caller ethcommon.Address, baseIn, minAvgxOut *uint256.Int, to ethcommon.Address) (*MintQuote, error) {
	if baseIn == nil || baseIn.IsZero() {
		return nil, ErrInvalidAmount
	}
	if to == (ethcommon.Address{}) {
		return nil, ErrInvalidRecipient
	}
	if err := guard.Check(e.pause); err != nil {
		return nil, err
	}
	index, err := e.index.IndexValue(ctx)
	if err != nil {
		return nil, err
	}
	params := e.Params()
	quote, err := e.quoteMint(baseIn, index, params)
	if err != nil {
		return nil, err
	}
	if minAvgxOut != nil && quote.AvgxOut.Lt(minAvgxOut) {
		return nil, ErrSlippageExceeded
	}

	net := new(uint256.Int).Sub(baseIn, quote.Fee)
	half := new(uint256.Int).Div(quote.Fee, uint256.NewInt(2))
	rest := new(uint256.Int).Sub(quote.Fee, half)

	if !net.IsZero() {
		if err := e.vault.Deposit(caller, net); err != nil {
			return nil, err
		}
	}
	undoDeposit := func() {
		if net.IsZero() {
			return
		}
		e.compensate("mint deposit", e.vault.Withdraw(caller, net))
	}
	if !half.IsZero() {
		if err := e.vault.Transfer(caller, params.FeeRecipient, half); err != nil {
			undoDeposit()
			return nil, err
		}
	}
	undoHalf := func() {
		if half.IsZero() {
			return
		}
		e.compensate("mint fee", e.vault.Transfer(params.FeeRecipient, caller, half))
	}
	if !rest.IsZero() {
		if err := e.vault.Transfer(caller, params.Treasury, rest); err != nil {
			undoHalf()
			undoDeposit()
			return nil, err
		}
	}
	if err := e.ledger.Mint(e.authority, to, quote.AvgxOut); err != nil {
		if !rest.IsZero() {
			e.compensate("mint treasury fee", e.vault.Transfer(params.Treasury, caller, rest))
		}
		undoHalf()
		undoDeposit()
		return nil, err
	}
	e.record(SwapRecord{
		Operation:  "mint",
		Account:    caller,
		Recipient:  to,
		AmountIn:   baseIn.Clone(),
		AmountOut:  quote.AvgxOut.Clone(),
		Fee:        quote.Fee.Clone(),
		IndexPrice: quote.IndexPrice.Clone(),
		CreatedAt:  e.now(),
	})
	return quote, nil
}

// RedeemForBase burns avgxIn from the caller and pays out base asset from the
// vault. The payout is the quoted BaseOut less the fee; the fee itself is
// also drawn from the vault and split between the fee recipient and treasury.
func (e *Engine) RedeemForBase(ctx context.Context, caller ethcommon.Address, avgxIn, minBaseOut *uint256.Int, to ethcommon.Address) (*RedeemQuote, error) {
	if e == nil {
		return nil, errors.New("amm: engine not configured")
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	defer e.busy.Store(false)

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "amm.redeem")
	defer span.End()
	quote, err := e.executeRedeem(ctx, caller, avgxIn, minBaseOut, to)
	e.metrics.Observe("redeem", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.metrics.RecordVolume("redeem", baseUnits(quote.BaseOut))
	span.SetAttributes(attribute.String("amm.base_out", fixedmath.ToDecimal(quote.BaseOut)))
	span.SetStatus(codes.Ok, "redeem executed")
	return quote, nil
}

func (e *Engine) executeRedeem(ctx context.Context, caller ethcommon.Address, avgxIn, minBaseOut *uint256.Int, to ethcommon.Address) (*RedeemQuote, error) {
	if avgxIn == nil || avgxIn.IsZero() {
		return nil, ErrInvalidAmount
	}
	if to == (ethcommon.Address{}) {
		return nil, ErrInvalidRecipient
	}
	if err := guard.Check(e.pause); err != nil {
		return nil, err
	}
	index, err := e.index.IndexValue(ctx)
	if err != nil {
		return nil, err
	}
	params := e.Params()
	quote, err := e.quoteRedeem(avgxIn, index, params)
	if err != nil {
		return nil, err
	}
	if minBaseOut != nil && quote.BaseOut.Lt(minBaseOut) {
		return nil, ErrSlippageExceeded
	}

	payout, underflow := new(uint256.Int).SubOverflow(quote.BaseOut, quote.Fee)
	if underflow {
		return nil, fixedmath.ErrOverflow
	}
	if e.vault.Balance().Lt(payout) {
		return nil, ErrInsufficientLiquidity
	}
	half := new(uint256.Int).Div(quote.Fee, uint256.NewInt(2))
	rest := new(uint256.Int).Sub(quote.Fee, half)

	if err := e.ledger.BurnFrom(e.authority, caller, avgxIn); err != nil {
		return nil, err
	}
	undoBurn := func() {
		e.compensate("redeem burn", e.ledger.Mint(e.authority, caller, avgxIn))
	}
	if !payout.IsZero() {
		if err := e.vault.Withdraw(to, payout); err != nil {
			undoBurn()
			return nil, err
		}
	}
	undoPayout := func() {
		if payout.IsZero() {
			return
		}
		e.compensate("redeem payout", e.vault.Deposit(to, payout))
	}
	if !half.IsZero() {
		if err := e.vault.Withdraw(params.FeeRecipient, half); err != nil {
			undoPayout()
			undoBurn()
			return nil, err
		}
	}
	if !rest.IsZero() {
		if err := e.vault.Withdraw(params.Treasury, rest); err != nil {
			if !half.IsZero() {
				e.compensate("redeem fee", e.vault.Deposit(params.FeeRecipient, half))
			}
			undoPayout()
			undoBurn()
			return nil, err
		}
	}
	e.record(SwapRecord{
		Operation:  "redeem",
		Account:    caller,
		Recipient:  to,
		AmountIn:   avgxIn.Clone(),
		AmountOut:  payout.Clone(),
		Fee:        quote.Fee.Clone(),
		IndexPrice: quote.IndexPrice.Clone(),
		CreatedAt:  e.now(),
	})
	return quote, nil
}

func (e *Engine) now() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock()
}

func (e *Engine) record(record SwapRecord) {
	e.mu.RLock()
	recorder := e.recorder
	log := e.log
	e.mu.RUnlock()
	if recorder == nil {
		return
	}
	if err := recorder.RecordSwap(record); err != nil {
		log.Error("audit record failed",
			"operation", record.Operation,
			"account", record.Account.Hex(),
			"error", err,
		)
	}
}

func (e *Engine) compensate(step string, err error) {
	if err == nil {
		return
	}
	e.mu.RLock()
	log := e.log
	e.mu.RUnlock()
	log.Error("rollback failed", "step", step, "error", err)
}

// bpsShare returns amount * bps / 10000 with fixed-point truncation.
func bpsShare(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	if bps == 0 {
		return new(uint256.Int), nil
	}
	frac := new(uint256.Int).Mul(uint256.NewInt(bps), fixedmath.One)
	frac.Div(frac, uint256.NewInt(BpsScale))
	return fixedmath.Mul(amount, frac)
}

func baseUnits(amount *uint256.Int) float64 {
	if amount == nil {
		return 0
	}
	units, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount.ToBig()),
		new(big.Float).SetInt(fixedmath.One.ToBig()),
	).Float64()
	return units
}
