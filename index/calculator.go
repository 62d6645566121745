// Package index maintains the weighted fiat and crypto baskets backing the
// AVGX index and derives the index value from normalized oracle prices.
package index

import (
	"context"
	"errors"
	"strings"
	"sync"
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
	"github.com/parkeqpapa/avgx-backend-v3/oracle"
)

var (
	// ErrInvalidWeight indicates a single component weight above 10000 bps.
	ErrInvalidWeight = errors.New("index: invalid weight")
	// ErrInvalidWeights indicates a basket total different from 10000 bps at read time.
	ErrInvalidWeights = errors.New("index: basket weights must total 10000 bps")
	// ErrDuplicateComponent indicates the asset is already present in the basket.
	ErrDuplicateComponent = errors.New("index: duplicate component")
	// ErrComponentNotFound indicates the asset is absent from the basket.
	ErrComponentNotFound = errors.New("index: component not found")
	// ErrUnknownBasket indicates a basket identifier outside fiat/crypto.
	ErrUnknownBasket = errors.New("index: unknown basket")
)

// WeightScaleBps is the required basket weight total.
const WeightScaleBps = 10_000

// Basket selects one of the two component collections.
type Basket string

const (
	// BasketFiat holds the fiat currency components.
	BasketFiat Basket = "fiat"
	// BasketCrypto holds the crypto asset components.
	BasketCrypto Basket = "crypto"
)

// ParseBasket canonicalises a basket identifier.
func ParseBasket(s string) (Basket, error) {
	switch Basket(strings.ToLower(strings.TrimSpace(s))) {
	case BasketFiat:
		return BasketFiat, nil
	case BasketCrypto:
		return BasketCrypto, nil
	default:
		return "", ErrUnknownBasket
	}
}

// Component is one weighted member of a basket.
type Component struct {
	AssetID        string
	WeightBps      uint64
	SourceDecimals uint8
}

// PriceSource resolves normalized prices, typically the oracle router.
type PriceSource interface {
	LatestPrice(ctx context.Context, assetID string) (oracle.Price, error)
}

// ComponentStore persists basket membership across restarts.
type ComponentStore interface {
	SaveComponent(basket Basket, component Component) error
	DeleteComponent(basket Basket, assetID string) error
}

// Snapshot carries the index value together with its per-basket legs.
type Snapshot struct {
	Value      *uint256.Int
	FiatAvg    *uint256.Int
	CryptoAvg  *uint256.Int
	ComputedAt time.Time
}

// Calculator owns the two baskets and their lookup indices. Components are
// mutated only through the governor-gated operations; weight totals are
// validated at read time, never at mutation time.
type Calculator struct {
	mu      sync.RWMutex
	prices  PriceSource
	roles   auth.Registry
	pause   guard.PauseView
	fiat    basketState
	crypto  basketState
	store   ComponentStore
	clock   func() time.Time
	metrics *observability.IndexMetrics
	tracer  trace.Tracer
}

// NewCalculator constructs a calculator with empty baskets.
func NewCalculator(prices PriceSource, roles auth.Registry, pause guard.PauseView) *Calculator {
	return &Calculator{
		prices:  prices,
		roles:   roles,
		pause:   pause,
		fiat:    newBasketState(),
		crypto:  newBasketState(),
		clock:   time.Now,
		metrics: observability.Index(),
		tracer:  otel.Tracer("avgxd/index"),
	}
}

// WithClock overrides the calculator clock for deterministic tests.
func (c *Calculator) WithClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// WithStore wires component persistence and restores the supplied membership.
// Restored weights are accepted as-is; invalid totals only surface on read.
func (c *Calculator) WithStore(store ComponentStore, fiat, crypto []Component) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
	c.fiat = newBasketState()
	c.crypto = newBasketState()
	for _, component := range fiat {
		c.fiat.append(component)
	}
	for _, component := range crypto {
		c.crypto.append(component)
	}
}

// AddComponent appends a new component to the basket.
func (c *Calculator) AddComponent(caller ethcommon.Address, basket Basket, assetID string, weightBps uint64, sourceDecimals uint8) error {
	if c == nil {
		return errors.New("index: calculator not configured")
	}
	if err := auth.Require(c.roles, auth.RoleGovernor, caller); err != nil {
		return err
	}
	if weightBps > WeightScaleBps {
		return ErrInvalidWeight
	}
	key := assetKey(assetID)
	if key == "" {
		return ErrComponentNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.basketLocked(basket)
	if err != nil {
		return err
	}
	if _, exists := state.slots[key]; exists {
		return ErrDuplicateComponent
	}
	component := Component{AssetID: key, WeightBps: weightBps, SourceDecimals: sourceDecimals}
	state.append(component)
	if c.store != nil {
		if err := c.store.SaveComponent(basket, component); err != nil {
			state.dropLast()
			return err
		}
	}
	return nil
}

// RemoveComponent deletes the component via swap-with-last-and-pop. The
// ordering of the remaining components is not preserved.
func (c *Calculator) RemoveComponent(caller ethcommon.Address, basket Basket, assetID string) error {
	if c == nil {
		return errors.New("index: calculator not configured")
	}
	if err := auth.Require(c.roles, auth.RoleGovernor, caller); err != nil {
		return err
	}
	key := assetKey(assetID)
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.basketLocked(basket)
	if err != nil {
		return err
	}
	slot, ok := state.slots[key]
	if !ok {
		return ErrComponentNotFound
	}
	removed := state.components[slot]
	var moved *Component
	last := len(state.components) - 1
	if slot != last {
		state.components[slot] = state.components[last]
		state.slots[state.components[slot].AssetID] = slot
		moved = &state.components[slot]
	}
	state.components = state.components[:last]
	delete(state.slots, key)
	if c.store != nil {
		if err := c.store.DeleteComponent(basket, key); err != nil {
			// Undo the swap so the in-memory view matches the store.
			if moved != nil {
				movedCopy := *moved
				state.components = append(state.components, movedCopy)
				state.components[slot] = removed
				state.slots[movedCopy.AssetID] = len(state.components) - 1
			} else {
				state.components = append(state.components, removed)
			}
			state.slots[key] = slot
			return err
		}
	}
	return nil
}

// UpdateWeight mutates a single component weight. The basket total is not
// re-validated here; an invalid total only surfaces on the next index read.
func (c *Calculator) UpdateWeight(caller ethcommon.Address, basket Basket, assetID string, weightBps uint64) error {
	if c == nil {
		return errors.New("index: calculator not configured")
	}
	if err := auth.Require(c.roles, auth.RoleGovernor, caller); err != nil {
		return err
	}
	if weightBps > WeightScaleBps {
		return ErrInvalidWeight
	}
	key := assetKey(assetID)
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.basketLocked(basket)
	if err != nil {
		return err
	}
	slot, ok := state.slots[key]
	if !ok {
		return ErrComponentNotFound
	}
	prev := state.components[slot].WeightBps
	state.components[slot].WeightBps = weightBps
	if c.store != nil {
		if err := c.store.SaveComponent(basket, state.components[slot]); err != nil {
			state.components[slot].WeightBps = prev
			return err
		}
	}
	return nil
}

// Components returns a copy of the basket membership.
func (c *Calculator) Components(basket Basket) ([]Component, error) {
	if c == nil {
		return nil, errors.New("index: calculator not configured")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, err := c.basketLocked(basket)
	if err != nil {
		return nil, err
	}
	out := make([]Component, len(state.components))
	copy(out, state.components)
	return out, nil
}

// WeightTotal returns the basket weight sum in basis points.
func (c *Calculator) WeightTotal(basket Basket) (uint64, error) {
	if c == nil {
		return 0, errors.New("index: calculator not configured")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, err := c.basketLocked(basket)
	if err != nil {
		return 0, err
	}
	return state.total(), nil
}

// CurrentIndex computes the index value: the geometric mean of the two
// weighted basket averages.
func (c *Calculator) CurrentIndex(ctx context.Context) (*uint256.Int, error) {
	snapshot, err := c.ComputeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Value, nil
}

// IndexValue computes the index without consulting the pause switch. Swap
// quotes stay available while the system is paused and read through this
// path; the gated reads go through CurrentIndex and ComputeSnapshot.
func (c *Calculator) IndexValue(ctx context.Context) (*uint256.Int, error) {
	if c == nil {
		return nil, errors.New("index: calculator not configured")
	}
	snapshot, err := c.observedCompute(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Value, nil
}

// ComputeSnapshot computes the index value along with both basket legs. Any
// per-component price failure aborts the whole computation; there is no
// partial aggregation.
func (c *Calculator) ComputeSnapshot(ctx context.Context) (Snapshot, error) {
	if c == nil {
		return Snapshot{}, errors.New("index: calculator not configured")
	}
	if err := guard.Check(c.pause); err != nil {
		return Snapshot{}, err
	}
	return c.observedCompute(ctx)
}

func (c *Calculator) observedCompute(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "index.compute")
	defer span.End()
	snapshot, err := c.computeSnapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.Observe(time.Since(start), err)
		return Snapshot{}, err
	}
	span.SetAttributes(attribute.String("index.value", fixedmath.ToDecimal(snapshot.Value)))
	span.SetStatus(codes.Ok, "index computed")
	c.metrics.Observe(time.Since(start), nil)
	return snapshot, nil
}

func (c *Calculator) computeSnapshot(ctx context.Context) (Snapshot, error) {
	c.mu.RLock()
	fiat := append([]Component(nil), c.fiat.components...)
	crypto := append([]Component(nil), c.crypto.components...)
	clock := c.clock
	c.mu.RUnlock()

	fiatTotal := weightSum(fiat)
	cryptoTotal := weightSum(crypto)
	if fiatTotal != WeightScaleBps || cryptoTotal != WeightScaleBps {
		return Snapshot{}, ErrInvalidWeights
	}

	fiatAvg, err := c.weightedAverage(ctx, fiat, fiatTotal)
	if err != nil {
		return Snapshot{}, err
	}
	cryptoAvg, err := c.weightedAverage(ctx, crypto, cryptoTotal)
	if err != nil {
		return Snapshot{}, err
	}
	product, err := fixedmath.Mul(fiatAvg, cryptoAvg)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Value:      fixedmath.Sqrt(product),
		FiatAvg:    fiatAvg,
		CryptoAvg:  cryptoAvg,
		ComputedAt: clock(),
	}, nil
}

// weightedAverage accumulates price * weight/10000 per component and divides
// by the total weight rescaled to fixed-point. For a valid basket the divisor
// is exactly one unit; the division still runs so baskets with other totals
// are handled uniformly.
func (c *Calculator) weightedAverage(ctx context.Context, components []Component, totalBps uint64) (*uint256.Int, error) {
	sum := new(uint256.Int)
	for _, component := range components {
		price, err := c.prices.LatestPrice(ctx, component.AssetID)
		if err != nil {
			return nil, err
		}
		term, err := fixedmath.Mul(price.Value, weightFraction(component.WeightBps))
		if err != nil {
			return nil, err
		}
		next, overflow := new(uint256.Int).AddOverflow(sum, term)
		if overflow {
			return nil, fixedmath.ErrOverflow
		}
		sum = next
	}
	return fixedmath.Div(sum, weightFraction(totalBps))
}

// weightFraction renders a bps weight as a fixed-point fraction of 10000.
func weightFraction(bps uint64) *uint256.Int {
	frac := new(uint256.Int).Mul(uint256.NewInt(bps), fixedmath.One)
	return frac.Div(frac, uint256.NewInt(WeightScaleBps))
}

func weightSum(components []Component) uint64 {
	var total uint64
	for _, component := range components {
		total += component.WeightBps
	}
	return total
}

type basketState struct {
	components []Component
	slots      map[string]int
}

func newBasketState() basketState {
	return basketState{slots: make(map[string]int)}
}

func (s *basketState) append(component Component) {
	component.AssetID = assetKey(component.AssetID)
	if component.AssetID == "" {
		return
	}
	if _, exists := s.slots[component.AssetID]; exists {
		return
	}
	s.components = append(s.components, component)
	s.slots[component.AssetID] = len(s.components) - 1
}

func (s *basketState) dropLast() {
	last := len(s.components) - 1
	if last < 0 {
		return
	}
	delete(s.slots, s.components[last].AssetID)
	s.components = s.components[:last]
}

func (s *basketState) total() uint64 {
	return weightSum(s.components)
}

func (c *Calculator) basketLocked(basket Basket) (*basketState, error) {
	switch basket {
	case BasketFiat:
		return &c.fiat, nil
	case BasketCrypto:
		return &c.crypto, nil
	default:
		return nil, ErrUnknownBasket
	}
}

func assetKey(assetID string) string {
	return strings.ToUpper(strings.TrimSpace(assetID))
}
