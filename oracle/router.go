// Package oracle normalizes heterogeneous external price feeds into the
// canonical 18-digit fixed-point representation and enforces freshness.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/parkeqpapa/avgx-backend-v3/auth"
	"github.com/parkeqpapa/avgx-backend-v3/fixedmath"
)

var (
	// ErrFeedNotFound indicates no feed is configured for the asset.
	ErrFeedNotFound = errors.New("oracle: feed not found")
	// ErrInvalidPrice indicates the upstream source reported a non-positive value.
	ErrInvalidPrice = errors.New("oracle: invalid price")
	// ErrStalePrice indicates the observation exceeded the feed's max age.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrInvalidSource indicates a feed was configured without a source handle.
	ErrInvalidSource = errors.New("oracle: invalid source")
	// ErrInvalidDuration indicates a zero staleness window was supplied.
	ErrInvalidDuration = errors.New("oracle: invalid duration")
)

// DefaultMaxAge is the global staleness default applied when none is configured.
const DefaultMaxAge = 5 * time.Minute

// Source resolves the latest raw observation for a feed handle. Observations
// are signed at this boundary; the router rejects anything non-positive.
type Source interface {
	GetLatest(ctx context.Context, handle string) (*big.Int, time.Time, error)
}

// FeedConfig describes how raw observations for one asset are interpreted.
// MaxAge is snapshotted from the global default at configuration time; later
// changes to the default do not affect existing feeds.
type FeedConfig struct {
	Source         string
	Invert         bool
	SourceDecimals uint8
	MaxAge         time.Duration
}

// Price is a normalized, freshness-checked observation. It is recomputed on
// every read and never cached by the router.
type Price struct {
	Value      *uint256.Int
	ObservedAt time.Time
}

// FeedStore persists feed configuration across restarts.
type FeedStore interface {
	SaveFeed(assetID string, cfg FeedConfig) error
	SaveMaxAge(maxAge time.Duration) error
}

// Router owns the per-asset feed table and the global staleness default.
type Router struct {
	mu     sync.RWMutex
	source Source
	feeds  map[string]FeedConfig
	maxAge time.Duration
	roles  auth.Registry
	clock  func() time.Time
	store  FeedStore
}

// NewRouter constructs a router reading from the supplied source.
func NewRouter(source Source, roles auth.Registry) *Router {
	return &Router{
		source: source,
		feeds:  make(map[string]FeedConfig),
		maxAge: DefaultMaxAge,
		roles:  roles,
		clock:  time.Now,
	}
}

// WithClock overrides the router clock for deterministic tests.
func (r *Router) WithClock(clock func() time.Time) {
	if r == nil || clock == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// WithStore wires feed persistence and restores the supplied state.
func (r *Router) WithStore(store FeedStore, feeds map[string]FeedConfig, maxAge time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
	if maxAge > 0 {
		r.maxAge = maxAge
	}
	for asset, cfg := range feeds {
		key := assetKey(asset)
		if key == "" || strings.TrimSpace(cfg.Source) == "" {
			continue
		}
		r.feeds[key] = cfg
	}
}

// SetFeed creates or overwrites the feed configuration for the asset. The
// current global max age is copied into the config, not referenced.
func (r *Router) SetFeed(caller ethcommon.Address, assetID, sourceHandle string, invert bool, sourceDecimals uint8) error {
	if r == nil {
		return errors.New("oracle: router not configured")
	}
	if err := auth.Require(r.roles, auth.RoleOracleManager, caller); err != nil {
		return err
	}
	handle := strings.TrimSpace(sourceHandle)
	if handle == "" {
		return ErrInvalidSource
	}
	key := assetKey(assetID)
	if key == "" {
		return ErrFeedNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := FeedConfig{
		Source:         handle,
		Invert:         invert,
		SourceDecimals: sourceDecimals,
		MaxAge:         r.maxAge,
	}
	prev, hadPrev := r.feeds[key]
	r.feeds[key] = cfg
	if r.store != nil {
		if err := r.store.SaveFeed(key, cfg); err != nil {
			if hadPrev {
				r.feeds[key] = prev
			} else {
				delete(r.feeds, key)
			}
			return err
		}
	}
	return nil
}

// SetMaxAge updates the global staleness default used by future SetFeed calls.
// Already-configured feeds keep their snapshotted value.
func (r *Router) SetMaxAge(caller ethcommon.Address, maxAge time.Duration) error {
	if r == nil {
		return errors.New("oracle: router not configured")
	}
	if err := auth.Require(r.roles, auth.RoleOracleManager, caller); err != nil {
		return err
	}
	if maxAge <= 0 {
		return ErrInvalidDuration
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.maxAge
	r.maxAge = maxAge
	if r.store != nil {
		if err := r.store.SaveMaxAge(maxAge); err != nil {
			r.maxAge = prev
			return err
		}
	}
	return nil
}

// MaxAge reports the current global staleness default.
func (r *Router) MaxAge() time.Duration {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxAge
}

// FeedConfigFor returns the configuration for the asset if present.
func (r *Router) FeedConfigFor(assetID string) (FeedConfig, bool) {
	if r == nil {
		return FeedConfig{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.feeds[assetKey(assetID)]
	return cfg, ok
}

// LatestPrice queries the configured source and returns the normalized,
// freshness-checked price for the asset.
func (r *Router) LatestPrice(ctx context.Context, assetID string) (Price, error) {
	if r == nil {
		return Price{}, errors.New("oracle: router not configured")
	}
	r.mu.RLock()
	cfg, ok := r.feeds[assetKey(assetID)]
	source := r.source
	clock := r.clock
	r.mu.RUnlock()
	if !ok {
		return Price{}, ErrFeedNotFound
	}
	if source == nil {
		return Price{}, ErrInvalidSource
	}
	raw, observedAt, err := source.GetLatest(ctx, cfg.Source)
	if err != nil {
		return Price{}, err
	}
	if raw == nil || raw.Sign() <= 0 {
		return Price{}, ErrInvalidPrice
	}
	now := clock()
	if cfg.MaxAge > 0 && now.Sub(observedAt) > cfg.MaxAge {
		return Price{}, ErrStalePrice
	}
	normalized, err := fixedmath.Normalize(raw, cfg.SourceDecimals)
	if err != nil {
		return Price{}, err
	}
	value := normalized
	if cfg.Invert {
		value, err = fixedmath.Div(fixedmath.One, normalized)
		if err != nil {
			return Price{}, err
		}
	}
	return Price{Value: value, ObservedAt: observedAt}, nil
}

func assetKey(assetID string) string {
	return strings.ToUpper(strings.TrimSpace(assetID))
}
