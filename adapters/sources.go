// Package adapters constructs the upstream price sources behind the oracle
// router and multiplexes feed handles of the form "source:key" onto them.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parkeqpapa/avgx-backend-v3/config"
)

// ErrUnknownHandle indicates a feed handle naming an unregistered source.
var ErrUnknownHandle = errors.New("adapters: unknown source handle")

// Source mirrors the router's upstream surface.
type Source interface {
	GetLatest(ctx context.Context, handle string) (*big.Int, time.Time, error)
}

// Registry constructs sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(cfg config.Source) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "http":
		client := r.client()
		if cfg.Timeout.Duration > 0 {
			clone := *client
			clone.Timeout = cfg.Timeout.Duration
			client = &clone
		}
		return newHTTPSource(client, cfg.Endpoint, cfg.APIKey, cfg.Assets), nil
	case "static":
		return newStaticSource(cfg.Values)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// BuildAll constructs every configured source and wires it into a multiplexer
// keyed by source name.
func (r *Registry) BuildAll(sources []config.Source) (*Multiplexer, error) {
	mux := NewMultiplexer()
	for _, cfg := range sources {
		source, err := r.Build(cfg)
		if err != nil {
			return nil, fmt.Errorf("build source %q: %w", cfg.Name, err)
		}
		if err := mux.Register(cfg.Name, source); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Multiplexer routes "source:key" handles to registered sources.
type Multiplexer struct {
	sources map[string]Source
}

// NewMultiplexer builds an empty multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{sources: make(map[string]Source)}
}

// Register adds a named source.
func (m *Multiplexer) Register(name string, source Source) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("source name required")
	}
	if source == nil {
		return fmt.Errorf("source %q is nil", name)
	}
	if _, exists := m.sources[key]; exists {
		return fmt.Errorf("source %q already registered", name)
	}
	m.sources[key] = source
	return nil
}

// GetLatest splits the handle and delegates to the named source.
func (m *Multiplexer) GetLatest(ctx context.Context, handle string) (*big.Int, time.Time, error) {
	name, key, found := strings.Cut(handle, ":")
	if !found {
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownHandle, handle)
	}
	source, ok := m.sources[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownHandle, handle)
	}
	return source.GetLatest(ctx, strings.TrimSpace(key))
}

type httpSource struct {
	client   *http.Client
	endpoint string
	apiKey   string
	assets   map[string]string
}

type httpQuote struct {
	Value      string `json:"value"`
	ObservedAt int64  `json:"observed_at"`
}

func newHTTPSource(client *http.Client, endpoint, apiKey string, assets map[string]string) *httpSource {
	normalized := make(map[string]string, len(assets))
	for key, remote := range assets {
		normalized[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(remote)
	}
	return &httpSource{client: client, endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey), assets: normalized}
}

func (s *httpSource) GetLatest(ctx context.Context, key string) (*big.Int, time.Time, error) {
	symbol := strings.ToLower(strings.TrimSpace(key))
	if remote, ok := s.assets[symbol]; ok && remote != "" {
		symbol = remote
	}
	target, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse endpoint: %w", err)
	}
	query := target.Query()
	query.Set("symbol", symbol)
	target.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("fetch %s: unexpected status %d", symbol, resp.StatusCode)
	}
	var quote httpQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode %s: %w", symbol, err)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(quote.Value), 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("parse %s value %q", symbol, quote.Value)
	}
	observed := time.Unix(quote.ObservedAt, 0).UTC()
	return value, observed, nil
}

type staticSource struct {
	values map[string]*big.Int
	clock  func() time.Time
}

func newStaticSource(values map[string]string) (*staticSource, error) {
	parsed := make(map[string]*big.Int, len(values))
	for key, raw := range values {
		value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			return nil, fmt.Errorf("parse static value %q for %s", raw, key)
		}
		parsed[strings.ToLower(strings.TrimSpace(key))] = value
	}
	return &staticSource{values: parsed, clock: time.Now}, nil
}

// GetLatest returns the fixed value stamped with the current time, so static
// feeds never go stale.
func (s *staticSource) GetLatest(_ context.Context, key string) (*big.Int, time.Time, error) {
	value, ok := s.values[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("static value for %q not configured", key)
	}
	return new(big.Int).Set(value), s.clock(), nil
}
