package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/parkeqpapa/avgx-backend-v3/amm"
	"github.com/parkeqpapa/avgx-backend-v3/index"
	"github.com/parkeqpapa/avgx-backend-v3/oracle"
)

// Storage wraps the avgxd persistence layer. It backs the feed table, basket
// membership, engine parameters, pause flag, token and vault balances, and
// the swap audit trail.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("avgxd storage path must be configured")

// FileDSN turns a filesystem path into an on-disk sqlite DSN. WAL keeps swap
// audit inserts from blocking reads; the busy timeout covers concurrent admin
// writes.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	pragmas := url.Values{}
	pragmas.Set("mode", "rwc")
	pragmas.Set("_busy_timeout", "5000")
	pragmas.Set("_journal_mode", "WAL")
	pragmas.Set("_foreign_keys", "on")
	return "file:" + abs + "?" + pragmas.Encode(), nil
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveFeed upserts an oracle feed configuration.
func (s *Storage) SaveFeed(assetID string, cfg oracle.FeedConfig) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	asset := strings.ToUpper(strings.TrimSpace(assetID))
	if asset == "" {
		return fmt.Errorf("asset required")
	}
	invert := 0
	if cfg.Invert {
		invert = 1
	}
	_, err := s.db.Exec(`
        INSERT INTO oracle_feeds(asset, source, invert, source_decimals, max_age_seconds, updated_at)
        VALUES(?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(asset) DO UPDATE SET
            source=excluded.source,
            invert=excluded.invert,
            source_decimals=excluded.source_decimals,
            max_age_seconds=excluded.max_age_seconds,
            updated_at=CURRENT_TIMESTAMP
    `, asset, strings.TrimSpace(cfg.Source), invert, int(cfg.SourceDecimals), int64(cfg.MaxAge.Seconds()))
	if err != nil {
		return fmt.Errorf("save feed: %w", err)
	}
	return nil
}

// SaveMaxAge upserts the global default staleness bound.
func (s *Storage) SaveMaxAge(maxAge time.Duration) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.Exec(`
        INSERT INTO oracle_config(id, max_age_seconds, updated_at)
        VALUES('default', ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            max_age_seconds=excluded.max_age_seconds,
            updated_at=CURRENT_TIMESTAMP
    `, int64(maxAge.Seconds()))
	if err != nil {
		return fmt.Errorf("save max age: %w", err)
	}
	return nil
}

// LoadFeeds returns all persisted feed configurations keyed by asset.
func (s *Storage) LoadFeeds(ctx context.Context) (map[string]oracle.FeedConfig, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT asset, source, invert, source_decimals, max_age_seconds
        FROM oracle_feeds
    `)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer rows.Close()
	feeds := make(map[string]oracle.FeedConfig)
	for rows.Next() {
		var asset, source string
		var invert, decimals int
		var maxAgeSeconds int64
		if err := rows.Scan(&asset, &source, &invert, &decimals, &maxAgeSeconds); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		feeds[strings.ToUpper(strings.TrimSpace(asset))] = oracle.FeedConfig{
			Source:         source,
			Invert:         invert != 0,
			SourceDecimals: uint8(decimals),
			MaxAge:         time.Duration(maxAgeSeconds) * time.Second,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return feeds, nil
}

// LoadMaxAge returns the persisted global default, with presence flag.
func (s *Storage) LoadMaxAge(ctx context.Context) (time.Duration, bool, error) {
	if s == nil {
		return 0, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT max_age_seconds FROM oracle_config WHERE id = 'default'
    `)
	var seconds int64
	if err := row.Scan(&seconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query max age: %w", err)
	}
	return time.Duration(seconds) * time.Second, true, nil
}

// SaveComponent upserts a basket component.
func (s *Storage) SaveComponent(basket index.Basket, component index.Component) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	asset := strings.ToUpper(strings.TrimSpace(component.AssetID))
	if asset == "" {
		return fmt.Errorf("asset required")
	}
	_, err := s.db.Exec(`
        INSERT INTO index_components(basket, asset, weight_bps, source_decimals, updated_at)
        VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(basket, asset) DO UPDATE SET
            weight_bps=excluded.weight_bps,
            source_decimals=excluded.source_decimals,
            updated_at=CURRENT_TIMESTAMP
    `, string(basket), asset, component.WeightBps, int(component.SourceDecimals))
	if err != nil {
		return fmt.Errorf("save component: %w", err)
	}
	return nil
}

// DeleteComponent removes a basket component.
func (s *Storage) DeleteComponent(basket index.Basket, assetID string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.Exec(`
        DELETE FROM index_components WHERE basket = ? AND asset = ?
    `, string(basket), strings.ToUpper(strings.TrimSpace(assetID))); err != nil {
		return fmt.Errorf("delete component: %w", err)
	}
	return nil
}

// LoadComponents returns the persisted fiat and crypto basket membership.
func (s *Storage) LoadComponents(ctx context.Context) (fiat, crypto []index.Component, err error) {
	if s == nil {
		return nil, nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT basket, asset, weight_bps, source_decimals
        FROM index_components
        ORDER BY basket, asset
    `)
	if err != nil {
		return nil, nil, fmt.Errorf("query components: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var basket, asset string
		var weight uint64
		var decimals int
		if err := rows.Scan(&basket, &asset, &weight, &decimals); err != nil {
			return nil, nil, fmt.Errorf("scan component: %w", err)
		}
		component := index.Component{
			AssetID:        strings.ToUpper(strings.TrimSpace(asset)),
			WeightBps:      weight,
			SourceDecimals: uint8(decimals),
		}
		switch index.Basket(basket) {
		case index.BasketFiat:
			fiat = append(fiat, component)
		case index.BasketCrypto:
			crypto = append(crypto, component)
		default:
			return nil, nil, fmt.Errorf("unknown basket %q", basket)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate components: %w", err)
	}
	return fiat, crypto, nil
}

// SaveParams upserts the engine parameter singleton.
func (s *Storage) SaveParams(params amm.Params) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.Exec(`
        INSERT INTO amm_params(id, fee_bps, spread_bps, fee_recipient, treasury, updated_at)
        VALUES('default', ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            fee_bps=excluded.fee_bps,
            spread_bps=excluded.spread_bps,
            fee_recipient=excluded.fee_recipient,
            treasury=excluded.treasury,
            updated_at=CURRENT_TIMESTAMP
    `, params.FeeBps, params.SpreadBps, params.FeeRecipient.Hex(), params.Treasury.Hex())
	if err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}

// LoadParams returns the persisted parameters, or nil when absent.
func (s *Storage) LoadParams(ctx context.Context) (*amm.Params, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT fee_bps, spread_bps, fee_recipient, treasury
        FROM amm_params
        WHERE id = 'default'
    `)
	var params amm.Params
	var recipient, treasury string
	if err := row.Scan(&params.FeeBps, &params.SpreadBps, &recipient, &treasury); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query params: %w", err)
	}
	params.FeeRecipient = ethcommon.HexToAddress(recipient)
	params.Treasury = ethcommon.HexToAddress(treasury)
	return &params, nil
}

// SavePaused upserts the pause flag.
func (s *Storage) SavePaused(paused bool) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	flag := 0
	if paused {
		flag = 1
	}
	_, err := s.db.Exec(`
        INSERT INTO pause_state(id, paused, updated_at)
        VALUES('default', ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            paused=excluded.paused,
            updated_at=CURRENT_TIMESTAMP
    `, flag)
	if err != nil {
		return fmt.Errorf("save pause flag: %w", err)
	}
	return nil
}

// LoadPaused returns the persisted pause flag, defaulting to unpaused.
func (s *Storage) LoadPaused(ctx context.Context) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT paused FROM pause_state WHERE id = 'default'
    `)
	var flag int
	if err := row.Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query pause flag: %w", err)
	}
	return flag != 0, nil
}

// SaveBalance upserts a token holder balance. Zero balances are deleted.
func (s *Storage) SaveBalance(account ethcommon.Address, balance *uint256.Int) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if balance == nil || balance.IsZero() {
		if _, err := s.db.Exec(`
            DELETE FROM token_balances WHERE account = ?
        `, account.Hex()); err != nil {
			return fmt.Errorf("delete balance: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`
        INSERT INTO token_balances(account, balance, updated_at)
        VALUES(?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(account) DO UPDATE SET
            balance=excluded.balance,
            updated_at=CURRENT_TIMESTAMP
    `, account.Hex(), balance.Dec())
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

// SaveTotalSupply upserts the token supply counter.
func (s *Storage) SaveTotalSupply(total *uint256.Int) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	value := "0"
	if total != nil {
		value = total.Dec()
	}
	_, err := s.db.Exec(`
        INSERT INTO token_supply(id, total, updated_at)
        VALUES('default', ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            total=excluded.total,
            updated_at=CURRENT_TIMESTAMP
    `, value)
	if err != nil {
		return fmt.Errorf("save total supply: %w", err)
	}
	return nil
}

// LoadTokenState returns persisted balances and the supply counter.
func (s *Storage) LoadTokenState(ctx context.Context) (map[ethcommon.Address]*uint256.Int, *uint256.Int, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("storage not configured")
	}
	balances, err := s.loadBalances(ctx, "token_balances")
	if err != nil {
		return nil, nil, err
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT total FROM token_supply WHERE id = 'default'
    `)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return balances, new(uint256.Int), nil
		}
		return nil, nil, fmt.Errorf("query total supply: %w", err)
	}
	total, err := parseAmount(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse total supply: %w", err)
	}
	return balances, total, nil
}

// SaveAccountBalance upserts a vault account balance. Zero balances are deleted.
func (s *Storage) SaveAccountBalance(account ethcommon.Address, balance *uint256.Int) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if balance == nil || balance.IsZero() {
		if _, err := s.db.Exec(`
            DELETE FROM vault_accounts WHERE account = ?
        `, account.Hex()); err != nil {
			return fmt.Errorf("delete vault account: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`
        INSERT INTO vault_accounts(account, balance, updated_at)
        VALUES(?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(account) DO UPDATE SET
            balance=excluded.balance,
            updated_at=CURRENT_TIMESTAMP
    `, account.Hex(), balance.Dec())
	if err != nil {
		return fmt.Errorf("save vault account: %w", err)
	}
	return nil
}

// SavePoolBalance upserts the pooled vault liquidity.
func (s *Storage) SavePoolBalance(balance *uint256.Int) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	value := "0"
	if balance != nil {
		value = balance.Dec()
	}
	_, err := s.db.Exec(`
        INSERT INTO vault_pool(id, balance, updated_at)
        VALUES('default', ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            balance=excluded.balance,
            updated_at=CURRENT_TIMESTAMP
    `, value)
	if err != nil {
		return fmt.Errorf("save vault pool: %w", err)
	}
	return nil
}

// LoadVaultState returns the pooled balance and per-account balances.
func (s *Storage) LoadVaultState(ctx context.Context) (*uint256.Int, map[ethcommon.Address]*uint256.Int, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("storage not configured")
	}
	accounts, err := s.loadBalances(ctx, "vault_accounts")
	if err != nil {
		return nil, nil, err
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT balance FROM vault_pool WHERE id = 'default'
    `)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return new(uint256.Int), accounts, nil
		}
		return nil, nil, fmt.Errorf("query vault pool: %w", err)
	}
	pool, err := parseAmount(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse vault pool: %w", err)
	}
	return pool, accounts, nil
}

// RecordSwap inserts an executed operation into the audit trail.
func (s *Storage) RecordSwap(record amm.SwapRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	op := strings.TrimSpace(record.Operation)
	if op == "" {
		return fmt.Errorf("operation required")
	}
	createdAt := record.CreatedAt.UTC()
	if record.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
        INSERT INTO swap_operations(operation, account, recipient, amount_in, amount_out, fee, index_price, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, op, record.Account.Hex(), record.Recipient.Hex(),
		amountText(record.AmountIn), amountText(record.AmountOut),
		amountText(record.Fee), amountText(record.IndexPrice), createdAt)
	if err != nil {
		return fmt.Errorf("insert swap: %w", err)
	}
	return nil
}

// RecentSwaps returns the newest audit rows, most recent first.
func (s *Storage) RecentSwaps(ctx context.Context, limit int) ([]amm.SwapRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT operation, account, recipient, amount_in, amount_out, fee, index_price, created_at
        FROM swap_operations
        ORDER BY id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query swaps: %w", err)
	}
	defer rows.Close()
	var records []amm.SwapRecord
	for rows.Next() {
		var rec amm.SwapRecord
		var account, recipient, amountIn, amountOut, fee, indexPrice string
		if err := rows.Scan(&rec.Operation, &account, &recipient, &amountIn, &amountOut, &fee, &indexPrice, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan swap: %w", err)
		}
		rec.Account = ethcommon.HexToAddress(account)
		rec.Recipient = ethcommon.HexToAddress(recipient)
		if rec.AmountIn, err = parseAmount(amountIn); err != nil {
			return nil, fmt.Errorf("parse amount in: %w", err)
		}
		if rec.AmountOut, err = parseAmount(amountOut); err != nil {
			return nil, fmt.Errorf("parse amount out: %w", err)
		}
		if rec.Fee, err = parseAmount(fee); err != nil {
			return nil, fmt.Errorf("parse fee: %w", err)
		}
		if rec.IndexPrice, err = parseAmount(indexPrice); err != nil {
			return nil, fmt.Errorf("parse index price: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swaps: %w", err)
	}
	return records, nil
}

func (s *Storage) loadBalances(ctx context.Context, table string) (map[ethcommon.Address]*uint256.Int, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT account, balance FROM `+table)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	balances := make(map[ethcommon.Address]*uint256.Int)
	for rows.Next() {
		var account, raw string
		if err := rows.Scan(&account, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		balance, err := parseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s balance: %w", table, err)
		}
		balances[ethcommon.HexToAddress(account)] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return balances, nil
}

func amountText(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.Dec()
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(trimmed)
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_config (
    id TEXT PRIMARY KEY,
    max_age_seconds INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS oracle_feeds (
    asset TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    invert INTEGER NOT NULL,
    source_decimals INTEGER NOT NULL,
    max_age_seconds INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS index_components (
    basket TEXT NOT NULL,
    asset TEXT NOT NULL,
    weight_bps INTEGER NOT NULL,
    source_decimals INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (basket, asset)
);

CREATE TABLE IF NOT EXISTS amm_params (
    id TEXT PRIMARY KEY,
    fee_bps INTEGER NOT NULL,
    spread_bps INTEGER NOT NULL,
    fee_recipient TEXT NOT NULL,
    treasury TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pause_state (
    id TEXT PRIMARY KEY,
    paused INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS token_balances (
    account TEXT PRIMARY KEY,
    balance TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS token_supply (
    id TEXT PRIMARY KEY,
    total TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vault_accounts (
    account TEXT PRIMARY KEY,
    balance TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vault_pool (
    id TEXT PRIMARY KEY,
    balance TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS swap_operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation TEXT NOT NULL,
    account TEXT NOT NULL,
    recipient TEXT NOT NULL,
    amount_in TEXT NOT NULL,
    amount_out TEXT NOT NULL,
    fee TEXT NOT NULL,
    index_price TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swap_operations_created ON swap_operations(created_at);
`
