package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/parkeqpapa/avgx-backend-v3/adapters"
	"github.com/parkeqpapa/avgx-backend-v3/amm"
	"github.com/parkeqpapa/avgx-backend-v3/auth"
	"github.com/parkeqpapa/avgx-backend-v3/config"
	"github.com/parkeqpapa/avgx-backend-v3/fixedmath"
	"github.com/parkeqpapa/avgx-backend-v3/guard"
	"github.com/parkeqpapa/avgx-backend-v3/index"
	"github.com/parkeqpapa/avgx-backend-v3/observability/logging"
	telemetry "github.com/parkeqpapa/avgx-backend-v3/observability/otel"
	"github.com/parkeqpapa/avgx-backend-v3/oracle"
	"github.com/parkeqpapa/avgx-backend-v3/server"
	"github.com/parkeqpapa/avgx-backend-v3/storage"
	"github.com/parkeqpapa/avgx-backend-v3/token"
	"github.com/parkeqpapa/avgx-backend-v3/vault"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to avgxd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AVGX_ENV"))
	logger := logging.Setup("avgxd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("avgxd: load config: %v", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "avgxd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("avgxd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("avgxd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("avgxd: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	roles := auth.NewStaticRegistry()
	for _, grant := range cfg.Roles {
		role, err := parseRole(grant.Role)
		if err != nil {
			log.Fatalf("avgxd: %v", err)
		}
		roles.Grant(role, ethcommon.HexToAddress(grant.Account))
	}

	pause := guard.NewSwitch(roles)
	paused, err := store.LoadPaused(ctx)
	if err != nil {
		log.Fatalf("avgxd: load pause state: %v", err)
	}
	pause.WithStore(store, paused)

	source, err := adapters.NewRegistry().BuildAll(cfg.Sources)
	if err != nil {
		log.Fatalf("avgxd: build price sources: %v", err)
	}

	router := oracle.NewRouter(source, roles)
	feeds, err := store.LoadFeeds(ctx)
	if err != nil {
		log.Fatalf("avgxd: load feeds: %v", err)
	}
	maxAge, persisted, err := store.LoadMaxAge(ctx)
	if err != nil {
		log.Fatalf("avgxd: load staleness default: %v", err)
	}
	if !persisted {
		maxAge = cfg.Oracle.MaxAge.Duration
	}
	if err := seedFeeds(store, feeds, cfg.Oracle.Feeds, maxAge); err != nil {
		log.Fatalf("avgxd: seed feeds: %v", err)
	}
	router.WithStore(store, feeds, maxAge)

	calculator := index.NewCalculator(router, roles, pause)
	fiat, crypto, err := store.LoadComponents(ctx)
	if err != nil {
		log.Fatalf("avgxd: load basket components: %v", err)
	}
	if len(fiat) == 0 && len(crypto) == 0 {
		fiat = seedComponents(cfg.Baskets.Fiat)
		crypto = seedComponents(cfg.Baskets.Crypto)
		if err := persistComponents(store, index.BasketFiat, fiat); err != nil {
			log.Fatalf("avgxd: seed fiat basket: %v", err)
		}
		if err := persistComponents(store, index.BasketCrypto, crypto); err != nil {
			log.Fatalf("avgxd: seed crypto basket: %v", err)
		}
	}
	calculator.WithStore(store, fiat, crypto)

	var maxSupply *uint256.Int
	if raw := strings.TrimSpace(cfg.Token.MaxSupply); raw != "" {
		maxSupply, err = fixedmath.FromDecimal(raw)
		if err != nil {
			log.Fatalf("avgxd: parse token max supply: %v", err)
		}
	}
	ledger := token.NewToken(cfg.Token.Symbol, maxSupply)
	balances, totalSupply, err := store.LoadTokenState(ctx)
	if err != nil {
		log.Fatalf("avgxd: load token state: %v", err)
	}
	ledger.WithStore(store, balances, totalSupply)

	liquidity := vault.NewVault(cfg.Vault.Asset)
	pool, accounts, err := store.LoadVaultState(ctx)
	if err != nil {
		log.Fatalf("avgxd: load vault state: %v", err)
	}
	liquidity.WithStore(store, pool, accounts)

	authority := ethcommon.HexToAddress(cfg.AMM.Authority)
	ledger.SetMinter(authority)
	params := amm.Params{
		FeeBps:       cfg.AMM.FeeBps,
		SpreadBps:    cfg.AMM.SpreadBps,
		FeeRecipient: ethcommon.HexToAddress(cfg.AMM.FeeRecipient),
		Treasury:     ethcommon.HexToAddress(cfg.AMM.Treasury),
	}
	engine, err := amm.NewEngine(calculator, ledger, liquidity, roles, pause, authority, params)
	if err != nil {
		log.Fatalf("avgxd: amm engine: %v", err)
	}
	restoredParams, err := store.LoadParams(ctx)
	if err != nil {
		log.Fatalf("avgxd: load amm params: %v", err)
	}
	if err := engine.WithStore(store, restoredParams); err != nil {
		log.Fatalf("avgxd: restore amm params: %v", err)
	}
	engine.WithRecorder(store)
	engine.WithLogger(logger)

	authenticator, err := server.NewAuthenticator(cfg.AdminToken)
	if err != nil {
		log.Fatalf("avgxd: configure admin auth: %v", err)
	}

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, calculator, engine, router, pause, ledger, liquidity, store, authenticator, logger)
	if err != nil {
		log.Fatalf("avgxd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("avgxd: http server error: %v", err)
		os.Exit(1)
	}
}

func parseRole(name string) (auth.Role, error) {
	switch auth.Role(strings.TrimSpace(name)) {
	case auth.RoleGovernor:
		return auth.RoleGovernor, nil
	case auth.RoleOracleManager:
		return auth.RoleOracleManager, nil
	case auth.RolePauser:
		return auth.RolePauser, nil
	default:
		return "", fmt.Errorf("unknown role %q", name)
	}
}

// seedFeeds merges configured feeds into the restored table. Persisted feed
// entries win over the config file so admin changes survive restarts.
func seedFeeds(store *storage.Storage, feeds map[string]oracle.FeedConfig, configured []config.FeedConfig, maxAge time.Duration) error {
	for _, feed := range configured {
		asset := strings.ToUpper(strings.TrimSpace(feed.Asset))
		if asset == "" {
			continue
		}
		if _, exists := feeds[asset]; exists {
			continue
		}
		age := feed.MaxAge.Duration
		if age <= 0 {
			age = maxAge
		}
		cfg := oracle.FeedConfig{
			Source:         strings.TrimSpace(feed.Source),
			Invert:         feed.Invert,
			SourceDecimals: feed.SourceDecimals,
			MaxAge:         age,
		}
		if err := store.SaveFeed(asset, cfg); err != nil {
			return fmt.Errorf("save feed %s: %w", asset, err)
		}
		feeds[asset] = cfg
	}
	return nil
}

func seedComponents(configured []config.ComponentConfig) []index.Component {
	components := make([]index.Component, 0, len(configured))
	for _, component := range configured {
		components = append(components, index.Component{
			AssetID:        strings.ToUpper(strings.TrimSpace(component.Asset)),
			WeightBps:      component.WeightBps,
			SourceDecimals: component.SourceDecimals,
		})
	}
	return components
}

func persistComponents(store *storage.Storage, basket index.Basket, components []index.Component) error {
	for _, component := range components {
		if err := store.SaveComponent(basket, component); err != nil {
			return fmt.Errorf("save %s component %s: %w", basket, component.AssetID, err)
		}
	}
	return nil
}
