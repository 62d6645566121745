package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/parkeqpapa/avgx-backend-v3/amm"
	"github.com/parkeqpapa/avgx-backend-v3/auth"
	"github.com/parkeqpapa/avgx-backend-v3/guard"
	"github.com/parkeqpapa/avgx-backend-v3/index"
	"github.com/parkeqpapa/avgx-backend-v3/oracle"
	"github.com/parkeqpapa/avgx-backend-v3/token"
	"github.com/parkeqpapa/avgx-backend-v3/vault"
)

const adminToken = "test-secret"

var (
	governor      = ethcommon.HexToAddress("0x0000000000000000000000000000000000000101")
	oracleManager = ethcommon.HexToAddress("0x0000000000000000000000000000000000000102")
	pauser        = ethcommon.HexToAddress("0x0000000000000000000000000000000000000103")
	trader        = ethcommon.HexToAddress("0x0000000000000000000000000000000000000104")
	feeRecipient  = ethcommon.HexToAddress("0x0000000000000000000000000000000000000105")
	treasuryAddr  = ethcommon.HexToAddress("0x0000000000000000000000000000000000000106")
	engineAddr    = ethcommon.HexToAddress("0x0000000000000000000000000000000000000107")
)

type stubSource struct {
	values map[string]*big.Int
}

func (s *stubSource) GetLatest(_ context.Context, handle string) (*big.Int, time.Time, error) {
	value, ok := s.values[handle]
	if !ok {
		return nil, time.Time{}, oracle.ErrFeedNotFound
	}
	return new(big.Int).Set(value), time.Now(), nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	vault  *vault.Vault
	token  *token.Token
	pause  *guard.Switch
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	roles := auth.NewStaticRegistry()
	roles.Grant(auth.RoleGovernor, governor)
	roles.Grant(auth.RoleOracleManager, oracleManager)
	roles.Grant(auth.RolePauser, pauser)
	pause := guard.NewSwitch(roles)

	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	source := &stubSource{values: map[string]*big.Int{
		"static:usd": new(big.Int).Set(one),
		"static:btc": new(big.Int).Mul(big.NewInt(4), one),
	}}
	router := oracle.NewRouter(source, roles)
	if err := router.SetFeed(oracleManager, "USD", "static:usd", false, 18); err != nil {
		t.Fatalf("set usd feed: %v", err)
	}
	if err := router.SetFeed(oracleManager, "BTC", "static:btc", false, 18); err != nil {
		t.Fatalf("set btc feed: %v", err)
	}

	calculator := index.NewCalculator(router, roles, pause)
	if err := calculator.AddComponent(governor, index.BasketFiat, "USD", 10000, 18); err != nil {
		t.Fatalf("add fiat: %v", err)
	}
	if err := calculator.AddComponent(governor, index.BasketCrypto, "BTC", 10000, 18); err != nil {
		t.Fatalf("add crypto: %v", err)
	}

	ledger := token.NewToken("AVGX", nil)
	ledger.SetMinter(engineAddr)
	liquidity := vault.NewVault("ZNHB")
	params := amm.Params{FeeBps: 30, SpreadBps: 10, FeeRecipient: feeRecipient, Treasury: treasuryAddr}
	engine, err := amm.NewEngine(calculator, ledger, liquidity, roles, pause, engineAddr, params)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	adminAuth, err := NewAuthenticator(adminToken)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	srv, err := New(Config{ListenAddress: ":0"}, calculator, engine, router, pause, ledger, liquidity, nil, adminAuth, slog.Default())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, http: ts, vault: liquidity, token: ledger, pause: pause}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, admin bool) (*http.Response, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/healthz", nil, false)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %+v", resp.StatusCode, body)
	}
}

func TestIndexEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/v1/index", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %+v", resp.StatusCode, body)
	}
	// sqrt(1 * 4) = 2 with single-component baskets priced at 1 and 4.
	if body["value"] != "2" {
		t.Fatalf("index value: %+v", body)
	}
	if body["fiat_avg"] != "1" || body["crypto_avg"] != "4" {
		t.Fatalf("basket legs: %+v", body)
	}
}

func TestBasketsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/v1/baskets", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	fiat, ok := body["fiat"].(map[string]any)
	if !ok || fiat["weight_total_bps"].(float64) != 10000 {
		t.Fatalf("fiat basket: %+v", body)
	}
}

func TestQuoteMintEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodPost, "/v1/quote/mint", map[string]string{"base_in": "1000"}, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %+v", resp.StatusCode, body)
	}
	if body["fee"] != "3" {
		t.Fatalf("fee: %+v", body)
	}
	if body["effective_price"] != "2.002" {
		t.Fatalf("effective price: %+v", body)
	}
}

func TestMintEndpointSettles(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodPost, "/admin/vault/credit", map[string]string{
		"account": trader.Hex(),
		"amount":  "1000",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credit: %d %+v", resp.StatusCode, body)
	}
	resp, body = env.request(t, http.MethodPost, "/v1/mint", map[string]string{
		"caller":  trader.Hex(),
		"base_in": "1000",
		"to":      trader.Hex(),
	}, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint: %d %+v", resp.StatusCode, body)
	}
	if env.token.BalanceOf(trader).IsZero() {
		t.Fatal("no tokens minted")
	}
}

func TestMintEndpointSlippageConflict(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodPost, "/admin/vault/credit", map[string]string{
		"account": trader.Hex(),
		"amount":  "1000",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credit: %d %+v", resp.StatusCode, body)
	}
	resp, _ = env.request(t, http.MethodPost, "/v1/mint", map[string]string{
		"caller":       trader.Hex(),
		"base_in":      "1000",
		"min_avgx_out": "1000000",
		"to":           trader.Hex(),
	}, false)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.request(t, http.MethodPost, "/admin/pause", map[string]string{"caller": pauser.Hex()}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminRoleStillEnforced(t *testing.T) {
	env := newTestEnv(t)
	// A valid bearer token does not bypass the role registry.
	resp, _ := env.request(t, http.MethodPost, "/admin/pause", map[string]string{"caller": trader.Hex()}, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestPauseBlocksIndexAndMintButNotQuotes(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodPost, "/admin/pause", map[string]string{"caller": pauser.Hex()}, true)
	if resp.StatusCode != http.StatusOK || body["paused"] != true {
		t.Fatalf("pause: %d %+v", resp.StatusCode, body)
	}
	resp, _ = env.request(t, http.MethodGet, "/v1/index", nil, false)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("index while paused: %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPost, "/v1/mint", map[string]string{
		"caller":  trader.Hex(),
		"base_in": "10",
		"to":      trader.Hex(),
	}, false)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("mint while paused: %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPost, "/v1/quote/mint", map[string]string{"base_in": "10"}, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quote while paused: %d", resp.StatusCode)
	}
	resp, body = env.request(t, http.MethodPost, "/admin/unpause", map[string]string{"caller": pauser.Hex()}, true)
	if resp.StatusCode != http.StatusOK || body["paused"] != false {
		t.Fatalf("unpause: %d %+v", resp.StatusCode, body)
	}
}

func TestComponentAdminFlow(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.request(t, http.MethodPost, "/admin/components", map[string]any{
		"caller":     governor.Hex(),
		"basket":     "fiat",
		"asset":      "EUR",
		"weight_bps": 5000,
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add component: %d", resp.StatusCode)
	}
	// Basket now totals 15000 bps; the index read must fail validation.
	resp, _ = env.request(t, http.MethodGet, "/v1/index", nil, false)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodDelete, "/admin/components/fiat/EUR?caller="+governor.Hex(), nil, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove component: %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodGet, "/v1/index", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index after remove: %d", resp.StatusCode)
	}
}

func TestFeedAdminValidation(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.request(t, http.MethodPut, "/admin/feeds/CHF", map[string]any{
		"caller": trader.Hex(),
		"source": "static:chf",
	}, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPut, "/admin/max-age", map[string]any{
		"caller":          oracleManager.Hex(),
		"max_age_seconds": 0,
	}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSwapsEndpointWithoutStorage(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/v1/swaps", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if swaps, ok := body["swaps"].([]any); !ok || len(swaps) != 0 {
		t.Fatalf("swaps: %+v", body)
	}
}
