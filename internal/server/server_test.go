package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/skinsettle/internal/auth"
	"github.com/mbd888/skinsettle/internal/chain"
	"github.com/mbd888/skinsettle/internal/config"
	"github.com/mbd888/skinsettle/internal/logging"
	"github.com/mbd888/skinsettle/internal/steam"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	adminSecret = "test-admin-secret"
	seller      = "76561198000000001"
	buyer       = "76561198000000002"
)

// stubSteam serves fixed inventories and accepts every offer.
type stubSteam struct {
	mu     sync.Mutex
	items  map[string][]steam.Item
	offers int
}

func newStubSteam() *stubSteam {
	return &stubSteam{items: map[string][]steam.Item{}}
}

func (s *stubSteam) give(identity, assetID string) {
	s.mu.Lock()
	s.items[identity] = append(s.items[identity], steam.Item{AssetID: assetID, Tradable: true})
	s.mu.Unlock()
}

func (s *stubSteam) FetchInventory(_ context.Context, identity string) (*steam.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &steam.Snapshot{
		Identity:  identity,
		Items:     append([]steam.Item(nil), s.items[identity]...),
		FetchedAt: time.Now(),
	}, nil
}

func (s *stubSteam) SendOffer(context.Context, steam.OfferRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers++
	return fmt.Sprintf("%d", 9000+s.offers), nil
}

func (s *stubSteam) GetOfferStatus(context.Context, string) (steam.OfferState, error) {
	return steam.OfferActive, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		OraclePrivateKey:      testKey,
		OraclePollInterval:    time.Hour,
		OracleWorkers:         2,
		OracleFetchTimeout:    time.Second,
		ChainID:               31337,
		SteamDailyQuota:       1000,
		DefaultDeadline:       5 * time.Minute,
		MinDeadline:           time.Minute,
		MaxDeadline:           10 * time.Minute,
		OwnershipMaxStaleness: 10 * time.Minute,
		AdminSecret:           adminSecret,
		WebhookTimeout:        time.Second,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	s.shutdownDelay = 0
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func admin() map[string]string {
	return map[string]string{auth.AdminHeader: adminSecret}
}

func mintKey(t *testing.T, s *Server) string {
	t.Helper()
	w := do(s, "POST", "/v1/admin/api-keys", `{"operator":"market-1"}`, admin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["apiKey"].(string)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
	assert.Equal(t, Version, w.Header().Get("X-Skinsettle-Version"))
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	// Server hasn't called Run() so ready is false
	w := do(s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	s.watcher.Stop()
	w = do(s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "watcher never started")
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "skinsettle_")
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/v1/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "skinsettle", body["name"])
	assert.Equal(t, true, body["mockEscrow"])
	assert.True(t, strings.HasPrefix(body["oracleId"].(string), "0x"))
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/health/live", "", map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(s, "GET", "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testConfig())

	registered := map[string]bool{}
	for _, r := range s.Router().Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /ws",
		"POST /v1/settlements",
		"GET /v1/settlements/:settlementId",
		"GET /v1/identities/:identity/settlements",
		"GET /v1/receipts/:settlementId",
		"POST /v1/receipts/verify",
		"GET /v1/identities/:identity/link",
		"PUT /v1/admin/identities",
		"POST /v1/admin/settlements/:settlementId/verify",
		"POST /v1/admin/settlements/reconcile",
		"POST /v1/admin/api-keys",
		"POST /v1/admin/webhooks",
		"GET /v1/admin/oracle",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
}

// ---------------------------------------------------------------------------
// Auth gating
// ---------------------------------------------------------------------------

func TestStartSettlement_RequiresAPIKey(t *testing.T) {
	s := newTestServer(t, testConfig(), WithSteamAPI(newStubSteam()))

	w := do(s, "POST", "/v1/settlements", `{"settlementId":"stl_1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, "POST", "/v1/settlements", `{"settlementId":"stl_1"}`,
		map[string]string{"Authorization": "Bearer sk_" + strings.Repeat("0", 64)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes_RequireSecret(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/v1/admin/oracle", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, "GET", "/v1/admin/oracle", "", map[string]string{auth.AdminHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, "GET", "/v1/admin/oracle", "", admin())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutes_DisabledWithoutSecretOutsideDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	cfg.AdminSecret = ""
	s := newTestServer(t, cfg)

	w := do(s, "GET", "/v1/admin/oracle", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOracleStatus_ReportsSteamQuota(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/v1/admin/oracle", "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1000), body["quotaRemaining"])
	assert.Equal(t, false, body["running"])
}

// ---------------------------------------------------------------------------
// End-to-end settlement flow
// ---------------------------------------------------------------------------

func TestSettlementFlow(t *testing.T) {
	api := newStubSteam()
	api.give(seller, "111")
	escrow := chain.NewMockEscrow()
	s := newTestServer(t, testConfig(), WithSteamAPI(api), WithEscrow(escrow))
	key := mintKey(t, s)
	bearer := map[string]string{"Authorization": "Bearer " + key}

	w := do(s, "POST", "/v1/settlements", fmt.Sprintf(
		`{"settlementId":"stl_e2e","sellerIdentity":"%s","buyerIdentity":"%s","assetId":"111"}`, seller, buyer), bearer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["accepted"])
	assert.True(t, s.watcher.Watching("stl_e2e"))

	w = do(s, "GET", "/v1/settlements/stl_e2e", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "monitoring", decode(t, w)["settlement"].(map[string]interface{})["state"])

	// The buyer receives the item; an admin check confirms delivery.
	api.give(buyer, "111")
	w = do(s, "POST", "/v1/admin/settlements/stl_e2e/verify", "", admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "delivered", body["settlement"].(map[string]interface{})["state"])

	_, confirmed := escrow.Confirmed("stl_e2e")
	assert.True(t, confirmed)

	w = do(s, "GET", "/v1/receipts/stl_e2e", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, "GET", "/v1/identities/"+buyer+"/settlements", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["settlements"], 1)
}

func TestSettlementRejected_SellerLacksItem(t *testing.T) {
	s := newTestServer(t, testConfig(), WithSteamAPI(newStubSteam()))
	key := mintKey(t, s)

	w := do(s, "POST", "/v1/settlements", fmt.Sprintf(
		`{"settlementId":"stl_no","sellerIdentity":"%s","buyerIdentity":"%s","assetId":"111"}`, seller, buyer),
		map[string]string{"Authorization": "Bearer " + key})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["accepted"])
}

func TestIdentityRoutes_RejectMalformedIdentity(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/v1/identities/not-an-id/settlements", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_identity", decode(t, w)["error"])
}

func TestGetSettlement_NotFound(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, "GET", "/v1/settlements/stl_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, WithLogger(logging.Discard()), WithSteamAPI(newStubSteam()))
	require.NoError(t, err)
	s.shutdownDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, s.watcher.Running, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:%2A%2A%2A@db:5432/skinsettle", maskDSN("postgres://user:hunter2@db:5432/skinsettle"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
