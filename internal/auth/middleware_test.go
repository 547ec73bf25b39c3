package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "Market", "test-key", 0)
	return mgr, rawKey, key
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)

	if got := GetOperator(c); got != "market" {
		t.Errorf("Expected operator market, got %q", got)
	}
	key, ok := GetAPIKey(c)
	if !ok {
		t.Fatal("Expected API key to be set in context")
	}
	if key.Name != "test-key" {
		t.Errorf("Expected key name 'test-key', got %s", key.Name)
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if !IsAuthenticated(c) {
		t.Error("Expected authentication via X-API-Key header")
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_invalidkey000000000000000000000000000000000000000000000000000000")

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected API key NOT to be set for invalid key")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid key")
	}
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 (pass-through), got %d", w.Code)
	}
}

func TestMiddleware_RevokedKey_DoesNotSetContext(t *testing.T) {
	mgr, rawKey, key := setupMiddlewareTest()
	_, _ = mgr.RevokeKey(context.Background(), key.ID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", rawKey)

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected revoked key NOT to set context")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_NoAuth_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/settlements", nil)

	RequireAuth()(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if !c.IsAborted() {
		t.Error("Expected request to be aborted")
	}
}

func TestRequireAuth_WithAuth_Passes(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/settlements", nil)
	c.Set(ContextKeyAPIKey, &APIKey{Operator: "market"})

	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("Expected request to pass through when authenticated")
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		open     bool
		header   string
		wantCode int
		wantPass bool
	}{
		{"correct secret", "supersecret123", false, "supersecret123", http.StatusOK, true},
		{"wrong secret", "supersecret123", false, "wrongsecret", http.StatusForbidden, false},
		{"missing header", "supersecret123", false, "", http.StatusUnauthorized, false},
		{"no secret in development", "", true, "", http.StatusOK, true},
		{"no secret elsewhere", "", false, "anything", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request, _ = http.NewRequest("POST", "/admin/api-keys", nil)
			if tt.header != "" {
				c.Request.Header.Set(AdminHeader, tt.header)
			}

			RequireAdmin(tt.secret, tt.open)(c)

			if c.IsAborted() == tt.wantPass {
				t.Errorf("aborted = %v, want pass = %v", c.IsAborted(), tt.wantPass)
			}
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}
