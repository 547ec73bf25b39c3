package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "  Market-One ", "Test key", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Operator != "market-one" {
		t.Errorf("Expected normalized operator market-one, got %s", key.Operator)
	}
	if key.ExpiresAt != nil {
		t.Error("Expected zero ttl to never expire")
	}
}

func TestGenerateKey_RejectsEmptyOperator(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	if _, _, err := mgr.GenerateKey(context.Background(), "  ", "x", 0); err != ErrInvalidOwner {
		t.Errorf("Expected ErrInvalidOwner, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "market", "Primary", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.Operator != "market" {
		t.Errorf("Expected operator market, got %s", key.Operator)
	}

	if _, err = mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKey_Expiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewManager(NewMemoryStore()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "market", "short", time.Hour)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Fatalf("Key should be valid before expiry: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey at expiry, got %v", err)
	}
}

func TestValidateKey_RecordsLastUse(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	mgr := NewManager(store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "market", "k", 0)
	_, _ = mgr.ValidateKey(ctx, rawKey)

	stored, _ := store.Get(ctx, key.ID)
	if !stored.LastUsed.Equal(now) {
		t.Errorf("Expected last use %v, got %v", now, stored.LastUsed)
	}

	// within the touch window the stored value is left alone
	first := now
	now = now.Add(10 * time.Second)
	_, _ = mgr.ValidateKey(ctx, rawKey)
	stored, _ = store.Get(ctx, key.ID)
	if !stored.LastUsed.Equal(first) {
		t.Errorf("Expected last use to stay %v, got %v", first, stored.LastUsed)
	}
}

func TestListKeys(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewManager(NewMemoryStore()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "market-a", "Key 1", 0)
	now = now.Add(time.Second)
	_, _, _ = mgr.GenerateKey(ctx, "market-a", "Key 2", 0)
	_, _, _ = mgr.GenerateKey(ctx, "market-b", "Key 3", 0)

	keys, err := mgr.ListKeys(ctx, "MARKET-A")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Expected 2 keys for market-a, got %d", len(keys))
	}
	if keys[0].Name != "Key 2" {
		t.Errorf("Expected newest key first, got %s", keys[0].Name)
	}

	keys, _ = mgr.ListKeys(ctx, "market-b")
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for market-b, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "market", "To revoke", 0)

	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	revoked, err := mgr.RevokeKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if !revoked.Revoked {
		t.Error("Expected returned key to be revoked")
	}

	if _, err = mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}

	if _, err := mgr.RevokeKey(ctx, "ak_missing"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "market", "Test", 0)
	key, _ := mgr.ValidateKey(ctx, rawKey)

	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
