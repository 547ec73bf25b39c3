package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/skinsettle/internal/testutil"
)

func TestPostgresStore_CreateIfAbsent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := &Receipt{
		SettlementID: "stl_pg", AssetID: "111", RecipientIdentity: testRecipient,
		Signature: "0xaa", SignedAt: now, OracleID: "0xoracle", PayloadHash: "0xhash", CreatedAt: now,
	}
	stored, created, err := store.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "0xaa", stored.Signature)

	second := *first
	second.Signature = "0xbb"
	second.SignedAt = now.Add(time.Minute)
	stored, created, err = store.CreateIfAbsent(ctx, &second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "0xaa", stored.Signature, "first writer wins")

	got, err := store.Get(ctx, "stl_pg")
	require.NoError(t, err)
	assert.True(t, got.SignedAt.Equal(now))

	list, err := store.ListByRecipient(ctx, testRecipient, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}
