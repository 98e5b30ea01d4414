package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorder(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, Entry{BookingID: "a", Kind: KindWalletMismatch, Accepted: true}))
	require.NoError(t, r.Record(ctx, Entry{BookingID: "b", Kind: KindPaymentFailed, Code: "USER_REJECTED"}))

	got := r.Entries("a")
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].At.IsZero())
	assert.True(t, got[0].Accepted)
	assert.Len(t, r.Entries(""), 2)
}

func TestPostgresRecorder(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	r, err := NewPostgresRecorder(ctx, pool)
	require.NoError(t, err)

	bookingID := "bk_" + uuid.NewString()
	require.NoError(t, r.Record(ctx, Entry{
		BookingID:       bookingID,
		AttemptID:       uuid.NewString(),
		Kind:            KindWalletMismatch,
		BookingWallet:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		ConnectedWallet: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		Accepted:        true,
	}))

	entries, err := r.ForBooking(ctx, bookingID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindWalletMismatch, entries[0].Kind)
	assert.True(t, entries[0].Accepted)
}
