package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	record := Record{
		BookingID:  "bk_1",
		StatusCode: 201,
		Response:   []byte("ok"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Save(ctx, Key("bk_1", "abc"), record))

	got, err := store.Get(ctx, "bk_1:abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ok", string(got.Response))
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k", Record{ExpiresAt: time.Now().Add(-time.Second)}))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLookupDetectsKeyReuse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	fp := Fingerprint([]byte(`{"acceptWalletMismatch":false}`))
	require.NoError(t, store.Save(ctx, "k", Record{Fingerprint: fp, StatusCode: 201, ExpiresAt: time.Now().Add(time.Hour)}))

	rec, err := Lookup(ctx, store, "k", fp)
	require.NoError(t, err)
	assert.Equal(t, 201, rec.StatusCode)

	_, err = Lookup(ctx, store, "k", Fingerprint([]byte(`{"acceptWalletMismatch":true}`)))
	assert.ErrorIs(t, err, ErrKeyReused)

	rec, err = Lookup(ctx, store, "other", fp)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	record := Record{
		BookingID:  "bk_9",
		StatusCode: 201,
		Response:   []byte("resp"),
		CreatedAt:  time.Unix(0, 0),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Save(ctx, "key", record))
	require.NoError(t, store.Save(ctx, "stale", Record{ExpiresAt: time.Now().Add(-time.Hour)}))

	_, err = os.Stat(path)
	require.NoError(t, err)

	store2, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := store2.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "resp", string(got.Response))
	assert.Equal(t, "bk_9", got.BookingID)
	assert.NotContains(t, store2.data, "stale")
}
