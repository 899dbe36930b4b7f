package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "data/permits.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://data/permits.json", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), "data/permits.json")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(context.Background(), "data/permits.json")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
}

func TestBlobStoreGetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "permits.json")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}

func TestBlobStoreFailWrites(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	boom := errors.New("quota exceeded")
	store.FailWrites("all_permits.json", boom)

	_, err := store.PutObject(context.Background(), "all_permits.json", "", bytes.NewReader(nil))
	require.ErrorIs(t, err, boom)

	store.FailWrites("all_permits.json", nil)
	_, err = store.PutObject(context.Background(), "all_permits.json", "", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	require.Equal(t, []string{"all_permits.json"}, store.Paths())
}
