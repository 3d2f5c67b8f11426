package webhookdedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	return NewRedisStore(srv.Addr(), time.Minute)
}

func TestSeenBeforeFirstDeliveryIsNotDuplicate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	seen, err := store.SeenBefore(context.Background(), "delivery-1")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestSeenBeforeRepeatedDeliveryIsDuplicate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.SeenBefore(context.Background(), "delivery-1")
	require.NoError(t, err)

	seen, err := store.SeenBefore(context.Background(), "delivery-1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestSeenBeforeEmptyDeliveryIDNeverDeduped(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	seen, err := store.SeenBefore(context.Background(), "")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = store.SeenBefore(context.Background(), "")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestNoopStoreNeverReportsDuplicate(t *testing.T) {
	var store Store = NoopStore{}
	seen, err := store.SeenBefore(context.Background(), "delivery-1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = store.SeenBefore(context.Background(), "delivery-1")
	require.NoError(t, err)
	require.False(t, seen)
}
