package historian

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantflow/flowengine/pkg/cache"
)

type countingReader struct {
	Reader
	calls int
}

func (c *countingReader) Query(ctx context.Context, q Query) (*QueryResult, error) {
	c.calls++
	return c.Reader.Query(ctx, q)
}

func TestCachedReader(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewMemoryStore()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Write(ctx, Sample{Name: "flow.rate", Value: float64(i + 1), TimestampUTC: start.Add(time.Duration(i) * time.Second)}))
	}

	inner := &countingReader{Reader: store}
	reader := NewCachedReader(inner, cache.NewRedisCache(client, &cache.Options{Namespace: "historian"}), time.Minute, time.Minute, nil)
	now := start.Add(time.Hour)
	reader.now = func() time.Time { return now }

	settled := Query{Name: "flow.rate", StartUTC: start, EndUTC: start.Add(time.Minute), MaxPoints: 1, Aggregation: Sum}

	t.Run("settled range is cached", func(t *testing.T) {
		first, err := reader.Query(ctx, settled)
		require.NoError(t, err)
		second, err := reader.Query(ctx, settled)
		require.NoError(t, err)

		assert.Equal(t, 1, inner.calls)
		require.Len(t, second.Points, 1)
		assert.Equal(t, first.Points[0].Value, second.Points[0].Value)
		assert.Equal(t, float64(6), second.Points[0].Value)
	})

	t.Run("open range bypasses the cache", func(t *testing.T) {
		inner.calls = 0
		open := settled
		open.EndUTC = now
		for i := 0; i < 2; i++ {
			_, err := reader.Query(ctx, open)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("invalid query is rejected before lookup", func(t *testing.T) {
		inner.calls = 0
		bad := settled
		bad.MaxPoints = 0
		_, err := reader.Query(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidQuery)
		assert.Equal(t, 0, inner.calls)
	})
}
