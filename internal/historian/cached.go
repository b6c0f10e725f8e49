package historian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/plantflow/flowengine/pkg/cache"
	"github.com/plantflow/flowengine/pkg/logger"
)

// CachedReader serves repeated queries over settled ranges from a cache.
// A range is settled once its end lies Settle in the past; open ranges
// always go to the inner reader.
type CachedReader struct {
	inner  Reader
	cache  cache.Cache
	ttl    time.Duration
	settle time.Duration
	now    func() time.Time
	logger logger.Logger
}

func NewCachedReader(inner Reader, c cache.Cache, ttl, settle time.Duration, log logger.Logger) *CachedReader {
	if log == nil {
		log = logger.NewNop()
	}
	return &CachedReader{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		settle: settle,
		now:    time.Now,
		logger: log.With("component", "historian-cache"),
	}
}

func (r *CachedReader) Query(ctx context.Context, q Query) (*QueryResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.EndUTC.After(r.now().Add(-r.settle)) {
		return r.inner.Query(ctx, q)
	}

	key, err := queryKey(q)
	if err != nil {
		return r.inner.Query(ctx, q)
	}

	var cached QueryResult
	err = r.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		r.logger.Warn("Historian cache read failed", "name", q.Name, "error", err)
	}

	res, err := r.inner.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, res, r.ttl); err != nil {
		r.logger.Warn("Historian cache write failed", "name", q.Name, "error", err)
	}
	return res, nil
}

func queryKey(q Query) (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "query:" + q.Name + ":" + hex.EncodeToString(sum[:]), nil
}
