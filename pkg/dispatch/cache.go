package dispatch

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/execreq"
	"github.com/remotecc/remotecc/pkg/metrics"
)

// ResultCache memoizes remote compile results on local disk, keyed by
// the normalized request hash. Two invocations that normalize to the
// same key get the same object file without a network round trip.
type ResultCache struct {
	db *badger.DB
}

// OpenResultCache opens (or creates) the cache at dir.
func OpenResultCache(dir string) (*ResultCache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logging is too chatty for a cache
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result cache %s: %w", dir, err)
	}
	return &ResultCache{db: db}, nil
}

// Get returns the cached response for key, or nil on miss.
func (c *ResultCache) Get(key string) (*execreq.CompileResponse, error) {
	if c == nil {
		return nil, nil
	}
	var resp *execreq.CompileResponse
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded := &execreq.CompileResponse{}
			if err := decoded.UnmarshalBinary(val); err != nil {
				return err
			}
			resp = decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.ResultCacheHits.Inc()
	return resp, nil
}

// Put stores a successful response under key.
func (c *ResultCache) Put(key string, resp *execreq.CompileResponse) error {
	if c == nil {
		return nil
	}
	data, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Delete drops one entry.
func (c *ResultCache) Delete(key string) error {
	if c == nil {
		return nil
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// PublishStats copies badger's internal cache counters into the
// prometheus gauges. Called on each /statz scrape.
func (c *ResultCache) PublishStats() {
	if c == nil {
		return
	}
	if m := c.db.BlockCacheMetrics(); m != nil {
		metrics.SetBadgerCacheStats("block", m.Hits(), m.Misses())
	}
	if m := c.db.IndexCacheMetrics(); m != nil {
		metrics.SetBadgerCacheStats("index", m.Hits(), m.Misses())
	}
}

// Close flushes and closes the store.
func (c *ResultCache) Close() error {
	if c == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		logger.Warn("result cache close failed", logger.KeyError, err.Error())
		return err
	}
	return nil
}
