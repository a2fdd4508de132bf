package offlinecache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/offlinecache/offlinecache/cachestore"
	"github.com/offlinecache/offlinecache/pkg/offline"
	"github.com/offlinecache/offlinecache/pkg/serializer"
)

const (
	strategyCacheFirst           = "cache-first"
	strategyNetworkFirst         = "network-first"
	strategyStaleWhileRevalidate = "stale-while-revalidate"
	strategyNetworkWithFallback  = "network-with-fallback"
)

const revalidateTimeout = 30 * time.Second

// GenerationSet is the pair of generations currently serving traffic.
type GenerationSet struct {
	Static  cachestore.Generation
	Dynamic cachestore.Generation
}

// Strategies executes the caching algorithms against the current generation
// set. The set is read through a function so a lifecycle takeover applies to
// in-flight executions as soon as it happens.
type Strategies struct {
	fetcher Fetcher
	current func() GenerationSet
	metrics *Metrics
	log     zerolog.Logger

	// tracks background revalidations so a teardown can wait for them
	background sync.WaitGroup
}

func NewStrategies(fetcher Fetcher, current func() GenerationSet, metrics *Metrics, logger zerolog.Logger) *Strategies {
	return &Strategies{
		fetcher: fetcher,
		current: current,
		metrics: metrics,
		log:     logger.With().Str("component", "strategy").Logger(),
	}
}

// CacheFirst serves static assets: a stored entry is returned without any
// network contact. On a miss the network result is stored and returned; a
// network failure propagates, since the caller supplies the last-resort
// fallback for assets.
func (s *Strategies) CacheFirst(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	key := cachestore.RequestKey(r)
	gen := s.current().Static
	if snap, ok := s.lookup(gen, key, strategyCacheFirst); ok {
		return snap, nil
	}
	snap, err := s.fetcher.Fetch(ctx, r)
	if err != nil {
		return serializer.Snapshot{}, err
	}
	s.store(gen, key, snap, strategyCacheFirst)
	return snap, nil
}

// NetworkFirst serves API data: the network wins when reachable, the most
// recent stored entry covers an outage, and with neither the synthesized
// offline payload is returned. It never fails.
func (s *Strategies) NetworkFirst(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	key := cachestore.RequestKey(r)
	gen := s.current().Dynamic
	snap, err := s.fetcher.Fetch(ctx, r)
	if err == nil {
		s.store(gen, key, snap, strategyNetworkFirst)
		return snap, nil
	}
	s.log.Debug().Err(err).Str("key", key).Msg("Network failed, trying cache")
	if cached, ok := s.lookup(gen, key, strategyNetworkFirst); ok {
		return cached, nil
	}
	s.metrics.OfflineResponses.WithLabelValues("api").Inc()
	return offline.APIResponse(time.Now()), nil
}

// StaleWhileRevalidate serves navigable pages: a stored entry is returned
// immediately, never waiting on the network, while a background fetch
// refreshes the entry for next time. Without a stored entry the network
// outcome is decisive and a failure propagates with no substitute.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	key := cachestore.RequestKey(r)
	gen := s.current().Dynamic
	if cached, ok := s.lookup(gen, key, strategyStaleWhileRevalidate); ok {
		s.revalidate(r, key)
		return cached, nil
	}
	snap, err := s.fetcher.Fetch(ctx, r)
	if err != nil {
		return serializer.Snapshot{}, err
	}
	s.store(gen, key, snap, strategyStaleWhileRevalidate)
	return snap, nil
}

// NetworkWithFallback serves uncategorized requests: network first, stored
// entry on failure, synthesized offline page with neither. It never fails.
func (s *Strategies) NetworkWithFallback(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	key := cachestore.RequestKey(r)
	gen := s.current().Dynamic
	snap, err := s.fetcher.Fetch(ctx, r)
	if err == nil {
		s.store(gen, key, snap, strategyNetworkWithFallback)
		return snap, nil
	}
	s.log.Debug().Err(err).Str("key", key).Msg("Network failed, trying cache")
	if cached, ok := s.lookup(gen, key, strategyNetworkWithFallback); ok {
		return cached, nil
	}
	s.metrics.OfflineResponses.WithLabelValues("page").Inc()
	return offline.PageResponse(time.Now()), nil
}

// revalidate refreshes the entry for the given request in the background.
// The fetch is fire-and-forget: it runs on its own detached context and its
// failure is swallowed deliberately (logged, nothing more). The overwrite
// only becomes visible after the caller has already received the stale
// value.
func (s *Strategies) revalidate(r *http.Request, key string) {
	req := r.Clone(context.Background())
	req.Body = nil
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
		defer cancel()
		snap, err := s.fetcher.Fetch(ctx, req)
		if err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("Background revalidation failed")
			return
		}
		// writes go to whatever generation is current at completion time
		s.store(s.current().Dynamic, key, snap, strategyStaleWhileRevalidate)
	}()
}

// Wait blocks until all background revalidations have completed.
func (s *Strategies) Wait() {
	s.background.Wait()
}

func (s *Strategies) lookup(gen cachestore.Generation, key, strategy string) (serializer.Snapshot, bool) {
	snap, ok, err := gen.Get(key)
	if err != nil {
		// best-effort cache: a broken read is a miss
		s.log.Error().Err(err).Str("key", key).Msg("Cache read failed")
		ok = false
	}
	if ok {
		s.metrics.CacheHits.WithLabelValues(strategy).Inc()
		return snap, true
	}
	s.metrics.CacheMisses.WithLabelValues(strategy).Inc()
	return serializer.Snapshot{}, false
}

// store writes a snapshot unless its status indicates an error outcome.
// Error-status responses are returned to callers as-is but never cached, so
// a 4xx/5xx body cannot poison the cache. Write failures are logged and
// swallowed.
func (s *Strategies) store(gen cachestore.Generation, key string, snap serializer.Snapshot, strategy string) {
	if snap.Status >= 400 {
		s.log.Trace().Str("key", key).Int("status", snap.Status).Msg("Not caching error response")
		return
	}
	if err := gen.Put(key, snap); err != nil {
		s.log.Error().Err(err).Str("key", key).Str("strategy", strategy).Msg("Cache write failed")
	}
}
