// Package offlinecache is a request-interception and caching gateway that
// sits between a client application and the network. It classifies incoming
// requests, routes them through one of four caching strategies against
// versioned cache generations, synthesizes offline responses when neither
// network nor cache can answer, and queues failed mutations for replay once
// connectivity returns.
package offlinecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/offlinecache/offlinecache/cachestore"
	"github.com/offlinecache/offlinecache/pkg/classifier"
	"github.com/offlinecache/offlinecache/pkg/notify"
	"github.com/offlinecache/offlinecache/pkg/offline"
	"github.com/offlinecache/offlinecache/pkg/serializer"
	"github.com/offlinecache/offlinecache/syncqueue"
)

// ControlPrefix is the path prefix reserved for the gateway's control
// surface: lifecycle messages, sync drain, push ingest and metrics.
const ControlPrefix = "/.ocache"

type Config struct {
	// Storage for cache entries.
	Provider cachestore.Provider
	// URL of the origin server. Origins with paths are not supported.
	OriginURL url.URL
	// Version tag for the cache generations owned by this gateway.
	Version string
	// Ordered list of root-relative URLs precached at install.
	Manifest []string
	// Path prefixes classified as API data.
	APIPrefixes []string
	// Paths or "/prefix/*" patterns classified as navigable pages.
	PagePatterns []string
	// Promote a successful install immediately.
	SkipWaiting bool
	// Queue for mutating requests that failed due to connectivity loss.
	// If nil, failed mutations are not queued.
	Queue *syncqueue.Queue
	// Dispatcher for push notifications. If nil, push ingest is disabled.
	Notifier *notify.Dispatcher
	// Logger to use. A nop logger is used if nil.
	Logger *zerolog.Logger
}

// Gateway is the interception layer. It implements http.Handler.
type Gateway struct {
	store      *cachestore.Store
	queue      *syncqueue.Queue
	classifier classifier.Classifier
	strategies *Strategies
	lifecycle  *Lifecycle
	fetcher    Fetcher
	metrics    *Metrics
	notifier   *notify.Dispatcher
	control    http.Handler
	log        zerolog.Logger
}

func New(config Config) *Gateway {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("origin", config.OriginURL.String()).Logger()

	metrics := NewMetrics()
	store := cachestore.NewStore(config.Provider)
	fetcher := NewOriginFetcher(config.OriginURL, metrics)
	lifecycle := NewLifecycle(LifecycleConfig{
		Store:       store,
		Fetcher:     fetcher,
		Manifest:    config.Manifest,
		Version:     config.Version,
		SkipWaiting: config.SkipWaiting,
		Logger:      &logger,
	})
	g := &Gateway{
		store: store,
		queue: config.Queue,
		classifier: classifier.Classifier{
			APIPrefixes:  config.APIPrefixes,
			PagePatterns: config.PagePatterns,
		},
		strategies: NewStrategies(fetcher, lifecycle.Current, metrics, logger),
		lifecycle:  lifecycle,
		fetcher:    fetcher,
		metrics:    metrics,
		notifier:   config.Notifier,
		log:        logger,
	}
	g.control = g.controlRouter()
	return g
}

// Run performs the install/activate sequence. It is called once at process
// start; install failures are returned for the caller's retry policy, with
// prior generations untouched and serving.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.lifecycle.Install(ctx); err != nil {
		return err
	}
	if g.lifecycle.State() == StateActive {
		// skip-waiting already activated
		return nil
	}
	return g.lifecycle.Activate(ctx)
}

// Lifecycle exposes the lifecycle manager, e.g. for its event channel.
func (g *Gateway) Lifecycle() *Lifecycle {
	return g.lifecycle
}

// Metrics exposes the gateway's metric collectors.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Wait blocks until background strategy work has drained.
func (g *Gateway) Wait() {
	g.strategies.Wait()
}

// ServeHTTP implements the http.Handler interface.
// Every request is classified and dispatched to exactly one strategy;
// non-safe methods bypass caching entirely.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, ControlPrefix) {
		http.StripPrefix(ControlPrefix, g.control).ServeHTTP(w, r)
		return
	}

	category := g.classifier.Classify(r.Method, r.URL)
	log := g.log.With().
		Str("method", r.Method).
		Str("url", r.URL.RequestURI()).
		Str("category", string(category)).
		Logger()

	if category == classifier.CategoryBypass {
		g.forward(w, r, log)
		return
	}

	var snap serializer.Snapshot
	var err error
	switch category {
	case classifier.CategoryStaticAsset:
		snap, err = g.strategies.CacheFirst(r.Context(), r)
	case classifier.CategoryApiData:
		snap, err = g.strategies.NetworkFirst(r.Context(), r)
	case classifier.CategoryNavigablePage:
		snap, err = g.strategies.StaleWhileRevalidate(r.Context(), r)
	default:
		snap, err = g.strategies.NetworkWithFallback(r.Context(), r)
	}

	if err != nil {
		// no network, no cache, no synthesized content: an explicit
		// failed-operation signal the client must handle
		log.Debug().Err(err).Msg("Request failed with no substitute")
		http.Error(w, "origin unreachable and no cached copy", http.StatusBadGateway)
		return
	}
	if err := snap.WriteTo(w); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
		return
	}
	log.Debug().Int("status", snap.Status).Msg("Sending response to client")
}

// forward sends a non-safe request straight to the origin with no
// interception. If the transport fails on a mutating request, the request is
// queued for replay and the offline payload is returned instead.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}
	req := r.Clone(r.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))

	snap, err := g.fetcher.Fetch(r.Context(), req)
	if err == nil {
		if werr := snap.WriteTo(w); werr != nil {
			log.Error().Err(werr).Msg("Could not write response body to client")
		}
		return
	}
	if !errors.Is(err, ErrNetworkUnavailable) || !isMutating(r.Method) || g.queue == nil {
		log.Debug().Err(err).Msg("Forward failed")
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}

	entry, qerr := g.queue.Enqueue(r, body)
	if qerr != nil {
		// losing a queued mutation silently would break at-least-once
		// delivery, so a storage failure here is fatal to the call
		log.Error().Err(qerr).Msg("Could not queue mutation")
		http.Error(w, "could not queue request for replay", http.StatusInternalServerError)
		return
	}
	g.metrics.QueuedMutations.Inc()
	log.Debug().Str("id", entry.ID).Msg("Mutation queued for replay")

	offlineSnap := offline.APIResponse(time.Now())
	w.Header().Set("Ocache-Queued", entry.ID)
	if werr := offlineSnap.WriteTo(w); werr != nil {
		log.Error().Err(werr).Msg("Could not write response body to client")
	}
}

// DrainQueue replays queued mutations in enqueue order. It is invoked on a
// connectivity-restored signal.
func (g *Gateway) DrainQueue(ctx context.Context) (int, error) {
	if g.queue == nil {
		return 0, nil
	}
	delivered, err := g.queue.DrainAndReplay(ctx, g.replay)
	g.metrics.QueueReplays.Add(float64(delivered))
	return delivered, err
}

// replay resends one queued entry. Any response from the origin, error
// status included, counts as delivered: the network was reachable and
// at-least-once delivery is the guarantee.
func (g *Gateway) replay(ctx context.Context, entry syncqueue.Entry) error {
	u, err := url.Parse(entry.URL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, entry.Method, u.String(), bytes.NewReader(entry.Body))
	if err != nil {
		return err
	}
	copyRequestHeader(req.Header, entry.Header)
	_, err = g.fetcher.Fetch(ctx, req)
	return err
}

func (g *Gateway) controlRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/lifecycle/install", func(w http.ResponseWriter, req *http.Request) {
		if err := g.lifecycle.Install(req.Context()); err != nil {
			g.log.Error().Err(err).Msg("Install failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"state": string(g.lifecycle.State())})
	})
	r.Post("/lifecycle/activate", func(w http.ResponseWriter, req *http.Request) {
		if err := g.lifecycle.Activate(req.Context()); err != nil {
			g.log.Error().Err(err).Msg("Activate failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"state": string(g.lifecycle.State())})
	})
	r.Get("/lifecycle/state", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]string{"state": string(g.lifecycle.State())})
	})
	r.Post("/sync/drain", func(w http.ResponseWriter, req *http.Request) {
		delivered, err := g.DrainQueue(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"replayed": delivered})
	})
	r.Post("/push", func(w http.ResponseWriter, req *http.Request) {
		if g.notifier == nil {
			http.Error(w, "push not configured", http.StatusNotImplemented)
			return
		}
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "could not read payload", http.StatusBadRequest)
			return
		}
		if err := g.notifier.Dispatch(string(payload)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/push/action/{action}", func(w http.ResponseWriter, req *http.Request) {
		if g.notifier == nil {
			http.Error(w, "push not configured", http.StatusNotImplemented)
			return
		}
		if err := g.notifier.Resolve(chi.URLParam(req, "action")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", g.metrics.Handler())
	return r
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
