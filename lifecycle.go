package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/offlinecache/offlinecache/cachestore"
	"github.com/offlinecache/offlinecache/pkg/serializer"
)

// ErrInstallIncomplete means one or more manifest entries could not be
// fetched and stored. Installation is all-or-nothing: a partial manifest is
// a failed install, never a partial success, and prior generations keep
// serving untouched.
var ErrInstallIncomplete = errors.New("install incomplete")

type LifecycleState string

const (
	StateUninstalled LifecycleState = "uninstalled"
	StateInstalling  LifecycleState = "installing"
	StateInstalled   LifecycleState = "installed"
	StateActivating  LifecycleState = "activating"
	StateActive      LifecycleState = "active"
)

// LifecycleEvent is the typed message emitted across the process boundary
// when a lifecycle transition completes.
type LifecycleEvent struct {
	Type    string // "installed" | "activated"
	Version string
}

// Lifecycle governs the two-phase install/activate protocol for cache
// generations. Install prepares a freshly named static generation from the
// asset manifest; Activate retires every superseded generation and takes
// over interception for all open sessions.
type Lifecycle struct {
	store    *cachestore.Store
	fetcher  Fetcher
	manifest []string
	version  string
	// promote immediately after a successful install instead of waiting
	// for an explicit activate
	skipWaiting bool
	log         zerolog.Logger

	mutex   sync.Mutex
	state   LifecycleState
	current atomic.Pointer[GenerationSet]
	events  chan LifecycleEvent
}

type LifecycleConfig struct {
	Store *cachestore.Store
	// Fetcher used for manifest installation.
	Fetcher Fetcher
	// Ordered list of root-relative URLs that must be present in the
	// static generation immediately after install.
	Manifest []string
	// Version tag encoded into generation names.
	Version     string
	SkipWaiting bool
	Logger      *zerolog.Logger
}

func NewLifecycle(config LifecycleConfig) *Lifecycle {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	l := &Lifecycle{
		store:       config.Store,
		fetcher:     config.Fetcher,
		manifest:    config.Manifest,
		version:     config.Version,
		skipWaiting: config.SkipWaiting,
		state:       StateUninstalled,
		events:      make(chan LifecycleEvent, 16),
		log:         logger.With().Str("component", "lifecycle").Str("version", config.Version).Logger(),
	}
	// before the first takeover the configured set serves traffic; a fresh
	// process has nothing older to serve
	l.current.Store(&GenerationSet{
		Static:  l.store.Generation(l.staticName()),
		Dynamic: l.store.Generation(l.dynamicName()),
	})
	return l
}

func (l *Lifecycle) staticName() string {
	return "static-" + l.version
}

func (l *Lifecycle) dynamicName() string {
	return "dynamic-" + l.version
}

// Current returns the generation set serving traffic right now.
func (l *Lifecycle) Current() GenerationSet {
	return *l.current.Load()
}

func (l *Lifecycle) State() LifecycleState {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state
}

// Events delivers lifecycle transition messages to the hosting application.
func (l *Lifecycle) Events() <-chan LifecycleEvent {
	return l.events
}

// Install fetches every manifest entry and writes them into the static
// generation for this version. All-or-nothing: every entry is fetched into
// memory first and nothing is written until all fetches have succeeded, so
// a failure leaves no partial generation behind and the manager stays
// retryable. Re-running install with an unchanged manifest is idempotent.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.setState(StateInstalling)
	l.log.Info().Int("entries", len(l.manifest)).Msg("Installing static generation")

	type staged struct {
		key  string
		snap serializer.Snapshot
	}
	snaps := make([]staged, 0, len(l.manifest))
	for _, entry := range l.manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry, nil)
		if err != nil {
			return fmt.Errorf("%w: bad manifest entry %q: %v", ErrInstallIncomplete, entry, err)
		}
		snap, err := l.fetcher.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: fetch %q: %v", ErrInstallIncomplete, entry, err)
		}
		if snap.Status >= 400 {
			return fmt.Errorf("%w: fetch %q: status %d", ErrInstallIncomplete, entry, snap.Status)
		}
		snaps = append(snaps, staged{key: cachestore.Key(http.MethodGet, req.URL.RequestURI()), snap: snap})
	}

	gen := l.store.Generation(l.staticName())
	for _, s := range snaps {
		if err := gen.Put(s.key, s.snap); err != nil {
			return fmt.Errorf("%w: store %q: %v", ErrInstallIncomplete, s.key, err)
		}
	}

	l.setState(StateInstalled)
	l.emit(LifecycleEvent{Type: "installed", Version: l.version})
	l.log.Info().Msg("Install complete")

	if l.skipWaiting {
		return l.Activate(ctx)
	}
	return nil
}

// Activate retires every generation whose name is not in the current
// static/dynamic set, then claims interception: the generation handles are
// swapped atomically so all in-flight and future requests for every open
// session use the new set, without waiting for a reload.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.setState(StateActivating)
	keep := map[string]bool{
		l.staticName():  true,
		l.dynamicName(): true,
	}
	names, err := l.store.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		l.log.Info().Str("generation", name).Msg("Retiring superseded generation")
		if err := l.store.Delete(name); err != nil {
			return err
		}
	}

	l.current.Store(&GenerationSet{
		Static:  l.store.Generation(l.staticName()),
		Dynamic: l.store.Generation(l.dynamicName()),
	})
	l.setState(StateActive)
	l.emit(LifecycleEvent{Type: "activated", Version: l.version})
	l.log.Info().Msg("Activated, claimed all sessions")
	return nil
}

func (l *Lifecycle) setState(state LifecycleState) {
	l.mutex.Lock()
	l.state = state
	l.mutex.Unlock()
}

func (l *Lifecycle) emit(event LifecycleEvent) {
	select {
	case l.events <- event:
	default:
		// the hosting application is not listening; do not block lifecycle
	}
}
