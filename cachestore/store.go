// Package cachestore owns all cache generations: named, versioned
// collections of captured responses. A generation is a keyspace prefix on a
// shared storage provider; retiring a generation purges its whole prefix.
package cachestore

import (
	"net/http"
	"sort"
	"strings"

	"github.com/offlinecache/offlinecache/pkg/serializer"
)

const (
	generationSeparator = "|"
	methodSeparator     = " "
)

// Store is the registry of all cache generations on a single provider.
// It is the only component that hands out generation handles; nothing else
// reaches into the provider's keyspace directly.
type Store struct {
	provider Provider
}

func NewStore(provider Provider) *Store {
	return &Store{provider: provider}
}

// Generation returns a handle scoped to the named generation.
// The namespace is created lazily on first write.
func (s *Store) Generation(name string) Generation {
	return Generation{name: name, provider: s.provider}
}

// Names returns the distinct generation names currently present.
func (s *Store) Names() ([]string, error) {
	seen := map[string]bool{}
	err := s.provider.Keys("", func(key string) {
		if name, _, found := strings.Cut(key, generationSeparator); found {
			seen[name] = true
		}
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete retires a whole generation, removing every entry it owns.
// Deleting a generation that never existed is not an error.
func (s *Store) Delete(name string) error {
	return s.provider.Purge(name + generationSeparator)
}

// Generation is a handle to one named generation.
// All reads and writes through a handle stay inside that generation's
// keyspace.
type Generation struct {
	name     string
	provider Provider
}

func (g Generation) Name() string {
	return g.name
}

func (g Generation) Get(key string) (serializer.Snapshot, bool, error) {
	bytes, ok, err := g.provider.Get(g.entryKey(key))
	if err != nil || !ok {
		return serializer.Snapshot{}, false, err
	}
	snap, err := serializer.Decode(bytes)
	if err != nil {
		return serializer.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Put stores a snapshot under the given key, overwriting any previous entry.
// The snapshot is serialized in full before the provider write, so a stored
// entry is never partial.
func (g Generation) Put(key string, snap serializer.Snapshot) error {
	bytes, err := serializer.Encode(snap)
	if err != nil {
		return err
	}
	return g.provider.Put(g.entryKey(key), bytes)
}

func (g Generation) Delete(key string) error {
	return g.provider.Delete(g.entryKey(key))
}

func (g Generation) Has(key string) (bool, error) {
	return g.provider.Has(g.entryKey(key))
}

// Keys calls cb for every entry key in this generation, in order.
func (g Generation) Keys(cb func(string)) error {
	prefix := g.name + generationSeparator
	return g.provider.Keys(prefix, func(key string) {
		cb(strings.TrimPrefix(key, prefix))
	})
}

func (g Generation) entryKey(key string) string {
	return g.name + generationSeparator + key
}

// RequestKey derives the cache entry identity for a request: the normalized
// method plus the request URI. Query parameters are significant; headers are
// not part of the identity.
func RequestKey(r *http.Request) string {
	return Key(r.Method, r.URL.RequestURI())
}

// Key builds an entry identity from a method and a request URI.
// HEAD is normalized to GET so both methods share one entry.
func Key(method, uri string) string {
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	return method + methodSeparator + uri
}
