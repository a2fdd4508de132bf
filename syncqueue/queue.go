// Package syncqueue is a durable FIFO of mutating requests that failed due
// to connectivity loss. Entries are replayed in strict enqueue order once
// connectivity returns; a failed replay leaves its entry in place for the
// next drain. Delivery is at-least-once, never exactly-once.
package syncqueue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrStorageFailure marks a durable-storage error. An enqueue that fails
// this way must be surfaced to the caller: silently losing a queued
// mutation would break the at-least-once guarantee.
var ErrStorageFailure = errors.New("sync queue storage failure")

var entryPrefix = []byte("e:")

// Entry is one queued mutating request.
type Entry struct {
	ID         string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	EnqueuedAt time.Time
	Attempts   int
}

// Sender resends a queued entry over the network.
// A nil error means the entry was delivered and may be discarded.
type Sender func(ctx context.Context, entry Entry) error

type Options struct {
	// MaxAttempts drops an entry after this many failed replays.
	// The original design retried forever; a bound keeps a permanently
	// invalid request from clogging the drain. Zero means the default.
	MaxAttempts int
	Logger      *zerolog.Logger
}

const defaultMaxAttempts = 10

// Queue is a LevelDB-backed sync queue.
// Keys are big-endian sequence numbers, so iteration order is enqueue order.
type Queue struct {
	db          *leveldb.DB
	log         zerolog.Logger
	maxAttempts int

	mutex sync.Mutex
	seq   uint64
}

// Open opens (or creates) the queue database at the given path.
func Open(path string, opts Options) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	q := &Queue{
		db:          db,
		log:         logger.With().Str("component", "syncqueue").Logger(),
		maxAttempts: maxAttempts,
	}
	if err := q.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// loadSeq restores the sequence counter from the last stored key.
func (q *Queue) loadSeq() error {
	it := q.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	if it.Last() {
		q.seq = binary.BigEndian.Uint64(bytes.TrimPrefix(it.Key(), entryPrefix))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// Enqueue durably appends a request that could not reach the network.
// The caller supplies the already-read body. A storage failure is returned,
// never swallowed.
func (q *Queue) Enqueue(r *http.Request, body []byte) (Entry, error) {
	entry := Entry{
		ID:         uuid.NewString(),
		Method:     r.Method,
		URL:        r.URL.String(),
		Header:     r.Header.Clone(),
		Body:       body,
		EnqueuedAt: time.Now(),
	}
	encoded, err := encodeEntry(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	q.mutex.Lock()
	q.seq++
	key := entryKey(q.seq)
	q.mutex.Unlock()

	if err := q.db.Put(key, encoded, nil); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	q.log.Debug().Str("id", entry.ID).Str("method", entry.Method).Str("url", entry.URL).Msg("Queued mutation for replay")
	return entry, nil
}

// Entries returns all queued entries in enqueue order.
func (q *Queue) Entries() ([]Entry, error) {
	var entries []Entry
	it := q.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	for it.Next() {
		entry, err := decodeEntry(it.Value())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		entries = append(entries, entry)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return entries, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() (int, error) {
	count := 0
	it := q.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	for it.Next() {
		count++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return count, nil
}

// DrainAndReplay replays queued entries strictly in enqueue order.
// A successful send removes the entry; a failed send leaves it in place and
// the traversal continues, so one stuck entry does not block newer ones.
// Entries that exhaust their attempt budget are dropped.
// It returns the number of entries delivered.
func (q *Queue) DrainAndReplay(ctx context.Context, send Sender) (int, error) {
	type queued struct {
		key   []byte
		entry Entry
	}
	var pending []queued
	it := q.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	for it.Next() {
		entry, err := decodeEntry(it.Value())
		if err != nil {
			it.Release()
			return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		pending = append(pending, queued{key: key, entry: entry})
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	delivered := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := send(ctx, p.entry); err != nil {
			q.noteFailure(p.key, p.entry, err)
			continue
		}
		if err := q.db.Delete(p.key, nil); err != nil {
			return delivered, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		delivered++
		q.log.Debug().Str("id", p.entry.ID).Msg("Replayed queued mutation")
	}
	return delivered, nil
}

// noteFailure records a failed replay attempt, dropping the entry once it
// has used up its attempt budget.
func (q *Queue) noteFailure(key []byte, entry Entry, cause error) {
	entry.Attempts++
	if entry.Attempts >= q.maxAttempts {
		q.log.Error().Err(cause).Str("id", entry.ID).Int("attempts", entry.Attempts).
			Msg("Dropping queued mutation after exhausting attempts")
		if err := q.db.Delete(key, nil); err != nil {
			q.log.Error().Err(err).Str("id", entry.ID).Msg("Could not drop queued mutation")
		}
		return
	}
	q.log.Debug().Err(cause).Str("id", entry.ID).Int("attempts", entry.Attempts).
		Msg("Replay failed, leaving entry queued")
	encoded, err := encodeEntry(entry)
	if err != nil {
		q.log.Error().Err(err).Str("id", entry.ID).Msg("Could not re-encode queued mutation")
		return
	}
	// rewrite under the same key so ordering is preserved
	if err := q.db.Put(key, encoded, nil); err != nil {
		q.log.Error().Err(err).Str("id", entry.ID).Msg("Could not update queued mutation")
	}
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}

func encodeEntry(entry Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var entry Entry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&entry)
	return entry, err
}
