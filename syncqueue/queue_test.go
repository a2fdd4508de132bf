package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := Open(t.TempDir()+"/queue", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueue(t *testing.T, q *Queue, method, url, body string) Entry {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	entry, err := q.Enqueue(req, []byte(body))
	require.NoError(t, err)
	return entry
}

func TestEnqueueCapturesRequest(t *testing.T) {
	q := openTestQueue(t, Options{})
	req, err := http.NewRequest("POST", "/api/messages", strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	entry, err := q.Enqueue(req, []byte(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "POST", entry.Method)
	assert.Equal(t, "/api/messages", entry.URL)
	assert.Equal(t, "application/json", entry.Header.Get("Content-Type"))
	assert.Equal(t, `{"text":"hi"}`, string(entry.Body))
	assert.False(t, entry.EnqueuedAt.IsZero())
}

func TestReplayIsStrictlyFIFO(t *testing.T) {
	q := openTestQueue(t, Options{})
	for i := 0; i < 5; i++ {
		enqueue(t, q, "POST", fmt.Sprintf("/api/m/%d", i), "x")
	}

	var replayed []string
	delivered, err := q.DrainAndReplay(context.Background(), func(ctx context.Context, e Entry) error {
		replayed = append(replayed, e.URL)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, delivered)
	assert.Equal(t, []string{"/api/m/0", "/api/m/1", "/api/m/2", "/api/m/3", "/api/m/4"}, replayed)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedEntryStaysQueuedWithoutBlockingOthers(t *testing.T) {
	q := openTestQueue(t, Options{})
	enqueue(t, q, "POST", "/a", "A")
	enqueue(t, q, "POST", "/b", "B")
	enqueue(t, q, "POST", "/c", "C")

	delivered, err := q.DrainAndReplay(context.Background(), func(ctx context.Context, e Entry) error {
		if e.URL == "/b" {
			return errors.New("still unreachable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/b", entries[0].URL)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestFailedEntryKeepsItsPosition(t *testing.T) {
	q := openTestQueue(t, Options{})
	enqueue(t, q, "POST", "/a", "A")
	enqueue(t, q, "POST", "/b", "B")

	_, err := q.DrainAndReplay(context.Background(), func(ctx context.Context, e Entry) error {
		return errors.New("offline")
	})
	require.NoError(t, err)

	enqueue(t, q, "POST", "/c", "C")

	var order []string
	_, err = q.DrainAndReplay(context.Background(), func(ctx context.Context, e Entry) error {
		order = append(order, e.URL)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, order)
}

func TestEntrySurvivesReopen(t *testing.T) {
	dir := t.TempDir() + "/queue"
	q, err := Open(dir, Options{})
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", "/api/messages", nil)
	_, err = q.Enqueue(req, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/api/messages", entries[0].URL)
	assert.Equal(t, "payload", string(entries[0].Body))

	// sequence continues after the persisted entries
	req2, _ := http.NewRequest("POST", "/later", nil)
	_, err = reopened.Enqueue(req2, nil)
	require.NoError(t, err)
	entries, err = reopened.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/api/messages", entries[0].URL)
	assert.Equal(t, "/later", entries[1].URL)
}

func TestEntryDroppedAfterMaxAttempts(t *testing.T) {
	q := openTestQueue(t, Options{MaxAttempts: 2})
	enqueue(t, q, "POST", "/doomed", "x")

	fail := func(ctx context.Context, e Entry) error { return errors.New("no") }

	_, err := q.DrainAndReplay(context.Background(), fail)
	require.NoError(t, err)
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "first failure should leave the entry queued")

	_, err = q.DrainAndReplay(context.Background(), fail)
	require.NoError(t, err)
	n, err = q.Len()
	require.NoError(t, err)
	assert.Zero(t, n, "second failure should drop the entry")
}

func TestDrainHonorsContext(t *testing.T) {
	q := openTestQueue(t, Options{})
	enqueue(t, q, "POST", "/a", "A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.DrainAndReplay(ctx, func(ctx context.Context, e Entry) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
