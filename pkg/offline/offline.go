// Package offline synthesizes substitute responses for requests that can be
// satisfied neither from the network nor from the cache. Synthesis is pure:
// it never touches the network or writes to any cache.
package offline

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/offlinecache/offlinecache/pkg/serializer"
)

// ErrorCode is the machine-readable code carried by synthesized API errors.
const ErrorCode = "offline"

type apiError struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp string `json:"timestamp"`
}

// APIResponse returns the substitute response for an API data request:
// a JSON error payload with an offline flag and a service-unavailable status.
func APIResponse(now time.Time) serializer.Snapshot {
	body, _ := json.Marshal(apiError{
		Error:     ErrorCode,
		Offline:   true,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	return serializer.Snapshot{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type": []string{"application/json; charset=utf-8"},
		},
		Body:       body,
		CapturedAt: now,
	}
}

// PageResponse returns the substitute response for a page request:
// a minimal self-contained document offering a manual retry.
func PageResponse(now time.Time) serializer.Snapshot {
	return serializer.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"text/html; charset=utf-8"},
		},
		Body:       []byte(offlinePage),
		CapturedAt: now,
	}
}

const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
body { font-family: sans-serif; text-align: center; padding: 4rem 1rem; color: #333; }
h1 { font-size: 1.5rem; }
button { padding: .5rem 1.5rem; font-size: 1rem; cursor: pointer; }
</style>
</head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a network connection.</p>
<button onclick="location.reload()">Retry</button>
</body>
</html>
`
