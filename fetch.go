package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/offlinecache/offlinecache/pkg/serializer"
)

// ErrNetworkUnavailable marks a transport-level failure: the origin could
// not be reached at all. Error-status responses are not this error; they
// are returned as ordinary snapshots.
var ErrNetworkUnavailable = errors.New("network unavailable")

// Fetcher performs a network fetch and captures the full response.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error)
}

// OriginFetcher fetches from a single origin server over HTTP.
// The whole response body is read before a snapshot is returned, so a
// cancelled fetch never produces a partial capture.
type OriginFetcher struct {
	origin  url.URL
	client  *http.Client
	metrics *Metrics
}

func NewOriginFetcher(origin url.URL, metrics *Metrics) *OriginFetcher {
	return &OriginFetcher{
		origin: origin,
		client: &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: metrics,
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	originURL := strings.TrimRight(f.origin.String(), "/") + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, r.Body)
	if err != nil {
		return serializer.Snapshot{}, err
	}
	copyRequestHeader(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	if f.metrics != nil {
		f.metrics.NetworkFetches.Inc()
	}
	res, err := f.client.Do(req)
	if err != nil {
		return serializer.Snapshot{}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return serializer.FromResponse(res)
}

func copyRequestHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip hop-by-hop proxy headers that upset some origins
		if k == "Host" || k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
