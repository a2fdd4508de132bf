package classifier

import (
	"net/url"
	"path"
	"strings"
)

// Category is the routing category of an intercepted request.
// Exactly one category applies to every request.
type Category string

const (
	// CategoryStaticAsset covers style sheets, scripts, images and fonts.
	CategoryStaticAsset Category = "static-asset"
	// CategoryApiData covers requests under the configured API prefixes.
	CategoryApiData Category = "api-data"
	// CategoryNavigablePage covers top-level page navigations.
	CategoryNavigablePage Category = "navigable-page"
	// CategoryOther covers everything else.
	CategoryOther Category = "other"
	// CategoryBypass marks requests that are never intercepted for caching,
	// i.e. anything that is not safe and side-effect-free.
	CategoryBypass Category = "bypass"
)

var staticExtensions = map[string]bool{
	".css":   true,
	".js":    true,
	".mjs":   true,
	".png":   true,
	".jpg":   true,
	".jpeg":  true,
	".gif":   true,
	".svg":   true,
	".ico":   true,
	".webp":  true,
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".otf":   true,
}

// Classifier maps incoming requests to categories.
// The zero value classifies with no API prefixes and no page patterns.
type Classifier struct {
	// Path prefixes that identify API data requests, e.g. "/api/".
	// Checked before anything else.
	APIPrefixes []string
	// Exact paths or "/prefix/*" patterns that identify navigable pages.
	// An empty list falls back to treating extensionless paths as pages.
	PagePatterns []string
}

// Classify returns the category for the given method and URL.
// It is pure and total: every input maps to exactly one category and
// classification never fails.
func (c Classifier) Classify(method string, u *url.URL) Category {
	if !isSafeMethod(method) {
		return CategoryBypass
	}
	p := u.Path
	for _, prefix := range c.APIPrefixes {
		if strings.HasPrefix(p, prefix) {
			return CategoryApiData
		}
	}
	if staticExtensions[strings.ToLower(path.Ext(p))] {
		return CategoryStaticAsset
	}
	if c.isPage(p) {
		return CategoryNavigablePage
	}
	return CategoryOther
}

func (c Classifier) isPage(p string) bool {
	if len(c.PagePatterns) == 0 {
		// no explicit patterns: a path without a file extension navigates
		return path.Ext(p) == "" || strings.HasSuffix(p, ".html")
	}
	for _, pattern := range c.PagePatterns {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(p, prefix) {
				return true
			}
		} else if p == pattern {
			return true
		}
	}
	return false
}

func isSafeMethod(method string) bool {
	return method == "" || method == "GET" || method == "HEAD"
}
