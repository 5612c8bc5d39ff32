// Package origin matches request origins against a configured allowlist.
package origin

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Allowlist holds normalized scheme://host origins. "*" allows any origin.
type Allowlist struct {
	origins  map[string]struct{}
	allowAll bool
}

// New normalizes origins, invalid entries are logged and skipped
func New(logger *zap.SugaredLogger, origins []string) *Allowlist {
	a := &Allowlist{origins: make(map[string]struct{}, len(origins))}

	for _, o := range origins {
		trimmed := strings.TrimSpace(o)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			a.allowAll = true
			continue
		}

		n, ok := normalize(trimmed)
		if !ok {
			logger.Warnf("Ignoring invalid origin in configuration: %q", o)
			continue
		}
		a.origins[n] = struct{}{}
	}

	return a
}

func normalize(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether origin is on the list
func (a *Allowlist) Allowed(origin string) bool {
	if a.allowAll {
		return true
	}
	n, ok := normalize(origin)
	if !ok {
		return false
	}
	_, exists := a.origins[n]
	return exists
}

// AllowAll reports whether the list was configured with "*"
func (a *Allowlist) AllowAll() bool {
	return a.allowAll
}

// CheckRequest is a websocket.Upgrader CheckOrigin. Requests without an Origin header
// come from non-browser clients and are let through.
func (a *Allowlist) CheckRequest(r *http.Request) bool {
	o := r.Header.Get("Origin")
	if o == "" {
		return true
	}
	return a.Allowed(o)
}
