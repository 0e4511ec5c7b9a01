package gateway

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// CORSConfig controls cross-origin response headers
type CORSConfig struct {
	// AllowedOrigins lists permitted origins; "*" allows any
	AllowedOrigins []string

	// AllowedMethods is sent on preflight; empty echoes the requested method
	AllowedMethods []string

	// AllowedHeaders is sent on preflight; "*" echoes the requested headers
	AllowedHeaders []string

	// ExposedHeaders are readable by browser scripts
	ExposedHeaders []string

	AllowCredentials bool

	// MaxAge is how long a preflight result may be cached
	MaxAge time.Duration
}

// DefaultCORSConfig allows read access from any origin
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"X-Cache",
			"X-Request-ID",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"Retry-After",
		},
		MaxAge: 24 * time.Hour,
	}
}

func (c *CORSConfig) originAllowed(origin string) bool {
	return slices.Contains(c.AllowedOrigins, "*") || (origin != "" && slices.Contains(c.AllowedOrigins, origin))
}

// apply writes CORS headers and reports whether the request was a preflight
// that has been answered
func (c *CORSConfig) apply(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if !c.originAllowed(origin) {
		return false
	}

	h := w.Header()
	if slices.Contains(c.AllowedOrigins, "*") && !c.AllowCredentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		c.preflight(w, r)
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	if len(c.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(c.ExposedHeaders, ", "))
	}
	return false
}

func (c *CORSConfig) preflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	if len(c.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
	} else if method := r.Header.Get("Access-Control-Request-Method"); method != "" {
		h.Set("Access-Control-Allow-Methods", method)
	}

	if len(c.AllowedHeaders) > 0 {
		if c.AllowedHeaders[0] == "*" {
			if headers := r.Header.Get("Access-Control-Request-Headers"); headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
		} else {
			h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
		}
	}

	if c.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", fmt.Sprintf("%.0f", c.MaxAge.Seconds()))
	}
}
