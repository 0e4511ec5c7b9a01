package weather

import (
	"net"
	"net/http"
	"time"
)

// DefaultBaseURL is the Visual Crossing Timeline endpoint
const DefaultBaseURL = "https://weather.visualcrossing.com/VisualCrossingWebServices/rest/services/timeline"

// DefaultTimeout is the hard limit on one upstream call
const DefaultTimeout = 15 * time.Second

// ClientConfig configures a VisualCrossing client
type ClientConfig struct {
	BaseURL string

	// APIKey is sent as the "key" query parameter and redacted from errors
	APIKey string

	// UnitGroup is one of metric, base, us, uk
	UnitGroup string

	// Timeout bounds one call, including reading the body
	Timeout time.Duration

	// HTTPClient overrides the client built by NewHTTPClient. Clients of
	// one pool should share it.
	HTTPClient *http.Client
}

// DefaultClientConfig returns a configuration with no API key
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:   DefaultBaseURL,
		UnitGroup: DefaultUnitGroup,
		Timeout:   DefaultTimeout,
	}
}

func (c *ClientConfig) WithBaseURL(baseURL string) *ClientConfig {
	c.BaseURL = baseURL
	return c
}

func (c *ClientConfig) WithAPIKey(apiKey string) *ClientConfig {
	c.APIKey = apiKey
	return c
}

// WithUnitGroup sets the unit group requested from the provider
func (c *ClientConfig) WithUnitGroup(group string) *ClientConfig {
	c.UnitGroup = group
	return c
}

func (c *ClientConfig) WithTimeout(timeout time.Duration) *ClientConfig {
	c.Timeout = timeout
	return c
}

func (c *ClientConfig) WithHTTPClient(client *http.Client) *ClientConfig {
	c.HTTPClient = client
	return c
}

// NewHTTPClient returns a client tuned for a single upstream host. The
// per-call deadline comes from the request context, not from the client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 64,
			MaxConnsPerHost:     128,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
