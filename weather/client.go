// Package weather talks to the Visual Crossing Timeline API and shapes its
// payloads for clients.
package weather

//go:generate mockgen -package=mocks -source=client.go -destination=mocks/client_mock.go

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	maxBodyBytes    = 8 << 20
	maxErrBodyBytes = 512
)

// Client fetches a raw provider payload for a location and day.
// Every non-nil error is an *Error.
type Client interface {
	Fetch(ctx context.Context, location, day string) ([]byte, error)
}

// VisualCrossing is the Timeline API client
type VisualCrossing struct {
	config *ClientConfig
	client *http.Client
}

// NewVisualCrossing creates a client with the given configuration
func NewVisualCrossing(config *ClientConfig) *VisualCrossing {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.UnitGroup == "" {
		config.UnitGroup = DefaultUnitGroup
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	client := config.HTTPClient
	if client == nil {
		client = NewHTTPClient()
	}
	return &VisualCrossing{config: config, client: client}
}

// Fetch implements Client.Fetch. It makes exactly one HTTP call.
func (c *VisualCrossing) Fetch(ctx context.Context, location, day string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(location, day), nil)
	if err != nil {
		return nil, &Error{Kind: KindOther, Detail: "build request", Err: c.redact(err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTimeout, Detail: "request failed", Err: c.redact(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindTimeout, Status: resp.StatusCode, Detail: "read body", Err: c.redact(err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classify(resp.StatusCode, body)
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(body, &object); err != nil || object == nil {
		if err == nil {
			err = errors.New("null payload")
		}
		return nil, &Error{
			Kind:   KindOther,
			Status: resp.StatusCode,
			Detail: "response is not a JSON object",
			Body:   truncate(body),
			Err:    err,
		}
	}

	return body, nil
}

// endpoint builds {base}/{location}/{day}?key=..&unitGroup=..&contentType=json
func (c *VisualCrossing) endpoint(location, day string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(c.config.BaseURL, "/"))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(location))
	if day != "" {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(day))
	}

	q := url.Values{}
	q.Set("key", c.config.APIKey)
	q.Set("unitGroup", c.config.UnitGroup)
	q.Set("contentType", "json")
	b.WriteByte('?')
	b.WriteString(q.Encode())
	return b.String()
}

// redact strips the API key from errors that embed the request URL
func (c *VisualCrossing) redact(err error) error {
	if err == nil || c.config.APIKey == "" {
		return err
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &url.Error{
			Op:  uerr.Op,
			URL: strings.ReplaceAll(uerr.URL, url.QueryEscape(c.config.APIKey), "REDACTED"),
			Err: uerr.Err,
		}
	}
	msg := err.Error()
	if strings.Contains(msg, c.config.APIKey) {
		return errors.New(strings.ReplaceAll(msg, c.config.APIKey, "REDACTED"))
	}
	return err
}

func classify(status int, body []byte) *Error {
	e := &Error{Status: status, Body: truncate(body)}
	switch {
	case status == http.StatusBadRequest:
		e.Kind = KindInvalidLocation
		e.Detail = "provider rejected the location"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindUnauthorized
		e.Detail = "provider rejected the API key"
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.Detail = "provider rate limit exceeded"
	case status == http.StatusNotFound:
		e.Kind = KindOther
		e.Detail = "provider endpoint not found"
	case status >= 500:
		e.Kind = KindOther
		e.Detail = "provider failed to process the request"
	default:
		e.Kind = KindOther
		e.Detail = fmt.Sprintf("unexpected provider status %d", status)
	}
	return e
}

func truncate(body []byte) string {
	if len(body) > maxErrBodyBytes {
		return string(body[:maxErrBodyBytes]) + "..."
	}
	return string(body)
}

var _ Client = (*VisualCrossing)(nil)
