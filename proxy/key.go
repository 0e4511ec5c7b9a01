package proxy

import (
	"net/url"
	"strings"
)

// DefaultKeyPrefix namespaces cache keys written by the gateway
const DefaultKeyPrefix = "weather"

// NormalizeLocation trims the location, collapses runs of whitespace and
// lower-cases it. "London", " london " and "LONDON" are the same location.
func NormalizeLocation(location string) string {
	return strings.ToLower(strings.Join(strings.Fields(location), " "))
}

// DeriveKey builds the cache key <prefix>:<unitGroup>:<location>:<day>.
// location is normalised and query-escaped so it never contains the separator.
func DeriveKey(prefix, unitGroup, location, day string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(unitGroup)
	b.WriteByte(':')
	b.WriteString(url.QueryEscape(NormalizeLocation(location)))
	b.WriteByte(':')
	b.WriteString(day)
	return b.String()
}
