package handler

import (
	"encoding/json"
	"net/http"
	"sync"
)

// ServiceName is reported by the info endpoint and the OpenAPI document
const ServiceName = "weather-gateway"

// InfoHandler handles GET / with the service name and version
type InfoHandler struct {
	version string
}

// NewInfoHandler creates a new info handler
func NewInfoHandler(version string) *InfoHandler {
	return &InfoHandler{version: version}
}

// ServeHTTP implements http.Handler
func (h *InfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, nil, NewMethodNotAllowedError("only GET method is allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": ServiceName,
		"version": h.version,
	})
}

// OpenAPIHandler serves a small OpenAPI 3 document for the public routes
type OpenAPIHandler struct {
	version string
	once    sync.Once
	doc     []byte
}

// NewOpenAPIHandler creates a new OpenAPI handler
func NewOpenAPIHandler(version string) *OpenAPIHandler {
	return &OpenAPIHandler{version: version}
}

// ServeHTTP implements http.Handler
func (h *OpenAPIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, nil, NewMethodNotAllowedError("only GET method is allowed"))
		return
	}
	h.once.Do(func() {
		doc, err := json.Marshal(openAPIDocument(h.version))
		if err != nil {
			panic(err)
		}
		h.doc = doc
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.doc)
}

func openAPIDocument(version string) map[string]any {
	errorResponse := func(description string) map[string]any {
		return map[string]any{
			"description": description,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/Error"},
				},
			},
		}
	}
	dateParam := map[string]any{
		"name":        "date",
		"in":          "query",
		"required":    false,
		"description": "Day to look up, YYYY-MM-DD. Defaults to today (UTC).",
		"schema":      map[string]any{"type": "string", "format": "date"},
	}
	weatherResponses := map[string]any{
		"200": map[string]any{
			"description": "Provider payload with a unit_group block describing its units",
			"headers": map[string]any{
				HeaderCache:              map[string]any{"schema": map[string]any{"type": "string", "enum": []string{"HIT", "MISS"}}},
				HeaderRateLimitLimit:     map[string]any{"schema": map[string]any{"type": "integer"}},
				HeaderRateLimitRemaining: map[string]any{"schema": map[string]any{"type": "integer"}},
			},
			"content": map[string]any{"application/json": map[string]any{"schema": map[string]any{"type": "object"}}},
		},
		"400": errorResponse("Invalid location or date"),
		"401": errorResponse("Upstream rejected the gateway credentials"),
		"429": errorResponse("Rate limit exceeded"),
		"502": errorResponse("Upstream failure"),
		"503": errorResponse("Backing store unavailable or upstream budget spent"),
		"504": errorResponse("Upstream timed out"),
	}

	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "Weather Gateway",
			"version": version,
		},
		"paths": map[string]any{
			"/weather/{location}": map[string]any{
				"get": map[string]any{
					"summary": "Get weather for a location",
					"parameters": []any{
						map[string]any{"name": "location", "in": "path", "required": true, "schema": map[string]any{"type": "string", "maxLength": 256}},
						dateParam,
					},
					"responses": weatherResponses,
				},
			},
			"/weather": map[string]any{
				"get": map[string]any{
					"summary": "Get weather for a location",
					"parameters": []any{
						map[string]any{"name": "location", "in": "query", "required": true, "schema": map[string]any{"type": "string", "maxLength": 256}},
						dateParam,
					},
					"responses": weatherResponses,
				},
			},
			"/": map[string]any{
				"get": map[string]any{"summary": "Service info", "responses": map[string]any{"200": map[string]any{"description": "OK"}}},
			},
			"/health": map[string]any{
				"get": map[string]any{"summary": "Liveness probe", "responses": map[string]any{"200": map[string]any{"description": "OK"}}},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"Error": map[string]any{
					"type":     "object",
					"required": []string{"error", "detail"},
					"properties": map[string]any{
						"error":  map[string]any{"type": "string"},
						"detail": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

const docsPage = `<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>Weather Gateway API</title>
</head>
<body>
  <redoc spec-url="/openapi.json"></redoc>
  <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>
`

// DocsHandler serves a ReDoc page that renders /openapi.json
type DocsHandler struct{}

// NewDocsHandler creates a new docs handler
func NewDocsHandler() *DocsHandler {
	return &DocsHandler{}
}

// ServeHTTP implements http.Handler
func (h *DocsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r, nil, NewMethodNotAllowedError("only GET method is allowed"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(docsPage))
}
