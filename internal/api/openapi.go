package api

import (
	"net/http"
	"strings"
)

type routeDoc struct {
	method  string
	path    string
	summary string
	scope   string
	body    bool
}

var routeDocs = []routeDoc{
	{"get", "/operations", "List live dispatch operations", "dispatch:ro", false},
	{"get", "/operations/{id}", "Get a dispatch operation", "dispatch:ro", false},
	{"post", "/operations/{id}/handle-with", "Choose the handler for an operation awaiting approval", "dispatch:rw", true},
	{"post", "/operations/{id}/claim", "Claim an operation's channels", "dispatch:rw", true},
	{"get", "/history/operations", "List journaled dispatch operations", "dispatch:ro", false},
	{"get", "/history/requests", "List journaled channel requests", "requests:ro", false},
	{"get", "/requests", "List channel requests", "requests:ro", false},
	{"post", "/requests", "Submit a channel request", "requests:rw", true},
	{"get", "/requests/{id}", "Get a channel request", "requests:ro", false},
	{"post", "/requests/{id}/proceed", "Let a request contact its connection", "requests:rw", true},
	{"post", "/requests/{id}/cancel", "Cancel a request", "requests:rw", true},
	{"get", "/clients", "List registered clients", "clients:ro", false},
	{"post", "/clients", "Register a client", "clients:rw", true},
	{"delete", "/clients/{name}", "Report a client as vanished", "clients:rw", false},
	{"get", "/channels", "List tracked channels", "dispatch:ro", false},
	{"post", "/connections/{conn}/incoming", "Create and announce incoming channels", "channels:rw", true},
	{"post", "/channels/{id}/close", "Close a tracked channel", "channels:rw", false},
	{"get", "/events", "Stream engine signals as server-sent events", "events:ro", false},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and engine statistics",
				"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			},
		},
	}

	for _, rd := range routeDocs {
		op := map[string]any{
			"operationId": operationID(rd.method, rd.path),
			"summary":     rd.summary,
			"tags":        []string{strings.Split(strings.TrimPrefix(rd.path, "/"), "/")[0]},
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"400": map[string]any{"description": "Bad request"},
				"401": map[string]any{"description": "Missing or invalid token"},
				"403": map[string]any{"description": "Insufficient scope"},
			},
			"security":   []any{map[string]any{"BearerAuth": []string{rd.scope}}},
			"parameters": pathParams(rd.path),
		}
		if rd.body {
			op["requestBody"] = map[string]any{
				"required": false,
				"content": map[string]any{
					"application/json": map[string]any{"schema": map[string]any{"type": "object"}},
				},
			}
		}
		item, _ := paths[rd.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rd.path] = item
		}
		item[rd.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Switchboard",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operationID(method, path string) string {
	var parts []string
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		seg = strings.Trim(seg, "{}")
		parts = append(parts, strings.ReplaceAll(seg, "-", "_"))
	}
	return method + "__" + strings.Join(parts, "_")
}

func pathParams(path string) []any {
	var out []any
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			out = append(out, map[string]any{
				"name":     strings.Trim(seg, "{}"),
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			})
		}
	}
	return out
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
