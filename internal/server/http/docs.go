package httpserver

import (
	"fmt"
	"net/http"
)

func (s *httpServer) serveSwaggerSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(swaggerSpec))
}

func (s *httpServer) serveSwaggerUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != swaggerUIPath {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerUIHTML))
}

const swaggerSpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Tallywire Ingest API",
    "version": "1.0.0",
    "description": "Election result ingest, deduplication, and rollup surface."
  },
  "servers": [
    { "url": "http://localhost:4000", "description": "Local development" }
  ],
  "paths": {
    "/api/results": {
      "get": {
        "summary": "List all stored result records in arrival order",
        "responses": {
          "200": { "description": "Result record collection" }
        }
      },
      "post": {
        "summary": "Submit a result record",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": { "$ref": "#/components/schemas/Submission" }
            }
          }
        },
        "responses": {
          "201": { "description": "New record stored" },
          "200": { "description": "Existing record overridden in place" },
          "400": { "description": "Invalid payload" },
          "413": { "description": "Request body too large" }
        }
      }
    },
    "/api/districts": {
      "get": {
        "summary": "List the electoral district catalog",
        "responses": {
          "200": { "description": "Districts with their polling divisions" }
        }
      }
    },
    "/api/rollups": {
      "get": {
        "summary": "Per-district rollups over the latest result per division",
        "responses": {
          "200": { "description": "District rollup collection" }
        }
      }
    },
    "/api/rollups/island": {
      "get": {
        "summary": "Island-wide party totals across all districts",
        "responses": {
          "200": { "description": "Party totals sorted by votes" }
        }
      }
    },
    "/api/rollups/trend": {
      "get": {
        "summary": "Cumulative party vote series in arrival order",
        "responses": {
          "200": { "description": "Per-party trend series" }
        }
      }
    },
    "/api/rollups/divisions": {
      "get": {
        "summary": "Per-division standings with leader margin",
        "responses": {
          "200": { "description": "Division standing collection" }
        }
      }
    },
    "/api/live": {
      "get": {
        "summary": "Websocket live channel: snapshot first, then one event per mutation",
        "responses": {
          "101": { "description": "Switching protocols" }
        }
      }
    }
  },
  "components": {
    "schemas": {
      "Submission": {
        "type": "object",
        "required": ["pd_code", "summary", "by_party"],
        "properties": {
          "timestamp": { "type": "string" },
          "level": { "type": "string" },
          "ed_code": { "type": "string" },
          "ed_name": { "type": "string" },
          "pd_code": { "type": "string" },
          "pd_name": { "type": "string" },
          "type": { "type": "string" },
          "sequence_number": { "type": "string" },
          "reference": { "type": "string" },
          "summary": { "type": "object" },
          "by_party": { "type": "array", "items": { "type": "object" } }
        }
      }
    }
  }
}`

var swaggerUIHTML = fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Tallywire API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    body { margin:0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.addEventListener('load', function() {
      SwaggerUIBundle({
        url: '%s',
        dom_id: '#swagger-ui',
        presets: [SwaggerUIBundle.presets.apis],
        layout: 'BaseLayout'
      });
    });
  </script>
</body>
</html>`, swaggerSpecPath)
