package api

import (
	"net/http"

	"github.com/swaggo/swag"
)

// openAPIDoc is a hand-written OpenAPI document. swag init's codegen path
// isn't used here (no Go toolchain invocation is available to run it), so
// this repo serves a static JSON document directly instead of a
// docs.SwaggerInfo-generated one. swaggo/swag is still used for its
// Register/Name registry (with a local staticSpec rather than swag.Spec)
// so http-swagger's default-instance lookup keeps working for tooling that
// expects one.
const openAPIDoc = `{
  "swagger": "2.0",
  "info": {
    "title": "replikit dispatch core admin API",
    "description": "Introspection and health endpoints for the Batcher/RetryingRequest dispatch core.",
    "version": "1.0"
  },
  "basePath": "/",
  "paths": {
    "/healthz": {
      "get": {
        "summary": "Liveness probe",
        "responses": { "200": { "description": "process is alive" } }
      }
    },
    "/readyz": {
      "get": {
        "summary": "Readiness probe",
        "responses": {
          "200": { "description": "all dependencies reachable" },
          "503": { "description": "one or more dependencies unreachable" }
        }
      }
    },
    "/stats/batchers": {
      "get": {
        "summary": "Batcher introspection",
        "responses": { "200": { "description": "current batcher stats" } }
      }
    },
    "/stats/requests": {
      "get": {
        "summary": "In-flight RetryingRequest introspection",
        "responses": { "200": { "description": "current in-flight request stats" } }
      }
    },
    "/debug/flush": {
      "post": {
        "summary": "Flush all buffered batcher items immediately",
        "security": [{ "BasicAuth": [] }],
        "responses": { "202": { "description": "flush accepted" } }
      }
    },
    "/debug/clear": {
      "post": {
        "summary": "Drop all buffered batcher items without delivery",
        "security": [{ "BasicAuth": [] }],
        "responses": { "202": { "description": "clear accepted" } }
      }
    }
  },
  "securityDefinitions": {
    "BasicAuth": { "type": "basic" }
  }
}`

func init() {
	swag.Register(swag.Name, &staticSpec{})
}

type staticSpec struct{}

func (staticSpec) ReadDoc() string { return openAPIDoc }

func (s *Server) handleOpenAPIDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPIDoc))
}
