package ingest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the ingest API.
//
// Route layout:
//
//	GET  /healthz                              – liveness probe, no auth
//	POST /api/v1/sessions/{id}/frames          – ingest a raw SWO byte chunk (JWT required)
//	GET  /api/v1/sessions/{id}/packets         – recently decoded packets (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Post("/sessions/{id}/frames", srv.handlePostFrame)
		r.Get("/sessions/{id}/packets", srv.handleGetPackets)
	})

	return r
}
