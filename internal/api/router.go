package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Klingon-tech/orignode/internal/metrics"
)

// Router builds the chi router:
//
//	GET  /health
//	GET  /status
//	GET  /metrics
//	POST /api/v1/wallets
//	GET  /api/v1/wallets/{address}/balance
//	POST /api/v1/wallets/{address}/keys
//	GET  /api/v1/wallets/{address}/transactions
//	POST /api/v1/transactions
//	POST   /api/v1/mfa/{user}/enroll
//	POST   /api/v1/mfa/{user}/verify
//	POST   /api/v1/mfa/{user}/backup-codes
//	DELETE /api/v1/mfa/{user}
//
// The mfa routes exist only when a Security subsystem is configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.config.Registry != nil {
		r.Handle("/metrics", metrics.Handler(s.config.Registry))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/wallets", s.handleCreateWallet)
		r.Route("/wallets/{address}", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Post("/keys", s.handleWalletKeys)
			r.Get("/transactions", s.handleTransactions)
		})
		r.Post("/transactions", s.handleSend)
		if s.config.Security != nil {
			r.Route("/mfa/{user}", func(r chi.Router) {
				r.Post("/enroll", s.handleMFAEnroll)
				r.Post("/verify", s.handleMFAVerify)
				r.Post("/backup-codes", s.handleMFABackupCodes)
				r.Delete("/", s.handleMFAReset)
			})
		}
	})
	return r
}

// requestLogger logs each request and records it in the API metrics under
// its route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		d := time.Since(start)
		s.config.Metrics.ObserveRequest(route, ww.Status(), d)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", d).
			Msg("API request")
	})
}
