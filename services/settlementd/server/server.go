package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"zkpayroll/services/settlementd"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Service     *settlementd.Service
	Logger      *slog.Logger
	AdminSecret []byte
	AdminIssuer string
	RateLimit   RateLimit
}

// Server exposes the settlement daemon over HTTP.
type Server struct {
	svc         *settlementd.Service
	logger      *slog.Logger
	adminSecret []byte
	adminIssuer string

	router http.Handler
}

// New constructs a configured HTTP router with rate limiting and
// token-gated administrative routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		svc:         cfg.Service,
		logger:      logger,
		adminSecret: cfg.AdminSecret,
		adminIssuer: strings.TrimSpace(cfg.AdminIssuer),
	}
	srv.router = srv.buildRouter(cfg.RateLimit)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limits RateLimit) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(NewRateLimiter(limits, s.logger).Middleware)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/streams", s.CreateStream)
		api.Get("/streams", s.ListStreams)
		api.Get("/streams/{id}", s.GetStream)
		api.Get("/streams/{id}/available", s.GetAvailable)
		api.Post("/streams/{id}/withdraw", s.Withdraw)
		api.Post("/streams/{id}/cancel", s.CancelStream)

		api.Post("/quotes", s.CreateQuote)
		api.Get("/quotes/{id}/validate", s.ValidateQuote)

		api.Post("/payouts", s.CreatePayout)
		api.Get("/payouts/{reference}", s.GetPayoutStatus)

		api.Post("/proofs/verify", s.VerifyProof)

		api.Group(func(admin chi.Router) {
			admin.Use(s.RequireAdmin)
			admin.Get("/admin/status", s.ProcessorStatus)
			admin.Post("/admin/pause", s.PauseProcessor)
			admin.Post("/admin/resume", s.ResumeProcessor)
			admin.Post("/admin/intents/{key}/resubmit", s.ResubmitIntent)
		})
	})

	return otelhttp.NewHandler(r, "settlementd.http")
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
