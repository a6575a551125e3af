/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. AccessLog:  zap request log + request duration histogram
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/gigs/*         Posting, applications, matching
  /api/tasks/*        Submission and review
  /api/projects/*     Invoicing, completion, reconciliation
  /api/invoices/*     Payment and sending
  /api/wallets/*      Balances and withdrawals
  /api/workflows/*    Run log
  /api/scenarios/*    Demo scenarios
  /metrics            Prometheus
  /healthz            Liveness (pings the store when it can)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/payflow/metrics"
	"go.uber.org/zap"
)

// RouterOptions configure NewRouter. Zero values are usable.
type RouterOptions struct {
	CORSOrigins []string
	// Pinger is checked by /healthz when set.
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthz(opts.Pinger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/gigs", func(r chi.Router) {
			r.Post("/", h.CreateGig)
			r.Get("/{id}", h.GetGig)
			r.Post("/{id}/applications", h.Apply)
			r.Post("/{id}/match", h.MatchFreelancer)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/{id}/submit", h.SubmitTask)
			r.Post("/{id}/approve", h.ApproveTask)
			r.Post("/{id}/reject", h.RejectTask)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/{id}", h.GetProject)
			r.Post("/{id}/invoices", h.CreateInvoice)
			r.Post("/{id}/complete", h.CompleteProject)
			r.Post("/{id}/completion-payment", h.PayCompletionInvoices)
			r.Post("/{id}/reconcile", h.Reconcile)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/{number}/pay", h.PayInvoice)
			r.Post("/{number}/send", h.SendInvoice)
		})

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/{userId}", h.GetWallet)
			r.Get("/{userId}/transactions", h.GetWalletTransactions)
			r.Post("/{userId}/withdraw", h.Withdraw)
		})

		r.Get("/workflows/{id}", h.GetWorkflowRun)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// AccessLog logs every request through zap and observes its duration. The
// route label is the chi pattern, so ids do not explode cardinality.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

func healthz(p interface{ Ping(ctx context.Context) error }) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
