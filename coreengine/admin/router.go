// Package admin serves the operator HTTP API: workflow inspection, worker
// completions, human approval decisions, health and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/cache"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// Dispatcher is the part of kernel.Dispatcher the admin API drives.
type Dispatcher interface {
	Start(ctx context.Context, req kernel.CreateRequest) (*kernel.Workflow, error)
	Submit(ctx context.Context, p handoff.Packet) (*kernel.Transition, error)
	Resolve(ctx context.Context, workflowID string, dec kernel.Decision) (*kernel.Transition, error)
	Get(ctx context.Context, workflowID string) (*kernel.Workflow, error)
	List(ctx context.Context) []*kernel.Workflow
	History(ctx context.Context, workflowID string) ([]cache.SessionRecord, error)
	Cancel(ctx context.Context, workflowID, reason string) error
	Inbox() *kernel.ApprovalInbox
}

// API holds the handlers of the admin HTTP surface.
type API struct {
	dispatcher Dispatcher
	secret     []byte
	logger     observability.Logger
}

// NewAPI creates an API. Decisions require an HS256 bearer token signed
// with secret; an empty secret rejects every decision.
func NewAPI(d Dispatcher, secret []byte, logger observability.Logger) *API {
	return &API{dispatcher: d, secret: secret, logger: observability.OrNop(logger)}
}

// Router builds the chi router.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogging)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/workflows", a.handleListWorkflows)
		r.Post("/workflows", a.handleStartWorkflow)
		r.Get("/workflows/{id}", a.handleGetWorkflow)
		r.Get("/workflows/{id}/history", a.handleHistory)
		r.Post("/workflows/{id}/cancel", a.handleCancel)
		r.With(RequireApprover(a.secret)).Post("/workflows/{id}/decision", a.handleDecision)
		r.Post("/completions", a.handleCompletion)
		r.Get("/approvals", a.handleApprovals)
	})
	return r
}

func (a *API) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug("admin_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// Serve runs an HTTP server for the API on addr until ctx is cancelled.
func (a *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin_server_started", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown: %w", err)
		}
		a.logger.Info("admin_server_stopped")
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	}
}
