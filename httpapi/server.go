// Package httpapi exposes the queue service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openframebox/queuehub"
)

// QueueService is the subset of *queuehub.Service the HTTP surface drives.
type QueueService interface {
	Publish(ctx context.Context, queue, messageType string, payload any, opts queuehub.PublishOptions) (string, error)
	AllQueueStats(ctx context.Context) ([]queuehub.QueueSummary, error)
	QueueStats(ctx context.Context, queue string) (queuehub.QueueStats, error)
	QueueMessages(ctx context.Context, queue string, status queuehub.Status, limit, offset int) ([]*queuehub.Record, error)
	Message(ctx context.Context, id string) (*queuehub.Record, error)
	DeleteMessage(ctx context.Context, id string) error
	RetryMessage(ctx context.Context, id string) error
	PurgeQueue(ctx context.Context, queue string) error
	Healthy(ctx context.Context) bool
}

// Server routes /queue requests to the queue service.
type Server struct {
	svc    QueueService
	auth   Authenticator
	logger *zap.SugaredLogger
	mux    *http.ServeMux
	now    func() time.Time
}

// New creates the HTTP surface. Every route except /queue/health requires
// a bearer token accepted by auth.
func New(svc QueueService, auth Authenticator, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		svc:    svc,
		auth:   auth,
		logger: logger,
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.RegisterRoutes(s.mux)
	return s
}

// RegisterRoutes registers all queue routes with the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /queue/publish", s.requireAuth(s.handlePublish))
	mux.HandleFunc("GET /queue/stats", s.requireAuth(s.handleAllStats))
	mux.HandleFunc("GET /queue/stats/{queueName}", s.requireAuth(s.handleQueueStats))
	mux.HandleFunc("GET /queue/messages/{queueName}", s.requireAuth(s.handleQueueMessages))
	mux.HandleFunc("GET /queue/message/{messageId}", s.requireAuth(s.handleGetMessage))
	mux.HandleFunc("DELETE /queue/message/{messageId}", s.requireAuth(s.handleDeleteMessage))
	mux.HandleFunc("POST /queue/retry/{messageId}", s.requireAuth(s.handleRetry))
	mux.HandleFunc("DELETE /queue/purge/{queueName}", s.requireAuth(s.handlePurge))
	mux.HandleFunc("GET /queue/health", s.handleHealth)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// fail logs server-side failures and writes the mapped error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}
