// Package api serves the job API the dashboard talks to: job submission,
// status, live logs, cancellation and the per-user artifacts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/license"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/storage"
)

// JobStore is the part of the job store the API needs
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ActiveJob(ctx context.Context, email string) (*domain.Job, error)
	RecentJobs(ctx context.Context, email string, limit int) ([]*domain.Job, error)
	FinishJob(ctx context.Context, id string, status domain.JobStatus, errMsg string) error
	RequestCancel(ctx context.Context, id string) (*domain.Job, error)
	Logs(ctx context.Context, jobID string, afterID int) ([]domain.LogEntry, error)
	ClearLogs(ctx context.Context, email string) error
}

// Publisher hands created jobs to the workers
type Publisher interface {
	PublishJob(ctx context.Context, job *domain.Job) error
}

// LicenseChecker validates a user's license key
type LicenseChecker interface {
	Validate(ctx context.Context, email, key string) (license.Info, error)
}

// Deps are the collaborators of a Server. License may be nil to accept
// every submission.
type Deps struct {
	Jobs    JobStore
	Queue   Publisher
	Blobs   storage.Store
	License LicenseChecker
	Logger  *zap.Logger
}

// Options tune the API
type Options struct {
	PresignTTL     time.Duration
	LogPoll        time.Duration // how often the websocket tail checks for new lines
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Server is the HTTP API server
type Server struct {
	jobs     JobStore
	queue    Publisher
	blobs    storage.Store
	license  LicenseChecker
	logger   *zap.Logger
	opts     Options
	router   chi.Router
	upgrader websocket.Upgrader
	newID    func() string
}

// NewServer creates a new API server
func NewServer(deps Deps, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = time.Hour
	}
	if opts.LogPoll <= 0 {
		opts.LogPoll = time.Second
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    deps.Jobs,
		queue:   deps.Queue,
		blobs:   deps.Blobs,
		license: deps.License,
		logger:  logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		newID: uuid.NewString,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.createJobHandler)
		r.Get("/jobs/{id}", s.getJobHandler)
		r.Get("/jobs/{id}/logs", s.logsHandler)
		r.Get("/jobs/{id}/logs/ws", s.logStreamHandler)
		r.Post("/jobs/{id}/cancel", s.cancelJobHandler)

		r.Get("/users/{email}/jobs", s.listJobsHandler)
		r.Get("/users/{email}/images", s.imagesHandler)
		r.Get("/users/{email}/failed-prompts.xlsx", s.failedPromptsHandler)
		r.Put("/users/{email}/settings", s.settingsHandler)
		r.Delete("/users/{email}/files", s.cleanupHandler)
	})

	s.router = r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("job API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
