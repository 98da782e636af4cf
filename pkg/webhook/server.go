// Package webhook serves the GitHub webhook endpoint and turns
// delivery payloads into ingestion work and pull request comments.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/riskspot/riskspot/pkg/config"
	"github.com/riskspot/riskspot/pkg/github"
	"github.com/riskspot/riskspot/pkg/ingest"
)

const shutdownTimeout = 10 * time.Second

// Ingestor is the ingestion surface the webhook server drives.
type Ingestor interface {
	ProcessInstallation(
		ctx context.Context, installationID int64, repos []ingest.Repo,
	) error
	HandlePullRequestClosed(
		ctx context.Context,
		installationID int64,
		owner, repo string,
		number int,
		merged bool,
	) error
	FileScores(
		ctx context.Context,
		installationID int64,
		owner, repo string,
		number int,
	) ([]ingest.FileScore, error)
}

// Commenter posts pull request comments.
type Commenter interface {
	CreateIssueComment(
		ctx context.Context, owner, repo string, number int, body string,
	) error
}

// Compile-time interface checks.
var (
	_ Ingestor  = (*ingest.Service)(nil)
	_ Commenter = (*github.Client)(nil)
)

// Server exposes the webhook HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	secret     string
	ingestor   Ingestor
	commenter  Commenter
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new webhook server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	secret string,
	ingestor Ingestor,
	commenter Commenter,
) Server {
	return &server{
		log:       log.WithField("component", "webhook"),
		cfg:       cfg,
		secret:    secret,
		ingestor:  ingestor,
		commenter: commenter,
	}
}

// Start binds the listener and serves webhook deliveries.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("Webhook server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop shuts the HTTP server down and waits for in-flight deliveries,
// including asynchronous installation processing.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("Webhook server stopped")

	return nil
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/webhook", s.handleWebhook)
	})

	return r
}

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// corsMiddleware returns a CORS handler configured from the server
// config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
