package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/sapling/internal/api/middlewares"
	"github.com/markdave123-py/sapling/internal/config"
	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/core/ingestion_engine"
	"github.com/markdave123-py/sapling/internal/logger"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// RouterDeps are the collaborators the HTTP handlers need.
type RouterDeps struct {
	DB         core.DbClient
	Objects    core.ObjectClient
	Ingestor   ingestion_engine.Ingestor
	Embeddings core.QueryEmbedder
	LLM        core.LLMProvider
}

// NewRouter builds and wires all routes.
func NewRouter(cfg *config.Config, deps RouterDeps, log *zap.Logger) http.Handler {
	log = logger.OrNop(log)
	spaceHandler := handlers.NewSpaceHandler(deps.DB, log)
	sourceHandler := handlers.NewSourceHandler(deps.DB, deps.Objects, deps.Ingestor, cfg, log)
	chatHandler := handlers.NewChatHandler(deps.DB, deps.Embeddings, deps.LLM, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// API routes
	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))

		api.Post("/spaces", spaceHandler.CreateSpace)
		api.Route("/spaces/{spaceID}", func(sp chi.Router) {
			sp.Get("/", spaceHandler.GetSpace)
			sp.Post("/sources", sourceHandler.CreateSource)
			sp.Get("/sources", sourceHandler.ListSources)
			sp.Post("/search", chatHandler.Search)
			sp.Post("/ask", chatHandler.Ask)
		})
		api.Route("/sources/{sourceID}", func(src chi.Router) {
			src.Get("/", sourceHandler.GetSource)
			src.Delete("/", sourceHandler.DeleteSource)
			src.Post("/process", sourceHandler.ProcessSource)
			src.Post("/reprocess", sourceHandler.ReprocessSource)
		})
	})

	return r
}

func NewServer(cfg *config.Config, handler http.Handler, log *zap.Logger) *Server {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, log: logger.OrNop(log)}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
