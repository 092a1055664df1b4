// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/api/handlers"
	"github.com/autobrr/autothanks/internal/api/middleware"
	"github.com/autobrr/autothanks/internal/api/openapi"
	"github.com/autobrr/autothanks/internal/config"
	"github.com/autobrr/autothanks/internal/qbittorrent"
	"github.com/autobrr/autothanks/internal/services/thanks"
	"github.com/autobrr/autothanks/internal/sites"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	baseCtx  context.Context
	registry *sites.Registry
	thanks   *thanks.Service
	scanner  handlers.Scanner
	history  handlers.HistoryLister
	comments handlers.CommentFetcher
	observer handlers.WebhookObserver
	webhooks *handlers.WebhookHandler
}

type Dependencies struct {
	Config  *config.AppConfig
	Version string
	// BaseContext bounds background work started by requests.
	BaseContext context.Context
	Registry    *sites.Registry
	Thanks      *thanks.Service
	Scanner     handlers.Scanner
	History     handlers.HistoryLister
	Comments    handlers.CommentFetcher
	// WebhookObserver is optional.
	WebhookObserver handlers.WebhookObserver
}

func NewServer(deps *Dependencies) *Server {
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:   log.Logger.With().Str("module", "api").Logger(),
		config:   deps.Config,
		version:  deps.Version,
		baseCtx:  baseCtx,
		registry: deps.Registry,
		thanks:   deps.Thanks,
		scanner:  deps.Scanner,
		history:  deps.History,
		comments: deps.Comments,
		observer: deps.WebhookObserver,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.config.Config.Host, strconv.Itoa(s.config.Config.Port))

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting API server on http://%s", host)

	for _, source := range s.webhooks.Sources() {
		s.logger.Info().Msgf("Endpoint: POST http://%s/webhook/%s", host, source)
	}
	s.logger.Info().Msgf("Endpoint: GET http://%s/health", host)

	s.server.Handler = handler

	return s.server.Serve(listener)
}

// Shutdown stops accepting requests and waits for in-flight webhook processing.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if s.webhooks != nil {
		if werr := s.webhooks.Wait(ctx); werr != nil {
			s.logger.Warn().Err(werr).Msg("Webhook processing still running at shutdown")
		}
	}
	return err
}

func (s *Server) webhookConfig() handlers.WebhookConfig {
	cfg := s.config.Config
	return handlers.WebhookConfig{
		Sources:        cfg.WebhookSources,
		DedupWindow:    cfg.WebhookDedupWindow,
		ProcessTimeout: cfg.WebhookProcessTimeout,
		Retry: qbittorrent.RetryOptions{
			MaxAttempts:  cfg.CommentMaxAttempts,
			InitialDelay: cfg.CommentInitialDelay,
		},
	}
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Recoverer(s.logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedMethods:  []string{"HEAD", "OPTIONS", "GET", "POST"},
		AllowedHeaders:  []string{"Accept", "Content-Type"},
		AllowOriginFunc: func(origin string) bool { return true },
		MaxAge:          300,
	})
	r.Use(corsMiddleware.Handler)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	healthHandler := handlers.NewHealthHandler()
	s.webhooks = handlers.NewWebhookHandler(s.baseCtx, s.webhookConfig(), s.comments, s.registry, s.thanks, s.observer)
	scanHandler := handlers.NewScanHandler(s.baseCtx, s.scanner)
	activityHandler := handlers.NewActivityHandler(s.history)
	sitesHandler := handlers.NewSitesHandler(s.registry, s.thanks)

	healthHandler.Routes(r)
	s.webhooks.Routes(r)

	r.Route("/api", func(r chi.Router) {
		r.NotFound(handlers.NotFound)
		r.MethodNotAllowed(handlers.MethodNotAllowed)

		scanHandler.Routes(r)
		activityHandler.Routes(r)
		sitesHandler.Routes(r)
		r.Get("/openapi.yaml", openapi.Handler)
	})

	return r, nil
}
