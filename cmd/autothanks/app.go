// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/autothanks/internal/actuator"
	"github.com/autobrr/autothanks/internal/actuator/unit3d"
	"github.com/autobrr/autothanks/internal/api"
	"github.com/autobrr/autothanks/internal/api/handlers"
	"github.com/autobrr/autothanks/internal/buildinfo"
	"github.com/autobrr/autothanks/internal/config"
	"github.com/autobrr/autothanks/internal/database"
	"github.com/autobrr/autothanks/internal/domain"
	"github.com/autobrr/autothanks/internal/metrics"
	"github.com/autobrr/autothanks/internal/models"
	"github.com/autobrr/autothanks/internal/qbittorrent"
	"github.com/autobrr/autothanks/internal/services/scanner"
	"github.com/autobrr/autothanks/internal/services/scheduler"
	"github.com/autobrr/autothanks/internal/services/thanks"
	"github.com/autobrr/autothanks/internal/sites"
)

const (
	shutdownTimeout  = 30 * time.Second
	historyRetention = 90 * 24 * time.Hour
)

type Application struct {
	cfg      *config.AppConfig
	registry *sites.Registry
}

func NewApplication(flags commonFlags) (*Application, error) {
	cfg, err := config.New(flags.configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if flags.dataDir != "" {
		os.Setenv("AUTOTHANKS__DATA_DIR", flags.dataDir)
		cfg.SetDataDir(flags.dataDir)
	}
	if flags.logPath != "" {
		os.Setenv("AUTOTHANKS__LOG_PATH", flags.logPath)
		cfg.Config.LogPath = flags.logPath
	}

	cfg.ApplyLogConfig()

	registry, err := sites.NewRegistry(cfg.Config.Sites)
	if err != nil {
		return nil, fmt.Errorf("invalid site configuration: %w", err)
	}

	return &Application{cfg: cfg, registry: registry}, nil
}

// core holds the pieces every command needs.
type core struct {
	db       *database.DB
	history  *models.ThankHistoryStore
	thanks   *thanks.Service
	metrics  *metrics.Manager
	observer thanks.Observer
}

func (app *Application) buildCore(withMetrics bool) (*core, error) {
	db, err := database.New(app.cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	c := &core{
		db:      db,
		history: models.NewThankHistoryStore(db),
	}

	if withMetrics && app.cfg.Config.MetricsEnabled {
		c.metrics = metrics.NewMetricsManager()
		c.observer = c.metrics.Thanks
	}

	factory := unit3d.NewFactory(unit3d.Options{
		Store: models.NewSiteSessionStore(db),
	})
	c.thanks = thanks.NewService(app.registry, actuator.NewPool(factory), c.history, c.observer)

	return c, nil
}

func (app *Application) trackerClient() (*qbittorrent.Client, error) {
	cfg := app.cfg.Config
	return qbittorrent.NewClient(qbittorrent.Config{
		Host:     cfg.QbitURL,
		Username: cfg.QbitUsername,
		Password: cfg.QbitPassword,
		Timeout:  cfg.QbitTimeout,
	})
}

func (c *core) close(ctx context.Context) {
	if err := c.thanks.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Queued thanks did not finish before shutdown")
	}
	if err := c.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

func (app *Application) runServer() error {
	log.Info().Str("version", buildinfo.Version).Msg("Starting autothanks")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.buildCore(true)
	if err != nil {
		return err
	}

	tracker, err := app.trackerClient()
	if err != nil {
		c.close(context.Background())
		return fmt.Errorf("invalid qBittorrent configuration: %w", err)
	}

	var scanObserver scanner.ScanObserver
	var webhookObserver handlers.WebhookObserver
	if c.metrics != nil {
		scanObserver = c.metrics.Thanks
		webhookObserver = c.metrics.Thanks
	}

	scan := scanner.NewService(tracker, app.registry, c.thanks, c.history, scanObserver)

	httpServer := api.NewServer(&api.Dependencies{
		Config:          app.cfg,
		Version:         buildinfo.Version,
		BaseContext:     ctx,
		Registry:        app.registry,
		Thanks:          c.thanks,
		Scanner:         scan,
		History:         c.history,
		Comments:        tracker,
		WebhookObserver: webhookObserver,
	})

	for _, s := range app.registry.List() {
		if _, err := app.registry.Credentials(s.Key); err != nil {
			log.Warn().Str("site", s.Key).Msgf("No credentials configured, set %s", strings.Join(s.CredentialEnvVars(), " and "))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	var metricsServer *metrics.MetricsServer
	if c.metrics != nil {
		metricsServer = metrics.NewMetricsServer(
			c.metrics,
			app.cfg.Config.MetricsHost,
			app.cfg.Config.MetricsPort,
			app.cfg.Config.MetricsBasicAuthUsers,
		)
		g.Go(metricsServer.ListenAndServe)
	}

	if app.cfg.Config.ScanEnabled {
		daily, err := scheduler.NewDaily("scan", app.cfg.Config.ScanHour)
		if err != nil {
			c.close(context.Background())
			return err
		}

		app.cfg.RegisterReloadListener(func(cfg *domain.Config) {
			if cfg.ScanHour == daily.Hour() {
				return
			}
			if err := daily.SetHour(cfg.ScanHour); err != nil {
				log.Error().Err(err).Msg("Ignoring invalid scanHour from reloaded config")
				return
			}
			log.Info().Int("scanHour", cfg.ScanHour).Msg("Scan schedule updated")
		})

		g.Go(func() error {
			daily.Run(gctx, func(ctx context.Context) error {
				_, err := scan.Scan(ctx)
				app.pruneHistory(ctx, c.history)
				return err
			})
			return nil
		})
	} else {
		log.Info().Msg("Daily scan disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during graceful http shutdown")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("got error during metrics server shutdown")
			}
		}
		c.close(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}

func (app *Application) pruneHistory(ctx context.Context, history *models.ThankHistoryStore) {
	removed, err := history.Prune(ctx, time.Now().Add(-historyRetention))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune thank history")
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("Pruned thank history")
	}
}

func (app *Application) siteUsage() string {
	var b strings.Builder
	b.WriteString("Available sites:\n")
	for _, s := range app.registry.List() {
		fmt.Fprintf(&b, "  %-6s %s (%s)\n", s.Key, s.Name, strings.Join(s.CredentialEnvVars(), ", "))
	}
	return b.String()
}

// runThank thanks ids one after another. A rejected login stops the run;
// other failures are logged and the next id is tried.
func (app *Application) runThank(cmd *cobra.Command, siteKey string, ids []string) error {
	site, ok := app.registry.Get(siteKey)
	if !ok {
		cmd.PrintErr(app.siteUsage())
		return fmt.Errorf("unknown site %q", siteKey)
	}

	creds, err := app.registry.Credentials(site.Key)
	if err != nil {
		cmd.PrintErr(app.siteUsage())
		return err
	}

	c, err := app.buildCore(false)
	if err != nil {
		return err
	}
	defer c.close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := log.With().Str("site", site.Key).Logger()

	failed := 0
	for _, id := range ids {
		ticket, err := c.thanks.Submit(thanks.WorkItem{
			SiteKey:     site.Key,
			TorrentID:   id,
			Credentials: creds,
			Origin:      thanks.OriginCLI,
		})
		if err != nil {
			l.Error().Err(err).Str("torrentID", id).Msg("Skipping torrent")
			failed++
			continue
		}

		outcome, err := ticket.Wait(ctx)
		switch {
		case errors.Is(err, actuator.ErrLoginFailed):
			return errors.Wrapf(err, "login to %s failed", site.Name)
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			l.Error().Err(err).Str("torrentID", id).Msg("Failed to thank torrent")
			failed++
		default:
			l.Info().Str("torrentID", id).Str("outcome", string(outcome)).Msg("Done")
		}
	}

	if failed > 0 {
		l.Warn().Int("failed", failed).Int("total", len(ids)).Msg("Some torrents were not thanked")
	}
	return nil
}

func (app *Application) runScan(cmd *cobra.Command) error {
	tracker, err := app.trackerClient()
	if err != nil {
		return fmt.Errorf("invalid qBittorrent configuration: %w", err)
	}

	c, err := app.buildCore(false)
	if err != nil {
		return err
	}
	defer c.close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := scanner.NewService(tracker, app.registry, c.thanks, c.history, nil).Scan(ctx)
	if err != nil {
		return err
	}

	app.pruneHistory(ctx, c.history)

	cmd.Printf("Scanned %d torrents: %d thanked, %d skipped, %d errored (%s)\n",
		res.Total, res.Thanked, res.Skipped, res.Errored, res.Duration.Round(time.Millisecond))
	return nil
}
