// reasond is the local adversarial-reasoning service: it debates a query
// between a Proposer and a Skeptic over a streaming model backend, then
// synthesizes, scores and persists the result.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"dev.helix.reason/internal/broker"
	"dev.helix.reason/internal/config"
	"dev.helix.reason/internal/debate"
	"dev.helix.reason/internal/inference"
	"dev.helix.reason/internal/metrics"
	"dev.helix.reason/internal/prompt"
	"dev.helix.reason/internal/server"
	"dev.helix.reason/internal/templates"
	"dev.helix.reason/internal/trace"
)

const shutdownGrace = 15 * time.Second

func main() {
	// A .env file is optional; the environment always wins.
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	client := inference.NewClient(cfg.Backend.BaseURL, cfg.Backend.HardCeiling, logger)

	catalog := templates.NewStore(client, cfg.Backend.EmbedModel, cfg.Retrieval.SimilarityFloor, logger)
	indexCtx, cancelIndex := context.WithTimeout(context.Background(), 2*time.Minute)
	n, err := catalog.Reindex(indexCtx, cfg.Templates.Dirs)
	cancelIndex()
	if err != nil {
		logger.WithError(err).Fatal("Template indexing failed")
	}
	logger.WithFields(logrus.Fields{
		"templates": n,
		"dirs":      cfg.Templates.Dirs,
	}).Info("Template library indexed")

	traces, err := trace.Open(cfg.Store.Path, cfg.Store.BusyTimeout, logger)
	if err != nil {
		logger.WithError(err).Fatal("Trace store open failed")
	}
	defer traces.Close()

	prompts, err := prompt.NewLoader(cfg.Templates.PromptDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Prompt loading failed")
	}

	orch := debate.NewOrchestrator(client, catalog, traces, prompts, logger)
	events := broker.New(cfg.Broker.Retention, cfg.Broker.Buffer, logger)
	m := metrics.New()

	srv := server.New(cfg, client, catalog, traces, orch, events, m, logger)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if cfg.Templates.Watch {
		watcher, err := templates.NewWatcher(catalog, cfg.Templates.Dirs, logger)
		if err != nil {
			logger.WithError(err).Warn("Template watcher unavailable")
		} else {
			go watcher.Run(watchCtx)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Shutdown incomplete")
			os.Exit(1)
		}
	}
}
