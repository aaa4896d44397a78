package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"pcp-archive-capture/internal/config"
	"pcp-archive-capture/pkg/types"
)

// App is the daemon wrapper around an Engine: configuration, logging and
// signal-driven lifecycle.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	engine *Engine
}

// NewApp loads configuration and builds the daemon.
func NewApp(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	engine, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, logger: logger, engine: engine}, nil
}

// Run starts the engine with an operator-visibility consumer registered and
// blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := a.engine.Register(a.cfg.Discover.Path, a.loggingConsumer(), nil); err != nil {
		a.logger.WithError(err).WithField("path", a.cfg.Discover.Path).
			Warn("Initial archive discovery failed, watching for the directory to appear")
	}
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	a.logger.WithField("signal", sig.String()).Info("Shutting down")

	return a.engine.Close()
}

// loggingConsumer gives the standalone daemon operational visibility; real
// deployments register schema or search writers instead.
func (a *App) loggingConsumer() *types.Callbacks {
	return &types.Callbacks{
		OnSource: func(e types.Event) error {
			a.logger.WithFields(logrus.Fields{
				"source":   e.Source.ID,
				"hostname": e.Source.Hostname,
				"archive":  e.Archive,
			}).Info("Source discovered")
			return nil
		},
		OnMetric: func(e types.Event, desc types.Desc, names []string) error {
			a.logger.WithFields(logrus.Fields{
				"pmid":  desc.PMID.String(),
				"names": names,
			}).Debug("Metric discovered")
			return nil
		},
		OnValues: func(e types.Event, r *types.ValueResult) error {
			a.logger.WithFields(logrus.Fields{
				"archive":   e.Archive,
				"timestamp": r.Timestamp.String(),
				"numpmid":   r.NumPMID,
			}).Trace("Values")
			return nil
		},
		OnClosed: func(e types.Event) error {
			a.logger.WithField("archive", e.Archive).Info("Archive closed")
			return nil
		},
	}
}
