// Package app wires the engine together: registry, reader, watcher,
// dispatcher and the stream front-end, plus the periodic purge sweep and
// the metrics listener lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pcp-archive-capture/internal/config"
	"pcp-archive-capture/internal/dispatcher"
	"pcp-archive-capture/internal/metrics"
	"pcp-archive-capture/internal/reader"
	"pcp-archive-capture/internal/registry"
	"pcp-archive-capture/internal/stream"
	"pcp-archive-capture/internal/watcher"
	"pcp-archive-capture/pkg/types"
)

// Engine owns all shared engine state. Create one per process, register
// consumers, point it at archive directories, and Close it at teardown.
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	reg   *registry.Registry
	disp  *dispatcher.Dispatcher
	rdr   *reader.Reader
	watch *watcher.Watcher
	strm  *stream.Stream

	srv     *metrics.Server
	sampler *metrics.Sampler
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	running    bool
	stopped    bool
	runningMux sync.Mutex
}

// New builds an engine from validated configuration.
func New(cfg *config.Config, logger *logrus.Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	indoms, err := cfg.Discover.ExcludeInDomIDs()
	if err != nil {
		return nil, err
	}

	reg := registry.New(logger)
	disp := dispatcher.New(cfg.Discover.ExcludeMetricPatterns(), indoms, logger)
	rdr := reader.New(reg, disp, logger)

	closed := func(e *registry.Entry) {
		if e.Flags&registry.FlagDirectory != 0 {
			return
		}
		disp.InvokeClosed(reader.ClosedEvent(e))
	}

	watch, err := watcher.New(reg, rdr, closed, watcher.Config{
		MaxInflightMonitored: cfg.Discover.MaxInflightMon,
		MaxInflightRequests:  cfg.Discover.MaxInflightReq,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	return &Engine{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		disp:   disp,
		rdr:    rdr,
		watch:  watch,
		strm:   stream.New(reg, rdr, closed, logger),
	}, nil
}

// Register adds a consumer callback set and, when dir is non-empty,
// discovers and monitors the archives under it. Returns the consumer's
// stable handle.
func (eng *Engine) Register(dir string, cbs *types.Callbacks, userdata interface{}) (int, error) {
	handle := -1
	if cbs != nil {
		handle = eng.disp.Register(cbs)
	}
	if dir != "" {
		if err := eng.watch.DiscoverArchives(dir, userdata); err != nil {
			return handle, err
		}
		eng.watch.MonitorNew()
	}
	return handle, nil
}

// Unregister removes a consumer; its handle's slot is reused later.
func (eng *Engine) Unregister(handle int) {
	eng.disp.Unregister(handle)
}

// Stream returns the pushed-buffer ingestion front-end.
func (eng *Engine) Stream() *stream.Stream { return eng.strm }

// SetInflightFunc installs the downstream in-flight request observer for
// the change throttle.
func (eng *Engine) SetInflightFunc(fn func() int64) {
	eng.watch.SetInflightFunc(fn)
}

// Start launches the event loop, the purge sweep ticker and, when enabled,
// the metrics listener and resource sampler.
func (eng *Engine) Start(ctx context.Context) error {
	eng.runningMux.Lock()
	if eng.running {
		eng.runningMux.Unlock()
		return fmt.Errorf("engine already running")
	}
	eng.running = true
	eng.runningMux.Unlock()

	if !eng.cfg.Discover.IsEnabled() {
		eng.logger.Info("Archive discovery disabled by configuration")
		return nil
	}

	ctx, eng.cancel = context.WithCancel(ctx)
	eng.watch.Start()
	eng.startPurgeTicker(ctx)

	if eng.cfg.Metrics.IsEnabled() {
		eng.srv = metrics.NewServer(eng.cfg.Metrics.Listen, eng.logger)
		eng.srv.Start()
		eng.sampler = metrics.NewSampler(eng.logger)
		eng.sampler.Start(ctx)
	}

	eng.logger.WithFields(logrus.Fields{
		"component": "engine",
		"path":      eng.cfg.Discover.Path,
	}).Info("Archive capture engine started")
	return nil
}

// startPurgeTicker sweeps deleted entries periodically, independently of
// directory traffic, so quiet trees still release closed archives.
func (eng *Engine) startPurgeTicker(ctx context.Context) {
	interval := eng.cfg.Discover.PurgeInterval
	eng.wg.Add(1)
	go func() {
		defer eng.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if purged := eng.watch.Purge(); purged > 0 {
					eng.logger.WithField("purged", purged).Debug("Purge sweep completed")
				}
			}
		}
	}()
}

// Close tears the engine down: callbacks are unregistered, watches stopped,
// and every entry freed. Safe to call once, whether or not Start ran.
func (eng *Engine) Close() error {
	eng.runningMux.Lock()
	if eng.stopped {
		eng.runningMux.Unlock()
		return nil
	}
	eng.stopped = true
	eng.running = false
	eng.runningMux.Unlock()

	eng.disp.UnregisterAll()
	if eng.cancel != nil {
		eng.cancel()
	}
	eng.wg.Wait()
	err := eng.watch.Stop()
	if eng.sampler != nil {
		eng.sampler.Stop()
	}
	if eng.srv != nil {
		eng.srv.Stop()
	}
	eng.reg.Clear()
	eng.logger.Info("Archive capture engine stopped")
	return err
}
