// Package watcher turns filesystem change notification into archive
// processing work. Directories are watched for archives appearing and
// disappearing; each tracked archive is watched through its meta file,
// because data volumes are rotated and renamed frequently while the meta
// file is stable.
//
// All events funnel into one goroutine, so entry state is only ever mutated
// single-threaded. Callbacks per archive are throttled proportionally to
// fleet size: the minimum spacing grows as more archives are monitored, and
// a saturated downstream suspends callbacks entirely.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"pcp-archive-capture/internal/metrics"
	"pcp-archive-capture/internal/reader"
	"pcp-archive-capture/internal/registry"
)

// Defaults matching the reference deployment.
const (
	DefaultMaxInflightMonitored = 40
	DefaultMaxInflightRequests  = 1000000
)

// Config tunes the change throttle.
type Config struct {
	MaxInflightMonitored int
	MaxInflightRequests  int
}

// Watcher owns the fsnotify instance and drives discovery and per-archive
// processing from its events.
type Watcher struct {
	fs     *fsnotify.Watcher
	reg    *registry.Registry
	rdr    *reader.Reader
	closed func(*registry.Entry)
	logger *logrus.Logger
	cfg    Config

	// downstream in-flight request count, observed read-only
	inflight func() int64

	wg   sync.WaitGroup
	done chan struct{}
}

// New builds a watcher over the shared registry and reader. closed is
// dispatched for every entry freed by a purge sweep.
func New(reg *registry.Registry, rdr *reader.Reader, closed func(*registry.Entry),
	cfg Config, logger *logrus.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if cfg.MaxInflightMonitored <= 0 {
		cfg.MaxInflightMonitored = DefaultMaxInflightMonitored
	}
	if cfg.MaxInflightRequests <= 0 {
		cfg.MaxInflightRequests = DefaultMaxInflightRequests
	}
	return &Watcher{
		fs:       fs,
		reg:      reg,
		rdr:      rdr,
		closed:   closed,
		logger:   logger,
		cfg:      cfg,
		inflight: func() int64 { return 0 },
		done:     make(chan struct{}),
	}, nil
}

// SetInflightFunc installs the downstream in-flight request observer used
// by the throttle. The function is read-only from the watcher's side.
func (w *Watcher) SetInflightFunc(fn func() int64) {
	if fn != nil {
		w.inflight = fn
	}
}

// Start begins consuming filesystem events until Stop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the event loop and removes every watch.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Filesystem watcher error")
		}
	}
}

// handleEvent maps one fsnotify event onto a tracked entry and fires its
// change callback. Deletion is detected by stat, not by event kind, because
// rename/compress races make event kinds unreliable.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := registry.StripSuffix(event.Name)
	e := w.reg.Lookup(path)
	if e == nil {
		// event inside a watched directory for an untracked name:
		// attribute it to the directory entry so discovery runs
		e = w.reg.Lookup(filepath.Dir(event.Name))
		if e == nil {
			return
		}
	}
	if e.Flags&registry.FlagDeleted == 0 && registry.IsDeleted(e) {
		w.reg.MarkDeleted(e)
	}
	if e.Changed != nil {
		e.Changed(e)
	}
}

// Monitor installs the change watch for an entry: the directory itself, or
// the archive's meta file.
func (w *Watcher) Monitor(e *registry.Entry) error {
	e.Changed = w.changed
	watchPath := e.Path
	if e.Flags&registry.FlagDirectory == 0 {
		watchPath += ".meta"
	}
	if err := w.fs.Add(watchPath); err != nil {
		w.logger.WithError(err).WithField("path", watchPath).
			Warn("Failed to install watch")
		return err
	}
	w.reg.SetMonitored(e, true)
	w.logger.WithFields(logrus.Fields{
		"component": "watcher",
		"path":      watchPath,
		"flags":     e.Flags.String(),
	}).Debug("Watch installed")
	return nil
}

// unmonitor removes an entry's watch during purge. fsnotify already dropped
// deleted paths, so failures here are expected noise.
func (w *Watcher) unmonitor(e *registry.Entry) {
	watchPath := e.Path
	if e.Flags&registry.FlagDirectory == 0 {
		watchPath += ".meta"
	}
	w.fs.Remove(watchPath)
	w.reg.SetMonitored(e, false)
}

// changed is the per-entry change callback: throttle, then route directory
// events to discovery and archive events to the reader.
func (w *Watcher) changed(e *registry.Entry) {
	throttle := int64(w.reg.MonitoredCount() / w.cfg.MaxInflightMonitored)
	if throttle < 1 {
		throttle = 1
	}
	metrics.ThrottleSeconds.Set(float64(throttle))

	now := time.Now().Unix()
	if e.Flags&registry.FlagNew == 0 {
		if now-e.LastCallback < throttle || w.inflight() > int64(w.cfg.MaxInflightRequests) {
			metrics.ThrottledChangedCallbacks.Inc()
			return
		}
	}
	e.LastCallback = now
	metrics.ChangedCallbacks.Inc()

	if e.Flags&registry.FlagDeleted != 0 {
		// purged in due course by the next sweep
		return
	}
	if e.Flags&registry.FlagCompressed != 0 {
		// compressed archives do not grow
		return
	}

	if e.Flags&registry.FlagDirectory != 0 {
		w.directoryChanged(e)
		return
	}
	if e.Flags&(registry.FlagMeta|registry.FlagDataVol) != 0 {
		w.rdr.Invoke(e)
	}
}

// directoryChanged rescans a directory whose contents changed: new archives
// are discovered and monitored, archives inside it are processed, and
// deleted entries are purged globally.
func (w *Watcher) directoryChanged(e *registry.Entry) {
	w.DiscoverArchives(e.Path, e.UserData)
	w.reg.Traverse(registry.FlagNew, w.createdCallback)

	w.reg.TraverseArg(registry.FlagDataVol|registry.FlagMeta,
		func(a *registry.Entry, arg interface{}) {
			dir := arg.(string)
			if strings.HasPrefix(a.Path, dir+string(os.PathSeparator)) {
				w.rdr.Invoke(a)
			}
		}, e.Path)

	w.Purge()
}

// Purge sweeps deleted entries out of the registry, dispatching closed and
// dropping watches.
func (w *Watcher) Purge() int {
	return w.reg.PurgeDeleted(func(e *registry.Entry) {
		w.unmonitor(e)
		if w.closed != nil {
			w.closed(e)
		}
	})
}

// MonitorNew installs monitoring for every discovered-but-unmonitored
// entry.
func (w *Watcher) MonitorNew() {
	w.reg.Traverse(registry.FlagNew, w.createdCallback)
}

// createdCallback installs monitoring for a newly discovered entry. Index
// sidecars and racy create-then-delete sightings are left alone; compressed
// archives get a one-shot ingest instead of a watch.
func (w *Watcher) createdCallback(e *registry.Entry) {
	if e.Flags&(registry.FlagDeleted|registry.FlagIndex) != 0 {
		return
	}
	if e.Flags&registry.FlagCompressed != 0 {
		e.Flags &^= registry.FlagNew
		return
	}
	if e.Flags&registry.FlagDirectory != 0 ||
		e.Flags&(registry.FlagMeta|registry.FlagDataVol) != 0 {
		w.Monitor(e)
	}
	e.Flags &^= registry.FlagNew
}

// DiscoverArchives walks a directory tree, tracking every archive base path
// and subdirectory found. Discovered entries are not yet monitored; a
// subsequent traverse over FlagNew installs watches.
func (w *Watcher) DiscoverArchives(dir string, userdata interface{}) error {
	e, _ := w.reg.LookupAdd(dir, userdata)
	e.Flags |= registry.FlagDirectory

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.WithError(err).WithField("dir", dir).Debug("Directory scan failed")
		return err
	}
	// meta files first: a data volume is only meaningful once the archive
	// it belongs to is tracked, and directory read order guarantees nothing
	var volumes []string
	for _, de := range entries {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		if de.IsDir() {
			w.DiscoverArchives(path, userdata)
			continue
		}
		if !de.Type().IsRegular() {
			continue
		}
		if strings.HasSuffix(registry.StripCompression(path), ".meta") {
			w.sightFile(path, userdata)
		} else {
			volumes = append(volumes, path)
		}
	}
	for _, path := range volumes {
		w.sightFile(path, userdata)
	}
	return nil
}

// sightFile classifies one regular file inside a scanned directory and
// updates (or creates) the owning archive entry.
func (w *Watcher) sightFile(path string, userdata interface{}) {
	if strings.HasSuffix(path, ".index") {
		base := strings.TrimSuffix(path, ".index")
		if a := w.reg.Lookup(base); a != nil {
			a.Flags |= registry.FlagIndex
		}
		return
	}

	compressed := registry.StripCompression(path) != path
	base := registry.StripSuffix(path)
	stripped := registry.StripCompression(path)

	if strings.HasSuffix(stripped, ".meta") {
		a, created := w.reg.LookupAdd(base, userdata)
		a.Flags |= registry.FlagMeta
		if compressed {
			// a compressed meta file means the whole archive is static
			a.Flags |= registry.FlagCompressed
			if created && reader.CanDecompress(path) {
				if err := w.rdr.IngestCompressed(a, path); err != nil {
					w.logger.WithError(err).WithField("archive", base).
						Warn("Compressed archive ingest failed")
				}
			}
		}
		return
	}

	if vol := registry.VolumeSuffix(stripped); vol >= 0 {
		if compressed {
			// rotated volumes get compressed while the archive stays
			// live; they no longer grow so they are not tracked
			return
		}
		// a data volume; only meaningful for archives already tracked
		// via their meta file
		if a := w.reg.Lookup(base); a != nil {
			a.Flags |= registry.FlagDataVol
			if vol > a.MaxVolume {
				a.MaxVolume = vol
			}
		}
		return
	}
}
