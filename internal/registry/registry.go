// Package registry maintains the process-wide table of tracked paths:
// archive base paths and the directories containing them. Each entry owns
// the per-archive state the reader and stream front-ends operate on.
//
// Deletion is two-phase: events mark an entry deleted, and a later purge
// sweep unlinks it, fires the closed callback and frees its resources. The
// sweep separates the cheap mark from the free so visitors never see an
// entry disappear under them.
package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pcp-archive-capture/internal/metrics"
	"pcp-archive-capture/pkg/types"
)

// Flags is the per-entry state bitmap. Multiple bits coexist.
type Flags uint32

const (
	FlagNew Flags = 1 << iota
	FlagDeleted
	FlagDirectory
	FlagMeta
	FlagDataVol
	FlagIndex
	FlagCompressed
	FlagMonitored
	FlagDataVolReady
	FlagMetaInProgress

	FlagsAll Flags = 0xffffffff
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagNew, "new"},
	{FlagDeleted, "deleted"},
	{FlagDirectory, "directory"},
	{FlagMeta, "metavol"},
	{FlagDataVol, "datavol"},
	{FlagIndex, "indexvol"},
	{FlagCompressed, "compressed"},
	{FlagMonitored, "monitored"},
	{FlagDataVolReady, "datavol-ready"},
	{FlagMetaInProgress, "metavol-in-progress"},
}

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if parts == nil {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ReadContext is whatever per-archive read state the reader attaches to an
// entry. The registry only needs to be able to close it at purge time.
type ReadContext interface {
	Close() error
}

// Entry is one tracked path. The registry exclusively owns entry storage;
// everything hanging off an entry (read context, meta descriptor, residue
// buffers) is released when the entry is purged.
type Entry struct {
	Path  string
	Flags Flags

	// sequence stamps driving the change throttle
	LastModified time.Time
	LastCallback int64 // wallclock second of last accepted callback

	// open per-archive state
	Meta *os.File
	Ctx  ReadContext

	// streaming remainders: the suffix of pushed bytes not yet parsed
	// as a complete record
	MetaResidue []byte
	DataResidue []byte

	// highest data volume number sighted for this archive, -1 when none
	MaxVolume int

	// source identity, set once a read context is established
	Source    types.SourceIdentity
	HasSource bool

	// change callback installed by the watcher
	Changed func(*Entry)

	// opaque consumer pointer carried into every event
	UserData interface{}
}

// free releases everything the entry owns.
func (e *Entry) free() {
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Meta != nil {
		e.Meta.Close()
		e.Meta = nil
	}
	e.MetaResidue = nil
	e.DataResidue = nil
	e.Flags &^= FlagMonitored
}

// Registry is the process-wide path table.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	logger  *logrus.Logger
}

// New builds an empty registry.
func New(logger *logrus.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// StripCompression removes a recognised compression extension, if any.
func StripCompression(path string) string {
	switch ext := filepath.Ext(path); ext {
	case ".xz", ".gz", ".bz2", ".zst", ".lz4", ".sz":
		return strings.TrimSuffix(path, ext)
	}
	return path
}

// StripSuffix normalises a path to its archive base: any ".meta" suffix or
// numeric data volume suffix is removed, after first removing a recognised
// compression extension.
func StripSuffix(path string) string {
	path = StripCompression(path)
	if strings.HasSuffix(path, ".meta") {
		return strings.TrimSuffix(path, ".meta")
	}
	if ext := filepath.Ext(path); len(ext) > 1 && isDigits(ext[1:]) {
		return strings.TrimSuffix(path, ext)
	}
	return path
}

// VolumeSuffix returns the data volume number of a path, or -1 when the
// path has no numeric suffix.
func VolumeSuffix(path string) int {
	ext := filepath.Ext(path)
	if len(ext) < 2 || !isDigits(ext[1:]) {
		return -1
	}
	vol := 0
	for _, c := range ext[1:] {
		vol = vol*10 + int(c-'0')
	}
	return vol
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Lookup returns the entry for a base path, or nil. The caller strips
// suffixes first (StripSuffix).
func (r *Registry) Lookup(path string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[path]
}

// LookupAdd returns the entry for a base path, inserting a fresh one with
// FlagNew when absent. Inserting an already-present path returns the
// existing entry unchanged.
func (r *Registry) LookupAdd(path string, userdata interface{}) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok {
		return e, false
	}
	e := &Entry{
		Path:      path,
		Flags:     FlagNew,
		MaxVolume: -1,
		UserData:  userdata,
	}
	r.entries[path] = e
	r.logger.WithFields(logrus.Fields{
		"component": "registry",
		"path":      path,
	}).Debug("New entry tracked")
	r.syncMonitoredLocked()
	return e, true
}

// MarkDeleted flags an entry for the next purge sweep. Terminal: no further
// reads happen, only the closed event and free.
func (r *Registry) MarkDeleted(e *Entry) {
	r.mu.Lock()
	e.Flags |= FlagDeleted
	r.syncMonitoredLocked()
	r.mu.Unlock()
}

// SetMonitored records that a watch is installed (or removed) on an entry
// and keeps the monitored gauge in step.
func (r *Registry) SetMonitored(e *Entry, on bool) {
	r.mu.Lock()
	if on {
		e.Flags |= FlagMonitored
	} else {
		e.Flags &^= FlagMonitored
	}
	r.syncMonitoredLocked()
	r.mu.Unlock()
}

// PurgeDeleted unlinks every entry marked deleted and, outside the lock,
// runs the closed callback and frees entry resources. Returns the purge
// count.
func (r *Registry) PurgeDeleted(closed func(*Entry)) int {
	r.mu.Lock()
	var victims []*Entry
	for path, e := range r.entries {
		if e.Flags&FlagDeleted != 0 {
			delete(r.entries, path)
			victims = append(victims, e)
		}
	}
	r.syncMonitoredLocked()
	r.mu.Unlock()

	for _, e := range victims {
		if closed != nil {
			closed(e)
		}
		e.free()
		metrics.PurgedTotal.Inc()
	}
	return len(victims)
}

// Unlink removes a single entry immediately (stream teardown path), running
// the closed callback and freeing outside the lock. Returns false when the
// path is not tracked.
func (r *Registry) Unlink(path string, closed func(*Entry)) bool {
	r.mu.Lock()
	e, ok := r.entries[path]
	if ok {
		delete(r.entries, path)
	}
	r.syncMonitoredLocked()
	r.mu.Unlock()

	if !ok {
		return false
	}
	if closed != nil {
		closed(e)
	}
	e.free()
	return true
}

// Traverse invokes the visitor for every entry matching any bit in flags.
// A nil visitor just counts. Visitors may mark entries deleted but must not
// purge; the snapshot keeps iteration safe under callback mutation.
func (r *Registry) Traverse(flags Flags, visit func(*Entry)) int {
	return r.TraverseArg(flags, func(e *Entry, _ interface{}) {
		if visit != nil {
			visit(e)
		}
	}, nil)
}

// TraverseArg is Traverse with an extra argument threaded to the visitor.
func (r *Registry) TraverseArg(flags Flags, visit func(*Entry, interface{}), arg interface{}) int {
	r.mu.Lock()
	snapshot := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Flags&flags != 0 {
			snapshot = append(snapshot, e)
		}
	}
	r.mu.Unlock()

	for _, e := range snapshot {
		if visit != nil {
			visit(e, arg)
		}
	}
	return len(snapshot)
}

// Clear frees every entry unconditionally (engine teardown). No closed
// events fire; callbacks are already unregistered by then.
func (r *Registry) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.syncMonitoredLocked()
	r.mu.Unlock()

	for _, e := range entries {
		e.free()
	}
}

// MonitoredCount returns the number of live monitored entries; the change
// throttle scales on this.
func (r *Registry) MonitoredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitoredLocked()
}

func (r *Registry) monitoredLocked() int {
	count := 0
	for _, e := range r.entries {
		if e.Flags&FlagMonitored != 0 && e.Flags&FlagDeleted == 0 {
			count++
		}
	}
	return count
}

func (r *Registry) syncMonitoredLocked() {
	metrics.Monitored.Set(float64(r.monitoredLocked()))
}
