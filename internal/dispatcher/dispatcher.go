// Package dispatcher fans decoded archive events out to registered
// consumers and applies the per-module exclusion policy.
//
// Dispatch is synchronous: every hook runs on the engine's event goroutine
// before the reader proceeds, so a consumer observes metadata-before-data
// ordering exactly as the reader produced it.
//
// Ownership discipline for label sets is asymmetric and contractual: the
// first consumer whose OnLabels hook returns nil takes ownership of the
// sets; when no consumer accepts them the engine releases them after the
// dispatch round. Every other payload is borrowed for the duration of the
// call.
package dispatcher

import (
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"pcp-archive-capture/internal/metrics"
	"pcp-archive-capture/pkg/types"
)

// Dispatcher is the registered-consumer table plus exclusion state.
type Dispatcher struct {
	mu    sync.Mutex
	slots []*types.Callbacks

	// exclusion policy: ids excluded up front or memoised from pattern
	// matches, and the name glob patterns themselves
	excludePMIDs  map[types.PMID]struct{}
	excludeInDoms map[types.InDom]struct{}
	patterns      []string

	logger *logrus.Logger
}

// New builds a dispatcher with the given exclusion configuration. Patterns
// are metric name globs; indoms are excluded outright.
func New(patterns []string, indoms []types.InDom, logger *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		excludePMIDs:  make(map[types.PMID]struct{}),
		excludeInDoms: make(map[types.InDom]struct{}),
		patterns:      patterns,
		logger:        logger,
	}
	for _, indom := range indoms {
		d.excludeInDoms[indom] = struct{}{}
	}
	return d
}

// Register adds a consumer callback set and returns its stable handle.
// Registering the same set twice returns the existing handle. Freed slots
// are reused by later registrations.
func (d *Dispatcher) Register(cbs *types.Callbacks) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	avail := -1
	for handle, slot := range d.slots {
		if slot == cbs {
			return handle
		}
		if slot == nil && avail < 0 {
			avail = handle
		}
	}
	if avail >= 0 {
		d.slots[avail] = cbs
		return avail
	}
	d.slots = append(d.slots, cbs)
	return len(d.slots) - 1
}

// Unregister zeroes a handle's slot. Unknown handles are ignored.
func (d *Dispatcher) Unregister(handle int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handle >= 0 && handle < len(d.slots) {
		d.slots[handle] = nil
	}
}

// UnregisterAll clears the whole table (engine teardown).
func (d *Dispatcher) UnregisterAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = nil
}

func (d *Dispatcher) snapshot() []*types.Callbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Callbacks, len(d.slots))
	copy(out, d.slots)
	return out
}

// excludeMetric applies the metric exclusion policy: an already-excluded
// pmid, an excluded instance domain, or any name matching a configured glob
// pattern (in which case the pmid is memoised for O(1) future checks).
func (d *Dispatcher) excludeMetric(desc types.Desc, names []string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.excludePMIDs[desc.PMID]; ok {
		return true
	}
	if _, ok := d.excludeInDoms[desc.InDom]; ok {
		return true
	}
	for _, name := range names {
		for _, pattern := range d.patterns {
			if ok, _ := filepath.Match(pattern, name); ok {
				d.logger.WithFields(logrus.Fields{
					"component": "dispatcher",
					"metric":    name,
					"pattern":   pattern,
				}).Debug("Excluding metric")
				d.excludePMIDs[desc.PMID] = struct{}{}
				return true
			}
		}
	}
	return false
}

func (d *Dispatcher) excludedPMID(pmid types.PMID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.excludePMIDs[pmid]
	return ok
}

func (d *Dispatcher) excludedInDom(indom types.InDom) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.excludeInDoms[indom]
	return ok
}

// InvokeSource announces a new or re-identified source.
func (d *Dispatcher) InvokeSource(event types.Event) {
	for _, cbs := range d.snapshot() {
		if cbs != nil && cbs.OnSource != nil {
			if err := cbs.OnSource(event); err != nil {
				d.logger.WithError(err).WithField("archive", event.Archive).
					Warn("Source callback failed")
			}
		}
	}
}

// InvokeMetric announces a metric descriptor unless excluded.
func (d *Dispatcher) InvokeMetric(event types.Event, desc types.Desc, names []string) {
	if d.excludeMetric(desc, names) {
		return
	}
	for _, cbs := range d.snapshot() {
		if cbs != nil && cbs.OnMetric != nil {
			if err := cbs.OnMetric(event, desc, names); err != nil {
				d.logger.WithError(err).WithField("pmid", desc.PMID.String()).
					Warn("Metric callback failed")
			}
		}
	}
}

// InvokeInDom announces a fully reconstructed instance domain unless its id
// is excluded.
func (d *Dispatcher) InvokeInDom(event types.Event, in types.InResult) {
	if d.excludedInDom(in.InDom) {
		return
	}
	for _, cbs := range d.snapshot() {
		if cbs != nil && cbs.OnInDom != nil {
			if err := cbs.OnInDom(event, in); err != nil {
				d.logger.WithError(err).WithField("indom", in.InDom.String()).
					Warn("Instance domain callback failed")
			}
		}
	}
}

// InvokeLabels announces a label record. Returns true when some consumer
// took ownership of the sets; the caller frees them otherwise.
func (d *Dispatcher) InvokeLabels(event types.Event, kind int, ident uint32, sets []types.LabelSet) bool {
	if kind&types.LabelItem != 0 && d.excludedPMID(types.PMID(ident)) {
		return false
	}
	if kind&(types.LabelInDom|types.LabelInstances) != 0 && d.excludedInDom(types.InDom(ident)) {
		return false
	}
	taken := false
	for _, cbs := range d.snapshot() {
		if cbs != nil && cbs.OnLabels != nil {
			if err := cbs.OnLabels(event, kind, ident, sets); err == nil {
				taken = true
			} else {
				d.logger.WithError(err).WithField("archive", event.Archive).
					Warn("Labels callback failed")
			}
		}
	}
	return taken
}

// InvokeText announces help text unless its target id is excluded.
func (d *Dispatcher) InvokeText(event types.Event, kind int, ident uint32, text string) {
	if kind&types.TextPMID != 0 && d.excludedPMID(types.PMID(ident)) {
		return
	}
	if kind&types.TextInDom != 0 && d.excludedInDom(types.InDom(ident)) {
		return
	}
	for _, cbs := range d.snapshot() {
		if cbs != nil && cbs.OnText != nil {
			if err := cbs.OnText(event, kind, ident, text); err != nil {
				d.logger.WithError(err).WithField("archive", event.Archive).
					Warn("Text callback failed")
			}
		}
	}
}

// InvokeValues announces a value result and keeps the decode outcome
// counters: mark records and error results are counted apart from ordinary
// results.
func (d *Dispatcher) InvokeValues(event types.Event, result *types.ValueResult) {
	switch {
	case result.NumPMID == 0:
		metrics.LogvolDecode.WithLabelValues(metrics.KindMarkRecord).Inc()
	case result.NumPMID < 0:
		metrics.LogvolDecode.WithLabelValues(metrics.KindResultErrors).Inc()
	default:
		metrics.LogvolDecode.WithLabelValues(metrics.KindResult).Inc()
		metrics.LogvolDecodeResultPMIDs.Add(float64(result.NumPMID))
	}
	for _, cbs := range d.snapshot() {
		if cbs != nil && cbs.OnValues != nil {
			if err := cbs.OnValues(event, result); err != nil {
				d.logger.WithError(err).WithField("archive", event.Archive).
					Warn("Values callback failed")
			}
		}
	}
}

// InvokeClosed announces an archive's end of life.
func (d *Dispatcher) InvokeClosed(event types.Event) {
	for _, cbs := range d.snapshot() {
		if cbs != nil && cbs.OnClosed != nil {
			if err := cbs.OnClosed(event); err != nil {
				d.logger.WithError(err).WithField("archive", event.Archive).
					Warn("Closed callback failed")
			}
		}
	}
}
