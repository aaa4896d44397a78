// Package reader drives per-archive ingestion: on every change event it
// reads all available metadata through to end-of-file, then all available
// value records, decoding and dispatching as it goes.
//
// The meta file cursor only ever advances over complete records; a short
// read rewinds to the start of the incomplete record and waits for the next
// change event. Data volume processing is deferred while a metadata scan is
// incomplete, which is what guarantees consumers see every descriptor and
// instance domain before any value that references it.
package reader

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"pcp-archive-capture/internal/codec"
	"pcp-archive-capture/internal/dispatcher"
	"pcp-archive-capture/internal/metrics"
	"pcp-archive-capture/internal/registry"
	"pcp-archive-capture/pkg/types"
)

// scratch buffer slack, avoids reallocating for every slightly-larger record
const scratchSlack = 4096

// Reader is the per-archive ingestion state machine. One reader serves all
// archives; per-archive state lives on the registry entry and its context.
type Reader struct {
	reg    *registry.Registry
	disp   *dispatcher.Dispatcher
	logger *logrus.Logger

	scratch []byte // metadata record body buffer, grown with slack
}

// New builds a reader over the shared registry and dispatcher.
func New(reg *registry.Registry, disp *dispatcher.Dispatcher, logger *logrus.Logger) *Reader {
	return &Reader{reg: reg, disp: disp, logger: logger}
}

// Invoke runs one full processing pass for an archive entry: lazy context
// creation with a metadata pre-scan, then new metadata, then new data.
func (r *Reader) Invoke(e *registry.Entry) {
	if e.Flags&registry.FlagDeleted == 0 && registry.IsDeleted(e) {
		r.reg.MarkDeleted(e)
	}
	if e.Flags&registry.FlagDeleted != 0 {
		return
	}

	if e.Ctx == nil && e.Flags&(registry.FlagMeta|registry.FlagDataVol) != 0 {
		if !r.openContext(e) {
			return
		}
	}

	if e.Flags&(registry.FlagDataVol|registry.FlagDataVolReady) != 0 {
		e.Flags |= registry.FlagDataVolReady
		if e.Flags&registry.FlagMetaInProgress != 0 {
			r.logger.WithField("archive", e.Path).
				Debug("Data ready but metadata scan in progress, deferring")
		}
	}

	if e.Flags&registry.FlagMeta != 0 {
		r.processMetadata(e)
	}
	if e.Flags&registry.FlagMetaInProgress == 0 {
		r.processLogvol(e)
	}
}

// openContext performs the once-off context initialization for an archive:
// parse the label, position data at the end, establish the source identity,
// and pre-scan all existing metadata. Returns false when processing should
// stop for now.
func (r *Reader) openContext(e *registry.Entry) bool {
	ctx, err := NewContext(e)
	if err != nil {
		switch {
		case errors.Is(err, ErrDeleted):
			r.reg.MarkDeleted(e)
		case errors.Is(err, errArchiveEnd):
			metrics.LogvolArchiveEndFailed.Inc()
			r.logger.WithError(err).WithField("archive", e.Path).
				Error("Failed to position at archive end")
		case errors.Is(err, ErrNotReady):
			// early event on a still-empty archive; quietly retry later
		default:
			r.logger.WithError(err).WithField("archive", e.Path).
				Error("Failed to create archive context")
		}
		return false
	}
	metrics.LogvolNewContexts.Inc()
	e.Ctx = ctx

	r.newSource(e, ctx)

	meta, err := os.Open(e.Path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			r.reg.MarkDeleted(e)
		} else {
			r.logger.WithError(err).WithField("archive", e.Path).
				Error("Failed to open metadata file")
		}
		return false
	}
	e.Meta = meta

	// pre-scan all existing metadata before any data is considered
	r.processMetadata(e)
	return true
}

// newSource establishes the entry's source identity from the archive label
// and announces it with the archive start timestamp.
func (r *Reader) newSource(e *registry.Entry, ctx *Context) {
	label := ctx.Label()
	e.Source = types.NewSourceIdentity(label.Hostname, nil)
	e.HasSource = true
	r.disp.InvokeSource(types.Event{
		Timestamp: label.Start,
		Source:    e.Source,
		Archive:   e.Path,
	})
}

// resetSource recomputes the source identity when a context label set
// arrives; a changed hash is effectively a new source and is re-announced.
func (r *Reader) resetSource(e *registry.Entry, stamp types.Timestamp, sets []types.LabelSet) {
	hostname := ""
	if ctx, ok := e.Ctx.(*Context); ok {
		hostname = ctx.Label().Hostname
	}
	source := types.NewSourceIdentity(hostname, sets)
	if source.ID == e.Source.ID {
		return
	}
	e.Source = source
	e.HasSource = true
	r.disp.InvokeSource(types.Event{Timestamp: stamp, Source: source, Archive: e.Path})
}

// lockFileExists honours the writer's mid-commit convention: a sibling
// "lock" file suspends all processing for archives in that directory.
func lockFileExists(base string) bool {
	_, err := os.Stat(filepath.Join(filepath.Dir(base), "lock"))
	return err == nil
}

// processMetadata reads metadata records from the current cursor through to
// EOF, dispatching each one. Spans multiple change events when a record is
// only partially written.
func (r *Reader) processMetadata(e *registry.Entry) {
	if e.Meta == nil {
		return
	}
	e.Flags |= registry.FlagMetaInProgress
	metrics.MetadataCallbacks.Inc()
	partial := false

	for {
		if lockFileExists(e.Path) {
			break
		}
		metrics.MetadataLoops.Inc()

		off, err := e.Meta.Seek(0, io.SeekCurrent)
		if err != nil {
			r.logger.WithError(err).WithField("archive", e.Path).Error("Metadata seek failed")
			break
		}

		var hdr [codec.HdrSize]byte
		n, err := io.ReadFull(e.Meta, hdr[:])
		if registry.IsDeleted(e) {
			r.reg.MarkDeleted(e)
			break
		}
		if n == 0 {
			break // clean EOF
		}
		if err != nil {
			// mid-header: rewind and wait for the rest
			e.Meta.Seek(off, io.SeekStart)
			metrics.MetadataPartialReads.Inc()
			partial = true
			break
		}

		reclen := int(beU32(hdr[:]))
		typ := beU32(hdr[4:])
		bodylen := reclen - codec.HdrSize // includes the trailer
		if bodylen <= codec.TrailerSize || reclen > codec.MaxInputSize {
			r.logger.WithFields(logrus.Fields{
				"archive": e.Path,
				"type":    typ,
				"length":  reclen,
			}).Warn("Malformed metadata record header, aborting scan")
			e.Meta.Seek(off, io.SeekStart)
			break
		}

		if bodylen > len(r.scratch) {
			r.scratch = make([]byte, bodylen+scratchSlack)
		}
		buf := r.scratch[:bodylen]
		if _, err := io.ReadFull(e.Meta, buf); err != nil {
			// mid-record: rewind and wait for the rest
			e.Meta.Seek(off, io.SeekStart)
			metrics.MetadataPartialReads.Inc()
			partial = true
			break
		}

		body := buf[:bodylen-codec.TrailerSize]
		if err := r.DispatchMetaRecord(e, typ, body, types.TimestampFromTime(e.LastModified)); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"archive": e.Path,
				"type":    typ,
			}).Warn("Failed to decode metadata record")
			// decode errors abort only the offending record
		}
	}

	if !partial {
		// all available metadata has been read
		e.Flags &^= registry.FlagMetaInProgress
	}
}

// DispatchMetaRecord decodes one metadata record body and dispatches the
// resulting event. Shared by the file reader and the stream reader; fallback
// is the same in both: a bad record is dropped, the archive stays tracked.
func (r *Reader) DispatchMetaRecord(e *registry.Entry, typ uint32, body []byte, stamp types.Timestamp) error {
	event := types.Event{Timestamp: stamp, Source: e.Source, Archive: e.Path}

	switch typ {
	case codec.TypeDesc:
		metrics.MetadataDecode.WithLabelValues(metrics.KindDesc).Inc()
		desc, names, err := codec.DecodeDesc(body)
		if err != nil {
			return err
		}
		r.disp.InvokeMetric(event, desc, names)

	case codec.TypeInDom, codec.TypeInDomV2, codec.TypeInDomDelta:
		metrics.MetadataDecode.WithLabelValues(metrics.KindInDom).Inc()
		in, err := codec.DecodeInDom(body, typ)
		if err != nil {
			return err
		}
		full, err := r.resolveInDom(e, typ, in)
		if err != nil {
			// botched delta: drop the record, never guess membership
			r.logger.WithError(err).WithField("archive", e.Path).
				Warn("Dropping unusable instance domain delta")
			return nil
		}
		event.Timestamp = full.Timestamp
		r.disp.InvokeInDom(event, full)

	case codec.TypeLabelSet, codec.TypeLabelSetV2:
		metrics.MetadataDecode.WithLabelValues(metrics.KindLabel).Inc()
		lstamp, kind, ident, sets, err := codec.DecodeLabelSet(body, typ)
		if err != nil {
			return err
		}
		if kind&types.LabelContext != 0 {
			r.resetSource(e, lstamp, sets)
		}
		event.Timestamp = lstamp
		event.Source = e.Source
		// ownership transfers on acceptance; otherwise the sets are
		// released when this frame returns
		_ = r.disp.InvokeLabels(event, kind, ident, sets)

	case codec.TypeText:
		metrics.MetadataDecode.WithLabelValues(metrics.KindHelpText).Inc()
		kind, ident, text, err := codec.DecodeText(body)
		if err != nil {
			return err
		}
		r.disp.InvokeText(event, kind, ident, text)

	default:
		if codec.IsMagic(typ) {
			return nil // archive label record, already consumed at open
		}
		r.logger.WithFields(logrus.Fields{
			"archive": e.Path,
			"type":    typ,
		}).Debug("Skipping unknown metadata record type")
	}
	return nil
}

// resolveInDom turns any instance domain record into a full membership:
// full records refresh the cache, deltas reconstruct against it.
func (r *Reader) resolveInDom(e *registry.Entry, typ uint32, in types.InResult) (types.InResult, error) {
	ctx, ok := e.Ctx.(*Context)
	if !ok || ctx == nil {
		// no context (stream before label): dispatch full records as-is
		if typ == codec.TypeInDomDelta {
			return types.InResult{}, codec.ErrBotch
		}
		return in, nil
	}
	if typ == codec.TypeInDomDelta {
		return ctx.indoms.Undelta(in)
	}
	return ctx.indoms.Full(in), nil
}

// processLogvol fetches value records through to end-of-log, switching data
// volumes as the writer rotates them.
func (r *Reader) processLogvol(e *registry.Entry) {
	ctx, ok := e.Ctx.(*Context)
	if !ok || ctx == nil {
		return
	}
	metrics.LogvolCallbacks.Inc()

	for {
		if lockFileExists(e.Path) {
			return
		}
		metrics.LogvolLoops.Inc()

		result, changedVol, err := ctx.fetchNext(e.MaxVolume)
		if changedVol {
			metrics.LogvolChangeVol.Inc()
		}
		if err != nil {
			if errors.Is(err, errEndOfLog) {
				// processed to the current end of log
				e.Flags &^= registry.FlagDataVolReady
				return
			}
			r.logger.WithError(err).WithField("archive", e.Path).
				Warn("Value fetch failed, will retry on next event")
			return
		}

		r.disp.InvokeValues(types.Event{
			Timestamp: result.Timestamp,
			Source:    e.Source,
			Archive:   e.Path,
		}, result)
	}
}

// DispatchValues dispatches one decoded value result for an entry, keeping
// the event stamped with the result's own timestamp.
func (r *Reader) DispatchValues(e *registry.Entry, result *types.ValueResult) {
	r.disp.InvokeValues(types.Event{
		Timestamp: result.Timestamp,
		Source:    e.Source,
		Archive:   e.Path,
	}, result)
}

// ClosedEvent builds the closed event for an entry, stamped with the last
// observed modification time.
func ClosedEvent(e *registry.Entry) types.Event {
	stamp := e.LastModified
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return types.Event{
		Timestamp: types.TimestampFromTime(stamp),
		Source:    e.Source,
		Archive:   e.Path,
	}
}
