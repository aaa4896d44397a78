// Package stream is the pushed-buffer ingestion path: archive bytes arrive
// from a remote writer rather than from filesystem reads, and are fed
// through the same decoder pipeline as watched archives.
//
// Framing across pushes is preserved with per-entry residue buffers: after
// every push the entry retains exactly the suffix of received bytes that
// has not yet been parsed as a complete record.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pcp-archive-capture/internal/codec"
	"pcp-archive-capture/internal/metrics"
	"pcp-archive-capture/internal/reader"
	"pcp-archive-capture/internal/registry"
	"pcp-archive-capture/pkg/types"
)

// ErrNoContext reports a push arriving before the stream's label
// established a context. The stream must resynchronise.
var ErrNoContext = errors.New("no context exists for stream")

// Stream accepts pushed archive buffers keyed by base path.
type Stream struct {
	reg    *registry.Registry
	rdr    *reader.Reader
	closed func(*registry.Entry)
	logger *logrus.Logger
}

// New builds the stream front-end over the shared registry and reader.
// closed is dispatched when a stream ends.
func New(reg *registry.Registry, rdr *reader.Reader, closed func(*registry.Entry),
	logger *logrus.Logger) *Stream {
	return &Stream{reg: reg, rdr: rdr, closed: closed, logger: logger}
}

// Label begins (or restarts) a stream for a base path. Any live entry for
// the path is first ended, then a fresh entry and context are created and
// the source announced.
func (s *Stream) Label(path string, label types.LogLabel, userdata interface{}) (*registry.Entry, error) {
	metrics.LogvolNewContexts.Inc()

	// a duplicate label restarts the stream from scratch
	s.End(path)

	e, _ := s.reg.LookupAdd(path, userdata)
	e.Flags |= registry.FlagMeta | registry.FlagDataVol
	ctx := reader.NewStreamContext(path, label)
	e.Ctx = ctx
	s.rdr.AnnounceSource(e, ctx)
	return e, nil
}

// PushMeta appends metadata bytes to an entry's stream and parses every
// complete record out of the accumulated residue.
func (s *Stream) PushMeta(e *registry.Entry, content []byte) error {
	metrics.MetadataStreaming.Inc()
	if e.Ctx == nil {
		s.logger.WithField("archive", e.Path).Error("Metadata push without stream context")
		return fmt.Errorf("%w: %s", ErrNoContext, e.Path)
	}

	e.MetaResidue = append(e.MetaResidue, content...)
	buf := e.MetaResidue

	for len(buf) > 0 {
		reclen, typ, err := codec.Probe(buf)
		if errors.Is(err, codec.ErrNeedMore) {
			metrics.MetadataPartialReads.Inc()
			break
		}
		if err != nil {
			// framing is unrecoverable for this stream
			s.logger.WithError(err).WithField("archive", e.Path).
				Error("Malformed streamed metadata record")
			return err
		}

		rec := buf[:reclen]
		buf = buf[reclen:]
		if codec.IsMagic(typ) {
			continue
		}
		stamp := types.TimestampFromTime(time.Now())
		if derr := s.rdr.DispatchMetaRecord(e, typ, codec.Body(rec), stamp); derr != nil {
			// a bad record body is dropped; the stream carries on
			s.logger.WithError(derr).WithFields(logrus.Fields{
				"archive": e.Path,
				"type":    typ,
			}).Warn("Failed streamed metadata record")
		}
	}

	compact(&e.MetaResidue, buf)
	return nil
}

// PushData appends data volume bytes to an entry's stream and dispatches
// every complete value result out of the accumulated residue.
func (s *Stream) PushData(e *registry.Entry, content []byte) error {
	metrics.LogvolStreaming.Inc()
	if e.Ctx == nil {
		s.logger.WithField("archive", e.Path).Error("Data push without stream context")
		return fmt.Errorf("%w: %s", ErrNoContext, e.Path)
	}

	e.DataResidue = append(e.DataResidue, content...)
	buf := e.DataResidue

	for len(buf) > 0 {
		reclen, err := codec.ProbeResult(buf)
		if errors.Is(err, codec.ErrNeedMore) {
			metrics.MetadataPartialReads.Inc()
			break
		}
		if err != nil {
			s.logger.WithError(err).WithField("archive", e.Path).
				Error("Malformed streamed result record")
			return err
		}

		rec := buf[:reclen]
		buf = buf[reclen:]

		// a volume's leading archive label record carries the magic in
		// place of a timestamp; skip it
		if reclen >= codec.HdrSize && codec.IsMagic(beU32(rec[4:])) {
			continue
		}

		result, derr := codec.DecodeResult(codec.ResultBody(rec))
		if derr != nil {
			s.logger.WithError(derr).WithField("archive", e.Path).
				Warn("Failed streamed result record")
			continue
		}
		s.rdr.DispatchValues(e, result)
	}

	compact(&e.DataResidue, buf)
	return nil
}

// End closes a stream: the entry is unlinked from the registry, closed is
// dispatched, and storage freed. Unknown paths are a no-op.
func (s *Stream) End(path string) {
	s.reg.Unlink(path, s.closed)
}

// compact retains exactly the unparsed suffix as the new residue.
func compact(residue *[]byte, rest []byte) {
	if len(rest) == 0 {
		*residue = (*residue)[:0]
		return
	}
	next := make([]byte, len(rest))
	copy(next, rest)
	*residue = next
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
