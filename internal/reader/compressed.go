package reader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"pcp-archive-capture/internal/codec"
	"pcp-archive-capture/internal/registry"
	"pcp-archive-capture/pkg/types"
)

// ingest cap for a whole decompressed meta file; individual records are
// bounded separately by the codec
const maxCompressedMeta = 256 * 1024 * 1024

// CanDecompress reports whether a compressed archive suffix has a wired
// decompressor. Suffixes without one (.xz, .bz2) are recognised but only
// ever skipped.
func CanDecompress(path string) bool {
	switch filepath.Ext(path) {
	case ".gz", ".zst", ".lz4", ".sz":
		return true
	}
	return false
}

// IngestCompressed performs a one-shot metadata ingest of a compressed meta
// file. Compressed archives are static - they never grow, so they get no
// watch; everything they will ever say is decoded in this single pass.
func (r *Reader) IngestCompressed(e *registry.Entry, metaPath string) error {
	f, err := os.Open(metaPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader
	switch ext := filepath.Ext(metaPath); ext {
	case ".gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip %s: %w", metaPath, err)
		}
		defer gz.Close()
		src = gz
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("zstd %s: %w", metaPath, err)
		}
		defer zr.Close()
		src = zr
	case ".lz4":
		src = lz4.NewReader(f)
	case ".sz":
		src = snappy.NewReader(f)
	default:
		return fmt.Errorf("no decompressor for %s", ext)
	}

	data, err := io.ReadAll(io.LimitReader(src, maxCompressedMeta))
	if err != nil {
		return fmt.Errorf("decompress %s: %w", metaPath, err)
	}

	// leading archive label record establishes the source
	reclen, typ, err := codec.Probe(data)
	if err != nil {
		return fmt.Errorf("archive label %s: %w", metaPath, err)
	}
	label, err := codec.DecodeLogLabel(codec.Body(data[:reclen]), typ)
	if err != nil {
		return fmt.Errorf("archive label %s: %w", metaPath, err)
	}
	data = data[reclen:]

	if e.Ctx == nil {
		// synthetic context so delta instance domains still reconstruct
		e.Ctx = &Context{base: e.Path, label: label, curVol: -1, indoms: codec.NewInDomCache()}
	}
	e.Source = types.NewSourceIdentity(label.Hostname, nil)
	e.HasSource = true
	r.disp.InvokeSource(types.Event{
		Timestamp: label.Start,
		Source:    e.Source,
		Archive:   e.Path,
	})

	stamp := label.Start
	for len(data) > 0 {
		reclen, typ, err := codec.Probe(data)
		if err != nil {
			// truncated or damaged tail of a static file: nothing more
			// will ever arrive, stop here
			r.logger.WithError(err).WithField("archive", e.Path).
				Warn("Compressed metadata ends mid-record")
			break
		}
		rec := data[:reclen]
		data = data[reclen:]
		if err := r.DispatchMetaRecord(e, typ, codec.Body(rec), stamp); err != nil {
			r.logger.WithError(err).WithField("archive", e.Path).
				Warn("Failed to decode compressed metadata record")
		}
	}
	return nil
}
