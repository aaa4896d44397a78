package reader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"pcp-archive-capture/internal/codec"
	"pcp-archive-capture/internal/registry"
	"pcp-archive-capture/pkg/types"
)

var (
	// ErrNotReady reports an archive that exists but is not yet readable,
	// typically sighted before the writer has committed its first records.
	// Silent: the next change event retries.
	ErrNotReady = errors.New("archive not yet populated")

	// ErrDeleted reports an archive that vanished between sighting and
	// opening.
	ErrDeleted = errors.New("archive deleted")

	// errEndOfLog reports the read cursor catching up with the writer.
	errEndOfLog = errors.New("end of archive log")
)

// Context is the per-archive read state: the archive label, the instance
// domain reconstruction cache, and the open data volume with its cursor.
// The meta file cursor lives on the registry entry, not here, because
// metadata pre-scan begins before any data volume exists.
type Context struct {
	base  string
	label types.LogLabel

	curVol int
	data   *os.File

	indoms *codec.InDomCache
}

// NewContext opens a read context for an archive base path: parses the
// archive label from the meta file, locates the highest data volume, and
// positions the data cursor at its end so only newly written values are
// processed. Pre-existing metadata is scanned separately by the caller.
func NewContext(e *registry.Entry) (*Context, error) {
	metaPath := e.Path + ".meta"
	f, err := os.Open(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDeleted
		}
		return nil, fmt.Errorf("open %s: %w", metaPath, err)
	}
	defer f.Close()

	label, err := readLogLabel(f)
	if err != nil {
		// empty or still-growing label record: retry on a later event
		return nil, ErrNotReady
	}

	ctx := &Context{
		base:   e.Path,
		label:  label,
		curVol: -1,
		indoms: codec.NewInDomCache(),
	}

	vols := dataVolumes(e.Path)
	if len(vols) > 0 {
		last := vols[len(vols)-1]
		if last > e.MaxVolume {
			e.MaxVolume = last
		}
		df, err := os.Open(volumePath(e.Path, last))
		if err != nil {
			ctx.Close()
			return nil, fmt.Errorf("%w: %s", errArchiveEnd, err)
		}
		if _, err := df.Seek(0, io.SeekEnd); err != nil {
			df.Close()
			ctx.Close()
			return nil, fmt.Errorf("%w: %s", errArchiveEnd, err)
		}
		ctx.curVol = last
		ctx.data = df
	}
	return ctx, nil
}

// errArchiveEnd reports a failure to locate the end of a new archive's data.
var errArchiveEnd = errors.New("failed to find archive end")

// Label returns the archive label parsed at context creation.
func (c *Context) Label() types.LogLabel { return c.label }

// Close releases the data volume descriptor.
func (c *Context) Close() error {
	if c.data != nil {
		err := c.data.Close()
		c.data = nil
		return err
	}
	return nil
}

// readLogLabel reads and decodes the leading archive label record.
func readLogLabel(f *os.File) (types.LogLabel, error) {
	var head [codec.HdrSize + codec.TrailerSize]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return types.LogLabel{}, codec.ErrNeedMore
	}
	reclen, typ, err := codec.Probe(head[:])
	if reclen == 0 {
		return types.LogLabel{}, err
	}
	rec := make([]byte, reclen)
	copy(rec, head[:])
	if _, err := io.ReadFull(f, rec[len(head):]); err != nil {
		return types.LogLabel{}, codec.ErrNeedMore
	}
	if _, _, err := codec.Probe(rec); err != nil {
		return types.LogLabel{}, err
	}
	return codec.DecodeLogLabel(codec.Body(rec), typ)
}

// dataVolumes lists the uncompressed data volume numbers present for an
// archive base path, ascending.
func dataVolumes(base string) []int {
	dir := filepath.Dir(base)
	prefix := filepath.Base(base) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var vols []int
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		if vol := registry.VolumeSuffix(name); vol >= 0 {
			vols = append(vols, vol)
		}
	}
	sort.Ints(vols)
	return vols
}

func volumePath(base string, vol int) string {
	return fmt.Sprintf("%s.%d", base, vol)
}

// fetchNext reads the next complete value result record from the current
// data volume, switching volumes when the writer has rotated. Returns
// errEndOfLog when the cursor has caught up with the writer; a short record
// rewinds the cursor so the next event retries it.
func (c *Context) fetchNext(maxVol int) (*types.ValueResult, bool, error) {
	changedVol := false
	for {
		if c.data == nil {
			// no volume open: either the archive had none at context
			// creation, or the last one vanished under us
			if !c.switchVolume(c.curVol+1, maxVol) {
				return nil, changedVol, errEndOfLog
			}
			changedVol = true
		}

		rec, err := c.readRecord()
		if err == nil {
			// leading archive label record of a fresh volume
			if len(rec) >= codec.HdrSize && codec.IsMagic(beU32(rec[4:])) {
				continue
			}
			result, derr := codec.DecodeResult(codec.ResultBody(rec))
			if derr != nil {
				return nil, changedVol, derr
			}
			return result, changedVol, nil
		}
		if !errors.Is(err, errEndOfLog) {
			return nil, changedVol, err
		}

		// exhausted this volume; move on only when a newer one opens, so
		// a failed switch never loses the current cursor
		if c.curVol >= maxVol || !c.switchVolume(c.curVol+1, maxVol) {
			return nil, changedVol, errEndOfLog
		}
		changedVol = true
	}
}

// switchVolume opens the first available volume in [vol, maxVol], skipping
// volumes deleted or compressed under our feet. The previous volume is only
// closed once its successor is open.
func (c *Context) switchVolume(vol, maxVol int) bool {
	for ; vol >= 0 && vol <= maxVol; vol++ {
		f, err := os.Open(volumePath(c.base, vol))
		if err != nil {
			continue
		}
		if c.data != nil {
			c.data.Close()
		}
		c.data = f
		c.curVol = vol
		return true
	}
	return false
}

// readRecord reads one framed result record at the current cursor, rewinding
// on a short read.
func (c *Context) readRecord() ([]byte, error) {
	off, err := c.data.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	var hdr [codec.ResultHdrSize]byte
	n, err := io.ReadFull(c.data, hdr[:])
	if n == 0 {
		return nil, errEndOfLog
	}
	if err != nil {
		c.data.Seek(off, io.SeekStart)
		return nil, errEndOfLog
	}
	reclen := beU32(hdr[:])
	if reclen <= codec.ResultHdrSize+codec.TrailerSize || reclen > codec.MaxInputSize {
		return nil, fmt.Errorf("%w: result length %d", codec.ErrMalformed, reclen)
	}
	rec := make([]byte, reclen)
	copy(rec, hdr[:])
	if _, err := io.ReadFull(c.data, rec[codec.ResultHdrSize:]); err != nil {
		c.data.Seek(off, io.SeekStart)
		return nil, errEndOfLog
	}
	return rec, nil
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
