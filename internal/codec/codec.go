// Package codec decodes the on-disk archive record formats: the four
// metadata record kinds (descriptor, instance domain, label set, help text)
// and the value result record, plus delta instance domain reconstruction.
//
// The codec owns no I/O. Both the file reader and the stream reader hand it
// byte buffers and share the same framing primitive (Probe), so the "is this
// record complete?" decision lives in exactly one place.
//
// All multi-byte integers are big-endian on the wire. Every length field is
// validated against the remaining buffer and against MaxInputSize before any
// read, as a defense against corrupted length fields.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record type tags, stable on-disk values.
const (
	TypeDesc       = 1
	TypeInDomV2    = 2
	TypeLabelSetV2 = 3
	TypeText       = 4
	TypeInDom      = 5
	TypeInDomDelta = 6
	TypeLabelSet   = 7
)

// Archive label record magic. The first record of every meta and data volume
// file carries Magic|version in its type field.
const (
	Magic = 0x50052600
	Vers2 = 2
	Vers3 = 3
)

const (
	// HdrSize is the fixed record header: length plus type tag.
	HdrSize = 8
	// TrailerSize is the trailing length mirror.
	TrailerSize = 4
	// ResultHdrSize is the value record header: length only, no type tag.
	ResultHdrSize = 4

	// MaxInputSize bounds any single record length.
	MaxInputSize = 16 * 1024 * 1024
)

var (
	// ErrNeedMore reports a buffer holding fewer bytes than one complete
	// record. The caller rewinds its cursor or retains the residue; no
	// bytes were consumed.
	ErrNeedMore = errors.New("incomplete record, need more data")

	// ErrMalformed reports a record that can never become valid with more
	// input: an impossible length field, a broken trailer mirror, or an
	// invalid body.
	ErrMalformed = errors.New("malformed record")
)

// IsMagic reports whether a record type tag is an archive label record for a
// supported format version.
func IsMagic(typ uint32) bool {
	return typ == Magic|Vers2 || typ == Magic|Vers3
}

// Probe examines the start of buf for one complete metadata record.
// It returns the total record length (header and trailer included) and the
// record type tag. ErrNeedMore means buf is a strict prefix of a record;
// ErrMalformed means the framing itself is broken and the stream cannot
// recover at this position.
func Probe(buf []byte) (int, uint32, error) {
	if len(buf) < HdrSize+TrailerSize {
		return 0, 0, ErrNeedMore
	}
	reclen := binary.BigEndian.Uint32(buf)
	typ := binary.BigEndian.Uint32(buf[4:])
	if reclen <= HdrSize+TrailerSize {
		return 0, typ, fmt.Errorf("%w: record length %d", ErrMalformed, reclen)
	}
	if reclen > MaxInputSize {
		return 0, typ, fmt.Errorf("%w: record length %d exceeds %d", ErrMalformed, reclen, MaxInputSize)
	}
	if len(buf) < int(reclen) {
		return int(reclen), typ, ErrNeedMore
	}
	if mirror := binary.BigEndian.Uint32(buf[reclen-TrailerSize:]); mirror != reclen {
		return 0, typ, fmt.Errorf("%w: trailer %d != header %d", ErrMalformed, mirror, reclen)
	}
	return int(reclen), typ, nil
}

// ProbeResult examines the start of buf for one complete value result record.
// Result records carry no type tag, only the leading length and its trailing
// mirror.
func ProbeResult(buf []byte) (int, error) {
	if len(buf) < ResultHdrSize+TrailerSize {
		return 0, ErrNeedMore
	}
	reclen := binary.BigEndian.Uint32(buf)
	if reclen <= ResultHdrSize+TrailerSize {
		return 0, fmt.Errorf("%w: result length %d", ErrMalformed, reclen)
	}
	if reclen > MaxInputSize {
		return 0, fmt.Errorf("%w: result length %d exceeds %d", ErrMalformed, reclen, MaxInputSize)
	}
	if len(buf) < int(reclen) {
		return int(reclen), ErrNeedMore
	}
	if mirror := binary.BigEndian.Uint32(buf[reclen-TrailerSize:]); mirror != reclen {
		return 0, fmt.Errorf("%w: result trailer %d != header %d", ErrMalformed, mirror, reclen)
	}
	return int(reclen), nil
}

// Body slices the type-specific body out of a complete framed metadata
// record previously accepted by Probe.
func Body(rec []byte) []byte {
	return rec[HdrSize : len(rec)-TrailerSize]
}

// ResultBody slices the body out of a complete framed value result record
// previously accepted by ProbeResult.
func ResultBody(rec []byte) []byte {
	return rec[ResultHdrSize : len(rec)-TrailerSize]
}

// cursor is a bounds-checked big-endian reader over one record body.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int { return len(c.buf) - c.off }

func (c *cursor) u32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, ErrNeedMore
	}
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *cursor) u64() (uint64, error) {
	if c.remaining() < 8 {
		return 0, ErrNeedMore
	}
	v := binary.BigEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v, nil
}

// bytes returns n bytes from the cursor without copying. The caller copies
// anything it retains past the life of the input buffer.
func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || n > MaxInputSize {
		return nil, fmt.Errorf("%w: field length %d", ErrMalformed, n)
	}
	if c.remaining() < n {
		return nil, ErrNeedMore
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}
