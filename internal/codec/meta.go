package codec

import (
	"bytes"
	"fmt"

	"pcp-archive-capture/pkg/types"
)

// DecodeDesc decodes a metric descriptor record body: the pmDesc fields
// followed by a name count and length-prefixed names. The input buffer is
// never modified; on ErrNeedMore the caller may retry with the same bytes
// plus more.
func DecodeDesc(body []byte) (types.Desc, []string, error) {
	c := cursor{buf: body}
	var desc types.Desc

	pmid, err := c.u32()
	if err != nil {
		return desc, nil, err
	}
	vtype, err := c.i32()
	if err != nil {
		return desc, nil, err
	}
	indom, err := c.u32()
	if err != nil {
		return desc, nil, err
	}
	sem, err := c.i32()
	if err != nil {
		return desc, nil, err
	}
	units, err := c.u32()
	if err != nil {
		return desc, nil, err
	}
	desc = types.Desc{
		PMID:  types.PMID(pmid),
		Type:  vtype,
		InDom: types.InDom(indom),
		Sem:   sem,
		Units: units,
	}

	numnames, err := c.i32()
	if err != nil {
		return desc, nil, err
	}
	if numnames <= 0 || numnames > MaxInputSize/4 {
		return desc, nil, fmt.Errorf("%w: descriptor name count %d", ErrMalformed, numnames)
	}
	names := make([]string, 0, numnames)
	for i := int32(0); i < numnames; i++ {
		nlen, err := c.i32()
		if err != nil {
			return desc, nil, err
		}
		if nlen <= 0 || nlen > MaxInputSize {
			return desc, nil, fmt.Errorf("%w: descriptor name length %d", ErrMalformed, nlen)
		}
		nb, err := c.bytes(int(nlen))
		if err != nil {
			return desc, nil, err
		}
		names = append(names, string(nb))
	}
	return desc, names, nil
}

// decodeStamp reads a record timestamp: v3 records carry sec(i64)/nsec(u32),
// v2 records sec(u32)/usec(u32) widened to nanoseconds.
func decodeStamp(c *cursor, v2 bool) (types.Timestamp, error) {
	if v2 {
		sec, err := c.u32()
		if err != nil {
			return types.Timestamp{}, err
		}
		usec, err := c.u32()
		if err != nil {
			return types.Timestamp{}, err
		}
		return types.Timestamp{Sec: int64(int32(sec)), Nsec: usec * 1000}, nil
	}
	sec, err := c.u64()
	if err != nil {
		return types.Timestamp{}, err
	}
	nsec, err := c.u32()
	if err != nil {
		return types.Timestamp{}, err
	}
	return types.Timestamp{Sec: int64(sec), Nsec: nsec}, nil
}

// DecodeInDom decodes an instance domain record body of the given type tag
// (TypeInDom, TypeInDomV2 or TypeInDomDelta). In the delta variant a zero
// name length marks removal of that instance id; the returned instance
// carries an empty name and must go through an InDomCache before dispatch.
func DecodeInDom(body []byte, typ uint32) (types.InResult, error) {
	c := cursor{buf: body}
	var in types.InResult

	stamp, err := decodeStamp(&c, typ == TypeInDomV2)
	if err != nil {
		return in, err
	}
	indom, err := c.u32()
	if err != nil {
		return in, err
	}
	numinst, err := c.i32()
	if err != nil {
		return in, err
	}
	if numinst < 0 || numinst > MaxInputSize/4 {
		return in, fmt.Errorf("%w: indom %s instance count %d",
			ErrMalformed, types.InDom(indom), numinst)
	}
	in = types.InResult{
		InDom:     types.InDom(indom),
		Timestamp: stamp,
		Instances: make([]types.Instance, numinst),
	}
	for i := range in.Instances {
		id, err := c.u32()
		if err != nil {
			return in, err
		}
		in.Instances[i].ID = id
	}
	for i := range in.Instances {
		nlen, err := c.i32()
		if err != nil {
			return in, err
		}
		if nlen == 0 && typ == TypeInDomDelta {
			continue // instance removal carries no name
		}
		if nlen <= 0 || nlen > MaxInputSize {
			return in, fmt.Errorf("%w: indom %s name length %d",
				ErrMalformed, in.InDom, nlen)
		}
		nb, err := c.bytes(int(nlen))
		if err != nil {
			return in, err
		}
		in.Instances[i].Name = string(nb)
	}
	return in, nil
}

// DecodeLabelSet decodes a label record body of the given type tag
// (TypeLabelSet or TypeLabelSetV2): a timestamp, the label target kind and
// identifier, then a count of JSON label set payloads.
func DecodeLabelSet(body []byte, typ uint32) (types.Timestamp, int, uint32, []types.LabelSet, error) {
	c := cursor{buf: body}

	stamp, err := decodeStamp(&c, typ == TypeLabelSetV2)
	if err != nil {
		return stamp, 0, 0, nil, err
	}
	kind, err := c.i32()
	if err != nil {
		return stamp, 0, 0, nil, err
	}
	ident, err := c.u32()
	if err != nil {
		return stamp, 0, 0, nil, err
	}
	nsets, err := c.i32()
	if err != nil {
		return stamp, 0, 0, nil, err
	}
	if nsets < 0 || nsets > MaxInputSize/4 {
		return stamp, 0, 0, nil, fmt.Errorf("%w: label set count %d", ErrMalformed, nsets)
	}
	sets := make([]types.LabelSet, 0, nsets)
	for i := int32(0); i < nsets; i++ {
		jlen, err := c.i32()
		if err != nil {
			return stamp, 0, 0, nil, err
		}
		if jlen < 0 || jlen > MaxInputSize {
			return stamp, 0, 0, nil, fmt.Errorf("%w: label JSON length %d", ErrMalformed, jlen)
		}
		jb, err := c.bytes(int(jlen))
		if err != nil {
			return stamp, 0, 0, nil, err
		}
		sets = append(sets, types.LabelSet{JSON: append([]byte(nil), jb...)})
	}
	return stamp, int(kind), ident, sets, nil
}

// DecodeText decodes a help text record body: the text kind bits, a metric
// or instance domain identifier per the kind, and NUL-terminated text
// running to the end of the record.
func DecodeText(body []byte) (int, uint32, string, error) {
	c := cursor{buf: body}

	kind, err := c.i32()
	if err != nil {
		return 0, 0, "", err
	}
	ident, err := c.u32()
	if err != nil {
		return 0, 0, "", err
	}
	text := body[c.off:]
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	return int(kind), ident, string(text), nil
}

// DecodeResult decodes a value result record body: a v2 sec/usec timestamp,
// the pmid count and the opaque value payload. A zero pmid count is a mark
// record and valid; a negative count is carried through for the dispatcher's
// error accounting.
func DecodeResult(body []byte) (*types.ValueResult, error) {
	c := cursor{buf: body}

	sec, err := c.u32()
	if err != nil {
		return nil, err
	}
	usec, err := c.u32()
	if err != nil {
		return nil, err
	}
	numpmid, err := c.i32()
	if err != nil {
		return nil, err
	}
	return &types.ValueResult{
		Timestamp: types.Timestamp{Sec: int64(int32(sec)), Nsec: usec * 1000},
		NumPMID:   numpmid,
		Payload:   append([]byte(nil), body[c.off:]...),
	}, nil
}

// DecodeLogLabel decodes an archive label record body for the format version
// embedded in the type tag. Both versions carry the writer pid, the archive
// start time, the volume number, and fixed-width hostname and timezone.
func DecodeLogLabel(body []byte, typ uint32) (types.LogLabel, error) {
	c := cursor{buf: body}
	var label types.LogLabel

	if !IsMagic(typ) {
		return label, fmt.Errorf("%w: bad label magic %#x", ErrMalformed, typ)
	}
	if _, err := c.u32(); err != nil { // writer pid, unused here
		return label, err
	}
	stamp, err := decodeStamp(&c, typ == Magic|Vers2)
	if err != nil {
		return label, err
	}
	vol, err := c.i32()
	if err != nil {
		return label, err
	}
	host, err := c.bytes(64)
	if err != nil {
		return label, err
	}
	zone, err := c.bytes(40)
	if err != nil {
		return label, err
	}
	label.Start = stamp
	label.Volume = vol
	label.Hostname = cstring(host)
	label.Timezone = cstring(zone)
	return label, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
