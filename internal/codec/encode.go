package codec

import (
	"encoding/binary"

	"pcp-archive-capture/pkg/types"
)

// Encoders for every record kind. The archive writer proper is an external
// program; these exist for fixture generation and for the decode round-trip
// guarantees the decoders are tested against.

func frame(typ uint32, body []byte) []byte {
	reclen := HdrSize + len(body) + TrailerSize
	rec := make([]byte, reclen)
	binary.BigEndian.PutUint32(rec, uint32(reclen))
	binary.BigEndian.PutUint32(rec[4:], typ)
	copy(rec[HdrSize:], body)
	binary.BigEndian.PutUint32(rec[reclen-TrailerSize:], uint32(reclen))
	return rec
}

func putU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func putU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func putStamp(b []byte, stamp types.Timestamp, v2 bool) []byte {
	if v2 {
		b = putU32(b, uint32(int32(stamp.Sec)))
		return putU32(b, stamp.Nsec/1000)
	}
	b = putU64(b, uint64(stamp.Sec))
	return putU32(b, stamp.Nsec)
}

// EncodeDesc encodes a framed metric descriptor record.
func EncodeDesc(desc types.Desc, names []string) []byte {
	var body []byte
	body = putU32(body, uint32(desc.PMID))
	body = putU32(body, uint32(desc.Type))
	body = putU32(body, uint32(desc.InDom))
	body = putU32(body, uint32(desc.Sem))
	body = putU32(body, desc.Units)
	body = putU32(body, uint32(len(names)))
	for _, name := range names {
		body = putU32(body, uint32(len(name)))
		body = append(body, name...)
	}
	return frame(TypeDesc, body)
}

// EncodeInDom encodes a framed instance domain record of the given type tag.
// For TypeInDomDelta an instance with an empty name encodes a removal.
func EncodeInDom(in types.InResult, typ uint32) []byte {
	var body []byte
	body = putStamp(body, in.Timestamp, typ == TypeInDomV2)
	body = putU32(body, uint32(in.InDom))
	body = putU32(body, uint32(len(in.Instances)))
	for _, inst := range in.Instances {
		body = putU32(body, inst.ID)
	}
	for _, inst := range in.Instances {
		body = putU32(body, uint32(len(inst.Name)))
		body = append(body, inst.Name...)
	}
	return frame(typ, body)
}

// EncodeLabelSet encodes a framed label record of the given type tag.
func EncodeLabelSet(stamp types.Timestamp, kind int, ident uint32, sets []types.LabelSet, typ uint32) []byte {
	var body []byte
	body = putStamp(body, stamp, typ == TypeLabelSetV2)
	body = putU32(body, uint32(kind))
	body = putU32(body, ident)
	body = putU32(body, uint32(len(sets)))
	for _, set := range sets {
		body = putU32(body, uint32(len(set.JSON)))
		body = append(body, set.JSON...)
	}
	return frame(typ, body)
}

// EncodeText encodes a framed help text record.
func EncodeText(kind int, ident uint32, text string) []byte {
	var body []byte
	body = putU32(body, uint32(kind))
	body = putU32(body, ident)
	body = append(body, text...)
	body = append(body, 0)
	return frame(TypeText, body)
}

// EncodeResult encodes a framed value result record. Result framing carries
// no type tag: leading length, body, trailing length mirror.
func EncodeResult(r *types.ValueResult) []byte {
	reclen := ResultHdrSize + 12 + len(r.Payload) + TrailerSize
	rec := make([]byte, 0, reclen)
	rec = putU32(rec, uint32(reclen))
	rec = putU32(rec, uint32(int32(r.Timestamp.Sec)))
	rec = putU32(rec, r.Timestamp.Nsec/1000)
	rec = putU32(rec, uint32(r.NumPMID))
	rec = append(rec, r.Payload...)
	rec = putU32(rec, uint32(reclen))
	return rec
}

// EncodeLogLabel encodes a framed archive label record for the given format
// version (Vers2 or Vers3).
func EncodeLogLabel(label types.LogLabel, version uint32) []byte {
	var body []byte
	body = putU32(body, 0) // writer pid
	body = putStamp(body, label.Start, version == Vers2)
	body = putU32(body, uint32(label.Volume))
	body = append(body, fixed(label.Hostname, 64)...)
	body = append(body, fixed(label.Timezone, 40)...)
	return frame(Magic|version, body)
}

func fixed(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}
