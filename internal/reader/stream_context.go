package reader

import (
	"pcp-archive-capture/internal/codec"
	"pcp-archive-capture/internal/registry"
	"pcp-archive-capture/pkg/types"
)

// NewStreamContext builds a read context for pushed-buffer ingestion, where
// the archive label arrives out-of-band rather than from a meta file on
// disk.
func NewStreamContext(base string, label types.LogLabel) *Context {
	return &Context{
		base:   base,
		label:  label,
		curVol: -1,
		indoms: codec.NewInDomCache(),
	}
}

// AnnounceSource establishes and dispatches the source identity for an
// entry whose context was created by the stream front-end.
func (r *Reader) AnnounceSource(e *registry.Entry, ctx *Context) {
	r.newSource(e, ctx)
}
