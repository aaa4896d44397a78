package types

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// SourceIdentity identifies the origin of an archive: a stable hash over the
// archive's context labels and hostname. Consumers key their state on ID.
type SourceIdentity struct {
	ID       string
	Hostname string
	Labels   []LabelSet
}

// NewSourceIdentity computes the identity hash for a hostname and an ordered
// set of context labels. An archive with no labels at all hashes a synthetic
// hostname label so every source still gets a stable identity.
func NewSourceIdentity(hostname string, labels []LabelSet) SourceIdentity {
	h := xxhash.New()
	if len(labels) == 0 {
		fmt.Fprintf(h, "{\"hostname\":%q}", hostname)
	} else {
		for _, set := range labels {
			h.Write(set.JSON)
		}
	}
	return SourceIdentity{
		ID:       fmt.Sprintf("%016x", h.Sum64()),
		Hostname: hostname,
		Labels:   labels,
	}
}
