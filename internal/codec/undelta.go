package codec

import (
	"errors"
	"fmt"
	"sort"

	"pcp-archive-capture/pkg/types"
)

// ErrBotch reports a delta instance domain record that cannot be applied:
// no prior full membership exists, a removal names an absent instance, or an
// addition duplicates a present one. The record is dropped, never guessed at.
var ErrBotch = errors.New("indom delta botch")

// InDomCache reconstructs full instance domain memberships from delta
// records. One cache per archive: memberships are keyed by indom id and
// ordered by timestamp, and a delta applies against the nearest earlier
// membership for the same id.
//
// After a botch the id is poisoned: further deltas for it are dropped until
// the next full record arrives and re-establishes a trustworthy base.
type InDomCache struct {
	history  map[types.InDom][]types.InResult
	poisoned map[types.InDom]bool
}

// NewInDomCache returns an empty cache.
func NewInDomCache() *InDomCache {
	return &InDomCache{
		history:  make(map[types.InDom][]types.InResult),
		poisoned: make(map[types.InDom]bool),
	}
}

// Full records a full membership and clears any poison on the id. The
// returned result is the input, ready for dispatch.
func (c *InDomCache) Full(in types.InResult) types.InResult {
	c.insert(in)
	delete(c.poisoned, in.InDom)
	return in
}

// Undelta applies a delta record against the nearest earlier full membership
// for the same indom id, records the reconstruction, and returns it for
// dispatch. Removal entries (empty name) and addition entries are validated
// against the base; any inconsistency returns ErrBotch and poisons the id.
func (c *InDomCache) Undelta(delta types.InResult) (types.InResult, error) {
	if c.poisoned[delta.InDom] {
		return types.InResult{}, fmt.Errorf("%w: indom %s poisoned since earlier botch",
			ErrBotch, delta.InDom)
	}
	base := c.lookupBefore(delta.InDom, delta.Timestamp)
	if base == nil {
		c.poisoned[delta.InDom] = true
		return types.InResult{}, fmt.Errorf("%w: no prior full indom %s before %s",
			ErrBotch, delta.InDom, delta.Timestamp)
	}

	members := make([]types.Instance, len(base.Instances))
	copy(members, base.Instances)
	present := make(map[uint32]int, len(members))
	for i, inst := range members {
		present[inst.ID] = i
	}

	for _, inst := range delta.Instances {
		if inst.Name == "" { // removal
			i, ok := present[inst.ID]
			if !ok {
				c.poisoned[delta.InDom] = true
				return types.InResult{}, fmt.Errorf("%w: indom %s delete of absent instance %d",
					ErrBotch, delta.InDom, inst.ID)
			}
			members = append(members[:i], members[i+1:]...)
			delete(present, inst.ID)
			for j := i; j < len(members); j++ {
				present[members[j].ID] = j
			}
			continue
		}
		if _, ok := present[inst.ID]; ok {
			c.poisoned[delta.InDom] = true
			return types.InResult{}, fmt.Errorf("%w: indom %s add of duplicate instance %d",
				ErrBotch, delta.InDom, inst.ID)
		}
		present[inst.ID] = len(members)
		members = append(members, inst)
	}

	full := types.InResult{
		InDom:     delta.InDom,
		Timestamp: delta.Timestamp,
		Instances: members,
	}
	c.insert(full)
	return full, nil
}

// lookupBefore returns the latest membership for id with a timestamp not
// after stamp, or nil.
func (c *InDomCache) lookupBefore(id types.InDom, stamp types.Timestamp) *types.InResult {
	hist := c.history[id]
	i := sort.Search(len(hist), func(i int) bool {
		return stamp.Before(hist[i].Timestamp)
	})
	if i == 0 {
		return nil
	}
	return &hist[i-1]
}

func (c *InDomCache) insert(in types.InResult) {
	hist := c.history[in.InDom]
	i := sort.Search(len(hist), func(i int) bool {
		return in.Timestamp.Compare(hist[i].Timestamp) <= 0
	})
	if i < len(hist) && hist[i].Timestamp.Compare(in.Timestamp) == 0 {
		hist[i] = in // same-timestamp rewrite
	} else {
		hist = append(hist, types.InResult{})
		copy(hist[i+1:], hist[i:])
		hist[i] = in
	}
	c.history[in.InDom] = hist
}
