package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcp-archive-capture/pkg/types"
)

func indom() types.InDom { return types.MakeInDom(60, 2) }

func fullAt(sec int64, insts ...types.Instance) types.InResult {
	return types.InResult{
		InDom:     indom(),
		Timestamp: types.Timestamp{Sec: sec},
		Instances: insts,
	}
}

func TestUndeltaAddRemove(t *testing.T) {
	cache := NewInDomCache()

	base := cache.Full(fullAt(100, types.Instance{ID: 1, Name: "a"}, types.Instance{ID: 2, Name: "b"}))
	assert.Len(t, base.Instances, 2)

	// at T1: add 3:"c", remove 1
	delta := fullAt(101, types.Instance{ID: 3, Name: "c"}, types.Instance{ID: 1})
	full, err := cache.Undelta(delta)
	require.NoError(t, err)

	assert.Equal(t, types.Timestamp{Sec: 101}, full.Timestamp)
	require.Len(t, full.Instances, 2)
	ids := map[uint32]string{}
	for _, inst := range full.Instances {
		ids[inst.ID] = inst.Name
		assert.NotEmpty(t, inst.Name, "no removal semantics may reach consumers")
	}
	assert.Equal(t, map[uint32]string{2: "b", 3: "c"}, ids)
}

func TestUndeltaChains(t *testing.T) {
	cache := NewInDomCache()
	cache.Full(fullAt(100, types.Instance{ID: 1, Name: "a"}))

	full, err := cache.Undelta(fullAt(101, types.Instance{ID: 2, Name: "b"}))
	require.NoError(t, err)
	assert.Len(t, full.Instances, 2)

	// second delta applies against the first reconstruction
	full, err = cache.Undelta(fullAt(102, types.Instance{ID: 1}))
	require.NoError(t, err)
	require.Len(t, full.Instances, 1)
	assert.Equal(t, uint32(2), full.Instances[0].ID)
}

func TestUndeltaBotchNoBase(t *testing.T) {
	cache := NewInDomCache()
	_, err := cache.Undelta(fullAt(100, types.Instance{ID: 1, Name: "a"}))
	assert.ErrorIs(t, err, ErrBotch)
}

func TestUndeltaBotchDeleteAbsent(t *testing.T) {
	cache := NewInDomCache()
	cache.Full(fullAt(100, types.Instance{ID: 1, Name: "a"}))
	_, err := cache.Undelta(fullAt(101, types.Instance{ID: 9}))
	assert.ErrorIs(t, err, ErrBotch)
}

func TestUndeltaBotchDuplicateAdd(t *testing.T) {
	cache := NewInDomCache()
	cache.Full(fullAt(100, types.Instance{ID: 1, Name: "a"}))
	_, err := cache.Undelta(fullAt(101, types.Instance{ID: 1, Name: "dup"}))
	assert.ErrorIs(t, err, ErrBotch)
}

func TestUndeltaPoisonUntilNextFull(t *testing.T) {
	cache := NewInDomCache()
	cache.Full(fullAt(100, types.Instance{ID: 1, Name: "a"}))

	// botch poisons the id
	_, err := cache.Undelta(fullAt(101, types.Instance{ID: 9}))
	require.ErrorIs(t, err, ErrBotch)

	// even a well-formed delta is dropped while poisoned
	_, err = cache.Undelta(fullAt(102, types.Instance{ID: 2, Name: "b"}))
	assert.ErrorIs(t, err, ErrBotch)

	// a new full record clears the poison
	cache.Full(fullAt(103, types.Instance{ID: 1, Name: "a"}))
	full, err := cache.Undelta(fullAt(104, types.Instance{ID: 2, Name: "b"}))
	require.NoError(t, err)
	assert.Len(t, full.Instances, 2)
}

func TestUndeltaIndependentIndoms(t *testing.T) {
	cache := NewInDomCache()
	other := types.InResult{
		InDom:     types.MakeInDom(60, 9),
		Timestamp: types.Timestamp{Sec: 100},
		Instances: []types.Instance{{ID: 5, Name: "e"}},
	}
	cache.Full(fullAt(100, types.Instance{ID: 1, Name: "a"}))
	cache.Full(other)

	// poisoning one id leaves the other usable
	_, err := cache.Undelta(fullAt(101, types.Instance{ID: 9}))
	require.ErrorIs(t, err, ErrBotch)

	full, err := cache.Undelta(types.InResult{
		InDom:     other.InDom,
		Timestamp: types.Timestamp{Sec: 101},
		Instances: []types.Instance{{ID: 6, Name: "f"}},
	})
	require.NoError(t, err)
	assert.Len(t, full.Instances, 2)
}
