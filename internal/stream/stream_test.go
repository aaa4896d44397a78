package stream

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcp-archive-capture/internal/codec"
	"pcp-archive-capture/internal/dispatcher"
	"pcp-archive-capture/internal/metrics"
	"pcp-archive-capture/internal/reader"
	"pcp-archive-capture/internal/registry"
	"pcp-archive-capture/pkg/types"
)

type recorder struct {
	metrics [][]string
	values  []*types.ValueResult
	sources int
	closed  int
}

func (rec *recorder) callbacks() *types.Callbacks {
	return &types.Callbacks{
		OnSource: func(types.Event) error { rec.sources++; return nil },
		OnMetric: func(e types.Event, d types.Desc, names []string) error {
			rec.metrics = append(rec.metrics, names)
			return nil
		},
		OnValues: func(e types.Event, r *types.ValueResult) error {
			rec.values = append(rec.values, r)
			return nil
		},
		OnClosed: func(types.Event) error { rec.closed++; return nil },
	}
}

func newFixture(t *testing.T) (*Stream, *registry.Registry, *recorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	reg := registry.New(logger)
	rec := &recorder{}
	disp := dispatcher.New(nil, nil, logger)
	disp.Register(rec.callbacks())
	rdr := reader.New(reg, disp, logger)

	closed := func(e *registry.Entry) {
		disp.InvokeClosed(reader.ClosedEvent(e))
	}
	return New(reg, rdr, closed, logger), reg, rec
}

func testLabel() types.LogLabel {
	return types.LogLabel{
		Start:    types.Timestamp{Sec: 1700000000},
		Hostname: "node3",
	}
}

func descRecord() []byte {
	return codec.EncodeDesc(types.Desc{
		PMID:  types.PMID(0x1002003),
		InDom: types.NullInDom,
	}, []string{"acme.foo"})
}

func TestLabelAnnouncesSource(t *testing.T) {
	s, reg, rec := newFixture(t)

	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 1, rec.sources)
	assert.NotNil(t, reg.Lookup("/stream/archiveA"))
}

func TestPushBeforeLabelRejected(t *testing.T) {
	s, reg, _ := newFixture(t)

	e, _ := reg.LookupAdd("/stream/never-labelled", nil)
	assert.ErrorIs(t, s.PushMeta(e, []byte{1, 2, 3}), ErrNoContext)
	assert.ErrorIs(t, s.PushData(e, []byte{1, 2, 3}), ErrNoContext)
}

func TestPushMetaPartialRecord(t *testing.T) {
	s, _, rec := newFixture(t)
	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	rec6 := descRecord()[:6]
	before := testutil.ToFloat64(metrics.MetadataPartialReads)

	require.NoError(t, s.PushMeta(e, rec6))
	assert.Empty(t, rec.metrics, "no dispatch from a partial record")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MetadataPartialReads))
	assert.Len(t, e.MetaResidue, 6, "residue holds exactly the unparsed suffix")

	require.NoError(t, s.PushMeta(e, descRecord()[6:]))
	assert.Equal(t, [][]string{{"acme.foo"}}, rec.metrics)
	assert.Empty(t, e.MetaResidue)
}

func TestPushMetaByteAtATime(t *testing.T) {
	s, _, rec := newFixture(t)
	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	full := descRecord()
	for _, b := range full {
		require.NoError(t, s.PushMeta(e, []byte{b}))
	}
	assert.Equal(t, [][]string{{"acme.foo"}}, rec.metrics)
	assert.Empty(t, e.MetaResidue)
}

func TestPushMetaSpanningRecords(t *testing.T) {
	s, _, rec := newFixture(t)
	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	two := append(descRecord(), descRecord()...)
	// split inside the second record
	cut := len(descRecord()) + 10
	require.NoError(t, s.PushMeta(e, two[:cut]))
	assert.Len(t, rec.metrics, 1)
	assert.Len(t, e.MetaResidue, 10)

	require.NoError(t, s.PushMeta(e, two[cut:]))
	assert.Len(t, rec.metrics, 2)
	assert.Empty(t, e.MetaResidue)
}

func TestPushMetaMalformedHeaderFatal(t *testing.T) {
	s, _, _ := newFixture(t)
	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	// record length equal to header+trailer can never frame a body
	bad := []byte{0, 0, 0, 12, 0, 0, 0, 1, 0, 0, 0, 12}
	assert.ErrorIs(t, s.PushMeta(e, bad), codec.ErrMalformed)
}

func TestPushMetaSkipsArchiveLabelRecord(t *testing.T) {
	s, _, rec := newFixture(t)
	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	buf := append(codec.EncodeLogLabel(testLabel(), codec.Vers3), descRecord()...)
	require.NoError(t, s.PushMeta(e, buf))
	assert.Equal(t, [][]string{{"acme.foo"}}, rec.metrics)
}

func TestPushData(t *testing.T) {
	s, _, rec := newFixture(t)
	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	result := &types.ValueResult{
		Timestamp: types.Timestamp{Sec: 1700000100},
		NumPMID:   2,
		Payload:   []byte{9, 9, 9, 9},
	}
	buf := append(codec.EncodeLogLabel(testLabel(), codec.Vers3), codec.EncodeResult(result)...)

	require.NoError(t, s.PushData(e, buf))
	require.Len(t, rec.values, 1)
	assert.Equal(t, result.Timestamp, rec.values[0].Timestamp)
	assert.Equal(t, result.Payload, rec.values[0].Payload)
	assert.Empty(t, e.DataResidue)
}

func TestPushDataPartial(t *testing.T) {
	s, _, rec := newFixture(t)
	e, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	full := codec.EncodeResult(&types.ValueResult{Timestamp: types.Timestamp{Sec: 1}, NumPMID: 1, Payload: []byte{1, 2, 3, 4}})
	require.NoError(t, s.PushData(e, full[:7]))
	assert.Empty(t, rec.values)
	assert.Len(t, e.DataResidue, 7)

	require.NoError(t, s.PushData(e, full[7:]))
	require.Len(t, rec.values, 1)
	assert.Empty(t, e.DataResidue)
}

func TestStreamEnd(t *testing.T) {
	s, reg, rec := newFixture(t)
	_, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)

	s.End("/stream/archiveA")
	assert.Equal(t, 1, rec.closed)
	assert.Nil(t, reg.Lookup("/stream/archiveA"))

	// unknown paths are a no-op
	s.End("/stream/archiveA")
	assert.Equal(t, 1, rec.closed)
}

func TestLabelRestartsLiveStream(t *testing.T) {
	s, _, rec := newFixture(t)

	first, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)
	require.NoError(t, s.PushMeta(first, descRecord()[:6]))

	// duplicate label: old entry closed, fresh residue
	second, err := s.Label("/stream/archiveA", testLabel(), nil)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, rec.closed)
	assert.Empty(t, second.MetaResidue)
	assert.Equal(t, 2, rec.sources)
}
