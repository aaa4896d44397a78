package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

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
	sources int
	closed  int
	metrics int
}

func (rec *recorder) callbacks() *types.Callbacks {
	return &types.Callbacks{
		OnSource: func(types.Event) error { rec.sources++; return nil },
		OnMetric: func(types.Event, types.Desc, []string) error { rec.metrics++; return nil },
		OnClosed: func(types.Event) error { rec.closed++; return nil },
	}
}

type fixture struct {
	reg   *registry.Registry
	watch *Watcher
	rec   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	reg := registry.New(logger)
	rec := &recorder{}
	disp := dispatcher.New(nil, nil, logger)
	disp.Register(rec.callbacks())
	rdr := reader.New(reg, disp, logger)

	closed := func(e *registry.Entry) {
		if e.Flags&registry.FlagDirectory != 0 {
			return
		}
		disp.InvokeClosed(reader.ClosedEvent(e))
	}
	watch, err := New(reg, rdr, closed, Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { watch.Stop() })
	return &fixture{reg: reg, watch: watch, rec: rec}
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestDiscoverNewArchive(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	host1 := filepath.Join(root, "host1")
	require.NoError(t, os.Mkdir(host1, 0o755))
	touch(t, filepath.Join(host1, "archiveA.meta"))
	touch(t, filepath.Join(host1, "archiveA.0"))

	require.NoError(t, f.watch.DiscoverArchives(root, nil))

	e := f.reg.Lookup(filepath.Join(host1, "archiveA"))
	require.NotNil(t, e)
	assert.NotZero(t, e.Flags&registry.FlagNew)
	assert.NotZero(t, e.Flags&registry.FlagMeta)
	assert.NotZero(t, e.Flags&registry.FlagDataVol)
	assert.Equal(t, 0, e.MaxVolume)
	assert.Equal(t, 0, f.rec.sources, "no source before the first real record")

	// the tree itself is tracked as directories
	require.NotNil(t, f.reg.Lookup(root))
	dir := f.reg.Lookup(host1)
	require.NotNil(t, dir)
	assert.NotZero(t, dir.Flags&registry.FlagDirectory)
}

func TestDiscoveryIgnoresIndexAndHidden(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	touch(t, filepath.Join(root, "archiveA.meta"))
	touch(t, filepath.Join(root, "archiveA.index"))
	touch(t, filepath.Join(root, ".hidden.meta"))

	require.NoError(t, f.watch.DiscoverArchives(root, nil))

	e := f.reg.Lookup(filepath.Join(root, "archiveA"))
	require.NotNil(t, e)
	assert.NotZero(t, e.Flags&registry.FlagIndex)
	assert.Nil(t, f.reg.Lookup(filepath.Join(root, ".hidden")))
}

func TestMonitorNewInstallsWatches(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	touch(t, filepath.Join(root, "archiveA.meta"))

	require.NoError(t, f.watch.DiscoverArchives(root, nil))
	f.watch.MonitorNew()

	e := f.reg.Lookup(filepath.Join(root, "archiveA"))
	require.NotNil(t, e)
	assert.Zero(t, e.Flags&registry.FlagNew)
	assert.NotZero(t, e.Flags&registry.FlagMonitored)
	assert.NotNil(t, e.Changed)

	dir := f.reg.Lookup(root)
	assert.NotZero(t, dir.Flags&registry.FlagMonitored)
	assert.Equal(t, 2, f.reg.MonitoredCount())
}

func TestThrottleUnderFleet(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()

	// 80 monitored archives with MAX_INFLIGHT_MON=40 gives a 2s window
	for i := 0; i < 80; i++ {
		e, _ := f.reg.LookupAdd(filepath.Join(root, "bulk", string(rune('a'+i%26))+string(rune('0'+i/26))), nil)
		f.reg.SetMonitored(e, true)
	}

	target, _ := f.reg.LookupAdd(filepath.Join(root, "target"), nil)
	target.Flags |= registry.FlagMeta
	target.Flags &^= registry.FlagNew
	f.reg.SetMonitored(target, true)

	// previous callback one second ago: inside the window
	target.LastCallback = time.Now().Unix() - 1
	before := testutil.ToFloat64(metrics.ThrottledChangedCallbacks)
	decodeBefore := testutil.ToFloat64(metrics.MetadataDecode.WithLabelValues(metrics.KindDesc))

	f.watch.changed(target)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ThrottledChangedCallbacks))
	assert.Equal(t, decodeBefore,
		testutil.ToFloat64(metrics.MetadataDecode.WithLabelValues(metrics.KindDesc)),
		"no decode work runs for a throttled callback")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.ThrottleSeconds), 2.0)
}

func TestNewEntriesBypassThrottle(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()

	e, _ := f.reg.LookupAdd(filepath.Join(root, "fresh"), nil)
	e.Flags |= registry.FlagMeta // FlagNew still set
	e.LastCallback = time.Now().Unix()

	before := testutil.ToFloat64(metrics.ChangedCallbacks)
	f.watch.changed(e)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ChangedCallbacks))
}

func TestInflightGateSuspendsCallbacks(t *testing.T) {
	f := newFixture(t)
	f.watch.SetInflightFunc(func() int64 { return DefaultMaxInflightRequests + 1 })

	e, _ := f.reg.LookupAdd(filepath.Join(t.TempDir(), "a"), nil)
	e.Flags |= registry.FlagMeta
	e.Flags &^= registry.FlagNew

	before := testutil.ToFloat64(metrics.ThrottledChangedCallbacks)
	f.watch.changed(e)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ThrottledChangedCallbacks))
}

func TestDirectoryChangeDiscoversAndProcesses(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	require.NoError(t, f.watch.DiscoverArchives(root, nil))
	f.watch.MonitorNew()
	dir := f.reg.Lookup(root)
	require.NotNil(t, dir)

	// a new archive with real content appears in the directory
	base := filepath.Join(root, "archiveB")
	label := codec.EncodeLogLabel(types.LogLabel{
		Start: types.Timestamp{Sec: 1700000000}, Hostname: "node1",
	}, codec.Vers3)
	meta := append(append([]byte{}, label...), codec.EncodeDesc(types.Desc{
		PMID: 1, InDom: types.NullInDom,
	}, []string{"acme.foo"})...)
	require.NoError(t, os.WriteFile(base+".meta", meta, 0o644))
	require.NoError(t, os.WriteFile(base+".0", label, 0o644))

	f.watch.changed(dir)

	e := f.reg.Lookup(base)
	require.NotNil(t, e)
	assert.NotZero(t, e.Flags&registry.FlagMonitored)
	assert.Equal(t, 1, f.rec.sources)
	assert.Equal(t, 1, f.rec.metrics)
}

func TestPurgeDispatchesClosedOnce(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	base := filepath.Join(root, "archiveC")
	touch(t, base+".meta")

	require.NoError(t, f.watch.DiscoverArchives(root, nil))
	f.watch.MonitorNew()

	e := f.reg.Lookup(base)
	require.NotNil(t, e)
	f.reg.MarkDeleted(e)

	purgedBefore := testutil.ToFloat64(metrics.PurgedTotal)
	assert.Equal(t, 1, f.watch.Purge())
	assert.Equal(t, 1, f.rec.closed)
	assert.Equal(t, purgedBefore+1, testutil.ToFloat64(metrics.PurgedTotal))

	// exactly once
	assert.Equal(t, 0, f.watch.Purge())
	assert.Equal(t, 1, f.rec.closed)
}

func TestCompressedVolumesNotTracked(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	touch(t, filepath.Join(root, "archiveD.meta"))
	touch(t, filepath.Join(root, "archiveD.0.xz"))
	touch(t, filepath.Join(root, "archiveD.1"))

	require.NoError(t, f.watch.DiscoverArchives(root, nil))

	e := f.reg.Lookup(filepath.Join(root, "archiveD"))
	require.NotNil(t, e)
	assert.Zero(t, e.Flags&registry.FlagCompressed)
	assert.Equal(t, 1, e.MaxVolume, "only the live volume is tracked")
}
