package demux

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/scanner"
)

var (
	keyA = flow.Key{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"), SrcPort: 40000, DstPort: 80}
	keyB = flow.Key{Src: netip.MustParseAddr("10.0.0.3"), Dst: netip.MustParseAddr("10.0.0.2"), SrcPort: 40001, DstPort: 80}
	keyC = flow.Key{Src: netip.MustParseAddr("10.0.0.4"), Dst: netip.MustParseAddr("10.0.0.2"), SrcPort: 40002, DstPort: 80}

	baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

const isn = 1_000_000

type collector struct {
	recs []*flow.Record
}

func (c *collector) FlowFinished(rec *flow.Record) { c.recs = append(c.recs, rec) }

func (c *collector) byInstance(key flow.Key, instance uint32) *flow.Record {
	for _, r := range c.recs {
		if r.ID.Key == key && r.ID.Instance == instance {
			return r
		}
	}
	return nil
}

type packetLog struct {
	events []scanner.PacketEvent
	flows  []*flow.Record
}

func (p *packetLog) Packet(ev scanner.PacketEvent) { p.events = append(p.events, ev) }
func (p *packetLog) Flow(rec *flow.Record)         { p.flows = append(p.flows, rec) }

func newTestDemux(t *testing.T, opts Options) (*Demux, *collector) {
	t.Helper()
	if opts.OutDir == "" {
		opts.OutDir = t.TempDir()
	}
	if opts.Template.String() == "" {
		opts.Template = flow.MustParseTemplate(flow.DefaultTemplate)
	}
	opts.Store = true
	if opts.MaxFDs == 0 {
		opts.MaxFDs = 32
	}
	c := &collector{}
	return New(opts, nil, nil, c), c
}

// seg builds a data segment at offset off relative to isn.
func seg(key flow.Key, off int, payload []byte) *flow.Segment {
	return &flow.Segment{
		Key:       key,
		Seq:       uint32(isn + off),
		Payload:   payload,
		ACK:       true,
		Timestamp: baseTime.Add(time.Duration(off) * time.Millisecond),
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%23)
	}
	return b
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func TestDemux_InOrderConcatenation(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	stream := pattern(300, 'a')
	for off := 0; off < len(stream); off += 100 {
		require.NoError(t, d.Process(seg(keyA, off, stream[off:off+100])))
	}
	require.True(t, d.Drain())

	require.Len(t, c.recs, 1)
	rec := c.recs[0]
	assert.Equal(t, stream, readFile(t, rec.Path))
	assert.EqualValues(t, 300, rec.BytesStored)
	assert.EqualValues(t, 300, rec.BytesSeen)
	assert.EqualValues(t, 3, rec.Packets)
	assert.Equal(t, flow.ReasonShutdown, rec.Reason)
}

func TestDemux_PermutationInvariance(t *testing.T) {
	stream := pattern(40, 'A')
	chunks := []int{0, 10, 20, 30}
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 0, 3, 1},
		{3, 0, 1, 2},
	}
	for _, order := range orders {
		d, c := newTestDemux(t, Options{MaxSeek: 1 << 20})
		for _, i := range order {
			off := chunks[i]
			require.NoError(t, d.Process(seg(keyA, off, stream[off:off+10])))
		}
		st, ok := d.Table().Lookup(keyA)
		require.True(t, ok)
		assert.EqualValues(t, 40, st.Next, "order %v", order)
		assert.Zero(t, st.Gaps(), "order %v", order)

		d.Drain()
		require.Len(t, c.recs, 1)
		assert.Equal(t, stream, readFile(t, c.recs[0].Path), "order %v", order)
		assert.Zero(t, c.recs[0].Overwritten, "order %v", order)
	}
}

func TestDemux_OverlapLastWriterWins(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	require.NoError(t, d.Process(seg(keyA, 0, []byte("aaaaaaaa"))))
	require.NoError(t, d.Process(seg(keyA, 2, []byte("XYZ"))))
	d.Drain()

	require.Len(t, c.recs, 1)
	assert.Equal(t, "aaXYZaaa", string(readFile(t, c.recs[0].Path)))
	assert.EqualValues(t, 3, c.recs[0].Overwritten)
	assert.EqualValues(t, 8, c.recs[0].BytesStored)
}

func TestDemux_CapAccounting(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxBytesPerFlow: 10})
	require.NoError(t, d.Process(seg(keyA, 0, pattern(8, 'a'))))
	require.NoError(t, d.Process(seg(keyA, 8, pattern(8, 'a'))))
	require.NoError(t, d.Process(seg(keyA, 16, pattern(8, 'a'))))

	st, ok := d.Table().Lookup(keyA)
	require.True(t, ok, "capped flow stays open")
	assert.EqualValues(t, 10, st.Written)

	d.Drain()
	rec := c.recs[0]
	assert.Len(t, readFile(t, rec.Path), 10)
	assert.EqualValues(t, 10, rec.BytesStored)
	assert.EqualValues(t, 24, rec.BytesSeen)
	assert.EqualValues(t, 14, rec.BytesDropped)
	assert.True(t, rec.Capped)
}

func TestDemux_SparseWriteAtThreshold(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxSeek: 100})
	require.NoError(t, d.Process(seg(keyA, 0, []byte("0123456789"))))
	// exactly MaxSeek ahead of Next is still the same instance
	require.NoError(t, d.Process(seg(keyA, 110, []byte("tail"))))

	st, _ := d.Table().Lookup(keyA)
	assert.EqualValues(t, 10, st.Next)
	assert.EqualValues(t, 114, st.Written)
	assert.Equal(t, 1, st.Gaps())

	// filling the hole advances Next over the extent
	require.NoError(t, d.Process(seg(keyA, 10, make([]byte, 100))))
	assert.EqualValues(t, 114, st.Next)
	assert.Zero(t, st.Gaps())

	d.Drain()
	require.Len(t, c.recs, 1)
	got := readFile(t, c.recs[0].Path)
	require.Len(t, got, 114)
	assert.Equal(t, "tail", string(got[110:]))
	assert.EqualValues(t, 1, c.recs[0].SparseWrites)
}

func TestDemux_FarOffsetStartsOneNewInstance(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxSeek: 1000})
	first := pattern(100, 'a')
	second := pattern(100, 'k')
	require.NoError(t, d.Process(seg(keyA, 0, first)))
	require.NoError(t, d.Process(seg(keyA, 100_000, second)))

	require.Len(t, c.recs, 1, "prior instance finalized immediately")
	old := c.recs[0]
	assert.EqualValues(t, 0, old.ID.Instance)
	assert.Equal(t, flow.ReasonNewInstance, old.Reason)
	assert.EqualValues(t, 100, old.BytesStored)

	d.Drain()
	require.Len(t, c.recs, 2)
	cur := c.byInstance(keyA, 1)
	require.NotNil(t, cur)
	assert.EqualValues(t, 100, cur.BytesStored)
	assert.NotEqual(t, old.Path, cur.Path)
	assert.Equal(t, first, readFile(t, old.Path))
	assert.Equal(t, second, readFile(t, cur.Path))
	assert.Equal(t, int64(1), d.Stats().NewInstances)
}

func TestDemux_FarPastStartsNewInstance(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxSeek: 1000})
	require.NoError(t, d.Process(seg(keyA, 50_000, pattern(10, 'a'))))
	require.NoError(t, d.Process(seg(keyA, 0, pattern(10, 'b'))))
	d.Drain()

	require.Len(t, c.recs, 2)
	assert.NotNil(t, c.byInstance(keyA, 0))
	assert.NotNil(t, c.byInstance(keyA, 1))
}

func TestDemux_DescriptorCeilingAndResume(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxFDs: 2})
	keys := []flow.Key{keyA, keyB, keyC}
	want := map[flow.Key][]byte{}
	for round := 0; round < 4; round++ {
		for i, k := range keys {
			chunk := pattern(16, byte('a'+i*5+round))
			want[k] = append(want[k], chunk...)
			require.NoError(t, d.Process(seg(k, round*16, chunk)))
			assert.LessOrEqual(t, d.Descriptors().Open(), 2)
		}
	}
	stats := d.Stats()
	assert.Equal(t, 2, stats.PeakOpenFDs)
	assert.Positive(t, stats.Evictions)
	assert.Positive(t, d.Descriptors().Reopens())

	d.Drain()
	assert.Zero(t, d.Descriptors().Open())
	require.Len(t, c.recs, 3)
	for _, rec := range c.recs {
		assert.Equal(t, want[rec.ID.Key], readFile(t, rec.Path), rec.ID.String())
	}
}

func TestDemux_FinishOnlyRejectsNewFlows(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	require.NoError(t, d.Process(seg(keyA, 0, []byte("hello "))))

	d.SetAdmitNew(false)
	err := d.Process(seg(keyB, 0, []byte("nope")))
	assert.ErrorIs(t, err, ErrRejected)
	require.NoError(t, d.Process(seg(keyA, 6, []byte("world"))))

	d.Drain()
	require.Len(t, c.recs, 1)
	assert.Equal(t, "hello world", string(readFile(t, c.recs[0].Path)))
	assert.EqualValues(t, 1, d.Stats().Rejected)
	assert.EqualValues(t, 1, d.Stats().FlowsCreated)
}

func TestDemux_FinishOnlyFarOffsetFinalizesWithoutNewInstance(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxSeek: 100})
	require.NoError(t, d.Process(seg(keyA, 0, []byte("abc"))))
	d.SetAdmitNew(false)

	assert.ErrorIs(t, d.Process(seg(keyA, 10_000, []byte("far"))), ErrRejected)
	require.Len(t, c.recs, 1)
	assert.Equal(t, flow.ReasonNewInstance, c.recs[0].Reason)
	assert.Zero(t, d.Table().Len())
}

func TestDemux_TwoFlowScenario(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	a := pattern(200, 'a')
	b := pattern(50, 'q')
	require.NoError(t, d.Process(seg(keyA, 0, a[:100])))
	require.NoError(t, d.Process(seg(keyB, 0, b)))
	require.NoError(t, d.Process(seg(keyA, 100, a[100:])))
	d.Drain()

	require.Len(t, c.recs, 2)
	assert.Len(t, readFile(t, c.byInstance(keyA, 0).Path), 200)
	assert.Len(t, readFile(t, c.byInstance(keyB, 0).Path), 50)
	stats := d.Stats()
	assert.EqualValues(t, 2, stats.FlowsCreated)
	assert.Equal(t, 2, stats.PeakOpenFDs)
}

func TestDemux_FarGapScenario(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxSeek: 16 * 1024})
	require.NoError(t, d.Process(seg(keyA, 0, pattern(100, 'a'))))
	require.NoError(t, d.Process(seg(keyA, 100_000, pattern(100, 'b'))))
	d.Drain()

	require.Len(t, c.recs, 2)
	r0, r1 := c.byInstance(keyA, 0), c.byInstance(keyA, 1)
	require.NotNil(t, r0)
	require.NotNil(t, r1)
	assert.Len(t, readFile(t, r0.Path), 100)
	assert.Len(t, readFile(t, r1.Path), 100)
	assert.Equal(t, filepath.Base(r0.Path)+"--1", filepath.Base(r1.Path))
}

func TestDemux_SynAnchorsAndDropsStale(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	syn := &flow.Segment{Key: keyA, Seq: isn - 1, SYN: true, Timestamp: baseTime}
	require.NoError(t, d.Process(syn))
	require.NoError(t, d.Process(seg(keyA, 0, []byte("GET /"))))
	require.NoError(t, d.Process(seg(keyA, -3, []byte("zz"))))
	// retransmitted SYN is ignored
	require.NoError(t, d.Process(syn))

	st, _ := d.Table().Lookup(keyA)
	assert.True(t, st.SynAnchored)
	assert.Equal(t, flow.DirClientToServer, st.Direction)
	assert.EqualValues(t, 1, d.Stats().Stale)

	d.Drain()
	require.Len(t, c.recs, 1)
	assert.Equal(t, "GET /", string(readFile(t, c.recs[0].Path)))
	assert.EqualValues(t, 2, c.recs[0].BytesDropped)
}

func TestDemux_LateSynRebasesInferredFlow(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	require.NoError(t, d.Process(seg(keyA, 4, []byte("efgh"))))
	require.NoError(t, d.Process(&flow.Segment{Key: keyA, Seq: isn - 1, SYN: true, Timestamp: baseTime}))
	require.NoError(t, d.Process(seg(keyA, 0, []byte("abcd"))))
	d.Drain()

	require.Len(t, c.recs, 1)
	assert.Equal(t, "abcdefgh", string(readFile(t, c.recs[0].Path)))
	assert.EqualValues(t, 1, c.recs[0].Rebases)
}

func TestDemux_LateSynKeepsNumberingWhenRebaseNotAllowed(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"would exceed the cap", Options{MaxBytesPerFlow: 10}},
		{"flow larger than the seek window", Options{MaxSeek: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, c := newTestDemux(t, tt.opts)
			require.NoError(t, d.Process(seg(keyA, 5, []byte("0123456789"))))
			require.NoError(t, d.Process(&flow.Segment{Key: keyA, Seq: isn - 1, SYN: true, Timestamp: baseTime}))
			require.NoError(t, d.Process(seg(keyA, 0, []byte("abcde"))))
			stats := d.Stats()
			d.Drain()

			require.Len(t, c.recs, 1)
			rec := c.recs[0]
			assert.Equal(t, "0123456789", string(readFile(t, rec.Path)))
			assert.EqualValues(t, 10, rec.BytesStored)
			assert.Zero(t, rec.Rebases)
			assert.EqualValues(t, 2, stats.Stale, "the SYN and the bytes before the kept ISN")
			if tt.opts.MaxBytesPerFlow > 0 {
				assert.LessOrEqual(t, rec.BytesStored, tt.opts.MaxBytesPerFlow)
			}
		})
	}
}

func TestDemux_NewSynRestartsFlow(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	require.NoError(t, d.Process(&flow.Segment{Key: keyA, Seq: isn - 1, SYN: true, Timestamp: baseTime}))
	require.NoError(t, d.Process(seg(keyA, 0, []byte("one"))))
	require.NoError(t, d.Process(&flow.Segment{Key: keyA, Seq: 5, SYN: true, Timestamp: baseTime.Add(time.Second)}))
	require.NoError(t, d.Process(&flow.Segment{Key: keyA, Seq: 6, Payload: []byte("two"), Timestamp: baseTime.Add(2 * time.Second)}))
	d.Drain()

	require.Len(t, c.recs, 2)
	assert.Equal(t, "one", string(readFile(t, c.byInstance(keyA, 0).Path)))
	assert.Equal(t, "two", string(readFile(t, c.byInstance(keyA, 1).Path)))
}

func TestDemux_FinAndRst(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	fin := seg(keyA, 0, []byte("bye"))
	fin.FIN = true
	require.NoError(t, d.Process(fin))

	st, ok := d.Table().Lookup(keyA)
	require.True(t, ok, "FIN keeps the state live")
	assert.True(t, st.Finished)
	assert.Zero(t, d.Descriptors().Open())

	rst := seg(keyB, 0, []byte("x"))
	rst.RST = true
	require.NoError(t, d.Process(rst))
	_, ok = d.Table().Lookup(keyB)
	assert.False(t, ok)
	require.Len(t, c.recs, 1)
	assert.Equal(t, flow.ReasonRST, c.recs[0].Reason)
	assert.Equal(t, "x", string(readFile(t, c.recs[0].Path)))

	d.Drain()
	require.Len(t, c.recs, 2)
	assert.Equal(t, flow.ReasonFIN, c.recs[1].Reason)
	assert.Equal(t, "bye", string(readFile(t, c.recs[1].Path)))
}

func TestDemux_ReleaseStampsModTime(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	s := seg(keyA, 0, []byte("data"))
	s.Timestamp = baseTime
	require.NoError(t, d.Process(s))
	d.Drain()

	info, err := os.Stat(c.recs[0].Path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(baseTime), "mtime %v", info.ModTime())
}

func TestDemux_OpenErrorKeepsAccounting(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	d, c := newTestDemux(t, Options{OutDir: blocker})
	require.NoError(t, d.Process(seg(keyA, 0, []byte("abc"))))
	require.NoError(t, d.Process(seg(keyA, 3, []byte("def"))))
	d.Drain()

	require.Len(t, c.recs, 1)
	assert.NotEmpty(t, c.recs[0].OpenError)
	assert.Empty(t, c.recs[0].Path)
	assert.EqualValues(t, 6, c.recs[0].BytesSeen)
	assert.EqualValues(t, 1, d.Stats().OpenErrors)
}

func TestDemux_FailedWriteIsNotCountedAsStored(t *testing.T) {
	d, c := newTestDemux(t, Options{MaxFDs: 1})
	require.NoError(t, d.Process(seg(keyA, 0, []byte("abc"))))
	stA, ok := d.Table().Lookup(keyA)
	require.True(t, ok)
	path := stA.Path
	require.NoError(t, d.Process(seg(keyB, 0, []byte("zz"))))
	require.Nil(t, stA.file, "A was evicted")

	// the reopen hits a directory where the file was
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))
	require.NoError(t, d.Process(seg(keyA, 3, []byte("def"))))

	assert.EqualValues(t, 3, stA.Written)
	assert.EqualValues(t, 3, stA.Next)
	assert.EqualValues(t, 1, d.Stats().WriteErrors)
	d.Drain()

	rec := c.byInstance(keyA, 0)
	require.NotNil(t, rec)
	assert.EqualValues(t, 3, rec.BytesStored)
	assert.EqualValues(t, 3, rec.BytesDropped)
	assert.EqualValues(t, 6, rec.BytesSeen)
}

func TestDemux_DispatchSeesStoredBytes(t *testing.T) {
	log := &packetLog{}
	d := New(Options{OutDir: t.TempDir(), Template: flow.MustParseTemplate(flow.DefaultTemplate), Store: true, MaxFDs: 8, MaxBytesPerFlow: 4}, nil, log, nil)
	require.NoError(t, d.Process(seg(keyA, 0, []byte("abcdef"))))
	d.Drain()

	require.Len(t, log.events, 1)
	assert.Equal(t, "abcd", string(log.events[0].Data))
	assert.EqualValues(t, 0, log.events[0].Offset)
	require.Len(t, log.flows, 1)
	assert.Equal(t, keyA, log.flows[0].ID.Key)
}

func TestDemux_DiscardModeWritesNothing(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{OutDir: dir, Template: flow.MustParseTemplate(flow.DefaultTemplate), MaxFDs: 8}, nil, nil, nil)
	require.NoError(t, d.Process(seg(keyA, 0, []byte("abc"))))
	d.Drain()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, d.Stats().PeakOpenFDs)
}

type sliceSource struct {
	segs []*flow.Segment
	i    int
}

func (s *sliceSource) Next() (*flow.Segment, error) {
	if s.i >= len(s.segs) {
		return nil, io.EOF
	}
	s.i++
	return s.segs[s.i-1], nil
}

func TestDemux_RunAndDrainOnce(t *testing.T) {
	d, c := newTestDemux(t, Options{})
	src := &sliceSource{segs: []*flow.Segment{
		seg(keyA, 0, []byte("abc")),
		seg(keyB, 0, []byte("xyz")),
	}}
	require.NoError(t, d.Run(context.Background(), src))
	assert.Equal(t, StateRunning, d.State())

	assert.True(t, d.Drain())
	assert.False(t, d.Drain())
	assert.Equal(t, StateFinalized, d.State())
	assert.Len(t, c.recs, 2)
	assert.ErrorIs(t, d.Submit(context.Background(), func(*Demux) {}), ErrStopped)
}

func TestDemux_RequestStopEndsRun(t *testing.T) {
	d, _ := newTestDemux(t, Options{})
	src := &sliceSource{segs: []*flow.Segment{seg(keyA, 0, []byte("abc"))}}
	d.RequestStop()
	require.NoError(t, d.Run(context.Background(), src))
	assert.Zero(t, src.i, "no segment read after stop")
	assert.True(t, d.StopRequested())
}

// idleSource reports a read timeout until stopped.
type idleSource struct{}

func (idleSource) Next() (*flow.Segment, error) {
	time.Sleep(time.Millisecond)
	return nil, nil
}

func TestDemux_SubmitRunsOnProcessingLoop(t *testing.T) {
	d, _ := newTestDemux(t, Options{})
	require.NoError(t, d.Process(seg(keyA, 0, []byte("abc"))))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Run(context.Background(), idleSource{}))
	}()

	var live int
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Submit(ctx, func(d *Demux) { live = len(d.LiveRecords()) }))
	assert.Equal(t, 1, live)

	var rec *flow.Record
	var ferr error
	require.NoError(t, d.Submit(ctx, func(d *Demux) { rec, ferr = d.FinishFlow(flow.ID{Key: keyA}) }))
	require.NoError(t, ferr)
	assert.Equal(t, flow.ReasonControl, rec.Reason)

	d.RequestStop()
	wg.Wait()
	assert.True(t, d.Drain())
}

func TestDemux_ConsoleReceivesSegments(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{OutDir: t.TempDir(), Template: flow.MustParseTemplate(flow.DefaultTemplate), MaxFDs: 4}, nil, nil, nil)
	d.SetConsole(writerFunc(func(info scanner.FlowInfo, data []byte, _ time.Time) error {
		buf.Write(data)
		return nil
	}))
	require.NoError(t, d.Process(seg(keyA, 0, []byte("hello "))))
	require.NoError(t, d.Process(seg(keyA, 6, []byte("there"))))
	assert.Equal(t, "hello there", buf.String())
}

type writerFunc func(scanner.FlowInfo, []byte, time.Time) error

func (f writerFunc) WriteSegment(info scanner.FlowInfo, data []byte, ts time.Time) error {
	return f(info, data, ts)
}
