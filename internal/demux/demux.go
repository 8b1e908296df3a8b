// Package demux turns a stream of TCP segments into per-flow output files.
//
// A Demux owns the flow table, the reassembly engine and the descriptor manager, and all
// of them are driven from a single goroutine: the one calling Run (or Process directly).
// Other goroutines interact with it through RequestStop, which only flips an atomic flag,
// and Submit, which queues a function for the processing goroutine to run between
// segments.
package demux

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
	"github.com/wheelo/tcpflow/internal/scanner"
)

// State is the run state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

// DefaultMaxSeek is the default seek threshold.
const DefaultMaxSeek = 16 * 1024 * 1024

// ErrStopped is returned by Submit once the run has left the Running state.
var ErrStopped = errors.New("demux stopped")

// Options configure a Demux.
type Options struct {
	OutDir   string
	Template flow.Template
	// Store persists flows to files under OutDir.
	Store           bool
	MaxBytesPerFlow int64
	MaxSeek         int64
	// MaxFDs is the descriptor ceiling; 0 derives it from RLIMIT_NOFILE.
	MaxFDs int
}

// Dispatcher receives stored byte ranges and finalized flows.
type Dispatcher interface {
	Packet(ev scanner.PacketEvent)
	Flow(rec *flow.Record)
}

// ReportSink receives every finalized flow after the scanners annotated it.
type ReportSink interface {
	FlowFinished(rec *flow.Record)
}

// SegmentWriter renders stored bytes as they arrive (console mode).
type SegmentWriter interface {
	WriteSegment(info scanner.FlowInfo, data []byte, ts time.Time) error
}

// Source yields segments. Next returns io.EOF when the source is exhausted and
// (nil, nil) when nothing arrived within the source's own read timeout.
type Source interface {
	Next() (*flow.Segment, error)
}

// Demux is the run context.
type Demux struct {
	opts   Options
	log    logging.Logger
	fds    *DescriptorManager
	engine *Engine
	table  *FlowTable

	dispatch Dispatcher
	report   ReportSink
	console  SegmentWriter

	admitNew bool
	stop     atomic.Bool
	state    atomic.Int32
	requests chan request

	segments     int64
	rejected     int64
	stale        int64
	newInstances int64
	rebases      int64
	openErrors   int64
	writeErrors  int64
}

type request struct {
	fn   func(*Demux)
	done chan struct{}
}

// New builds a run context. dispatch and report may be nil.
func New(opts Options, log logging.Logger, dispatch Dispatcher, report ReportSink) *Demux {
	if log == nil {
		log = logging.Nop()
	}
	if opts.MaxSeek <= 0 {
		opts.MaxSeek = DefaultMaxSeek
	}
	d := &Demux{
		opts:     opts,
		log:      log,
		dispatch: dispatch,
		report:   report,
		admitNew: true,
		requests: make(chan request, 16),
	}
	d.fds = NewDescriptorManager(DescriptorCeiling(opts.MaxFDs), log)
	d.engine = NewEngine(opts.MaxSeek, d.fds, log)
	d.table = NewFlowTable(TableOptions{
		OutDir:   opts.OutDir,
		Template: opts.Template,
		Store:    opts.Store,
		Cap:      opts.MaxBytesPerFlow,
	}, d.fds, d.finalized)
	log.Debugf("demux: max_seek=%d cap=%d fd_ceiling=%d store=%v", opts.MaxSeek, opts.MaxBytesPerFlow, d.fds.Ceiling(), opts.Store)
	return d
}

// SetConsole routes stored bytes to w.
func (d *Demux) SetConsole(w SegmentWriter) { d.console = w }

// SetAdmitNew selects whether unseen flows are created (true) or their segments rejected.
func (d *Demux) SetAdmitNew(admit bool) { d.admitNew = admit }

// Table exposes the flow table to the processing goroutine.
func (d *Demux) Table() *FlowTable { return d.table }

// Descriptors exposes the descriptor manager to the processing goroutine.
func (d *Demux) Descriptors() *DescriptorManager { return d.fds }

func (d *Demux) finalized(rec *flow.Record) {
	if d.dispatch != nil {
		d.dispatch.Flow(rec)
	}
	if d.report != nil {
		d.report.FlowFinished(rec)
	}
	d.log.Debugf("finalized %s reason=%s stored=%d seen=%d", rec.ID, rec.Reason, rec.BytesStored, rec.BytesSeen)
}

// Process runs one segment to completion. It returns ErrRejected when the segment
// belongs to no live flow and new flows are not admitted.
func (d *Demux) Process(seg *flow.Segment) error {
	d.segments++

	st, created, err := d.table.LookupOrCreate(seg.Key, d.admitNew, seg.Timestamp)
	if err != nil {
		d.rejected++
		return err
	}
	if created {
		d.engine.Begin(st, seg)
	} else if seg.SYN {
		switch d.engine.ClassifySYN(st, seg) {
		case SynAnchor:
			before := st.Rebases
			if err := d.engine.Anchor(st, seg); err != nil {
				d.writeError(st, err)
			}
			d.rebases += st.Rebases - before
		case SynPin:
			d.engine.Pin(st, seg)
			d.stale++
		case SynRestart:
			if st, err = d.restart(seg); err != nil {
				return err
			}
		}
	}

	res := d.engine.Apply(seg, st)
	if res.Outcome == OutcomeNewInstance {
		if st, err = d.restart(seg); err != nil {
			return err
		}
		res = d.engine.Apply(seg, st)
	}

	switch {
	case res.Outcome == OutcomeStale:
		d.stale++
	case res.Outcome == OutcomeRebased && res.Err == nil:
		d.rebases++
	}
	if res.Err != nil {
		d.writeError(st, res.Err)
	}
	if len(res.Data) > 0 {
		d.deliver(st, seg, res)
	}

	switch {
	case seg.RST:
		if _, err := d.table.Finalize(st.ID, flow.ReasonRST); err != nil {
			d.log.Warnf("finalize %s: %v", st.ID, err)
		}
	case seg.FIN && !st.Finished:
		st.Finished = true
		d.fds.Release(st)
	}
	return nil
}

// restart finalizes the live state for seg's key and starts the next instance at seg.
// With admission off the old state is still finalized but no new one is created.
func (d *Demux) restart(seg *flow.Segment) (*FlowState, error) {
	if !d.admitNew {
		if st, ok := d.table.Lookup(seg.Key); ok {
			d.table.finalizeState(st, flow.ReasonNewInstance)
		}
		d.rejected++
		return nil, ErrRejected
	}
	d.newInstances++
	st := d.table.Restart(seg.Key, flow.ReasonNewInstance, seg.Timestamp)
	d.engine.Begin(st, seg)
	d.log.Debugf("new instance %s", st.ID)
	return st, nil
}

func (d *Demux) writeError(st *FlowState, err error) {
	if st.OpenErr == err {
		d.openErrors++
		d.log.Warnf("%s: %v; continuing without storage", st.ID, err)
		return
	}
	d.writeErrors++
	d.log.Warnf("%s: %v", st.ID, err)
}

func (d *Demux) deliver(st *FlowState, seg *flow.Segment, res WriteResult) {
	info := scanner.FlowInfo{ID: st.ID, Direction: st.Direction, Path: st.Path}
	if d.dispatch != nil {
		d.dispatch.Packet(scanner.PacketEvent{Flow: info, Offset: res.Offset, Data: res.Data, Timestamp: seg.Timestamp})
	}
	if d.console != nil {
		if err := d.console.WriteSegment(info, res.Data, seg.Timestamp); err != nil {
			d.log.Warnf("console: %v", err)
		}
	}
}

// Run reads src until it is exhausted, ctx is cancelled or a stop is requested. It does
// not drain; call Drain afterwards. Rejected segments are counted, not returned.
func (d *Demux) Run(ctx context.Context, src Source) error {
	for {
		d.serveRequests()
		if d.stop.Load() || ctx.Err() != nil {
			return nil
		}
		seg, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if seg == nil {
			continue
		}
		if err := d.Process(seg); err != nil && !errors.Is(err, ErrRejected) {
			return err
		}
	}
}

func (d *Demux) serveRequests() {
	for {
		select {
		case r := <-d.requests:
			r.fn(d)
			close(r.done)
		default:
			return
		}
	}
}

// Submit runs fn on the processing goroutine and waits for it to complete.
func (d *Demux) Submit(ctx context.Context, fn func(*Demux)) error {
	if d.State() != StateRunning {
		return ErrStopped
	}
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case d.requests <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestStop asks Run to return before reading the next segment. Safe from any goroutine,
// including signal handlers.
func (d *Demux) RequestStop() { d.stop.Store(true) }

// StopRequested reports whether RequestStop was called.
func (d *Demux) StopRequested() bool { return d.stop.Load() }

// State returns the current run state.
func (d *Demux) State() State { return State(d.state.Load()) }

// Drain finalizes every live flow and releases every descriptor. Only the first call
// does anything; it reports whether this call performed the drain.
func (d *Demux) Drain() bool {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return false
	}
	d.stop.Store(true)
	d.serveRequests()
	recs := d.table.FinalizeAll(flow.ReasonShutdown)
	d.fds.CloseAll()
	d.state.Store(int32(StateFinalized))
	d.log.Infof("drained %d live flows (%d total)", len(recs), d.table.Finalized())
	return true
}

// FinishFlow finalizes the live flow with the given ID on operator request.
func (d *Demux) FinishFlow(id flow.ID) (*flow.Record, error) {
	return d.table.Finalize(id, flow.ReasonControl)
}

// LiveRecords snapshots the live flows in creation order.
func (d *Demux) LiveRecords() []*flow.Record {
	states := d.table.Live()
	out := make([]*flow.Record, 0, len(states))
	for _, st := range states {
		out = append(out, st.Record(""))
	}
	return out
}

// Stats returns the run counters. Call it from the processing goroutine (or via Submit).
func (d *Demux) Stats() flow.RunStats {
	return flow.RunStats{
		Segments:       d.segments,
		Rejected:       d.rejected,
		Stale:          d.stale,
		NewInstances:   d.newInstances,
		Rebases:        d.rebases,
		OpenErrors:     d.openErrors,
		WriteErrors:    d.writeErrors,
		FlowsCreated:   d.table.Created(),
		FlowsFinalized: d.table.Finalized(),
		LiveFlows:      d.table.Len(),
		PeakLiveFlows:  d.table.PeakLive(),
		OpenFDs:        d.fds.Open(),
		PeakOpenFDs:    d.fds.Peak(),
		FDCeiling:      d.fds.Ceiling(),
		Evictions:      d.fds.Evictions(),
	}
}
