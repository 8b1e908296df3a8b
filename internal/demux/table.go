package demux

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/wheelo/tcpflow/internal/flow"
)

// ErrRejected is returned by LookupOrCreate when new flows are not admitted and the key
// has no live state.
var ErrRejected = errors.New("flow not admitted")

// ErrUnknownFlow is returned by Finalize for an ID that is not live.
var ErrUnknownFlow = errors.New("unknown flow")

// TableOptions configure how new states are initialised.
type TableOptions struct {
	OutDir   string
	Template flow.Template
	// Store selects persisting flows to files; false keeps every flow in discard mode.
	Store bool
	Cap   int64
}

// FlowTable maps flow keys to their live state and owns the flow lifecycle.
type FlowTable struct {
	opts TableOptions
	fds  *DescriptorManager

	live map[flow.Key]*FlowState
	// nextInstance holds one more than the highest instance ever used for a key.
	nextInstance map[flow.Key]uint32

	onFinalize func(*flow.Record)

	created   uint64
	finalized uint64
	peakLive  int
}

// NewFlowTable returns an empty table. onFinalize, if set, receives every record.
func NewFlowTable(opts TableOptions, fds *DescriptorManager, onFinalize func(*flow.Record)) *FlowTable {
	return &FlowTable{
		opts:         opts,
		fds:          fds,
		live:         make(map[flow.Key]*FlowState),
		nextInstance: make(map[flow.Key]uint32),
		onFinalize:   onFinalize,
	}
}

// LookupOrCreate returns the live state for key, creating the next instance when there
// is none and admitNew is set. created reports whether a new state was made.
func (t *FlowTable) LookupOrCreate(key flow.Key, admitNew bool, now time.Time) (st *FlowState, created bool, err error) {
	if st, ok := t.live[key]; ok {
		return st, false, nil
	}
	if !admitNew {
		return nil, false, ErrRejected
	}
	return t.create(key, now), true, nil
}

// Lookup returns the live state for key, if any.
func (t *FlowTable) Lookup(key flow.Key) (*FlowState, bool) {
	st, ok := t.live[key]
	return st, ok
}

// Restart finalizes the live state for key (if any) with reason and creates the next
// instance in its place.
func (t *FlowTable) Restart(key flow.Key, reason string, now time.Time) *FlowState {
	if st, ok := t.live[key]; ok {
		t.finalizeState(st, reason)
	}
	return t.create(key, now)
}

func (t *FlowTable) create(key flow.Key, now time.Time) *FlowState {
	id := flow.ID{Key: key, Instance: t.nextInstance[key]}
	t.nextInstance[key] = id.Instance + 1

	st := &FlowState{ID: id, Counter: t.created, Cap: t.opts.Cap, FirstSeen: now, LastSeen: now}
	if t.opts.Store {
		name := t.opts.Template.Expand(flow.TemplateVars{ID: id, Counter: t.created, Time: now})
		st.Path = filepath.Join(t.opts.OutDir, name)
	}
	t.created++
	t.live[key] = st
	if n := len(t.live); n > t.peakLive {
		t.peakLive = n
	}
	return st
}

// Finalize removes the live state with the given ID, releases its descriptor and
// returns its record.
func (t *FlowTable) Finalize(id flow.ID, reason string) (*flow.Record, error) {
	st, ok := t.live[id.Key]
	if !ok || st.ID.Instance != id.Instance {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, id)
	}
	return t.finalizeState(st, reason), nil
}

func (t *FlowTable) finalizeState(st *FlowState, reason string) *flow.Record {
	if st.Finished && (reason == flow.ReasonShutdown || reason == flow.ReasonNewInstance) {
		reason = flow.ReasonFIN
	}
	delete(t.live, st.ID.Key)
	if st.file != nil || st.created {
		t.fds.Release(st)
	}
	st.Finished = true
	t.finalized++
	rec := st.Record(reason)
	if t.onFinalize != nil {
		t.onFinalize(rec)
	}
	return rec
}

// FinalizeAll finalizes every live flow, oldest first.
func (t *FlowTable) FinalizeAll(reason string) []*flow.Record {
	states := t.Live()
	recs := make([]*flow.Record, 0, len(states))
	for _, st := range states {
		recs = append(recs, t.finalizeState(st, reason))
	}
	return recs
}

// Live returns the live states ordered by creation.
func (t *FlowTable) Live() []*FlowState {
	out := make([]*FlowState, 0, len(t.live))
	for _, st := range t.live {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Counter < out[j].Counter })
	return out
}

// Len is the number of live flows.
func (t *FlowTable) Len() int { return len(t.live) }

// Created is the number of flow instances created so far.
func (t *FlowTable) Created() uint64 { return t.created }

// Finalized is the number of flow instances finalized so far.
func (t *FlowTable) Finalized() uint64 { return t.finalized }

// PeakLive is the highest number of simultaneously live flows.
func (t *FlowTable) PeakLive() int { return t.peakLive }
