package demux

import (
	"container/list"
	"os"
	"sort"
	"time"

	"github.com/wheelo/tcpflow/internal/flow"
)

// FlowState is the reassembly state of one live flow instance. It is owned by the
// FlowTable and only mutated from the processing goroutine.
type FlowState struct {
	ID flow.ID

	// ISN is the sequence number of offset 0. SynAnchored is set when it came from a
	// SYN rather than from the first observed data segment.
	ISN         uint32
	SynAnchored bool

	// Next is the end of the contiguous run of written bytes that holds the first byte
	// stored. It never decreases. runStart is only above zero after a rebase left a hole
	// at the front.
	Next     int64
	runStart int64
	// Written is the high-water mark of stored bytes, never above Cap when Cap > 0.
	Written int64
	Cap     int64

	// Path is the output file; empty means discard (console-only or no storage).
	Path    string
	OpenErr error

	Counter      uint64
	Direction    flow.Direction
	FirstSeen    time.Time
	LastSeen     time.Time
	LastActivity uint64
	Finished     bool

	Packets      int64
	BytesSeen    int64
	BytesDropped int64
	Overwritten  int64
	SparseWrites int64
	Rebases      int64
	Truncated    bool
	Capped       bool

	// extents are written ranges outside the anchored run, sorted and coalesced.
	extents []extent

	file    *os.File
	elem    *list.Element
	created bool
}

type extent struct {
	start, end int64
}

// Persisting reports whether the flow writes to an output file.
func (st *FlowState) Persisting() bool { return st.Path != "" && st.OpenErr == nil }

// Gaps returns the number of unfilled holes below Written.
func (st *FlowState) Gaps() int {
	n := len(st.extents)
	if st.runStart > 0 {
		n++
	}
	return n
}

// markWritten records [start, end) as stored and returns how many of those bytes had
// already been written. Writes touching the anchored run [runStart, Next) extend it and
// absorb any extents that become adjacent.
func (st *FlowState) markWritten(start, end int64) int64 {
	if end <= start {
		return 0
	}
	var overlap int64
	if lo, hi := max(start, st.runStart), min(end, st.Next); hi > lo {
		overlap += hi - lo
	}
	for _, e := range st.extents {
		if lo, hi := max(start, e.start), min(end, e.end); hi > lo {
			overlap += hi - lo
		}
	}

	if end >= st.runStart && start <= st.Next {
		st.runStart = min(st.runStart, start)
		st.Next = max(st.Next, end)
	} else {
		st.insertExtent(start, end)
	}

	kept := st.extents[:0]
	for _, e := range st.extents {
		if e.end >= st.runStart && e.start <= st.Next {
			st.runStart = min(st.runStart, e.start)
			st.Next = max(st.Next, e.end)
			continue
		}
		kept = append(kept, e)
	}
	st.extents = kept

	if end > st.Written {
		st.Written = end
	}
	return overlap
}

func (st *FlowState) insertExtent(start, end int64) {
	i := sort.Search(len(st.extents), func(i int) bool { return st.extents[i].end >= start })
	j := i
	for j < len(st.extents) && st.extents[j].start <= end {
		start = min(start, st.extents[j].start)
		end = max(end, st.extents[j].end)
		j++
	}
	merged := append([]extent{}, st.extents[:i]...)
	merged = append(merged, extent{start, end})
	st.extents = append(merged, st.extents[j:]...)
}

// shift renumbers every offset after the ISN moved back by k bytes. Next moves forward
// with the data, so it stays monotonic in both offset and sequence space.
func (st *FlowState) shift(k int64) {
	st.ISN -= uint32(k)
	st.runStart += k
	st.Next += k
	for i := range st.extents {
		st.extents[i].start += k
		st.extents[i].end += k
	}
	if st.Written > 0 {
		st.Written += k
	}
}

// Record builds the finalize record for the flow.
func (st *FlowState) Record(reason string) *flow.Record {
	rec := &flow.Record{
		ID:           st.ID,
		Direction:    st.Direction,
		Path:         st.Path,
		BytesStored:  st.Written,
		BytesSeen:    st.BytesSeen,
		BytesDropped: st.BytesDropped,
		Overwritten:  st.Overwritten,
		Packets:      st.Packets,
		SparseWrites: st.SparseWrites,
		Rebases:      st.Rebases,
		Start:        st.FirstSeen,
		End:          st.LastSeen,
		Truncated:    st.Truncated,
		Capped:       st.Capped,
		Reason:       reason,
	}
	if st.OpenErr != nil {
		rec.OpenError = st.OpenErr.Error()
		rec.Path = ""
	}
	return rec
}
