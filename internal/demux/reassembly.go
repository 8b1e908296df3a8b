package demux

import (
	"fmt"
	"io"
	"os"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
)

// Outcome classifies how a segment was placed.
type Outcome int

const (
	// OutcomeEmpty: no payload, only accounting and flags.
	OutcomeEmpty Outcome = iota
	// OutcomeInOrder: payload started exactly at Next.
	OutcomeInOrder
	// OutcomeSparse: payload landed ahead of Next within the seek window.
	OutcomeSparse
	// OutcomeOverwrite: payload started behind Next (retransmission or overlap).
	OutcomeOverwrite
	// OutcomeRebased: payload preceded the inferred ISN; the flow was renumbered.
	OutcomeRebased
	// OutcomeCapped: every payload byte was beyond the per-flow cap.
	OutcomeCapped
	// OutcomeStale: payload preceded the ISN and could not be placed; it was dropped.
	OutcomeStale
	// OutcomeNewInstance: payload is outside the seek window; the caller must finalize
	// this state and start a new instance at the segment's sequence number.
	OutcomeNewInstance
)

var outcomeNames = [...]string{"empty", "in_order", "sparse", "overwrite", "rebased", "capped", "stale", "new_instance"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// WriteResult is what Apply did with a segment: the bytes stored (after capping) and
// the offset they were stored at.
type WriteResult struct {
	Outcome Outcome
	Offset  int64
	Data    []byte
	Err     error
}

// Engine places segment payloads into their flow's output.
type Engine struct {
	maxSeek int64
	fds     *DescriptorManager
	log     logging.Logger
}

// NewEngine returns an engine with the given seek threshold.
func NewEngine(maxSeek int64, fds *DescriptorManager, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{maxSeek: maxSeek, fds: fds, log: log}
}

// Begin initialises a freshly created state from its first segment.
func (e *Engine) Begin(st *FlowState, seg *flow.Segment) {
	st.FirstSeen = seg.Timestamp
	st.LastSeen = seg.Timestamp
	st.ISN = seg.Seq
	if seg.SYN {
		st.ISN = seg.Seq + 1
		st.SynAnchored = true
	}
	st.Direction = directionOf(seg)
}

func directionOf(seg *flow.Segment) flow.Direction {
	switch {
	case seg.SYN && seg.ACK:
		return flow.DirServerToClient
	case seg.SYN:
		return flow.DirClientToServer
	}
	return flow.DirUnknown
}

// SynAction is the decision taken for a SYN seen on an existing state.
type SynAction int

const (
	SynDuplicate SynAction = iota
	SynAnchor
	// SynPin: the SYN precedes the inferred ISN but the flow is too large (or too close
	// to its cap) to be renumbered; the numbering is kept and earlier bytes become stale.
	SynPin
	SynRestart
)

// ClassifySYN decides whether a SYN on a live state is a retransmission, anchors a
// state whose ISN was inferred from data, or starts a new connection.
func (e *Engine) ClassifySYN(st *FlowState, seg *flow.Segment) SynAction {
	isn := seg.Seq + 1
	if st.SynAnchored {
		if isn == st.ISN {
			return SynDuplicate
		}
		return SynRestart
	}
	k := int64(int32(st.ISN - isn))
	if k < 0 || k > e.maxSeek || st.Finished {
		return SynRestart
	}
	if k > 0 && !e.canRebase(st, k) {
		return SynPin
	}
	return SynAnchor
}

// canRebase reports whether st may be shifted forward by k bytes: the stored bytes are
// read back into memory, so only flows within the seek window qualify, and the shifted
// data must stay inside the cap.
func (e *Engine) canRebase(st *FlowState, k int64) bool {
	return st.Written <= e.maxSeek && (st.Cap == 0 || st.Written+k <= st.Cap)
}

// Pin marks st as SYN-anchored without renumbering it.
func (e *Engine) Pin(st *FlowState, seg *flow.Segment) {
	if st.Direction == flow.DirUnknown {
		st.Direction = directionOf(seg)
	}
	st.SynAnchored = true
}

// Anchor moves the ISN of a data-inferred state to the one announced by a SYN.
func (e *Engine) Anchor(st *FlowState, seg *flow.Segment) error {
	isn := seg.Seq + 1
	k := int64(int32(st.ISN - isn))
	e.Pin(st, seg)
	if k == 0 {
		return nil
	}
	if !e.canRebase(st, k) {
		return fmt.Errorf("rebase by %d bytes refused: %d bytes stored", k, st.Written)
	}
	return e.rebase(st, k)
}

// Apply places seg's payload into st. See Outcome for the possible placements; on
// OutcomeNewInstance nothing is written and st is left untouched apart from activity.
func (e *Engine) Apply(seg *flow.Segment, st *FlowState) WriteResult {
	payload := seg.Payload
	if len(payload) == 0 {
		e.account(st, seg)
		return WriteResult{Outcome: OutcomeEmpty}
	}

	seq := seg.Seq
	if seg.SYN {
		// data carried on a SYN starts after the SYN's own sequence number
		seq++
	}
	delta := int64(int32(seq - (st.ISN + uint32(st.Next))))
	abs := st.Next + delta

	var outcome Outcome
	switch {
	case delta > e.maxSeek:
		return WriteResult{Outcome: OutcomeNewInstance}
	case abs < 0:
		k := -abs
		switch {
		case k > e.maxSeek:
			return WriteResult{Outcome: OutcomeNewInstance}
		case st.SynAnchored, !e.canRebase(st, k):
			e.account(st, seg)
			st.BytesDropped += int64(len(payload))
			return WriteResult{Outcome: OutcomeStale}
		}
		if err := e.rebase(st, k); err != nil {
			e.account(st, seg)
			return WriteResult{Outcome: OutcomeRebased, Err: err}
		}
		abs = 0
		outcome = OutcomeRebased
	case delta == 0:
		outcome = OutcomeInOrder
	case delta > 0:
		outcome = OutcomeSparse
	default:
		outcome = OutcomeOverwrite
	}

	e.account(st, seg)

	if st.Cap > 0 {
		room := st.Cap - abs
		if room <= 0 {
			st.BytesDropped += int64(len(payload))
			st.Capped = true
			return WriteResult{Outcome: OutcomeCapped, Offset: abs}
		}
		if int64(len(payload)) > room {
			st.BytesDropped += int64(len(payload)) - room
			st.Capped = true
			payload = payload[:room]
		}
	}

	res := WriteResult{Outcome: outcome, Offset: abs, Data: payload}
	if st.Persisting() {
		res.Err = e.fds.WithHandle(st, func(f *os.File) error {
			_, err := f.WriteAt(payload, abs)
			return err
		})
		switch {
		case res.Err == nil:
		case !st.created:
			// never opened: stop trying and account in memory only
			st.OpenErr = res.Err
		default:
			// the bytes are not on disk; keep them out of the stored extents
			st.BytesDropped += int64(len(payload))
			res.Data = nil
			return res
		}
	}
	if outcome == OutcomeSparse {
		st.SparseWrites++
	}
	st.Overwritten += st.markWritten(abs, abs+int64(len(payload)))
	return res
}

func (e *Engine) account(st *FlowState, seg *flow.Segment) {
	st.Packets++
	st.BytesSeen += int64(len(seg.Payload))
	if seg.Timestamp.After(st.LastSeen) {
		st.LastSeen = seg.Timestamp
	}
	if seg.Truncated {
		st.Truncated = true
	}
}

// rebase renumbers st so that offset 0 moves k bytes earlier in sequence space, shifting
// any stored bytes forward by k.
func (e *Engine) rebase(st *FlowState, k int64) error {
	if st.Persisting() && st.Written > 0 {
		n := st.Written
		err := e.fds.WithHandle(st, func(f *os.File) error {
			buf := make([]byte, k+n)
			if _, err := io.ReadFull(io.NewSectionReader(f, 0, n), buf[k:]); err != nil {
				return fmt.Errorf("read for rebase: %w", err)
			}
			_, err := f.WriteAt(buf, 0)
			return err
		})
		if err != nil {
			return err
		}
	}
	st.shift(k)
	st.Rebases++
	e.log.Debugf("%s rebased by %d bytes", st.ID, k)
	return nil
}
