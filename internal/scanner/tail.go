package scanner

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/armon/circbuf"

	"github.com/wheelo/tcpflow/internal/flow"
)

const defaultTailBytes = 64

// maxTailPending bounds the out-of-order bytes held per flow until the gap before them
// is filled.
const maxTailPending = 1 << 20

type tailChunk struct {
	off  int64
	data []byte
}

type tailState struct {
	buf     *circbuf.Buffer
	end     int64
	pending []tailChunk
	held    int64
}

// Tail remembers the last bytes of each flow's contiguous stream and reports them, hex
// encoded, when the flow is finalized. Writes behind the stream end are retransmissions
// and are not appended again; writes ahead of it are held until the gap is filled.
type Tail struct {
	size  int64
	flows map[flow.ID]*tailState
}

// NewTail returns the tail scanner.
func NewTail() *Tail {
	return &Tail{size: defaultTailBytes, flows: make(map[flow.ID]*tailState)}
}

func (*Tail) Name() string  { return "tail" }
func (*Tail) Phases() Phase { return PhasePacket | PhaseFlow }

// Configure reads tail.bytes.
func (t *Tail) Configure(settings map[string]string) error {
	v, ok := settings["tail.bytes"]
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("tail.bytes: invalid value %q", v)
	}
	t.size = n
	return nil
}

func (t *Tail) ScanPacket(ev PacketEvent) error {
	ts, ok := t.flows[ev.Flow.ID]
	if !ok {
		buf, err := circbuf.NewBuffer(t.size)
		if err != nil {
			return err
		}
		ts = &tailState{buf: buf}
		t.flows[ev.Flow.ID] = ts
	}
	if ev.Offset > ts.end {
		if ts.held+int64(len(ev.Data)) > maxTailPending {
			return nil
		}
		ts.pending = append(ts.pending, tailChunk{off: ev.Offset, data: ev.Data})
		ts.held += int64(len(ev.Data))
		return nil
	}
	if err := ts.append(ev.Offset, ev.Data); err != nil {
		return err
	}
	return ts.drain()
}

// append writes the part of data beyond the stream end.
func (ts *tailState) append(off int64, data []byte) error {
	end := off + int64(len(data))
	if end <= ts.end {
		return nil
	}
	if off < ts.end {
		data = data[ts.end-off:]
	}
	_, err := ts.buf.Write(data)
	ts.end = end
	return err
}

// drain appends held chunks that have become contiguous.
func (ts *tailState) drain() error {
	sort.Slice(ts.pending, func(i, j int) bool { return ts.pending[i].off < ts.pending[j].off })
	n := 0
	for _, c := range ts.pending {
		if c.off > ts.end {
			break
		}
		if err := ts.append(c.off, c.data); err != nil {
			return err
		}
		ts.held -= int64(len(c.data))
		n++
	}
	ts.pending = ts.pending[n:]
	return nil
}

func (t *Tail) ScanFlow(rec flow.Record) ([]flow.Annotation, error) {
	ts, ok := t.flows[rec.ID]
	if !ok {
		return nil, nil
	}
	delete(t.flows, rec.ID)
	return []flow.Annotation{{Key: "tail", Value: hex.EncodeToString(ts.buf.Bytes())}}, nil
}
