// Package flow holds the data model shared by the capture, reassembly, scanner and report
// layers: flow identity, the normalized Segment handed over by the packet classifier, and
// the Record emitted when a flow is finalized.
package flow

import (
	"fmt"
	"net/netip"
	"time"
)

// Direction enumerates stream directions.
type Direction string

const (
	DirUnknown        Direction = ""
	DirClientToServer Direction = "c2s"
	DirServerToClient Direction = "s2c"
)

// Key identifies one direction of a TCP connection.
type Key struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Reverse returns the key of the opposite direction.
func (k Key) Reverse() Key {
	return Key{Src: k.Dst, Dst: k.Src, SrcPort: k.DstPort, DstPort: k.SrcPort}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d-%s:%d", k.Src, k.SrcPort, k.Dst, k.DstPort)
}

// ID is a Key plus the instance counter that separates successive connections reusing
// the same addresses and ports.
type ID struct {
	Key
	Instance uint32
}

func (id ID) String() string {
	if id.Instance == 0 {
		return id.Key.String()
	}
	return fmt.Sprintf("%s#%d", id.Key, id.Instance)
}

// Segment is one TCP segment as produced by the packet classifier.
type Segment struct {
	Key       Key
	Seq       uint32
	Payload   []byte
	SYN       bool
	ACK       bool
	FIN       bool
	RST       bool
	Truncated bool
	Timestamp time.Time
}

// Close reasons recorded on finalized flows.
const (
	ReasonFIN         = "fin"
	ReasonRST         = "rst"
	ReasonNewInstance = "new_instance"
	ReasonShutdown    = "shutdown"
	ReasonControl     = "control"
)

// Annotation is a key/value produced by a scanner for a finalized flow.
type Annotation struct {
	Scanner string
	Key     string
	Value   string
}

// Record summarises a finalized flow for the report.
type Record struct {
	ID           ID
	Direction    Direction
	Path         string
	BytesStored  int64
	BytesSeen    int64
	BytesDropped int64
	Overwritten  int64
	Packets      int64
	SparseWrites int64
	Rebases      int64
	Start        time.Time
	End          time.Time
	Truncated    bool
	Capped       bool
	Reason       string
	OpenError    string
	Annotations  []Annotation
}

// Annotation returns the first value recorded under key, if any.
func (r *Record) Annotation(key string) (string, bool) {
	for _, a := range r.Annotations {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// RunStats are the run-level counters handed to run-phase scanners and the report.
type RunStats struct {
	Packets         int64 // frames read from capture sources
	Undecodable     int64 // frames that were not usable TCP segments
	Fragments       int64 // IPv4 fragments held for reassembly
	Segments        int64 // segments handed to the demultiplexer
	Rejected        int64 // segments refused in continue-existing-only passes
	Stale           int64 // segments dropped as preceding their flow's ISN
	NewInstances    int64 // instances started by the seek threshold or a SYN restart
	Rebases         int64
	OpenErrors      int64
	WriteErrors     int64
	FlowsCreated    uint64
	FlowsFinalized  uint64
	LiveFlows       int
	PeakLiveFlows   int
	OpenFDs         int
	PeakOpenFDs     int
	FDCeiling       int
	Evictions       int64
	ScannerFailures int64
}
