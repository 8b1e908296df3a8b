package scanner

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/wheelo/tcpflow/internal/flow"
)

const defaultNetvizTop = 10

// PortUsage is the traffic stored for one destination port.
type PortUsage struct {
	Port    uint16
	Bytes   int64
	Packets int64
}

// Netviz keeps a per destination port histogram of stored bytes and reports the busiest
// ports at the end of the run.
type Netviz struct {
	top   int
	ports map[uint16]*PortUsage
}

// NewNetviz returns the netviz scanner.
func NewNetviz() *Netviz {
	return &Netviz{top: defaultNetvizTop, ports: make(map[uint16]*PortUsage)}
}

func (*Netviz) Name() string  { return "netviz" }
func (*Netviz) Phases() Phase { return PhasePacket | PhaseRun }

// Configure reads netviz.top.
func (n *Netviz) Configure(settings map[string]string) error {
	v, ok := settings["netviz.top"]
	if !ok {
		return nil
	}
	top, err := strconv.Atoi(v)
	if err != nil || top <= 0 {
		return fmt.Errorf("netviz.top: invalid value %q", v)
	}
	n.top = top
	return nil
}

func (n *Netviz) ScanPacket(ev PacketEvent) error {
	port := ev.Flow.ID.DstPort
	u, ok := n.ports[port]
	if !ok {
		u = &PortUsage{Port: port}
		n.ports[port] = u
	}
	u.Bytes += int64(len(ev.Data))
	u.Packets++
	return nil
}

// Top returns the busiest ports by bytes, ties broken by port number.
func (n *Netviz) Top() []PortUsage {
	out := make([]PortUsage, 0, len(n.ports))
	for _, u := range n.ports {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Port < out[j].Port
	})
	if len(out) > n.top {
		out = out[:n.top]
	}
	return out
}

func (n *Netviz) ScanRun(flow.RunStats) ([]flow.Annotation, error) {
	var anns []flow.Annotation
	for _, u := range n.Top() {
		anns = append(anns, flow.Annotation{
			Key:   "port." + strconv.Itoa(int(u.Port)),
			Value: fmt.Sprintf("bytes=%d packets=%d", u.Bytes, u.Packets),
		})
	}
	return anns, nil
}
