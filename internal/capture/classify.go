// Package capture reads link-layer frames from capture files or interfaces and turns them
// into flow.Segments for the demultiplexer.
package capture

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"

	"github.com/wheelo/tcpflow/internal/flow"
)

// ErrNotTCP is returned for frames that carry no TCP segment.
var ErrNotTCP = errors.New("not a TCP segment")

// fragmentTimeout is how long an incomplete IPv4 datagram is kept.
const fragmentTimeout = 30 * time.Second

// discardEvery is the packet interval between sweeps of stale fragments.
const discardEvery = 10000

// Classifier decodes frames and extracts TCP segments, reassembling IPv4 fragments.
type Classifier struct {
	defrag    *ip4defrag.IPv4Defragmenter
	seen      int64
	fragments int64
}

// NewClassifier returns a classifier. With defrag off, fragments are reported as not TCP.
func NewClassifier(defrag bool) *Classifier {
	c := &Classifier{}
	if defrag {
		c.defrag = ip4defrag.NewIPv4Defragmenter()
	}
	return c
}

// Decode parses a raw frame of the given link type.
func Decode(data []byte, ci gopacket.CaptureInfo, lt layers.LinkType) gopacket.Packet {
	pkt := gopacket.NewPacket(data, lt, gopacket.DecodeOptions{NoCopy: true})
	md := pkt.Metadata()
	md.CaptureInfo = ci
	md.Truncated = md.Truncated || ci.CaptureLength < ci.Length
	return pkt
}

// Classify extracts the TCP segment of pkt. It returns (nil, nil) for an IPv4 fragment
// held until its datagram is complete.
func (c *Classifier) Classify(pkt gopacket.Packet) (*flow.Segment, error) {
	md := pkt.Metadata()
	c.seen++
	if c.defrag != nil && c.seen%discardEvery == 0 {
		c.defrag.DiscardOlderThan(md.Timestamp.Add(-fragmentTimeout))
	}

	if l := pkt.Layer(layers.LayerTypeIPv4); l != nil && c.defrag != nil {
		ip4 := l.(*layers.IPv4)
		length := ip4.Length
		whole, err := c.defrag.DefragIPv4WithTimestamp(ip4, md.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("defragment: %w", err)
		}
		if whole == nil {
			c.fragments++
			return nil, nil
		}
		if whole.Length != length {
			pb, ok := pkt.(gopacket.PacketBuilder)
			if !ok {
				return nil, ErrNotTCP
			}
			if err := whole.NextLayerType().Decode(whole.Payload, pb); err != nil {
				return nil, fmt.Errorf("decode reassembled datagram: %w", err)
			}
		}
	}

	l := pkt.Layer(layers.LayerTypeTCP)
	if l == nil {
		return nil, ErrNotTCP
	}
	tcp := l.(*layers.TCP)

	var src, dst netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return nil, ErrNotTCP
	}
	if !src.IsValid() || !dst.IsValid() {
		return nil, ErrNotTCP
	}

	return &flow.Segment{
		Key: flow.Key{
			Src:     src.Unmap(),
			Dst:     dst.Unmap(),
			SrcPort: uint16(tcp.SrcPort),
			DstPort: uint16(tcp.DstPort),
		},
		Seq:       tcp.Seq,
		Payload:   tcp.Payload,
		SYN:       tcp.SYN,
		ACK:       tcp.ACK,
		FIN:       tcp.FIN,
		RST:       tcp.RST,
		Truncated: md.Truncated || pkt.ErrorLayer() != nil,
		Timestamp: md.Timestamp,
	}, nil
}

// Fragments is the number of IPv4 fragments held for reassembly so far.
func (c *Classifier) Fragments() int64 { return c.fragments }
