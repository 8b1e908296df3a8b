package capture

import (
	"errors"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
)

// ErrTimeout is returned by live sources when no packet arrived within the read timeout.
var ErrTimeout = errors.New("capture read timeout")

// PacketSource yields raw frames. ReadPacketData returns io.EOF at the end of the input.
type PacketSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close() error
}

// Matcher is a compiled packet filter.
type Matcher interface {
	Matches(ci gopacket.CaptureInfo, data []byte) bool
}

// Reader turns a PacketSource into a segment source for the demultiplexer.
type Reader struct {
	src     PacketSource
	cls     *Classifier
	filter  Matcher
	unknown *UnknownWriter
	log     logging.Logger

	packets     int64
	filtered    int64
	undecodable int64
}

// NewReader reads src through cls.
func NewReader(src PacketSource, cls *Classifier, log logging.Logger) *Reader {
	if log == nil {
		log = logging.Nop()
	}
	return &Reader{src: src, cls: cls, log: log}
}

// SetFilter drops frames that do not match m before decoding.
func (r *Reader) SetFilter(m Matcher) { r.filter = m }

// SetUnknownWriter records frames that yield no segment.
func (r *Reader) SetUnknownWriter(w *UnknownWriter) { r.unknown = w }

// Next returns the next segment, (nil, nil) on a read timeout and io.EOF at the end.
func (r *Reader) Next() (*flow.Segment, error) {
	for {
		data, ci, err := r.src.ReadPacketData()
		switch {
		case errors.Is(err, ErrTimeout):
			return nil, nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if errors.Is(err, io.ErrUnexpectedEOF) {
				r.log.Warnf("capture file truncated after %d packets", r.packets)
			}
			return nil, io.EOF
		case err != nil:
			return nil, err
		}
		r.packets++
		if r.filter != nil && !r.filter.Matches(ci, data) {
			r.filtered++
			continue
		}

		seg, err := r.cls.Classify(Decode(data, ci, r.src.LinkType()))
		if err != nil {
			r.undecodable++
			if !errors.Is(err, ErrNotTCP) {
				r.log.Debugf("packet %d: %v", r.packets, err)
			}
			r.writeUnknown(ci, data)
			continue
		}
		if seg == nil {
			continue
		}
		return seg, nil
	}
}

func (r *Reader) writeUnknown(ci gopacket.CaptureInfo, data []byte) {
	if r.unknown == nil {
		return
	}
	if err := r.unknown.WritePacket(ci, data); err != nil {
		r.log.Warnf("write unknown packet: %v", err)
	}
}

// Counters returns the frames read, those dropped by the filter and those that were not
// usable TCP segments.
func (r *Reader) Counters() (packets, filtered, undecodable int64) {
	return r.packets, r.filtered, r.undecodable
}

// Close closes the underlying source.
func (r *Reader) Close() error { return r.src.Close() }
