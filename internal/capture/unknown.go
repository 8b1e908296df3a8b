package capture

import (
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// UnknownWriter saves frames that produced no segment to a pcap file.
type UnknownWriter struct {
	f *os.File
	w *pcapgo.Writer
	n int64
}

// CreateUnknownWriter creates path and writes the pcap file header.
func CreateUnknownWriter(path string, lt layers.LinkType, snaplen uint32) (*UnknownWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snaplen, lt); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &UnknownWriter{f: f, w: w}, nil
}

// WritePacket appends one frame.
func (u *UnknownWriter) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	if ci.CaptureLength != len(data) {
		ci.CaptureLength = len(data)
	}
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if err := u.w.WritePacket(ci, data); err != nil {
		return err
	}
	u.n++
	return nil
}

// Count is the number of frames written.
func (u *UnknownWriter) Count() int64 { return u.n }

// Close closes the file.
func (u *UnknownWriter) Close() error { return u.f.Close() }
