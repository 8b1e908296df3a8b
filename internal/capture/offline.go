package capture

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

var (
	magicGzip   = []byte{0x1f, 0x8b}
	magicBzip2  = []byte("BZh")
	magicZip    = []byte("PK\x03\x04")
	magicPcapNG = []byte{0x0a, 0x0d, 0x0d, 0x0a}
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Offline reads a pcap or pcapng file, optionally gzip, bzip2 or zip compressed.
type Offline struct {
	name    string
	closers []io.Closer
	r       packetReader
}

// OpenFile opens a capture file; "-" reads standard input.
func OpenFile(path string) (*Offline, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, fmt.Errorf("open capture: %w", err)
		}
	}
	o := &Offline{name: path, closers: []io.Closer{f}}

	stream, err := o.decompress(f)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	br := bufio.NewReaderSize(stream, 1<<16)
	head, _ := br.Peek(4)
	if bytes.Equal(head, magicPcapNG) {
		o.r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		o.r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// decompress returns a reader of the uncompressed bytes of f.
func (o *Offline) decompress(f *os.File) (io.Reader, error) {
	br := bufio.NewReader(f)
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, magicGzip):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, zr)
		return zr, nil
	case bytes.HasPrefix(head, magicBzip2):
		return bzip2.NewReader(br), nil
	case bytes.HasPrefix(head, magicZip):
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		zr, err := zip.NewReader(f, info.Size())
		if err != nil {
			return nil, err
		}
		for _, zf := range zr.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return nil, err
			}
			o.closers = append(o.closers, rc)
			return rc, nil
		}
		return nil, fmt.Errorf("zip archive holds no capture file")
	}
	return br, nil
}

func (o *Offline) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return o.r.ReadPacketData()
}

func (o *Offline) LinkType() layers.LinkType { return o.r.LinkType() }

// Name is the path the source was opened from.
func (o *Offline) Name() string { return o.name }

// Close closes the decompressors and the file.
func (o *Offline) Close() error {
	var first error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if o.closers[i] == os.Stdin {
			continue
		}
		if err := o.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	o.closers = nil
	return first
}

// CompileFilter compiles a BPF expression for frames of the given link type, for
// filtering sources that cannot filter themselves.
func CompileFilter(expr string, lt layers.LinkType, snaplen int) (*pcap.BPF, error) {
	bpf, err := pcap.NewBPF(lt, snaplen, expr)
	if err != nil {
		return nil, fmt.Errorf("bpf filter %q: %w", expr, err)
	}
	return bpf, nil
}
