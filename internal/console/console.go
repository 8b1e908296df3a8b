// Package console renders stored flow bytes to a terminal or pipe in console-only mode.
package console

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/scanner"
)

const (
	colorClient = "\x1b[0;34m"
	colorServer = "\x1b[0;31m"
	colorReset  = "\x1b[0m"
)

// Options select the rendering.
type Options struct {
	SuppressHeader bool
	Strip          bool
	Hex            bool
	Binary         bool
	Color          bool
}

// Renderer writes one block per stored byte range.
type Renderer struct {
	w     io.Writer
	opts  Options
	color bool
	lock  *Lock
}

// New returns a renderer on w. Colors are only used when w is a terminal. lock, if not
// nil, is held around every block so several processes can share one terminal.
func New(w io.Writer, opts Options, lock *Lock) *Renderer {
	r := &Renderer{w: w, opts: opts, lock: lock}
	if opts.Color {
		if f, ok := w.(*os.File); ok {
			r.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return r
}

// Header is the per-block prefix naming the flow.
func Header(id flow.ID) string {
	h := fmt.Sprintf("%s.%05d-%s.%05d", flow.FormatAddr(id.Src), id.SrcPort, flow.FormatAddr(id.Dst), id.DstPort)
	if id.Instance > 0 {
		h += fmt.Sprintf("--%d", id.Instance)
	}
	return h
}

// WriteSegment renders data for the given flow.
func (r *Renderer) WriteSegment(info scanner.FlowInfo, data []byte, _ time.Time) error {
	var buf bytes.Buffer
	if r.color {
		if info.Direction == flow.DirServerToClient {
			buf.WriteString(colorServer)
		} else {
			buf.WriteString(colorClient)
		}
	}
	if !r.opts.SuppressHeader && !r.opts.Binary {
		buf.WriteString(Header(info.ID))
		if r.opts.Hex {
			buf.WriteString(":\n")
		} else {
			buf.WriteString(": ")
		}
	}
	switch {
	case r.opts.Binary:
		buf.Write(data)
	case r.opts.Hex:
		buf.WriteString(hex.Dump(data))
	case r.opts.Strip:
		buf.Write(Strip(data))
		buf.WriteByte('\n')
	default:
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if r.color {
		buf.WriteString(colorReset)
	}

	if r.lock != nil {
		if err := r.lock.Lock(); err != nil {
			return err
		}
		defer r.lock.Unlock()
	}
	_, err := r.w.Write(buf.Bytes())
	return err
}

// Strip returns a copy of data with every byte that is not printable ASCII (or a
// newline, carriage return or tab) replaced by '.'.
func Strip(data []byte) []byte {
	out := make([]byte, len(data))
	for i, c := range data {
		switch {
		case c == '\n' || c == '\r' || c == '\t':
			out[i] = c
		case c < 0x20 || c > 0x7e:
			out[i] = '.'
		default:
			out[i] = c
		}
	}
	return out
}
