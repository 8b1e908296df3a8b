// Package report writes the DFXML run report: one fileobject per finalized flow, followed
// by the run summary and resource usage of the process.
package report

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/wheelo/tcpflow/internal/flow"
)

// Creator identifies the program in the report header.
type Creator struct {
	Program     string
	Version     string
	CommandLine string
}

// Writer streams the report to a file. It is safe for use from several goroutines, though
// flows are normally reported from the processing goroutine only.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	enc    *xml.Encoder
	root   xml.StartElement
	start  time.Time
	flows  uint64
	err    error
	closed bool
}

// Create opens path and writes the report header.
func Create(path string, c Creator, config map[string]string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	w := newWriter(f, f)
	if err := w.header(c, config); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(out io.Writer, f *os.File) *Writer {
	bw := bufio.NewWriter(out)
	enc := xml.NewEncoder(bw)
	enc.Indent("", "  ")
	return &Writer{
		f:     f,
		bw:    bw,
		enc:   enc,
		start: time.Now(),
		root: xml.StartElement{
			Name: xml.Name{Local: "dfxml"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "xmloutputversion"}, Value: "1.0"}},
		},
	}
}

type metadata struct {
	XMLName xml.Name `xml:"metadata"`
	XMLNS   string   `xml:"xmlns,attr"`
	XSI     string   `xml:"xmlns:xsi,attr"`
	DC      string   `xml:"xmlns:dc,attr"`
	Type    string   `xml:"dc:type"`
}

type creatorElem struct {
	XMLName     xml.Name `xml:"creator"`
	Program     string   `xml:"program"`
	Version     string   `xml:"version"`
	GoVersion   string   `xml:"build_environment>compiler"`
	CommandLine string   `xml:"execution_environment>command_line"`
	StartTime   string   `xml:"execution_environment>start_time"`
	Host        string   `xml:"execution_environment>host,omitempty"`
}

type configElem struct {
	XMLName xml.Name    `xml:"configuration"`
	Params  []paramElem `xml:"param"`
}

type paramElem struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (w *Writer) header(c Creator, config map[string]string) error {
	if _, err := w.bw.WriteString(xml.Header); err != nil {
		return err
	}
	if err := w.enc.EncodeToken(w.root); err != nil {
		return err
	}
	host, _ := os.Hostname()
	elems := []any{
		metadata{
			XMLNS: "http://afflib.org/tcpflow/",
			XSI:   "http://www.w3.org/2001/XMLSchema-instance",
			DC:    "http://purl.org/dc/elements/1.1/",
			Type:  "Feature Extraction",
		},
		creatorElem{
			Program:     c.Program,
			Version:     c.Version,
			GoVersion:   goVersion(),
			CommandLine: c.CommandLine,
			StartTime:   w.start.UTC().Format(time.RFC3339Nano),
			Host:        host,
		},
		configElem{Params: sortedParams(config)},
	}
	for _, e := range elems {
		if err := w.enc.Encode(e); err != nil {
			return fmt.Errorf("write report header: %w", err)
		}
	}
	return w.flush()
}

func (w *Writer) flush() error {
	if err := w.enc.Flush(); err != nil {
		return err
	}
	return w.bw.Flush()
}

type fileObject struct {
	XMLName   xml.Name     `xml:"fileobject"`
	Filename  string       `xml:"filename,omitempty"`
	Filesize  int64        `xml:"filesize"`
	OpenError string       `xml:"open_error,omitempty"`
	TCP       tcpflowElem  `xml:"tcpflow"`
	Hashes    []hashDigest `xml:"hashdigest"`
	Scans     []scanElem   `xml:"scan"`
}

type tcpflowElem struct {
	StartTime   string `xml:"startime,attr"`
	EndTime     string `xml:"endtime,attr"`
	Family      int    `xml:"family,attr"`
	SrcIP       string `xml:"src_ipn,attr"`
	DstIP       string `xml:"dst_ipn,attr"`
	SrcPort     uint16 `xml:"srcport,attr"`
	DstPort     uint16 `xml:"dstport,attr"`
	Instance    uint32 `xml:"instance,attr"`
	Direction   string `xml:"direction,attr,omitempty"`
	Packets     int64  `xml:"packets,attr"`
	Len         int64  `xml:"len,attr"`
	Dropped     int64  `xml:"dropped,attr"`
	Overwritten int64  `xml:"overwritten,attr"`
	Sparse      int64  `xml:"sparse_writes,attr"`
	Rebases     int64  `xml:"rebases,attr"`
	Truncated   bool   `xml:"truncated,attr,omitempty"`
	Capped      bool   `xml:"capped,attr,omitempty"`
	Reason      string `xml:"close_reason,attr"`
}

type hashDigest struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type scanElem struct {
	Scanner string `xml:"scanner,attr"`
	Key     string `xml:"key,attr"`
	Value   string `xml:",chardata"`
}

func family(rec *flow.Record) int {
	if rec.ID.Src.Unmap().Is4() {
		return 2 // AF_INET
	}
	return 10 // AF_INET6
}

func fileObjectFor(rec *flow.Record) fileObject {
	fo := fileObject{
		Filename:  rec.Path,
		Filesize:  rec.BytesStored,
		OpenError: rec.OpenError,
		TCP: tcpflowElem{
			StartTime:   rec.Start.UTC().Format(time.RFC3339Nano),
			EndTime:     rec.End.UTC().Format(time.RFC3339Nano),
			Family:      family(rec),
			SrcIP:       rec.ID.Src.Unmap().String(),
			DstIP:       rec.ID.Dst.Unmap().String(),
			SrcPort:     rec.ID.SrcPort,
			DstPort:     rec.ID.DstPort,
			Instance:    rec.ID.Instance,
			Direction:   string(rec.Direction),
			Packets:     rec.Packets,
			Len:         rec.BytesSeen,
			Dropped:     rec.BytesDropped,
			Overwritten: rec.Overwritten,
			Sparse:      rec.SparseWrites,
			Rebases:     rec.Rebases,
			Truncated:   rec.Truncated,
			Capped:      rec.Capped,
			Reason:      rec.Reason,
		},
	}
	for _, a := range rec.Annotations {
		if a.Key == "md5" {
			fo.Hashes = append(fo.Hashes, hashDigest{Type: "MD5", Value: a.Value})
			continue
		}
		fo.Scans = append(fo.Scans, scanElem{Scanner: a.Scanner, Key: a.Key, Value: a.Value})
	}
	return fo
}

// FlowFinished appends the flow's fileobject. Write errors are kept and returned by Close.
func (w *Writer) FlowFinished(rec *flow.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.err != nil {
		return
	}
	w.flows++
	if err := w.enc.Encode(fileObjectFor(rec)); err != nil {
		w.err = fmt.Errorf("write report: %w", err)
		return
	}
	if err := w.flush(); err != nil {
		w.err = fmt.Errorf("write report: %w", err)
	}
}

// Flows is the number of fileobjects written.
func (w *Writer) Flows() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flows
}

// Failure is one scanner failure shown in the summary.
type Failure struct {
	Scanner string
	Phase   string
	Flow    string
	Error   string
}

// Summary is the end-of-run section.
type Summary struct {
	Stats          flow.RunStats
	RunAnnotations []flow.Annotation
	Failures       []Failure
}

// Close writes the summary, resource usage and closing tag, then closes the file.
func (w *Writer) Close(s Summary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err == nil {
		w.err = w.writeTrailer(s)
	}
	if w.f != nil {
		if err := w.f.Close(); err != nil && w.err == nil {
			w.err = err
		}
	}
	return w.err
}

func (w *Writer) writeTrailer(s Summary) error {
	elems := []any{summaryFor(s.Stats, time.Since(w.start))}
	for _, a := range s.RunAnnotations {
		elems = append(elems, runScan{Scanner: a.Scanner, Key: a.Key, Value: a.Value})
	}
	if len(s.Failures) > 0 {
		fe := failuresElem{}
		for _, f := range s.Failures {
			fe.Failures = append(fe.Failures, failureElem(f))
		}
		elems = append(elems, fe)
	}
	if ru, err := getRusage(time.Since(w.start)); err == nil {
		elems = append(elems, ru)
	}
	for _, e := range elems {
		if err := w.enc.Encode(e); err != nil {
			return fmt.Errorf("write report summary: %w", err)
		}
	}
	if err := w.enc.EncodeToken(w.root.End()); err != nil {
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}
	_, err := w.bw.WriteString("\n")
	if err != nil {
		return err
	}
	return w.bw.Flush()
}

type summaryElem struct {
	XMLName         xml.Name `xml:"summary"`
	Packets         int64    `xml:"packets"`
	Undecodable     int64    `xml:"undecodable_packets"`
	Fragments       int64    `xml:"ipv4_fragments"`
	Segments        int64    `xml:"segments"`
	Rejected        int64    `xml:"rejected_segments"`
	Stale           int64    `xml:"stale_segments"`
	FlowsCreated    uint64   `xml:"flows_created"`
	FlowsFinalized  uint64   `xml:"flows_finalized"`
	NewInstances    int64    `xml:"new_instances"`
	Rebases         int64    `xml:"rebases"`
	PeakLiveFlows   int      `xml:"peak_live_flows"`
	PeakOpenFDs     int      `xml:"peak_open_fds"`
	FDCeiling       int      `xml:"fd_ceiling"`
	Evictions       int64    `xml:"fd_evictions"`
	OpenErrors      int64    `xml:"open_errors"`
	WriteErrors     int64    `xml:"write_errors"`
	ScannerFailures int64    `xml:"scanner_failures"`
	Elapsed         string   `xml:"elapsed_seconds"`
}

func summaryFor(st flow.RunStats, elapsed time.Duration) summaryElem {
	return summaryElem{
		Packets:         st.Packets,
		Undecodable:     st.Undecodable,
		Fragments:       st.Fragments,
		Segments:        st.Segments,
		Rejected:        st.Rejected,
		Stale:           st.Stale,
		FlowsCreated:    st.FlowsCreated,
		FlowsFinalized:  st.FlowsFinalized,
		NewInstances:    st.NewInstances,
		Rebases:         st.Rebases,
		PeakLiveFlows:   st.PeakLiveFlows,
		PeakOpenFDs:     st.PeakOpenFDs,
		FDCeiling:       st.FDCeiling,
		Evictions:       st.Evictions,
		OpenErrors:      st.OpenErrors,
		WriteErrors:     st.WriteErrors,
		ScannerFailures: st.ScannerFailures,
		Elapsed:         fmt.Sprintf("%.6f", elapsed.Seconds()),
	}
}

type runScan struct {
	XMLName xml.Name `xml:"run_scan"`
	Scanner string   `xml:"scanner,attr"`
	Key     string   `xml:"key,attr"`
	Value   string   `xml:",chardata"`
}

type failuresElem struct {
	XMLName  xml.Name      `xml:"scanner_failures"`
	Failures []failureElem `xml:"failure"`
}

type failureElem struct {
	Scanner string `xml:"scanner,attr"`
	Phase   string `xml:"phase,attr"`
	Flow    string `xml:"flow,attr,omitempty"`
	Error   string `xml:",chardata"`
}
