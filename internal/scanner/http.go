package scanner

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/wheelo/tcpflow/internal/flow"
)

// defaultHTTPMaxMessages bounds how many messages are parsed from one flow.
const defaultHTTPMaxMessages = 1000

// HTTP parses stored flows as HTTP/1.x request or response streams.
type HTTP struct {
	maxMessages int
}

// NewHTTP returns the http scanner.
func NewHTTP() *HTTP { return &HTTP{maxMessages: defaultHTTPMaxMessages} }

func (*HTTP) Name() string  { return "http" }
func (*HTTP) Phases() Phase { return PhaseFlow }

// Configure reads http.max_messages.
func (h *HTTP) Configure(settings map[string]string) error {
	v, ok := settings["http.max_messages"]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("http.max_messages: invalid value %q", v)
	}
	h.maxMessages = n
	return nil
}

func (h *HTTP) ScanFlow(rec flow.Record) ([]flow.Annotation, error) {
	if rec.Path == "" || rec.BytesStored == 0 {
		return nil, nil
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer f.Close()
	return h.scan(bufio.NewReader(f)), nil
}

// scan returns no annotations when the stream does not start with an HTTP message.
func (h *HTTP) scan(r *bufio.Reader) []flow.Annotation {
	head, _ := r.Peek(5)
	response := bytes.Equal(head, []byte("HTTP/"))

	var first string
	n := 0
	for n < h.maxMessages {
		if _, err := r.Peek(1); err != nil {
			break
		}
		var body io.ReadCloser
		if response {
			resp, err := http.ReadResponse(r, nil)
			if err != nil {
				break
			}
			if n == 0 {
				first = resp.Status
			}
			body = resp.Body
		} else {
			req, err := http.ReadRequest(r)
			if err != nil {
				break
			}
			if n == 0 {
				first = req.Method + " " + req.RequestURI
			}
			body = req.Body
		}
		n++
		_, err := io.Copy(io.Discard, body)
		body.Close()
		if err != nil {
			break
		}
	}
	if n == 0 {
		return nil
	}
	kind := "request"
	if response {
		kind = "response"
	}
	return []flow.Annotation{
		{Key: "http.kind", Value: kind},
		{Key: "http.messages", Value: strconv.Itoa(n)},
		{Key: "http.first", Value: first},
	}
}
