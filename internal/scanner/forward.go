package scanner

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
)

// ForwardOptions configure the forward scanner. Timeouts are in seconds.
type ForwardOptions struct {
	Host          string
	RequestsPort  int
	ResponsesPort int
	Connect       int
	RetryEvery    int
}

// Forward relays each flow's contiguous bytes to a remote host: client-to-server data
// to the requests port, server-to-client data to the responses port. Flows whose
// direction is unknown are treated as requests.
type Forward struct {
	log       logging.Logger
	requests  *tcpTarget
	responses *tcpTarget
	sent      map[flow.ID]int64 // stream offset handled so far
	skipped   map[flow.ID]int64 // bytes not delivered because the remote was down
}

// errBackingOff is returned by a target between failed dials. Bytes offered meanwhile
// are skipped rather than reported as failures; the dial error itself was reported once.
var errBackingOff = errors.New("waiting to reconnect")

// NewForward returns the forward scanner. A zero port disables that direction.
func NewForward(opts ForwardOptions, log logging.Logger) *Forward {
	if log == nil {
		log = logging.Nop()
	}
	f := &Forward{log: log, sent: make(map[flow.ID]int64), skipped: make(map[flow.ID]int64)}
	if opts.RequestsPort > 0 {
		f.requests = newTCPTarget(opts.Host, opts.RequestsPort, opts.Connect, opts.RetryEvery, log)
	}
	if opts.ResponsesPort > 0 {
		f.responses = newTCPTarget(opts.Host, opts.ResponsesPort, opts.Connect, opts.RetryEvery, log)
	}
	return f
}

func (*Forward) Name() string  { return "forward" }
func (*Forward) Phases() Phase { return PhasePacket | PhaseFlow }

func (f *Forward) target(dir flow.Direction) *tcpTarget {
	if dir == flow.DirServerToClient {
		return f.responses
	}
	return f.requests
}

func (f *Forward) ScanPacket(ev PacketEvent) error {
	t := f.target(ev.Flow.Direction)
	if t == nil {
		return nil
	}
	sent := f.sent[ev.Flow.ID]
	end := ev.Offset + int64(len(ev.Data))
	if ev.Offset > sent || end <= sent {
		// ahead of the stream or already relayed
		return nil
	}
	err := t.send(ev.Data[sent-ev.Offset:])
	if err != nil {
		f.skipped[ev.Flow.ID] += end - sent
	}
	f.sent[ev.Flow.ID] = end
	if errors.Is(err, errBackingOff) {
		return nil
	}
	return err
}

func (f *Forward) ScanFlow(rec flow.Record) ([]flow.Annotation, error) {
	sent, ok := f.sent[rec.ID]
	if !ok {
		return nil, nil
	}
	skipped := f.skipped[rec.ID]
	delete(f.sent, rec.ID)
	delete(f.skipped, rec.ID)
	anns := []flow.Annotation{{Key: "forward.bytes", Value: strconv.FormatInt(sent-skipped, 10)}}
	if skipped > 0 {
		anns = append(anns, flow.Annotation{Key: "forward.skipped", Value: strconv.FormatInt(skipped, 10)})
	}
	return anns, nil
}

// Close drops both remote connections.
func (f *Forward) Close() error {
	for _, t := range []*tcpTarget{f.requests, f.responses} {
		if t != nil {
			t.Close()
		}
	}
	return nil
}

// tcpTarget maintains a single persistent TCP connection with automatic reconnects.
// After a failed dial it does not try again until retry has passed, so a dead remote
// costs one dial timeout per retry period instead of one per segment.
type tcpTarget struct {
	address   string
	timeout   time.Duration
	retry     time.Duration
	mu        sync.Mutex
	conn      net.Conn
	nextDial  time.Time
	log       logging.Logger
	bytesSent int64
}

func newTCPTarget(host string, port, connect, retryEvery int, log logging.Logger) *tcpTarget {
	timeout := time.Duration(connect) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retry := time.Duration(retryEvery) * time.Second
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &tcpTarget{
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: timeout,
		retry:   retry,
		log:     log,
	}
}

func (t *tcpTarget) send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.connectLocked(); err != nil {
			return err
		}
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	n, err := t.conn.Write(data)
	t.bytesSent += int64(n)
	if err == nil {
		return nil
	}

	t.log.Warnf("forward write to %s failed, reconnecting: %v", t.address, err)
	_ = t.conn.Close()
	t.conn = nil

	// attempt reconnect once
	if err := t.connectLocked(); err != nil {
		return err
	}
	n, err = t.conn.Write(data[n:])
	t.bytesSent += int64(n)
	if err != nil {
		return fmt.Errorf("forward write after reconnect %s: %w", t.address, err)
	}
	return nil
}

func (t *tcpTarget) connectLocked() error {
	if now := time.Now(); now.Before(t.nextDial) {
		return errBackingOff
	}
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.Dial("tcp", t.address)
	if err != nil {
		t.nextDial = time.Now().Add(t.retry)
		return fmt.Errorf("forward connect %s: %w", t.address, err)
	}
	t.conn = conn
	t.log.Infof("connected to %s", t.address)
	return nil
}

func (t *tcpTarget) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.log.Debugf("forward %s closed after %d bytes", t.address, t.bytesSent)
}
