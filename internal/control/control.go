// Package control serves a line-oriented JSON command port for inspecting and steering a
// running capture. One client is served at a time; a new connection replaces the old one.
package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wheelo/tcpflow/internal/demux"
	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
)

// requestTimeout bounds how long a command waits for the processing loop.
const requestTimeout = 5 * time.Second

// Engine is the part of the run context the command port drives.
type Engine interface {
	Submit(ctx context.Context, fn func(*demux.Demux)) error
	RequestStop()
}

// Server is the command port.
type Server struct {
	BindIP string
	Port   int

	log    logging.Logger
	engine Engine

	serverMu sync.Mutex
	listener net.Listener

	clientMu   sync.Mutex
	clientConn net.Conn

	events        chan map[string]any
	bytesOut      atomic.Int64
	eventsDropped atomic.Int64
	watchFlows    atomic.Bool
}

// New returns a server for engine; Start begins listening.
func New(bindIP string, port int, engine Engine, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		BindIP: bindIP,
		Port:   port,
		log:    log,
		engine: engine,
		events: make(chan map[string]any, 1024),
	}
}

// Start listens and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.BindIP, fmt.Sprint(s.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", addr, err)
	}
	s.serverMu.Lock()
	s.listener = ln
	s.serverMu.Unlock()

	s.log.Infof("control port listening on %s", ln.Addr())
	go s.eventPump(ctx.Done())
	go s.acceptLoop()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and drops the client.
func (s *Server) Close() {
	s.serverMu.Lock()
	ln := s.listener
	s.listener = nil
	s.serverMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientMu.Lock()
	if s.clientConn != nil {
		_ = s.clientConn.Close()
		s.clientConn = nil
	}
	s.clientMu.Unlock()
}

func (s *Server) BytesOut() int64      { return s.bytesOut.Load() }
func (s *Server) EventsDropped() int64 { return s.eventsDropped.Load() }

// FlowFinished publishes a flow_finished event while a client watches flows.
func (s *Server) FlowFinished(rec *flow.Record) {
	if !s.watchFlows.Load() {
		return
	}
	ev := recordMap(rec)
	ev["ts"] = utcISONow()
	ev["event"] = "flow_finished"
	s.emit(ev)
}

func (s *Server) emit(ev map[string]any) {
	select {
	case s.events <- ev:
	default:
		s.eventsDropped.Add(1)
	}
}

func (s *Server) acceptLoop() {
	for {
		s.serverMu.Lock()
		ln := s.listener
		s.serverMu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	peer := conn.RemoteAddr().String()

	s.clientMu.Lock()
	if s.clientConn != nil {
		_ = s.clientConn.Close()
	}
	s.clientConn = conn
	s.clientMu.Unlock()
	s.log.Infof("control client %s connected", peer)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var cmd map[string]any
		if err := json.Unmarshal(line, &cmd); err != nil {
			s.reply("", map[string]any{"ok": false, "error": "bad_json"})
			continue
		}
		s.handleCmd(cmd)
	}

	s.clientMu.Lock()
	if s.clientConn == conn {
		s.clientConn = nil
		s.watchFlows.Store(false)
	}
	s.clientMu.Unlock()
	_ = conn.Close()
	s.log.Infof("control client %s disconnected", peer)
}

func (s *Server) reply(replyTo string, payload map[string]any) {
	ev := map[string]any{"ts": utcISONow(), "event": "reply", "reply_to": replyTo}
	for k, v := range payload {
		ev[k] = v
	}
	s.emit(ev)
}

func (s *Server) submit(fn func(*demux.Demux)) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return s.engine.Submit(ctx, fn)
}

func (s *Server) handleCmd(cmd map[string]any) {
	c := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", cmd["cmd"])))
	fail := func(err error) {
		msg := err.Error()
		if errors.Is(err, demux.ErrStopped) {
			msg = "stopped"
		}
		s.reply(c, map[string]any{"ok": false, "error": msg})
	}

	switch c {
	case "ping", "hello":
		s.reply(c, map[string]any{"ok": true})
	case "stats":
		var st flow.RunStats
		if err := s.submit(func(d *demux.Demux) { st = d.Stats() }); err != nil {
			fail(err)
			return
		}
		s.reply(c, map[string]any{"ok": true, "stats": statsMap(st)})
	case "list_flows":
		var recs []*flow.Record
		if err := s.submit(func(d *demux.Demux) { recs = d.LiveRecords() }); err != nil {
			fail(err)
			return
		}
		flows := make([]map[string]any, 0, len(recs))
		for _, r := range recs {
			flows = append(flows, recordMap(r))
		}
		s.reply(c, map[string]any{"ok": true, "flows": flows})
	case "get_flow", "finish_flow":
		want, _ := cmd["flow"].(string)
		if want == "" {
			s.reply(c, map[string]any{"ok": false, "error": "missing_flow"})
			return
		}
		var rec *flow.Record
		var ferr error
		err := s.submit(func(d *demux.Demux) {
			for _, r := range d.LiveRecords() {
				if r.ID.String() != want {
					continue
				}
				rec = r
				if c == "finish_flow" {
					rec, ferr = d.FinishFlow(r.ID)
				}
				return
			}
		})
		switch {
		case err != nil:
			fail(err)
		case ferr != nil:
			fail(ferr)
		case rec == nil:
			s.reply(c, map[string]any{"ok": false, "error": "not_found"})
		default:
			s.reply(c, map[string]any{"ok": true, "flow": recordMap(rec)})
		}
	case "watch_flows", "unwatch_flows":
		s.watchFlows.Store(c == "watch_flows")
		s.reply(c, map[string]any{"ok": true, "watching": s.watchFlows.Load()})
	case "stop":
		s.engine.RequestStop()
		s.reply(c, map[string]any{"ok": true})
	default:
		s.reply(c, map[string]any{"ok": false, "error": "unknown_cmd"})
	}
}

func (s *Server) eventPump(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-s.events:
			s.writeEvent(ev)
		}
	}
}

func (s *Server) writeEvent(ev map[string]any) {
	s.clientMu.Lock()
	conn := s.clientConn
	s.clientMu.Unlock()
	if conn == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Warnf("control: encode %v: %v", ev["event"], err)
		return
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		return
	}
	s.bytesOut.Add(int64(len(b)))
}

func utcISO(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func utcISONow() string { return utcISO(time.Now()) }

func recordMap(r *flow.Record) map[string]any {
	m := map[string]any{
		"flow":          r.ID.String(),
		"instance":      r.ID.Instance,
		"direction":     string(r.Direction),
		"path":          r.Path,
		"packets":       r.Packets,
		"bytes_stored":  r.BytesStored,
		"bytes_seen":    r.BytesSeen,
		"bytes_dropped": r.BytesDropped,
		"start":         utcISO(r.Start),
		"end":           utcISO(r.End),
		"capped":        r.Capped,
	}
	if r.Reason != "" {
		m["reason"] = r.Reason
	}
	return m
}

func statsMap(st flow.RunStats) map[string]any {
	return map[string]any{
		"segments":        st.Segments,
		"rejected":        st.Rejected,
		"stale":           st.Stale,
		"new_instances":   st.NewInstances,
		"rebases":         st.Rebases,
		"open_errors":     st.OpenErrors,
		"write_errors":    st.WriteErrors,
		"flows_created":   st.FlowsCreated,
		"flows_finalized": st.FlowsFinalized,
		"live_flows":      st.LiveFlows,
		"peak_live_flows": st.PeakLiveFlows,
		"open_fds":        st.OpenFDs,
		"peak_open_fds":   st.PeakOpenFDs,
		"fd_ceiling":      st.FDCeiling,
		"evictions":       st.Evictions,
	}
}
