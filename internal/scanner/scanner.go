// Package scanner delivers reconstructed flow bytes to pluggable content scanners.
//
// A scanner declares the phases it takes part in. Packet-phase scanners see every stored
// byte range right after it is written, flow-phase scanners see each finalized flow (and
// its output file), run-phase scanners are called once at shutdown. Dispatch calls the
// enabled scanners in registration order and isolates failures: an error or panic in one
// call is counted and logged, and delivery carries on with the next scanner.
package scanner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wheelo/tcpflow/internal/flow"
)

// Phase is a bit set of the points at which a scanner is invoked.
type Phase int

const (
	PhasePacket Phase = 1 << iota
	PhaseFlow
	PhaseRun
)

func (p Phase) String() string {
	var parts []string
	if p&PhasePacket != 0 {
		parts = append(parts, "packet")
	}
	if p&PhaseFlow != 0 {
		parts = append(parts, "flow")
	}
	if p&PhaseRun != 0 {
		parts = append(parts, "run")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// FlowInfo is the read-only flow metadata given to scanners.
type FlowInfo struct {
	ID        flow.ID
	Direction flow.Direction
	Path      string
}

// PacketEvent is one stored byte range. Data must be treated as read-only.
type PacketEvent struct {
	Flow      FlowInfo
	Offset    int64
	Data      []byte
	Timestamp time.Time
}

// Scanner is the base interface; a scanner also implements the hook interface of every
// phase it declares.
type Scanner interface {
	Name() string
	Phases() Phase
}

// PacketScanner is called after every write.
type PacketScanner interface {
	Scanner
	ScanPacket(ev PacketEvent) error
}

// FlowScanner is called once per finalized flow. rec is a copy.
type FlowScanner interface {
	Scanner
	ScanFlow(rec flow.Record) ([]flow.Annotation, error)
}

// RunScanner is called once at shutdown.
type RunScanner interface {
	Scanner
	ScanRun(stats flow.RunStats) ([]flow.Annotation, error)
}

// Configurable scanners receive the -S name=value settings.
type Configurable interface {
	Configure(settings map[string]string) error
}

// ErrUnknownScanner is returned for names that were never registered.
var ErrUnknownScanner = errors.New("unknown scanner")

type entry struct {
	s        Scanner
	enabled  bool
	calls    int64
	failures int64
}

// Registry holds scanners in registration order, keyed by name.
type Registry struct {
	entries []*entry
	byName  map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*entry)}
}

// Register adds s, enabled or not. Names must be unique.
func (r *Registry) Register(s Scanner, enabled bool) error {
	name := s.Name()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("scanner %q already registered", name)
	}
	e := &entry{s: s, enabled: enabled}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	return nil
}

func (r *Registry) set(name string, enabled bool) error {
	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScanner, name)
	}
	e.enabled = enabled
	return nil
}

// Enable turns on the named scanner.
func (r *Registry) Enable(name string) error { return r.set(name, true) }

// Disable turns off the named scanner.
func (r *Registry) Disable(name string) error { return r.set(name, false) }

// EnableAll turns on every registered scanner.
func (r *Registry) EnableAll() {
	for _, e := range r.entries {
		e.enabled = true
	}
}

// Enabled reports whether name is registered and enabled.
func (r *Registry) Enabled(name string) bool {
	e, ok := r.byName[name]
	return ok && e.enabled
}

// Configure hands settings to every Configurable scanner, enabled or not.
func (r *Registry) Configure(settings map[string]string) error {
	for _, e := range r.entries {
		c, ok := e.s.(Configurable)
		if !ok {
			continue
		}
		if err := c.Configure(settings); err != nil {
			return fmt.Errorf("configure %s: %w", e.s.Name(), err)
		}
	}
	return nil
}

// Info describes one registered scanner.
type Info struct {
	Name     string
	Phases   Phase
	Enabled  bool
	Calls    int64
	Failures int64
}

// Info lists the registered scanners in registration order.
func (r *Registry) Info() []Info {
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{Name: e.s.Name(), Phases: e.s.Phases(), Enabled: e.enabled, Calls: e.calls, Failures: e.failures})
	}
	return out
}
