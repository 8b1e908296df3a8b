package scanner

import (
	"fmt"
	"io"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
)

// Failure records one isolated scanner failure.
type Failure struct {
	Scanner string
	Phase   Phase
	Flow    flow.ID
	Err     error
}

// maxKeptFailures bounds the failure log kept for the report.
const maxKeptFailures = 100

// Dispatch invokes the registry's enabled scanners.
type Dispatch struct {
	reg      *Registry
	log      logging.Logger
	failures []Failure
	total    int64
}

// NewDispatch returns a dispatcher over reg.
func NewDispatch(reg *Registry, log logging.Logger) *Dispatch {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatch{reg: reg, log: log}
}

// Packet delivers ev to every enabled packet-phase scanner.
func (d *Dispatch) Packet(ev PacketEvent) {
	if len(ev.Data) > 0 {
		ev.Data = append([]byte(nil), ev.Data...)
	}
	for _, e := range d.reg.entries {
		ps, ok := e.s.(PacketScanner)
		if !ok || !e.enabled || e.s.Phases()&PhasePacket == 0 {
			continue
		}
		d.call(e, PhasePacket, ev.Flow.ID, func() error { return ps.ScanPacket(ev) })
	}
}

// Flow runs the flow-phase scanners for rec and appends their annotations to it.
func (d *Dispatch) Flow(rec *flow.Record) {
	for _, e := range d.reg.entries {
		fs, ok := e.s.(FlowScanner)
		if !ok || !e.enabled || e.s.Phases()&PhaseFlow == 0 {
			continue
		}
		name := e.s.Name()
		d.call(e, PhaseFlow, rec.ID, func() error {
			anns, err := fs.ScanFlow(*rec)
			for _, a := range anns {
				a.Scanner = name
				rec.Annotations = append(rec.Annotations, a)
			}
			return err
		})
	}
}

// Run calls the run-phase scanners and returns their combined annotations.
func (d *Dispatch) Run(stats flow.RunStats) []flow.Annotation {
	var out []flow.Annotation
	for _, e := range d.reg.entries {
		rs, ok := e.s.(RunScanner)
		if !ok || !e.enabled || e.s.Phases()&PhaseRun == 0 {
			continue
		}
		name := e.s.Name()
		d.call(e, PhaseRun, flow.ID{}, func() error {
			anns, err := rs.ScanRun(stats)
			for _, a := range anns {
				a.Scanner = name
				out = append(out, a)
			}
			return err
		})
	}
	return out
}

func (d *Dispatch) call(e *entry, phase Phase, id flow.ID, fn func() error) {
	e.calls++
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	e.failures++
	d.total++
	d.log.Warnf("scanner %s failed (%s phase, flow %s): %v", e.s.Name(), phase, id, err)
	if len(d.failures) < maxKeptFailures {
		d.failures = append(d.failures, Failure{Scanner: e.s.Name(), Phase: phase, Flow: id, Err: err})
	}
}

// Failures returns the total failure count and the first failures kept.
func (d *Dispatch) Failures() (int64, []Failure) { return d.total, d.failures }

// Close closes scanners holding resources.
func (d *Dispatch) Close() error {
	var first error
	for _, e := range d.reg.entries {
		if c, ok := e.s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
