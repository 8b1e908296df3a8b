package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/gopacket/layers"

	"github.com/wheelo/tcpflow/internal/capture"
	"github.com/wheelo/tcpflow/internal/config"
	"github.com/wheelo/tcpflow/internal/console"
	"github.com/wheelo/tcpflow/internal/control"
	"github.com/wheelo/tcpflow/internal/demux"
	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
	"github.com/wheelo/tcpflow/internal/report"
	"github.com/wheelo/tcpflow/internal/scanner"
)

// fanout hands finalized flows to the report and the control port.
type fanout struct {
	sinks []demux.ReportSink
}

func (f *fanout) FlowFinished(rec *flow.Record) {
	for _, s := range f.sinks {
		s.FlowFinished(rec)
	}
}

type app struct {
	cfg    *config.Config
	log    logging.Logger
	stderr io.Writer

	demux    *demux.Demux
	dispatch *scanner.Dispatch
	report   *report.Writer
	control  *control.Server
	lock     *console.Lock
	cls      *capture.Classifier
	unknown  *capture.UnknownWriter

	ctx    context.Context
	cancel context.CancelFunc

	packets     int64
	undecodable int64
}

func newApp(cfg *config.Config, log logging.Logger, reg *scanner.Registry, args []string, stdout, stderr io.Writer) (*app, error) {
	tpl, err := flow.ParseTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		log:      log,
		stderr:   stderr,
		dispatch: scanner.NewDispatch(reg, log),
		cls:      capture.NewClassifier(true),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	sinks := &fanout{}
	if !cfg.Console.Enabled {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			a.cancel()
			return nil, fmt.Errorf("output directory: %w", err)
		}
		a.report, err = report.Create(cfg.ReportFile, report.Creator{
			Program:     "tcpflow",
			Version:     version,
			CommandLine: strings.Join(args, " "),
		}, reportParams(cfg, reg))
		if err != nil {
			a.cancel()
			return nil, err
		}
		sinks.sinks = append(sinks.sinks, a.report)
	}

	a.demux = demux.New(demux.Options{
		OutDir:          cfg.OutDir,
		Template:        tpl,
		Store:           cfg.StoreOutput,
		MaxBytesPerFlow: cfg.MaxBytesPerFlow,
		MaxSeek:         cfg.MaxSeek,
		MaxFDs:          cfg.MaxFDs,
	}, log, a.dispatch, sinks)

	if cfg.Console.Enabled {
		if cfg.LockName != "" {
			if a.lock, err = console.OpenLock(cfg.LockName); err != nil {
				a.abort()
				return nil, err
			}
		}
		a.demux.SetConsole(console.New(stdout, console.Options{
			SuppressHeader: cfg.Console.SuppressHeader,
			Strip:          cfg.Console.StripNonPrint,
			Hex:            cfg.Console.Hex,
			Binary:         cfg.Console.Binary,
			Color:          cfg.Console.Color,
		}, a.lock))
	}

	if cfg.Control.ListenPort != 0 {
		a.control = control.New(cfg.Control.BindIP, cfg.Control.ListenPort, a.demux, log)
		if err := a.control.Start(a.ctx); err != nil {
			a.abort()
			return nil, err
		}
		sinks.sinks = append(sinks.sinks, a.control)
	}
	return a, nil
}

// abort releases what newApp acquired when setup fails halfway.
func (a *app) abort() {
	a.cancel()
	if a.report != nil {
		_ = a.report.Close(report.Summary{})
	}
	if a.lock != nil {
		_ = a.lock.Close()
	}
}

// run processes every input, then drains and writes the report. Reading stops early when
// a stop was requested; the drain still happens.
func (a *app) run() error {
	defer a.cancel()
	err := a.capture()
	if ferr := a.finish(); err == nil {
		err = ferr
	}
	return err
}

func (a *app) capture() error {
	if a.cfg.Live() {
		return a.runLive()
	}
	a.demux.SetAdmitNew(true)
	for _, path := range a.cfg.ReadFiles {
		if a.demux.StopRequested() {
			return nil
		}
		if err := a.runFile(path); err != nil {
			return err
		}
	}
	a.demux.SetAdmitNew(false)
	for _, path := range a.cfg.FinishFiles {
		if a.demux.StopRequested() {
			return nil
		}
		if err := a.runFile(path); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) runFile(path string) error {
	src, err := capture.OpenFile(path)
	if err != nil {
		return err
	}
	r := capture.NewReader(src, a.cls, a.log)
	defer a.closeReader(r)

	if a.cfg.Capture.Filter != "" {
		bpf, err := capture.CompileFilter(a.cfg.Capture.Filter, src.LinkType(), a.cfg.Capture.SnapLen)
		if err != nil {
			return err
		}
		r.SetFilter(bpf)
	}
	if err := a.attachUnknown(r, src.LinkType()); err != nil {
		return err
	}
	a.log.Infof("reading %s (link type %s)", src.Name(), src.LinkType())
	return a.demux.Run(a.ctx, r)
}

func (a *app) runLive() error {
	src, err := capture.OpenLive(capture.LiveOptions{
		Iface:   a.cfg.Capture.Iface,
		SnapLen: a.cfg.Capture.SnapLen,
		Promisc: !a.cfg.Capture.NoPromisc,
		Filter:  a.cfg.Capture.Filter,
	}, a.log)
	if err != nil {
		return err
	}
	if err := capture.DropPrivileges(); err != nil {
		src.Close()
		return err
	}
	r := capture.NewReader(src, a.cls, a.log)
	defer a.closeReader(r)
	if err := a.attachUnknown(r, src.LinkType()); err != nil {
		return err
	}
	err = a.demux.Run(a.ctx, r)
	if kernel, iface, derr := src.Dropped(); derr == nil && kernel+iface > 0 {
		a.log.Warnf("%s: %d packets dropped by the kernel, %d by the interface", src.Name(), kernel, iface)
	}
	return err
}

// attachUnknown creates the -w file with the link type of the first source.
func (a *app) attachUnknown(r *capture.Reader, lt layers.LinkType) error {
	if a.cfg.UnknownPackets == "" {
		return nil
	}
	if a.unknown == nil {
		w, err := capture.CreateUnknownWriter(a.cfg.UnknownPackets, lt, uint32(a.cfg.Capture.SnapLen))
		if err != nil {
			return err
		}
		a.unknown = w
	}
	r.SetUnknownWriter(a.unknown)
	return nil
}

func (a *app) closeReader(r *capture.Reader) {
	packets, _, undecodable := r.Counters()
	a.packets += packets
	a.undecodable += undecodable
	if err := r.Close(); err != nil {
		a.log.Warnf("close capture: %v", err)
	}
}

// finish drains the demultiplexer, runs the run-phase scanners and closes the report.
func (a *app) finish() error {
	a.demux.Drain()
	if a.control != nil {
		a.control.Close()
	}

	stats := a.demux.Stats()
	stats.Packets = a.packets
	stats.Undecodable = a.undecodable
	stats.Fragments = a.cls.Fragments()
	total, _ := a.dispatch.Failures()
	stats.ScannerFailures = total
	runAnns := a.dispatch.Run(stats)
	if err := a.dispatch.Close(); err != nil {
		a.log.Warnf("close scanners: %v", err)
	}
	total, kept := a.dispatch.Failures()
	stats.ScannerFailures = total

	var firstErr error
	if a.unknown != nil {
		a.log.Infof("wrote %d unprocessed packets to %s", a.unknown.Count(), a.cfg.UnknownPackets)
		if err := a.unknown.Close(); err != nil {
			firstErr = err
		}
	}
	if a.lock != nil {
		_ = a.lock.Close()
	}
	if a.report != nil {
		failures := make([]report.Failure, 0, len(kept))
		for _, f := range kept {
			failures = append(failures, report.Failure{Scanner: f.Scanner, Phase: f.Phase.String(), Flow: f.Flow.String(), Error: f.Err.Error()})
		}
		if err := a.report.Close(report.Summary{Stats: stats, RunAnnotations: runAnns, Failures: failures}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.warnDirectory(stats.FlowsFinalized)
	a.log.Infof("%d packets, %d segments, %d flows finalized, peak %d open files",
		stats.Packets, stats.Segments, stats.FlowsFinalized, stats.PeakOpenFDs)
	return firstErr
}

// warnDirectory prints the binning hint for crowded output directories unless quiet.
func (a *app) warnDirectory(finalized uint64) {
	if !a.cfg.StoreOutput || a.cfg.Quiet {
		return
	}
	if _, err := report.DirectoryWarning(a.stderr, a.cfg.OutDir, finalized); err != nil {
		a.log.Warnf("count %s: %v", a.cfg.OutDir, err)
	}
}
