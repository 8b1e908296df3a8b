// Command tcpflow captures TCP traffic, from interfaces or capture files, and writes each
// direction of each connection to its own file.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/wheelo/tcpflow/internal/config"
	"github.com/wheelo/tcpflow/internal/logging"
	"github.com/wheelo/tcpflow/internal/scanner"
)

var version = "1.6.1"

// stopSignals finish open flows and write the report before exiting.
var stopSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

func main() {
	os.Exit(run(os.Args, nil, os.Stdout, os.Stderr, true))
}

// run executes one invocation and returns the exit status. environ overrides the process
// environment when not nil; signals are only handled when handleSignals is set.
func run(args []string, environ map[string]string, stdout, stderr io.Writer, handleSignals bool) int {
	cfg, err := config.ParseArgs(args, environ)
	if errors.Is(err, config.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "tcpflow: %v\n", err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintf(stdout, "tcpflow %s\n", version)
		return 0
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:     cfg.LogLevel(),
		FilePath:  cfg.Logging.File.Path,
		FileLevel: cfg.Logging.File.Verbosity,
	})
	if err != nil {
		fmt.Fprintf(stderr, "tcpflow: %v\n", err)
		return 1
	}
	defer closeLog()

	reg := scanner.Builtin(scanner.ForwardOptions{
		Host:          cfg.Forward.Host,
		RequestsPort:  cfg.Forward.RequestsPort,
		ResponsesPort: cfg.Forward.ResponsesPort,
		Connect:       cfg.Forward.Timeouts.Connect,
		RetryEvery:    cfg.Forward.Timeouts.RetryEvery,
	}, log)
	if err := selectScanners(reg, cfg.Scanners); err != nil {
		fmt.Fprintf(stderr, "tcpflow: %v\n", err)
		return 1
	}
	if cfg.ListScanner {
		listScanners(stdout, reg)
		return 0
	}

	a, err := newApp(cfg, log, reg, args, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tcpflow: %v\n", err)
		return 1
	}
	if handleSignals {
		unwatch := watchSignals(a, log)
		defer unwatch()
	}
	if err := a.run(); err != nil {
		fmt.Fprintf(stderr, "tcpflow: %v\n", err)
		return 1
	}
	return 0
}

func selectScanners(reg *scanner.Registry, sc config.ScannerConfig) error {
	if sc.All {
		reg.EnableAll()
	}
	for _, name := range sc.Enable {
		if err := reg.Enable(name); err != nil {
			return err
		}
	}
	for _, name := range sc.Disable {
		if err := reg.Disable(name); err != nil {
			return err
		}
	}
	return reg.Configure(sc.Settings)
}

func listScanners(w io.Writer, reg *scanner.Registry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPHASES\tENABLED")
	for _, info := range reg.Info() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, info.Phases, strconv.FormatBool(info.Enabled))
	}
	_ = tw.Flush()
}

// watchSignals turns the first SIGINT/SIGTERM/SIGHUP into a stop request and the second into an
// immediate exit.
func watchSignals(a *app, log logging.Logger) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, stopSignals...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.Infof("received %s, finishing open flows", sig)
			a.demux.RequestStop()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			log.Errorf("second signal, exiting without finalizing")
			hardKill(1)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func reportParams(cfg *config.Config, reg *scanner.Registry) map[string]string {
	var enabled []string
	for _, info := range reg.Info() {
		if info.Enabled {
			enabled = append(enabled, info.Name)
		}
	}
	sort.Strings(enabled)
	return map[string]string{
		"outdir":             cfg.OutDir,
		"template":           cfg.Template,
		"max_seek":           strconv.FormatInt(cfg.MaxSeek, 10),
		"max_bytes_per_flow": strconv.FormatInt(cfg.MaxBytesPerFlow, 10),
		"max_fds":            strconv.Itoa(cfg.MaxFDs),
		"store_output":       strconv.FormatBool(cfg.StoreOutput),
		"scanners":           strings.Join(enabled, ","),
	}
}
