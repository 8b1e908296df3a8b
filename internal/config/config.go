// Package config builds the run configuration from command-line flags, an optional
// JSON-ish config file and TCPFLOW_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/wheelo/tcpflow/internal/flow"
	"github.com/wheelo/tcpflow/internal/logging"
)

// Defaults.
const (
	DefaultMaxSeek    = 16 * 1024 * 1024
	DefaultOutDir     = "."
	DefaultReportName = "report.xml"
)

// ErrHelp is returned when -h was given; usage has already been printed.
var ErrHelp = flag.ErrHelp

// Config is the complete run configuration.
type Config struct {
	OutDir          string `json:"outdir" env:"TCPFLOW_OUTDIR"`
	ReportFile      string `json:"report" env:"TCPFLOW_REPORT"`
	MaxBytesPerFlow int64  `json:"max_bytes_per_flow" env:"TCPFLOW_MAX_BYTES"`
	MaxSeek         int64  `json:"max_seek" env:"TCPFLOW_MAX_SEEK"`
	MaxFDs          int    `json:"max_fds" env:"TCPFLOW_MAX_FDS"`
	Template        string `json:"template" env:"TCPFLOW_TEMPLATE"`
	StoreOutput     bool   `json:"store_output"`

	Console  ConsoleConfig `json:"console"`
	Scanners ScannerConfig `json:"scanners"`
	Logging  LoggingConfig `json:"logging"`
	Control  ControlConfig `json:"control"`
	Forward  ForwardConfig `json:"forward"`
	Capture  CaptureConfig `json:"capture"`

	ReadFiles      []string `json:"-"`
	FinishFiles    []string `json:"-"`
	UnknownPackets string   `json:"-"`
	LockName       string   `json:"lock" env:"TCPFLOW_LOCK"`

	Debug       int  `json:"-"`
	Quiet       bool `json:"-"`
	ShowVersion bool `json:"-"`
	ListScanner bool `json:"-"`

	// FileModifiers is the raw -F argument, applied on top of Template.
	FileModifiers string `json:"-"`
}

// ConsoleConfig controls console-only output.
type ConsoleConfig struct {
	Enabled        bool `json:"enabled"`
	SuppressHeader bool `json:"suppress_header"`
	StripNonPrint  bool `json:"strip"`
	Hex            bool `json:"hex"`
	Binary         bool `json:"binary"`
	Color          bool `json:"color"`
}

// ScannerConfig selects scanners and carries their -S settings.
type ScannerConfig struct {
	All      bool              `json:"all"`
	Enable   []string          `json:"enable"`
	Disable  []string          `json:"disable"`
	Settings map[string]string `json:"settings"`
}

// LoggingConfig mirrors the console/file split of the log setup.
type LoggingConfig struct {
	Console LogTarget     `json:"console"`
	File    FileLogTarget `json:"file"`
}

// LogTarget is one log destination.
type LogTarget struct {
	Verbosity string `json:"verbosity"`
	Path      string `json:"path"`
}

// FileLogTarget is the file destination; only its path follows TCPFLOW_LOG_FILE.
type FileLogTarget struct {
	Verbosity string `json:"verbosity"`
	Path      string `json:"path" env:"TCPFLOW_LOG_FILE"`
}

// ControlConfig enables the status/command port when ListenPort is non-zero.
type ControlConfig struct {
	BindIP     string `json:"bind_ip" env:"TCPFLOW_CONTROL_BIND"`
	ListenPort int    `json:"listen_port" env:"TCPFLOW_CONTROL_PORT"`
}

// ForwardConfig configures the forward scanner's remote host.
type ForwardConfig struct {
	Host          string        `json:"host" env:"TCPFLOW_FORWARD_HOST"`
	RequestsPort  int           `json:"requests_port"`
	ResponsesPort int           `json:"responses_port"`
	Timeouts      TimeoutConfig `json:"timeouts"`
}

// TimeoutConfig holds small connection timing knobs, in seconds.
type TimeoutConfig struct {
	Connect    int `json:"connect"`
	RetryEvery int `json:"retry-every"`
}

// CaptureConfig describes the capture device and filter.
type CaptureConfig struct {
	Iface     string `json:"iface" env:"TCPFLOW_IFACE"`
	Filter    string `json:"bpf-filter"`
	NoPromisc bool   `json:"no_promisc"`
	SnapLen   int    `json:"snaplen"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		OutDir:      DefaultOutDir,
		MaxSeek:     DefaultMaxSeek,
		Template:    flow.DefaultTemplate,
		StoreOutput: true,
		Debug:       1,
		Scanners:    ScannerConfig{Settings: map[string]string{}},
		Capture:     CaptureConfig{SnapLen: 65535},
		Forward:     ForwardConfig{Timeouts: TimeoutConfig{Connect: 5, RetryEvery: 5}},
	}
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type settingsFlag map[string]string

func (s settingsFlag) String() string { return fmt.Sprint(map[string]string(s)) }
func (s settingsFlag) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("invalid parameter %q, want name=value", v)
	}
	s[strings.TrimSpace(name)] = value
	return nil
}

// ParseArgs builds a Config from os.Args-style arguments. Values are layered as
// defaults, then the -config file, then TCPFLOW_* environment, then explicit flags.
func ParseArgs(args []string, environ map[string]string) (*Config, error) {
	if len(args) == 0 {
		return nil, errors.New("no arguments provided")
	}
	cfg := Default()

	if path := findConfigPath(args[1:]); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	fs := newFlagSet(args[0], cfg)
	var listInputs bool
	fs.BoolVar(&listInputs, "l", false, "treat non-flag arguments as input files rather than a pcap expression")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if listInputs {
		cfg.ReadFiles = append(cfg.ReadFiles, rest...)
	} else if len(rest) > 0 {
		cfg.Capture.Filter = strings.Join(rest, " ")
	}

	if err := cfg.applyModifiers(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(name string, cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "path to a JSON-ish config file")
	fs.BoolVar(&cfg.Scanners.All, "a", cfg.Scanners.All, "do ALL post-processing (enable every scanner)")
	fs.Int64Var(&cfg.MaxBytesPerFlow, "b", cfg.MaxBytesPerFlow, "max number of bytes per flow to save")
	fs.BoolFunc("B", "binary output, even with -c or -C", func(string) error {
		cfg.Console.Binary = true
		cfg.Console.StripNonPrint = false
		return nil
	})
	fs.BoolFunc("c", "console print only (don't create files)", func(string) error {
		cfg.Console.Enabled = true
		return nil
	})
	fs.BoolFunc("C", "console print only, without the source/dest header", func(string) error {
		cfg.Console.Enabled = true
		cfg.Console.SuppressHeader = true
		return nil
	})
	fs.IntVar(&cfg.Debug, "d", cfg.Debug, "debug level")
	fs.BoolFunc("D", "console output in hex", func(string) error {
		cfg.Console.Hex = true
		cfg.Console.StripNonPrint = false
		return nil
	})
	fs.Var((*stringList)(&cfg.Scanners.Enable), "e", "enable scanner (may be repeated)")
	fs.Var((*stringList)(&cfg.Scanners.Disable), "x", "disable scanner (may be repeated)")
	fs.StringVar(&cfg.FileModifiers, "F", cfg.FileModifiers, "filename prefix/suffix modifiers [ctTkmgXM]")
	fs.IntVar(&cfg.MaxFDs, "f", cfg.MaxFDs, "maximum number of file descriptors to use")
	fs.StringVar(&cfg.Capture.Iface, "i", cfg.Capture.Iface, "network interface on which to listen")
	fs.BoolVar(&cfg.Console.Color, "J", cfg.Console.Color, "output each flow in alternating colors")
	fs.StringVar(&cfg.LockName, "L", cfg.LockName, "serialize console output with the named lock")
	fs.Int64Var(&cfg.MaxSeek, "m", cfg.MaxSeek, "gap in bytes that starts a new stream")
	fs.StringVar(&cfg.OutDir, "o", cfg.OutDir, "output directory")
	fs.BoolVar(&cfg.Capture.NoPromisc, "p", cfg.Capture.NoPromisc, "don't use promiscuous mode")
	fs.BoolVar(&cfg.Quiet, "q", cfg.Quiet, "quiet mode - do not print warnings")
	fs.Var((*stringList)(&cfg.ReadFiles), "r", "read packets from pcap file (may be repeated)")
	fs.Var((*stringList)(&cfg.FinishFiles), "R", "read packets from pcap file to finish connections")
	fs.Var(settingsFlag(cfg.Scanners.Settings), "S", "set a scanner parameter name=value")
	fs.BoolVar(&cfg.Console.StripNonPrint, "s", cfg.Console.StripNonPrint, "strip non-printable characters (change to '.')")
	fs.StringVar(&cfg.Template, "T", cfg.Template, "filename template")
	fs.BoolVar(&cfg.ShowVersion, "V", false, "print version number and exit")
	fs.BoolFunc("v", "verbose operation, equivalent to -d 10", func(string) error {
		cfg.Debug = 10
		return nil
	})
	fs.StringVar(&cfg.UnknownPackets, "w", cfg.UnknownPackets, "write packets not processed to file")
	fs.StringVar(&cfg.ReportFile, "X", cfg.ReportFile, "DFXML report filename")
	fs.BoolVar(&cfg.ListScanner, "H", false, "list scanners and exit")
	return fs
}

func findConfigPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return ""
		}
		for _, p := range []string{"-config", "--config"} {
			if a == p && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(a, p+"="); ok {
				return v
			}
		}
	}
	return ""
}

// applyModifiers folds the -F characters into the template and store/md5 switches.
func (c *Config) applyModifiers() error {
	tpl := c.Template
	for _, m := range c.FileModifiers {
		switch m {
		case 'c':
			if strings.Contains(tpl, "%V") {
				tpl = strings.ReplaceAll(tpl, "%V", "--%v")
			} else if !strings.Contains(tpl, "%v") {
				tpl += "--%v"
			}
		case 'k':
			tpl = flow.BinK + tpl
		case 'm':
			tpl = flow.BinM + tpl
		case 'g':
			tpl = flow.BinG + tpl
		case 't':
			tpl = "%tT" + tpl
		case 'T':
			tpl = "%T" + tpl
		case 'X':
			c.StoreOutput = false
		case 'M':
			c.Scanners.Enable = append(c.Scanners.Enable, "md5")
		default:
			return fmt.Errorf("-F invalid format specification '%c'", m)
		}
	}
	c.Template = tpl
	return nil
}

// Validate checks option combinations and fills derived defaults.
func (c *Config) Validate() error {
	if c.Scanners.All && !c.StoreOutput {
		return errors.New("post-processing (-a) currently requires storing output")
	}
	if c.MaxSeek <= 0 {
		return fmt.Errorf("max seek must be positive, got %d", c.MaxSeek)
	}
	if c.MaxBytesPerFlow < 0 {
		return fmt.Errorf("max bytes per flow must not be negative, got %d", c.MaxBytesPerFlow)
	}
	if c.MaxFDs < 0 {
		return fmt.Errorf("max fds must not be negative, got %d", c.MaxFDs)
	}
	if _, err := flow.ParseTemplate(c.Template); err != nil {
		return err
	}
	if c.Console.Enabled {
		c.StoreOutput = false
	}
	if c.Console.Binary {
		c.Console.StripNonPrint = false
	}
	if c.OutDir == "" {
		c.OutDir = DefaultOutDir
	}
	if c.ReportFile == "" {
		c.ReportFile = strings.TrimRight(c.OutDir, "/") + "/" + DefaultReportName
	}
	return nil
}

// LogLevel resolves the console log level from -d/-v/-q and the config file.
func (c *Config) LogLevel() string {
	if c.Logging.Console.Verbosity != "" && c.Debug == 1 && !c.Quiet {
		return c.Logging.Console.Verbosity
	}
	return logging.LevelForDebug(c.Debug, c.Quiet)
}

// Live reports whether packets come from an interface rather than files.
func (c *Config) Live() bool {
	return len(c.ReadFiles) == 0 && len(c.FinishFiles) == 0
}

var (
	keyRe          = regexp.MustCompile(`(?m)(^|\s|[{,])([A-Za-z_][A-Za-z0-9_-]*)(\s*):`)
	trailingComma  = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRe  = regexp.MustCompile(`(?m)^\s*(//|#).*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// LoadFile merges a JSON-ish config file into c. Keys absent from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal([]byte(normalizeJSONish(string(raw))), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.Scanners.Settings == nil {
		c.Scanners.Settings = map[string]string{}
	}
	return nil
}

// normalizeJSONish adds quoted keys, strips comments, and removes trailing commas.
func normalizeJSONish(text string) string {
	text = blockCommentRe.ReplaceAllString(text, "")
	text = lineCommentRe.ReplaceAllString(text, "")
	text = keyRe.ReplaceAllString(text, `${1}"${2}"${3}:`)
	text = trailingComma.ReplaceAllString(text, `$1`)
	return strings.TrimSpace(text)
}
