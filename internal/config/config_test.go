package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noEnv = map[string]string{}

func TestParseArgs_Defaults(t *testing.T) {
	cfg, err := ParseArgs([]string{"tcpflow"}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.OutDir)
	assert.Equal(t, "./report.xml", cfg.ReportFile)
	assert.Equal(t, int64(DefaultMaxSeek), cfg.MaxSeek)
	assert.Equal(t, "%A.%a-%B.%b%V", cfg.Template)
	assert.True(t, cfg.StoreOutput)
	assert.True(t, cfg.Live())
	assert.Equal(t, "INFO", cfg.LogLevel())
}

func TestParseArgs_ReadAndFinishFiles(t *testing.T) {
	args := []string{"tcpflow", "-r", "a.pcap", "-r", "b.pcap.gz", "-R", "c.pcap", "-o", "out", "-b", "1000", "-m", "4096", "-f", "32", "port", "80"}
	cfg, err := ParseArgs(args, noEnv)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.pcap", "b.pcap.gz"}, cfg.ReadFiles)
	assert.Equal(t, []string{"c.pcap"}, cfg.FinishFiles)
	assert.Equal(t, "out", cfg.OutDir)
	assert.Equal(t, "out/report.xml", cfg.ReportFile)
	assert.Equal(t, int64(1000), cfg.MaxBytesPerFlow)
	assert.Equal(t, int64(4096), cfg.MaxSeek)
	assert.Equal(t, 32, cfg.MaxFDs)
	assert.Equal(t, "port 80", cfg.Capture.Filter)
	assert.False(t, cfg.Live())
}

func TestParseArgs_TrailingInputList(t *testing.T) {
	cfg, err := ParseArgs([]string{"tcpflow", "-l", "one.pcap", "two.pcap"}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, []string{"one.pcap", "two.pcap"}, cfg.ReadFiles)
	assert.Empty(t, cfg.Capture.Filter)
}

func TestParseArgs_ConsoleModes(t *testing.T) {
	cfg, err := ParseArgs([]string{"tcpflow", "-C", "-s"}, noEnv)
	require.NoError(t, err)
	assert.True(t, cfg.Console.Enabled)
	assert.True(t, cfg.Console.SuppressHeader)
	assert.True(t, cfg.Console.StripNonPrint)
	assert.False(t, cfg.StoreOutput, "console mode never stores files")

	cfg, err = ParseArgs([]string{"tcpflow", "-c", "-s", "-B"}, noEnv)
	require.NoError(t, err)
	assert.True(t, cfg.Console.Binary)
	assert.False(t, cfg.Console.StripNonPrint)
}

func TestParseArgs_FileModifiers(t *testing.T) {
	tests := []struct {
		mods string
		want string
	}{
		{"k", "%K/%A.%a-%B.%b%V"},
		{"m", "%M000-%M999/%M%K/%A.%a-%B.%b%V"},
		{"T", "%T%A.%a-%B.%b%V"},
		{"c", "%A.%a-%B.%b--%v"},
	}
	for _, tt := range tests {
		t.Run(tt.mods, func(t *testing.T) {
			cfg, err := ParseArgs([]string{"tcpflow", "-F", tt.mods}, noEnv)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Template)
		})
	}

	cfg, err := ParseArgs([]string{"tcpflow", "-F", "XM"}, noEnv)
	require.NoError(t, err)
	assert.False(t, cfg.StoreOutput)
	assert.Contains(t, cfg.Scanners.Enable, "md5")

	_, err = ParseArgs([]string{"tcpflow", "-F", "z"}, noEnv)
	assert.Error(t, err)
}

func TestParseArgs_Scanners(t *testing.T) {
	cfg, err := ParseArgs([]string{"tcpflow", "-e", "http", "-e", "netviz", "-x", "md5", "-S", "tail.bytes=16"}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, []string{"http", "netviz"}, cfg.Scanners.Enable)
	assert.Equal(t, []string{"md5"}, cfg.Scanners.Disable)
	assert.Equal(t, "16", cfg.Scanners.Settings["tail.bytes"])

	_, err = ParseArgs([]string{"tcpflow", "-S", "novalue"}, noEnv)
	assert.Error(t, err)
}

func TestParseArgs_Invalid(t *testing.T) {
	_, err := ParseArgs([]string{"tcpflow", "-a", "-F", "X"}, noEnv)
	assert.Error(t, err, "post-processing requires stored output")

	_, err = ParseArgs([]string{"tcpflow", "-m", "0"}, noEnv)
	assert.Error(t, err)

	_, err = ParseArgs([]string{"tcpflow", "-T", "%Q"}, noEnv)
	assert.Error(t, err)

	_, err = ParseArgs(nil, noEnv)
	assert.Error(t, err)
}

func TestParseArgs_Verbosity(t *testing.T) {
	cfg, err := ParseArgs([]string{"tcpflow", "-v"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel())

	cfg, err = ParseArgs([]string{"tcpflow", "-q"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.LogLevel())

	cfg, err = ParseArgs([]string{"tcpflow", "-d", "0"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.LogLevel())
}

func TestParseArgs_ConfigFileEnvAndFlagsLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcpflow.conf")
	body := `
// comments and unquoted keys are accepted
{
  outdir: "from-file",
  max_fds: 10,
  max_seek: 2048,
  scanners: { enable: ["http",], settings: { "tail.bytes": "8" } },
  control: { bind_ip: "127.0.0.1", listen_port: 7070 },
  logging: { console: { verbosity: "WARN" } },
}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	env := map[string]string{"TCPFLOW_MAX_FDS": "20", "TCPFLOW_CONTROL_PORT": "7171"}
	cfg, err := ParseArgs([]string{"tcpflow", "-config", path, "-o", "from-flag"}, env)
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.OutDir, "flags win over file")
	assert.Equal(t, 20, cfg.MaxFDs, "environment wins over file")
	assert.Equal(t, int64(2048), cfg.MaxSeek)
	assert.Equal(t, []string{"http"}, cfg.Scanners.Enable)
	assert.Equal(t, "8", cfg.Scanners.Settings["tail.bytes"])
	assert.Equal(t, "127.0.0.1", cfg.Control.BindIP)
	assert.Equal(t, 7171, cfg.Control.ListenPort)
	assert.Equal(t, "WARN", cfg.LogLevel())
}

func TestParseArgs_LogFileEnvOnlySetsFileTarget(t *testing.T) {
	cfg, err := ParseArgs([]string{"tcpflow"}, map[string]string{"TCPFLOW_LOG_FILE": "run.log"})
	require.NoError(t, err)
	assert.Equal(t, "run.log", cfg.Logging.File.Path)
	assert.Empty(t, cfg.Logging.Console.Path)
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.conf")))

	path := filepath.Join(t.TempDir(), "bad.conf")
	require.NoError(t, os.WriteFile(path, []byte("{ outdir: "), 0o644))
	assert.Error(t, cfg.LoadFile(path))
}

func TestNormalizeJSONish(t *testing.T) {
	in := "/* block */\n{ a: 1, # note\n b-c: [1,2,], }"
	got := normalizeJSONish(in)
	assert.Equal(t, "{ \"a\": 1, # note\n \"b-c\": [1,2] }", got)
}
