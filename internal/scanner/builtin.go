package scanner

import "github.com/wheelo/tcpflow/internal/logging"

// Builtin returns a registry holding the built-in scanners, all disabled. The forward
// scanner is only registered when a host is configured, and is then enabled.
func Builtin(fwd ForwardOptions, log logging.Logger) *Registry {
	reg := NewRegistry()
	_ = reg.Register(NewMD5(), false)
	_ = reg.Register(NewHTTP(), false)
	_ = reg.Register(NewNetviz(), false)
	_ = reg.Register(NewTail(), false)
	if fwd.Host != "" {
		_ = reg.Register(NewForward(fwd, log), true)
	}
	return reg
}
