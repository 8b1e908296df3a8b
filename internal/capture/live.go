package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/sys/unix"

	"github.com/wheelo/tcpflow/internal/logging"
)

// LiveOptions configure an interface capture.
type LiveOptions struct {
	Iface   string
	SnapLen int
	Promisc bool
	// Timeout bounds each read so the processing loop can notice stop requests.
	Timeout time.Duration
	Filter  string
}

// Live captures from a network interface.
type Live struct {
	h     *pcap.Handle
	iface string
}

// OpenLive activates a capture handle on opts.Iface (or the first usable interface).
func OpenLive(opts LiveOptions, log logging.Logger) (*Live, error) {
	if log == nil {
		log = logging.Nop()
	}
	iface := opts.Iface
	if iface == "" {
		var err error
		if iface, err = DefaultInterface(); err != nil {
			return nil, err
		}
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = 65535
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}

	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("pcap inactive handle %s: %w", iface, err)
	}
	defer inactive.CleanUp()

	_ = inactive.SetSnapLen(opts.SnapLen)
	_ = inactive.SetPromisc(opts.Promisc)
	_ = inactive.SetTimeout(opts.Timeout) // timed loop for clean shutdown

	h, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("pcap activate %s: %w", iface, err)
	}
	if opts.Filter != "" {
		if err := h.SetBPFFilter(opts.Filter); err != nil {
			h.Close()
			return nil, fmt.Errorf("bpf filter %q: %w", opts.Filter, err)
		}
	}
	log.Infof("listening on %s (snaplen %d, promisc %v, filter %q)", iface, opts.SnapLen, opts.Promisc, opts.Filter)
	return &Live{h: h, iface: iface}, nil
}

// DefaultInterface picks the first interface with a non-loopback address.
func DefaultInterface() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, d := range devs {
		for _, a := range d.Addresses {
			if a.IP != nil && !a.IP.IsLoopback() {
				return d.Name, nil
			}
		}
	}
	return "", errors.New("no usable capture interface found")
}

func (l *Live) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := l.h.ReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, ErrTimeout
	}
	return data, ci, err
}

func (l *Live) LinkType() layers.LinkType { return l.h.LinkType() }

// Name is the interface name.
func (l *Live) Name() string { return l.iface }

// Dropped returns the kernel and interface drop counters.
func (l *Live) Dropped() (kernel, iface int, err error) {
	st, err := l.h.Stats()
	if err != nil {
		return 0, 0, err
	}
	return st.PacketsDropped, st.PacketsIfDropped, nil
}

func (l *Live) Close() error {
	l.h.Close()
	return nil
}

// DropPrivileges switches to the real user ID once the capture handle is open, which
// is all a set-uid or sudo run needs root for.
func DropPrivileges() error {
	uid := unix.Getuid()
	if unix.Geteuid() != 0 || uid == 0 {
		return nil
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}
