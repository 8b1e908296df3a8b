package demux

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/wheelo/tcpflow/internal/logging"
)

// NumReservedFDs is kept free for stdin/stdout/stderr, the capture source, the report
// and one transient scanner handle.
const NumReservedFDs = 6

// DefaultCeiling is used when the descriptor limit cannot be read.
const DefaultCeiling = 64

// DescriptorCeiling derives the open-handle ceiling from RLIMIT_NOFILE. A positive
// configured value wins.
func DescriptorCeiling(configured int) int {
	if configured > 0 {
		return configured
	}
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return DefaultCeiling
	}
	limit := rl.Cur
	if limit == unix.RLIM_INFINITY || limit > 1<<20 {
		limit = 1 << 20
	}
	if n := int(limit) - NumReservedFDs; n > 0 {
		return n
	}
	return 1
}

// DescriptorManager bounds the number of simultaneously open output files and recycles
// them across flows in least-recently-used order. Writes are positional, so a handle
// closed by eviction is reopened later without losing the flow's place.
type DescriptorManager struct {
	ceiling int
	lru     *list.List // of *FlowState, most recent at front
	log     logging.Logger

	tick      uint64
	peak      int
	opens     int64
	reopens   int64
	evictions int64
}

// NewDescriptorManager returns a manager enforcing ceiling open handles (minimum 1).
func NewDescriptorManager(ceiling int, log logging.Logger) *DescriptorManager {
	if ceiling < 1 {
		ceiling = 1
	}
	if log == nil {
		log = logging.Nop()
	}
	return &DescriptorManager{ceiling: ceiling, lru: list.New(), log: log}
}

// WithHandle runs fn with an open handle for st, opening (and evicting) as needed.
func (m *DescriptorManager) WithHandle(st *FlowState, fn func(*os.File) error) error {
	m.tick++
	st.LastActivity = m.tick
	if st.file != nil {
		m.lru.MoveToFront(st.elem)
		return fn(st.file)
	}
	for m.lru.Len() >= m.ceiling {
		m.evictOldest()
	}
	f, err := m.open(st)
	if err != nil {
		return err
	}
	st.file = f
	st.elem = m.lru.PushFront(st)
	if n := m.lru.Len(); n > m.peak {
		m.peak = n
	}
	return fn(f)
}

func (m *DescriptorManager) open(st *FlowState) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if !st.created {
		flags |= os.O_TRUNC
		if dir := filepath.Dir(st.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o777); err != nil {
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}
	}
	f, err := os.OpenFile(st.Path, flags, 0o666)
	if err != nil && isDescriptorExhaustion(err) && m.lru.Len() > 0 {
		// the OS limit is lower than our ceiling; give one back and retry
		m.evictOldest()
		m.ceiling = max(1, m.lru.Len()+1)
		f, err = os.OpenFile(st.Path, flags, 0o666)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", st.Path, err)
	}
	if st.created {
		m.reopens++
	} else {
		m.opens++
		st.created = true
	}
	return f, nil
}

func isDescriptorExhaustion(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

func (m *DescriptorManager) evictOldest() {
	back := m.lru.Back()
	if back == nil {
		return
	}
	st := back.Value.(*FlowState)
	m.log.Debugf("evicting %s (open=%d ceiling=%d)", st.ID, m.lru.Len(), m.ceiling)
	m.closeState(st)
	m.evictions++
}

// Release closes st's handle if one is open and stamps the file with the time of the
// flow's last packet.
func (m *DescriptorManager) Release(st *FlowState) {
	m.closeState(st)
	if st.created && !st.LastSeen.IsZero() {
		if err := os.Chtimes(st.Path, st.LastSeen, st.LastSeen); err != nil {
			m.log.Debugf("chtimes %s: %v", st.Path, err)
		}
	}
}

func (m *DescriptorManager) closeState(st *FlowState) {
	if st.file == nil {
		return
	}
	if err := st.file.Close(); err != nil {
		m.log.Warnf("close %s: %v", st.Path, err)
	}
	m.lru.Remove(st.elem)
	st.file = nil
	st.elem = nil
}

// CloseAll releases every open handle.
func (m *DescriptorManager) CloseAll() {
	for m.lru.Len() > 0 {
		m.Release(m.lru.Front().Value.(*FlowState))
	}
}

// Open is the number of handles currently open.
func (m *DescriptorManager) Open() int { return m.lru.Len() }

// Peak is the highest number of handles open at once.
func (m *DescriptorManager) Peak() int { return m.peak }

// Ceiling is the current open-handle limit.
func (m *DescriptorManager) Ceiling() int { return m.ceiling }

// Evictions counts handles closed to make room for another flow.
func (m *DescriptorManager) Evictions() int64 { return m.evictions }

// Reopens counts handles reopened after an eviction or release.
func (m *DescriptorManager) Reopens() int64 { return m.reopens }
