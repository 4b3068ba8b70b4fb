package kern

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-rumpkern/hostsync"
	"golang.org/x/sys/cpu"
)

// SoftintFunc is run with interrupt depth raised, by l, on ci.
type SoftintFunc func(l *LWP, ci *CPU)

// CPU is a virtual CPU slot. At most one LWP runs on it at a time.
type CPU struct {
	_ cpu.CacheLinePad
	// prevlwp is the ownership word: nil, the last owner (free), cpuBusy or
	// cpuWanted.
	prevlwp atomic.Pointer[LWP]
	_       cpu.CacheLinePad

	k        *Kernel
	curlwp   atomic.Pointer[LWP]
	softints chan SoftintFunc
	mtx      hostsync.Mutex
	cv       hostsync.Cond
	xcCond   Cond

	fastpath atomic.Uint64
	slowpath atomic.Uint64
	migrated atomic.Uint64
	waits    atomic.Uint64
	nsoftint atomic.Uint64

	index  int
	wanted int // guarded by mtx

	xcPending bool // guarded by the low priority xcall mutex
}

func newCPU(k *Kernel, index, softintSize int) *CPU {
	return &CPU{
		k:        k,
		index:    index,
		softints: make(chan SoftintFunc, softintSize),
	}
}

func (c *CPU) Index() int { return c.index }

// CurLWP returns the LWP currently running on c, or nil. The value is a
// sample, it may be stale by the time it is used.
func (c *CPU) CurLWP() *LWP { return c.curlwp.Load() }

// Kernel returns the kernel c belongs to.
func (c *CPU) Kernel() *Kernel { return c.k }

func (c *CPU) String() string { return fmt.Sprintf("cpu%d", c.index) }

// SoftintSchedule queues fn to run on c. It runs when the next LWP enters
// c, or on c's soft interrupt thread. The caller l may be nil. If the queue
// is full and l is running on c, the backlog is run inline first.
func (c *CPU) SoftintSchedule(l *LWP, fn SoftintFunc) {
	for {
		select {
		case c.softints <- fn:
			return
		default:
		}
		if l == nil || l.cpu.Load() != c {
			c.softints <- fn
			return
		}
		c.runSoftints(l)
	}
}

// runSoftints drains the pending soft interrupts, as l, which must be
// running on c.
func (c *CPU) runSoftints(l *LWP) {
	for {
		select {
		case fn := <-c.softints:
			c.runSoftint(l, fn)
		default:
			return
		}
	}
}

func (c *CPU) runSoftint(l *LWP, fn SoftintFunc) {
	l.intr++
	fn(l, c)
	l.intr--
	c.nsoftint.Add(1)
}
