package kern

import (
	"sync/atomic"

	"github.com/joeycumines/go-rumpkern/hostsync"
)

// MutexKind selects how a kernel Mutex waits.
type MutexKind uint8

const (
	// MutexAdaptive releases the caller's CPU while blocked.
	MutexAdaptive MutexKind = iota
	// MutexSpin keeps the caller's CPU while blocked. Critical sections must
	// be short and must never block.
	MutexSpin
)

// Mutex is a kernel mutex. Every method takes the calling LWP, which may be
// nil for callers that are not scheduled, in which case blocking is plain
// host blocking.
type Mutex struct {
	k     *Kernel
	owner atomic.Pointer[LWP]
	hm    hostsync.Mutex
}

// NewMutex allocates a kernel mutex.
func (k *Kernel) NewMutex(kind MutexKind) *Mutex {
	m := &Mutex{k: k}
	if kind == MutexSpin {
		m.hm.Init(hostsync.MutexSpin)
	}
	return m
}

// Enter acquires m.
func (m *Mutex) Enter(l *LWP) {
	if l != nil && m.owner.Load() == l {
		m.k.fatalf(ErrLockAgainstSelf, "%v: mutex enter", l)
	}
	if !m.hm.TryEnter() {
		if m.Spin() || l == nil || !l.onproc.Load() {
			m.hm.Enter()
		} else {
			if l.intr > 0 {
				m.k.fatalf(ErrSleepInInterrupt, "%v: adaptive mutex", l)
			}
			nlocks := m.k.blockBegin(l, nil)
			m.hm.Enter()
			m.k.blockEnd(l, nlocks, nil)
		}
	}
	m.owner.Store(l)
}

// TryEnter acquires m if it is free.
func (m *Mutex) TryEnter(l *LWP) bool {
	if !m.hm.TryEnter() {
		return false
	}
	m.owner.Store(l)
	return true
}

// Exit releases m, which must be held by l.
func (m *Mutex) Exit(l *LWP) {
	if !m.hm.Held() || m.owner.Load() != l {
		m.k.fatalf(ErrNotOwner, "%v: mutex exit", l)
	}
	m.owner.Store(nil)
	m.hm.Exit()
}

// Owned reports whether l holds m.
func (m *Mutex) Owned(l *LWP) bool { return m.hm.Held() && m.owner.Load() == l }

// Spin reports whether m is a spin mutex.
func (m *Mutex) Spin() bool { return m.hm.Flags()&hostsync.MutexSpin != 0 }

// Cond is a kernel condition variable. The zero value is ready to use.
type Cond struct {
	hc hostsync.Cond
}

// Wait releases m and l's CPU, and blocks until woken. On return l is
// scheduled again (possibly on another CPU) and m is held.
func (c *Cond) Wait(l *LWP, m *Mutex) {
	if m.owner.Load() != l || !m.hm.Held() {
		m.k.fatalf(ErrNotOwner, "%v: cond wait", l)
	}
	if l != nil && l.intr > 0 {
		m.k.fatalf(ErrSleepInInterrupt, "%v: cond wait", l)
	}
	m.owner.Store(nil)
	nlocks := m.k.blockBegin(l, nil)
	if m.Spin() && nlocks >= 0 {
		// a spin mutex must not be held while waiting for a CPU
		c.hc.Wait(&m.hm)
		m.hm.Exit()
		m.k.blockEnd(l, nlocks, nil)
		m.hm.Enter()
	} else {
		c.hc.Wait(&m.hm)
		m.k.blockEnd(l, nlocks, nil)
	}
	m.owner.Store(l)
}

func (c *Cond) Signal() { c.hc.Signal() }

func (c *Cond) Broadcast() { c.hc.Broadcast() }

// Waiters returns the number of blocked waiters.
func (c *Cond) Waiters() int { return c.hc.Waiters() }

// blockBegin releases l's CPU and big lock holds ahead of a host block. It
// returns -1 if l was not scheduled.
func (k *Kernel) blockBegin(l *LWP, interlock *hostsync.Mutex) int {
	if l == nil || !l.onproc.Load() {
		return -1
	}
	nlocks := k.big.UnlockAll(l)
	k.sched.leave(l, interlock)
	return nlocks
}

// blockEnd undoes blockBegin.
func (k *Kernel) blockEnd(l *LWP, nlocks int, interlock *hostsync.Mutex) {
	if nlocks < 0 {
		return
	}
	k.sched.enter(l, interlock)
	if nlocks > 0 {
		k.big.Lock(l, nlocks)
	}
}
