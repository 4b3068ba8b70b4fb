package kern

import (
	"sync/atomic"
)

// XCallFunc is invoked once per target CPU.
type XCallFunc func(ci *CPU)

// Priority selects the cross call track.
type Priority uint8

const (
	// PriLow calls run in thread context, on a kernel thread pinned to each
	// target CPU. At most one runs at a time, system wide.
	PriLow Priority = iota
	// PriHigh calls run in interrupt context: inline on the caller's CPU,
	// from the soft interrupt queue elsewhere. They must not block.
	PriHigh
)

func (p Priority) String() string {
	if p == PriHigh {
		return "high"
	}
	return "low"
}

// Ticket identifies a submitted cross call, for Wait.
type Ticket uint64

const ticketHigh Ticket = 1 << 63

// High reports whether t belongs to the high priority track.
func (t Ticket) High() bool { return t&ticketHigh != 0 }

// Seq returns the track sequence number the call completes at.
func (t Ticket) Seq() uint64 { return uint64(t &^ ticketHigh) }

// xcTrack is one priority track: a single request slot, and head/done
// counters of per-CPU invocations.
type xcTrack struct {
	mu   *Mutex
	fn   XCallFunc // guarded by mu
	busy Cond
	head uint64 // guarded by mu
	done atomic.Uint64
}

// XCall is the cross call subsystem.
type XCall struct {
	k      *Kernel
	low    xcTrack
	high   xcTrack
	serial *Mutex // held around every low priority invocation
	stop   bool   // guarded by low.mu
}

func newXCall(k *Kernel) *XCall {
	return &XCall{
		k:      k,
		low:    xcTrack{mu: k.NewMutex(MutexAdaptive)},
		high:   xcTrack{mu: k.NewMutex(MutexSpin)},
		serial: k.NewMutex(MutexAdaptive),
	}
}

// Broadcast runs fn once on every CPU, on behalf of l (nil if unscheduled).
func (x *XCall) Broadcast(l *LWP, pri Priority, fn XCallFunc) Ticket {
	return x.submit(l, pri, fn, nil)
}

// Unicast runs fn once on ci, on behalf of l (nil if unscheduled).
func (x *XCall) Unicast(l *LWP, pri Priority, fn XCallFunc, ci *CPU) Ticket {
	if ci == nil || ci.k != x.k {
		x.k.fatalf(ErrCPUMismatch, "xcall unicast to foreign cpu %v", ci)
	}
	return x.submit(l, pri, fn, ci)
}

// Wait blocks until the call identified by t, and all calls before it on the
// same track, have completed.
func (x *XCall) Wait(l *LWP, t Ticket) {
	if l != nil && l.intr > 0 {
		x.k.fatalf(ErrXCallFromInterrupt, "%v: xcall wait", l)
	}
	xc := &x.low
	if t.High() {
		xc = &x.high
	}
	where := t.Seq()
	if xc.done.Load() >= where {
		return
	}
	xc.mu.Enter(l)
	for xc.done.Load() < where {
		xc.busy.Wait(l, xc.mu)
	}
	xc.mu.Exit(l)
}

func (x *XCall) submit(l *LWP, pri Priority, fn XCallFunc, ci *CPU) Ticket {
	if fn == nil {
		x.k.fatalf(ErrNilXCallFunc, "xcall submit")
	}
	if l != nil && l.intr > 0 {
		x.k.fatalf(ErrXCallFromInterrupt, "%v: xcall submit", l)
	}
	if x.k.closed.Load() {
		x.k.fatalf(ErrKernelClosed, "xcall submit")
	}
	if pri == PriHigh {
		return x.highpri(l, fn, ci)
	}
	return x.lowpri(l, fn, ci)
}

// install waits for the track to drain, then installs fn, bumping head by n.
func (xc *xcTrack) install(l *LWP, fn XCallFunc, n int) uint64 {
	for xc.head != xc.done.Load() {
		xc.busy.Wait(l, xc.mu)
	}
	xc.fn = fn
	xc.head += uint64(n)
	return xc.head
}

func (x *XCall) lowpri(l *LWP, fn XCallFunc, ci *CPU) Ticket {
	xc := &x.low
	xc.mu.Enter(l)
	if x.stop {
		xc.mu.Exit(l)
		x.k.fatalf(ErrKernelClosed, "low priority xcall after shutdown")
	}
	var where uint64
	if ci == nil {
		where = xc.install(l, fn, len(x.k.sched.cpus))
		for _, c := range x.k.sched.cpus {
			c.xcPending = true
			c.xcCond.Signal()
		}
		x.k.stats.xcLowBcast.Add(1)
	} else {
		where = xc.install(l, fn, 1)
		ci.xcPending = true
		ci.xcCond.Signal()
		x.k.stats.xcLowUcast.Add(1)
	}
	xc.mu.Exit(l)
	return Ticket(where)
}

// worker is the low priority cross call thread of ci.
func (x *XCall) worker(ci *CPU) func(l *LWP) {
	return func(l *LWP) {
		xc := &x.low
		xc.mu.Enter(l)
		for {
			for !ci.xcPending {
				if xc.head == xc.done.Load() {
					xc.busy.Broadcast()
				}
				if x.stop {
					xc.mu.Exit(l)
					return
				}
				ci.xcCond.Wait(l, xc.mu)
			}
			ci.xcPending = false
			fn := xc.fn
			xc.mu.Exit(l)

			x.serial.Enter(l)
			fn(ci)
			x.serial.Exit(l)

			xc.mu.Enter(l)
			xc.done.Add(1)
		}
	}
}

// shutdown stops the low priority workers, once idle.
func (x *XCall) shutdown() {
	xc := &x.low
	xc.mu.Enter(nil)
	x.stop = true
	for _, c := range x.k.sched.cpus {
		c.xcCond.Broadcast()
	}
	xc.mu.Exit(nil)
}

func (x *XCall) highpri(l *LWP, fn XCallFunc, ci *CPU) Ticket {
	xc := &x.high
	n := 1
	if ci == nil {
		n = len(x.k.sched.cpus)
	}
	xc.mu.Enter(l)
	where := xc.install(l, fn, n)
	xc.mu.Exit(l)

	var local *CPU
	if l != nil && l.onproc.Load() {
		local = l.cpu.Load()
	}
	if ci == nil {
		x.k.stats.xcHighBcast.Add(1)
		for _, c := range x.k.sched.cpus {
			if c != local {
				c.SoftintSchedule(l, x.intr)
			}
		}
		if local != nil {
			local.runSoftint(l, x.intr)
		}
	} else {
		x.k.stats.xcHighUcast.Add(1)
		if ci == local {
			ci.runSoftint(l, x.intr)
		} else {
			ci.SoftintSchedule(l, x.intr)
		}
	}
	return Ticket(where) | ticketHigh
}

// intr runs the installed high priority call on ci.
func (x *XCall) intr(l *LWP, ci *CPU) {
	xc := &x.high
	xc.mu.Enter(l)
	fn := xc.fn
	xc.mu.Exit(l)

	fn(ci)

	xc.mu.Enter(l)
	if xc.done.Add(1) == xc.head {
		xc.busy.Broadcast()
	}
	xc.mu.Exit(l)
}
