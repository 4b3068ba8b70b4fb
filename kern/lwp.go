package kern

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-rumpkern/hostsync"
)

// LWP is a lightweight process: the unit that owns a virtual CPU.
//
// Unless stated otherwise, methods are safe to call from any goroutine.
type LWP struct {
	k       *Kernel
	proc    *Proc
	private any // accessed only by the goroutine running the LWP
	name    string

	target   atomic.Pointer[CPU]
	cpu      atomic.Pointer[CPU]
	lockedOn atomic.Pointer[hostsync.Mutex]

	id     uint64
	ncsw   atomic.Uint64
	run    atomic.Uint32
	refcnt atomic.Int32
	lid    int32
	intr   int32 // accessed only by the goroutine running the LWP

	// waitingFor is the LID passed to an in progress WaitLWP, or 0
	waitingFor atomic.Int32
	// done is closed once the LWP is reclaimed
	done chan struct{}

	exit     atomic.Bool
	onproc   atomic.Bool // claimed by Enter, cleared by Leave
	attached atomic.Bool // bound to a goroutine
	detach   bool        // unbind at the next Unschedule
	pinned   bool
}

// ownership word sentinels, never real LWPs
var (
	cpuBusy   = &LWP{name: "busy"}
	cpuWanted = &LWP{name: "wanted"}
)

// ID is unique for the lifetime of the kernel.
func (l *LWP) ID() uint64 { return l.id }

// LID is the LWP's id within its process.
func (l *LWP) LID() int32 { return l.lid }

func (l *LWP) Name() string { return l.name }

func (l *LWP) Proc() *Proc { return l.proc }

// Pinned reports whether the LWP is restricted to its target CPU.
func (l *LWP) Pinned() bool { return l.pinned }

// TargetCPU is the CPU the next Enter will try first.
func (l *LWP) TargetCPU() *CPU { return l.target.Load() }

// CPU returns the CPU the LWP is running on, or nil.
func (l *LWP) CPU() *CPU { return l.cpu.Load() }

func (l *LWP) RefCount() int32 { return l.refcnt.Load() }

// ContextSwitches counts the times the LWP was placed on a CPU.
func (l *LWP) ContextSwitches() uint64 { return l.ncsw.Load() }

// LockedOn returns the lock the LWP is logically blocked on: its CPU's
// fallback mutex while running, the kernel's unruntime lock otherwise.
func (l *LWP) LockedOn() *hostsync.Mutex { return l.lockedOn.Load() }

// State reports the run state. A pending exit is reported in place of
// Stopped and Runnable.
func (l *LWP) State() LWPState {
	s := LWPState(l.run.Load())
	if s != LWPOnCPU && s != LWPReclaimed && l.exit.Load() {
		return LWPExitPending
	}
	return s
}

// Done is closed once the LWP has been reclaimed.
func (l *LWP) Done() <-chan struct{} { return l.done }

// Migrate sets the CPU the LWP next enters on. A running LWP keeps its
// current CPU until it leaves. Pinned LWPs can only be migrated to the CPU
// they are pinned to.
func (l *LWP) Migrate(ci *CPU) error {
	if ci == nil || ci.k != l.k {
		l.k.fatalf(ErrCPUMismatch, "%v: migrate to foreign cpu %v", l, ci)
	}
	if !l.Alive() {
		l.k.fatalf(ErrReclaimed, "%v: migrate", l)
	}
	if l.target.Load() == ci {
		return nil
	}
	if l.pinned {
		return fmt.Errorf("%w: %v to %v", ErrLWPPinned, l, ci)
	}
	l.target.Store(ci)
	l.k.log.Debug().Uint64("lwp", l.id).Int("cpu", ci.index).Log("lwp migrated")
	return nil
}

// Alive reports whether the LWP has not yet been reclaimed.
func (l *LWP) Alive() bool { return LWPState(l.run.Load()) != LWPReclaimed }

// InInterrupt reports whether the LWP is running a soft interrupt or a high
// priority cross call. Only meaningful from the goroutine running the LWP.
func (l *LWP) InInterrupt() bool { return l.intr > 0 }

// Private returns the value set by SetPrivate. Only meaningful from the
// goroutine running the LWP.
func (l *LWP) Private() any { return l.private }

func (l *LWP) SetPrivate(v any) { l.private = v }

func (l *LWP) String() string {
	var pid int32 = -1
	if l.proc != nil {
		pid = l.proc.pid
	}
	if l.name != "" {
		return fmt.Sprintf("lwp %d.%d (%s)", pid, l.lid, l.name)
	}
	return fmt.Sprintf("lwp %d.%d", pid, l.lid)
}

// settle records the state of an LWP that has just lost its CPU.
func (l *LWP) settle() {
	l.cpu.Store(nil)
	l.lockedOn.Store(&l.k.sched.unruntime)
	if l.attached.Load() {
		l.run.Store(uint32(LWPRunnable))
	} else {
		l.run.Store(uint32(LWPStopped))
	}
}

// place records the state of an LWP that has just been given c.
func (l *LWP) place(c *CPU) {
	l.cpu.Store(c)
	l.target.Store(c)
	l.lockedOn.Store(&c.mtx)
	l.ncsw.Add(1)
	l.run.Store(uint32(LWPOnCPU))
	c.curlwp.Store(l)
}
