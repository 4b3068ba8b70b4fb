package kern

import (
	"context"
	"fmt"
)

// SpawnFlags control Spawn.
type SpawnFlags uint32

const (
	// SpawnCopyFD gives a new process a copy of the parent's file table.
	SpawnCopyFD SpawnFlags = 1 << iota
	// SpawnCleanFD gives a new process an empty file table.
	SpawnCleanFD
	// SpawnNoSwitch creates the LWP without switching to it.
	SpawnNoSwitch
	// SpawnPinned pins the new LWP to its initial CPU.
	SpawnPinned
)

// Spawn creates an LWP in p, or in a new child of the caller's process if
// p is nil. Without SpawnCopyFD or SpawnCleanFD, a new process shares the
// parent's file table. Unless SpawnNoSwitch is given, the caller's CPU is
// handed to the new LWP, and the calling goroutine now runs it.
func (k *Kernel) Spawn(p *Proc, flags SpawnFlags) (*LWP, error) {
	if k.closed.Load() {
		return nil, ErrKernelClosed
	}
	fdflags := flags & (SpawnCopyFD | SpawnCleanFD)
	if fdflags == SpawnCopyFD|SpawnCleanFD || (p != nil && fdflags != 0) {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidFlags, uint32(flags))
	}

	cur := k.curlwp()
	var target *CPU
	if flags&SpawnNoSwitch == 0 {
		if cur == nil || !cur.onproc.Load() {
			k.fatalf(ErrNotOnCPU, "spawn with switch from an unscheduled goroutine")
		}
		target = cur.cpu.Load()
	}

	newproc := p == nil
	if newproc {
		parent := k.proc0
		if cur != nil {
			parent = cur.proc
		}
		var err error
		if p, err = k.newProc(parent, fdflags); err != nil {
			return nil, err
		}
	}

	l, err := k.newLWP(p, "", flags&SpawnPinned != 0, target)
	if err != nil {
		return nil, err
	}
	if flags&SpawnNoSwitch == 0 {
		k.switchTo(cur, l)
	}
	return l, nil
}

// Rfork creates a new process, and switches the caller to its first LWP.
func (k *Kernel) Rfork(flags SpawnFlags) error {
	_, err := k.Spawn(nil, flags&^SpawnNoSwitch)
	return err
}

// NewLWP creates an LWP in the process with the given PID, and switches the
// caller to it.
func (k *Kernel) NewLWP(pid int32) error {
	p := k.procs.get(pid)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrNoSuchProc, pid)
	}
	_, err := k.Spawn(p, 0)
	return err
}

// Switch hands the caller's CPU to l. A nil l detaches the caller's LWP
// from the goroutine, effective at the next Unschedule. Switching away from
// an LWP pending exit reclaims it.
func (k *Kernel) Switch(l *LWP) {
	cur := k.curlwp()
	if cur == nil {
		k.fatalf(ErrNotOnCPU, "switch from an unbound goroutine")
	}
	k.switchTo(cur, l)
}

// Release drops a reference to the caller's LWP. At zero the LWP is marked
// pending exit, and is reclaimed when switched away from or unscheduled.
func (k *Kernel) Release() {
	l := k.curlwp()
	if l == nil {
		k.fatalf(ErrBadRelease, "release from an unbound goroutine")
	}
	k.release(l)
}

// Hold adds a reference to the caller's LWP, cancelling a pending exit.
func (k *Kernel) Hold() {
	l := k.curlwp()
	if l == nil {
		k.fatalf(ErrNotOnCPU, "hold from an unbound goroutine")
	}
	l.refcnt.Add(1)
	l.exit.Store(false)
}

// WaitLWP blocks until the LWP with the given LID in the caller's process
// has been reclaimed, or ctx is done. The caller's CPU is released while
// waiting.
func (k *Kernel) WaitLWP(ctx context.Context, lid int32) error {
	cur := k.curlwp()
	p := k.CurProc()
	p.mu.Enter()
	l := p.lwps[lid]
	p.mu.Exit()
	switch {
	case l == nil:
		return fmt.Errorf("%w: %d.%d", ErrNoSuchLWP, p.pid, lid)
	case cur != nil && (l == cur || l.waitingFor.Load() == cur.lid):
		return fmt.Errorf("%w: %v", ErrWaitDeadlock, l)
	}
	if cur != nil {
		if cur.intr > 0 {
			k.fatalf(ErrSleepInInterrupt, "%v: lwp wait", cur)
		}
		cur.waitingFor.Store(lid)
		defer cur.waitingFor.Store(0)
	}

	select {
	case <-l.done:
		return nil
	default:
	}
	nlocks := k.blockBegin(cur, nil)
	defer k.blockEnd(cur, nlocks, nil)
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurLWP returns the calling goroutine's LWP, or nil if it has none or it is
// pending exit.
func (k *Kernel) CurLWP() *LWP {
	l := k.curlwp()
	if l == nil || l.exit.Load() {
		return nil
	}
	return l
}

// CurProc returns the process of the calling goroutine's LWP, or proc0.
func (k *Kernel) CurProc() *Proc {
	if l := k.curlwp(); l != nil {
		return l.proc
	}
	return k.proc0
}

// FindProc returns the live process with the given PID, or nil.
func (k *Kernel) FindProc(pid int32) *Proc { return k.procs.get(pid) }

// Procs returns the live processes, ordered by PID.
func (k *Kernel) Procs() []*Proc { return k.procs.list() }

// Proc0 returns the kernel's own process, which owns kernel threads.
func (k *Kernel) Proc0() *Proc { return k.proc0 }

// InitProc returns the process that implicit LWPs are created in.
func (k *Kernel) InitProc() *Proc { return k.initproc }

// Schedule gives the calling goroutine a virtual CPU, returning the LWP it
// runs as. A goroutine with no LWP gets a fresh one in the init process,
// reclaimed at Unschedule unless Hold is called.
func (k *Kernel) Schedule() *LWP {
	if l := k.curlwp(); l != nil {
		k.sched.enter(l, nil)
		return l
	}

	k.lwp0busy()
	k.sched.enter(k.lwp0, nil)
	k.bind(k.lwp0)
	l, err := k.newLWP(k.initproc, "", false, nil)
	if err != nil {
		k.fatalf(ErrProcExiting, "implicit lwp: %v", err)
	}
	k.switchTo(k.lwp0, l)
	k.lwp0rele()
	k.release(l)
	return l
}

// Unschedule releases the calling goroutine's CPU.
func (k *Kernel) Unschedule() {
	l := k.curlwp()
	if l == nil {
		k.fatalf(ErrNotOnCPU, "unschedule from an unbound goroutine")
	}
	k.sched.leave(l, nil)

	switch {
	case l.exit.Load():
		// reclaim, by switching to lwp0
		k.lwp0busy()
		k.sched.enter(l, nil)
		k.switchTo(l, k.lwp0)
		k.sched.leave(k.lwp0, nil)
		k.unbind(k.lwp0)
		k.lwp0rele()
	case l.detach:
		l.detach = false
		k.unbind(l)
	}
}

func (k *Kernel) lwp0busy() {
	k.lwp0mtx.Enter()
	for k.lwp0inuse {
		k.lwp0cv.Wait(&k.lwp0mtx)
	}
	k.lwp0inuse = true
	k.lwp0mtx.Exit()
}

func (k *Kernel) lwp0rele() {
	k.lwp0mtx.Enter()
	k.lwp0inuse = false
	k.lwp0cv.Signal()
	k.lwp0mtx.Exit()
}

func (k *Kernel) release(l *LWP) {
	if l.exit.Load() || l.refcnt.Load() <= 0 {
		k.fatalf(ErrBadRelease, "%v: refcnt %d", l, l.refcnt.Load())
	}
	if l.refcnt.Add(-1) == 0 {
		l.exit.Store(true)
	}
}

// switchTo passes cur's CPU to l, or detaches cur if l is nil.
func (k *Kernel) switchTo(cur, l *LWP) {
	if l == nil {
		cur.attached.Store(false)
		cur.detach = true
		return
	}
	c := cur.cpu.Load()
	switch {
	case c == nil || !cur.onproc.Load():
		k.fatalf(ErrNotOnCPU, "%v: switch", cur)
	case l.attached.Load():
		k.fatalf(ErrLWPRunning, "%v: switch", l)
	case !l.Alive():
		k.fatalf(ErrReclaimed, "%v: switch", l)
	case l.onproc.Load():
		k.fatalf(ErrDoubleEnter, "%v: switch", l)
	case l.pinned && l.target.Load() != c:
		k.fatalf(ErrPinnedMigration, "%v: switch onto %v", l, c)
	}

	nlocks := k.big.UnlockAll(cur)
	k.unbind(cur)
	cur.detach = false
	k.sched.handoff(cur, l)
	k.bind(l)
	if nlocks > 0 {
		k.big.Lock(l, nlocks)
	}

	if cur.exit.Load() {
		k.freeLWP(cur)
	}
}

func (k *Kernel) newProc(parent *Proc, fdflags SpawnFlags) (*Proc, error) {
	p := &Proc{
		k:    k,
		ppid: parent.pid,
		lwps: make(map[int32]*LWP),
		done: make(chan struct{}),
	}
	switch fdflags {
	case SpawnCopyFD:
		p.fd = parent.fd.copy()
	case SpawnCleanFD:
		p.fd = NewFileTable()
	default:
		p.fd = parent.fd.share()
	}
	if err := k.procs.insert(p, 2); err != nil {
		if ferr := p.fd.release(); ferr != nil {
			k.log.Err().Err(ferr).Int64("ppid", int64(p.ppid)).Log("closing files")
		}
		return nil, err
	}
	k.stats.procsCreated.Add(1)
	k.log.Debug().Int64("pid", int64(p.pid)).Int64("ppid", int64(p.ppid)).Log("proc created")
	return p, nil
}

// newLWP creates an LWP in p, targeting c, or the next CPU if c is nil.
func (k *Kernel) newLWP(p *Proc, name string, pinned bool, c *CPU) (*LWP, error) {
	l := &LWP{
		k:      k,
		proc:   p,
		name:   name,
		id:     k.nextLWPID.Add(1),
		pinned: pinned,
		done:   make(chan struct{}),
	}
	if c == nil {
		c = k.sched.nextCPU(nil)
	}
	l.target.Store(c)
	l.refcnt.Store(1)
	l.lockedOn.Store(&k.sched.unruntime)
	if err := p.attach(l); err != nil {
		return nil, err
	}
	k.stats.lwpsCreated.Add(1)
	return l, nil
}

// freeLWP reclaims l, which has just been switched away from, and frees its
// process if it was the last LWP.
func (k *Kernel) freeLWP(l *LWP) {
	p := l.proc
	last := p.detach(l)
	l.run.Store(uint32(LWPReclaimed))
	close(l.done)
	k.stats.lwpsReclaimed.Add(1)
	if last {
		k.freeProc(p)
	}
}

func (k *Kernel) freeProc(p *Proc) {
	k.procs.remove(p)
	if err := p.fd.release(); err != nil {
		k.log.Err().Err(err).Int64("pid", int64(p.pid)).Log("closing files")
	}
	close(p.done)
	k.stats.procsFreed.Add(1)
	k.log.Debug().Int64("pid", int64(p.pid)).Log("proc freed")

	if k.exits == nil {
		return
	}
	p.mu.Enter()
	ev := &ProcExit{PID: p.pid, PPID: p.ppid, LWPs: p.nextLID}
	p.mu.Exit()
	if _, err := k.exits.Submit(context.Background(), ev); err != nil {
		k.log.Warning().Err(err).Int64("pid", int64(p.pid)).Log("dropped proc exit")
	}
}
