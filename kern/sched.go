package kern

import (
	"sync/atomic"

	"github.com/joeycumines/go-rumpkern/hostsync"
)

// Scheduler multiplexes LWPs onto the virtual CPUs.
//
// An LWP acquires a CPU by CAS on the CPU's ownership word, expecting to
// find itself as the previous owner. Anything else goes through the slow
// path, under the CPU's fallback mutex.
type Scheduler struct {
	k       *Kernel
	cpus    []*CPU
	nextcpu atomic.Uint32
	migrate MigrationPolicy

	// unruntime is the lock LWPs are logically blocked on when not running.
	unruntime hostsync.Mutex
}

func newScheduler(k *Kernel, ncpu, softintSize int, migrate MigrationPolicy) *Scheduler {
	s := &Scheduler{
		k:       k,
		cpus:    make([]*CPU, ncpu),
		migrate: migrate,
	}
	for i := range s.cpus {
		s.cpus[i] = newCPU(k, i, softintSize)
	}
	return s
}

// NumCPU returns the number of virtual CPUs.
func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// CPU returns the CPU with the given index, or nil if out of range.
func (s *Scheduler) CPU(i int) *CPU {
	if i < 0 || i >= len(s.cpus) {
		return nil
	}
	return s.cpus[i]
}

// CPUs returns all virtual CPUs, in index order.
func (s *Scheduler) CPUs() []*CPU {
	return append([]*CPU(nil), s.cpus...)
}

// nextCPU picks the next CPU in round-robin order, skipping exclude.
func (s *Scheduler) nextCPU(exclude *CPU) *CPU {
	n := uint32(len(s.cpus))
	for {
		c := s.cpus[s.nextcpu.Add(1)%n]
		if c != exclude || n == 1 {
			return c
		}
	}
}

// Enter blocks until l owns a virtual CPU.
func (s *Scheduler) Enter(l *LWP) { s.enter(l, nil) }

// EnterInterlock is Enter, with interlock already held by the caller. If
// interlock is the fallback mutex of l's target CPU, it is released before
// returning, and is not acquired again by the slow path.
func (s *Scheduler) EnterInterlock(l *LWP, interlock *hostsync.Mutex) { s.enter(l, interlock) }

// Leave releases the CPU owned by l.
func (s *Scheduler) Leave(l *LWP) { s.leave(l, nil) }

// LeaveInterlock is Leave, except that if interlock is the fallback mutex of
// l's CPU, it is acquired before the CPU is released, and is held on return.
func (s *Scheduler) LeaveInterlock(l *LWP, interlock *hostsync.Mutex) { s.leave(l, interlock) }

// SchedLockCondWait releases l's CPU and waits on cv, interlocked by the
// CPU's fallback mutex, then reacquires a CPU. Big lock holds are dropped
// across the wait.
func (s *Scheduler) SchedLockCondWait(l *LWP, cv *hostsync.Cond) {
	c := l.cpu.Load()
	if c == nil || !l.onproc.Load() {
		s.k.fatalf(ErrNotOnCPU, "%v: schedlock wait", l)
	}
	nlocks := s.k.big.UnlockAll(l)
	s.leave(l, &c.mtx)
	cv.Wait(&c.mtx)
	s.enter(l, &c.mtx)
	if nlocks > 0 {
		s.k.big.Lock(l, nlocks)
	}
}

func (s *Scheduler) enter(l *LWP, interlock *hostsync.Mutex) {
	if !l.Alive() {
		s.k.fatalf(ErrReclaimed, "%v: enter", l)
	}
	if !l.onproc.CompareAndSwap(false, true) {
		s.k.fatalf(ErrDoubleEnter, "%v: enter", l)
	}

	c := l.target.Load()
	if c.prevlwp.CompareAndSwap(l, cpuBusy) {
		if interlock == &c.mtx {
			interlock.Exit()
		}
		c.fastpath.Add(1)
	} else {
		c = s.slowpath(l, c, interlock)
	}

	if l.pinned && c != l.target.Load() {
		s.k.fatalf(ErrPinnedMigration, "%v: acquired %v", l, c)
	}
	l.place(c)
	if len(c.softints) != 0 {
		c.runSoftints(l)
	}
}

// slowpath acquires a CPU under the fallback mutex, starting at c. The
// interlock, if it is c's fallback mutex, is consumed.
func (s *Scheduler) slowpath(l *LWP, c *CPU, interlock *hostsync.Mutex) *CPU {
	domigrate := len(s.cpus) > 1 && !l.pinned && s.migrate == MigrateOnce

	if interlock != &c.mtx {
		c.mtx.Enter()
	}
	for {
		old := c.prevlwp.Swap(cpuWanted)
		if old != cpuBusy && old != cpuWanted {
			if c.prevlwp.CompareAndSwap(cpuWanted, cpuBusy) {
				break
			}
			// only the mtx holder stores wanted
			s.k.fatalf(ErrCPUMismatch, "%v: ownership word changed under lock", c)
		}

		if domigrate {
			domigrate = false
			c.migrated.Add(1)
			s.k.warnContention("migrate", c, l)
			c.mtx.Exit()
			c = s.nextCPU(c)
			c.mtx.Enter()
			continue
		}

		c.wanted++
		c.waits.Add(1)
		c.cv.Wait(&c.mtx)
		c.wanted--
	}
	c.mtx.Exit()

	c.slowpath.Add(1)
	return c
}

func (s *Scheduler) leave(l *LWP, interlock *hostsync.Mutex) {
	c := l.cpu.Load()
	if c == nil || !l.onproc.Load() {
		s.k.fatalf(ErrNotOnCPU, "%v: leave", l)
	}
	if l.intr != 0 {
		s.k.fatalf(ErrSleepInInterrupt, "%v: leave at interrupt depth %d", l, l.intr)
	}

	c.curlwp.CompareAndSwap(l, nil)
	l.settle()
	l.onproc.Store(false)

	if interlock == &c.mtx {
		interlock.Enter()
	}
	old := c.prevlwp.Swap(l)
	if old == cpuBusy {
		return
	}
	if old != cpuWanted {
		s.k.fatalf(ErrCPUMismatch, "%v: released %v not owned", l, c)
	}

	if interlock != &c.mtx {
		c.mtx.Enter()
	}
	if c.wanted > 0 {
		c.cv.Broadcast()
	}
	if interlock != &c.mtx {
		c.mtx.Exit()
	}
}

// handoff passes the CPU from old to l without releasing it. The caller is
// the goroutine running old.
func (s *Scheduler) handoff(old, l *LWP) *CPU {
	c := old.cpu.Load()
	if !l.onproc.CompareAndSwap(false, true) {
		s.k.fatalf(ErrDoubleEnter, "%v: switch", l)
	}
	old.settle()
	old.onproc.Store(false)
	l.place(c)
	return c
}
