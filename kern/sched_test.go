package kern

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-rumpkern/hostsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScheduler_mutualExclusion checks that no two LWPs are ever observed
// on the same CPU.
func TestScheduler_mutualExclusion(t *testing.T) {
	t.Parallel()
	const (
		ncpu       = 4
		goroutines = 8
		iterations = 2000
	)
	k := newTestKernel(t, WithCPUs(ncpu))
	s := k.Scheduler()

	var occupied [ncpu]atomic.Int32
	var violations atomic.Int64
	var wg sync.WaitGroup
	for g := range goroutines {
		l := newTestLWP(t, k, k.CPU(g%ncpu), false)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				s.Enter(l)
				c := l.CPU()
				if !occupied[c.Index()].CompareAndSwap(0, 1) {
					violations.Add(1)
				}
				if c.CurLWP() != l || l.State() != LWPOnCPU {
					violations.Add(1)
				}
				occupied[c.Index()].Store(0)
				s.Leave(l)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, violations.Load())
}

// TestScheduler_fastPath checks that an LWP re-entering an uncontended CPU
// only ever takes the fast path.
func TestScheduler_fastPath(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(2))
	s := k.Scheduler()
	c := k.CPU(1)
	l := newTestLWP(t, k, c, false)

	// the first entry finds no back reference to l
	s.Enter(l)
	s.Leave(l)
	assert.Same(t, l, c.prevlwp.Load())

	before := c.Stats()
	const n = 1000
	for range n {
		s.Enter(l)
		s.Leave(l)
	}
	after := c.Stats()
	assert.Equal(t, uint64(n), after.FastPath-before.FastPath)
	assert.Equal(t, before.SlowPath, after.SlowPath)
	assert.Equal(t, before.Migrations, after.Migrations)
	assert.Equal(t, uint64(n+1), l.ContextSwitches())
}

func TestScheduler_lockedOn(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	s := k.Scheduler()
	l := newTestLWP(t, k, k.CPU(0), false)

	assert.Same(t, &s.unruntime, l.LockedOn())
	assert.Equal(t, LWPStopped, l.State())
	assert.Nil(t, l.CPU())

	s.Enter(l)
	assert.Same(t, &k.CPU(0).mtx, l.LockedOn())
	assert.Equal(t, LWPOnCPU, l.State())
	assert.Same(t, k.CPU(0), l.CPU())
	assert.Same(t, l, k.CPU(0).CurLWP())

	s.Leave(l)
	assert.Same(t, &s.unruntime, l.LockedOn())
	assert.Equal(t, LWPStopped, l.State())
	assert.Nil(t, k.CPU(0).CurLWP())
	assert.Same(t, k.CPU(0), l.TargetCPU())
}

// TestScheduler_migrateOnce checks that a contended, unpinned LWP moves to
// a free CPU rather than waiting.
func TestScheduler_migrateOnce(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(2))
	s := k.Scheduler()
	c0, c1 := k.CPU(0), k.CPU(1)
	holder := newTestLWP(t, k, c0, false)
	l := newTestLWP(t, k, c0, false)

	s.Enter(holder)
	before0, before1 := c0.Stats(), c1.Stats()

	done := make(chan *CPU)
	go func() {
		s.Enter(l)
		c := l.CPU()
		s.Leave(l)
		done <- c
	}()
	select {
	case c := <-done:
		assert.Same(t, c1, c)
	case <-time.After(5 * time.Second):
		t.Fatal("enter did not migrate")
	}
	s.Leave(holder)

	after0, after1 := c0.Stats(), c1.Stats()
	assert.Equal(t, uint64(1), after0.Migrations-before0.Migrations)
	assert.Equal(t, uint64(1), after1.SlowPath-before1.SlowPath)
	assert.Equal(t, before0.SlowPath, after0.SlowPath)
	assert.Same(t, c1, l.TargetCPU())
}

// TestScheduler_migrateNever checks that waiters are woken by Leave.
func TestScheduler_migrateNever(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(2), WithMigration(MigrateNever))
	s := k.Scheduler()
	c0 := k.CPU(0)
	holder := newTestLWP(t, k, c0, false)
	l := newTestLWP(t, k, c0, false)

	s.Enter(holder)
	done := make(chan *CPU)
	go func() {
		s.Enter(l)
		c := l.CPU()
		s.Leave(l)
		done <- c
	}()
	require.Eventually(t, func() bool { return c0.cv.Waiters() == 1 }, 5*time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("enter did not wait")
	default:
	}
	s.Leave(holder)
	assert.Same(t, c0, <-done)
	assert.Zero(t, c0.Stats().Migrations)
	assert.NotZero(t, c0.Stats().Waits)
}

// TestScheduler_pinnedUnderContention: a pinned LWP is never observed on a
// CPU other than its target, however contended that CPU is.
func TestScheduler_pinnedUnderContention(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(4))
	s := k.Scheduler()
	c1 := k.CPU(1)
	pinned := newTestLWP(t, k, c1, true)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 6 {
		l := newTestLWP(t, k, c1, false)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// pull l back to cpu1 so it keeps contending
				l.target.Store(c1)
				s.Enter(l)
				s.Leave(l)
			}
		}()
	}

	for range 2000 {
		s.Enter(pinned)
		require.Same(t, c1, pinned.CPU())
		require.Same(t, pinned, c1.CurLWP())
		s.Leave(pinned)
		require.Same(t, c1, pinned.TargetCPU())
	}
	close(stop)
	wg.Wait()
}

func TestScheduler_doubleEnter(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(2))
	s := k.Scheduler()
	l := newTestLWP(t, k, k.CPU(0), false)

	s.Enter(l)
	err := catchInvariant(func() { s.Enter(l) })
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrDoubleEnter)
	assert.Same(t, k.CPU(0), l.CPU())
	s.Leave(l)

	err = catchInvariant(func() { s.Leave(l) })
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrNotOnCPU)
}

func TestScheduler_interlock(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	s := k.Scheduler()
	c := k.CPU(0)
	l := newTestLWP(t, k, c, false)

	s.Enter(l)
	s.LeaveInterlock(l, &c.mtx)
	assert.True(t, c.mtx.Held())
	assert.Nil(t, l.CPU())

	s.EnterInterlock(l, &c.mtx)
	assert.False(t, c.mtx.Held())
	assert.Same(t, c, l.CPU())

	// an unrelated interlock is left alone
	var other hostsync.Mutex
	other.Enter()
	s.LeaveInterlock(l, &other)
	assert.True(t, other.Held())
	s.EnterInterlock(l, &other)
	assert.True(t, other.Held())
	other.Exit()
	s.Leave(l)
}

// TestScheduler_interlockSlowPath enters through the slow path with the
// target CPU's mutex as the interlock.
func TestScheduler_interlockSlowPath(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	s := k.Scheduler()
	c := k.CPU(0)
	holder := newTestLWP(t, k, c, false)
	l := newTestLWP(t, k, c, false)

	s.Enter(holder)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.mtx.Enter()
		s.EnterInterlock(l, &c.mtx)
		s.Leave(l)
	}()
	require.Eventually(t, func() bool { return c.cv.Waiters() == 1 }, 5*time.Second, time.Millisecond)
	s.Leave(holder)
	<-done
	assert.False(t, c.mtx.Held())
}

func TestScheduler_SchedLockCondWait(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	s := k.Scheduler()
	c := k.CPU(0)
	l := newTestLWP(t, k, c, false)
	other := newTestLWP(t, k, c, false)
	var cv hostsync.Cond

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Enter(l)
		s.SchedLockCondWait(l, &cv)
		assert.Same(t, c, l.CPU())
		assert.Equal(t, LWPOnCPU, l.State())
		s.Leave(l)
	}()
	require.Eventually(t, func() bool { return cv.Waiters() == 1 }, 5*time.Second, time.Millisecond)

	// the cpu is free while l waits
	s.Enter(other)
	s.Leave(other)

	c.mtx.Enter()
	cv.Signal()
	c.mtx.Exit()
	<-done
	assert.False(t, c.mtx.Held())
}

// TestScheduler_enterLeave is the basic throughput scenario: 4 CPUs, 8
// goroutines, 10k entries each. Every entry is counted exactly once.
func TestScheduler_enterLeave(t *testing.T) {
	t.Parallel()
	const (
		goroutines = 8
		iterations = 10000
	)
	k := newTestKernel(t, WithCPUs(4))
	s := k.Scheduler()

	before := k.Stats()
	var wg sync.WaitGroup
	for g := range goroutines {
		l := newTestLWP(t, k, k.CPU(g%4), false)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				s.Enter(l)
				s.Leave(l)
			}
		}()
	}
	wg.Wait()
	after := k.Stats()
	assert.Equal(t, uint64(goroutines*iterations), after.Acquisitions()-before.Acquisitions())
}
