package kern

import (
	"sync/atomic"

	"github.com/joeycumines/go-rumpkern/hostsync"
)

// BigLock is the recursive giant kernel lock. Holds belong to an LWP, not
// a goroutine, and move with the CPU on Switch.
type BigLock struct {
	k     *Kernel
	owner atomic.Pointer[LWP]
	mu    hostsync.Mutex
	depth int // guarded by ownership
}

// Lock acquires n holds for l. If the lock is owned by another LWP, l's CPU
// is released while waiting.
func (b *BigLock) Lock(l *LWP, n int) {
	if l == nil {
		b.k.fatalf(ErrNotOnCPU, "big lock without an lwp")
	}
	if n <= 0 {
		return
	}
	if b.owner.Load() == l {
		b.depth += n
		return
	}
	if !b.mu.TryEnter() {
		if l.onproc.Load() {
			b.k.sched.leave(l, nil)
			b.mu.Enter()
			b.k.sched.enter(l, nil)
		} else {
			b.mu.Enter()
		}
	}
	b.owner.Store(l)
	b.depth = n
}

// Unlock drops one hold.
func (b *BigLock) Unlock(l *LWP) {
	if b.owner.Load() != l || l == nil {
		b.k.fatalf(ErrNotOwner, "%v: big lock unlock", l)
	}
	b.depth--
	if b.depth == 0 {
		b.owner.Store(nil)
		b.mu.Exit()
	}
}

// UnlockAll drops every hold l has, returning how many there were.
func (b *BigLock) UnlockAll(l *LWP) int {
	if l == nil || b.owner.Load() != l {
		return 0
	}
	n := b.depth
	b.depth = 0
	b.owner.Store(nil)
	b.mu.Exit()
	return n
}

// Owned reports whether l holds the lock.
func (b *BigLock) Owned(l *LWP) bool { return l != nil && b.owner.Load() == l }

// Depth returns the number of holds l has.
func (b *BigLock) Depth(l *LWP) int {
	if !b.Owned(l) {
		return 0
	}
	return b.depth
}
