package kern

import (
	"sync/atomic"
)

// CPUStats is a snapshot of one virtual CPU's counters.
type CPUStats struct {
	Index int
	// FastPath counts acquisitions by the owner-affine CAS.
	FastPath uint64
	// SlowPath counts acquisitions through the fallback mutex, on the CPU
	// finally acquired.
	SlowPath uint64
	// Migrations counts slow path hops away from this CPU.
	Migrations uint64
	// Waits counts condition waits for this CPU.
	Waits    uint64
	Softints uint64
}

// Stats is a snapshot of the kernel's counters. Counters are read
// individually, so a snapshot taken under load is not atomic.
type Stats struct {
	CPUs []CPUStats

	LWPsCreated   uint64
	LWPsReclaimed uint64
	ProcsCreated  uint64
	ProcsFreed    uint64

	XCallLowBroadcasts  uint64
	XCallLowUnicasts    uint64
	XCallHighBroadcasts uint64
	XCallHighUnicasts   uint64
}

// kernelCounters are the live counters behind Stats.
type kernelCounters struct {
	lwpsCreated   atomic.Uint64
	lwpsReclaimed atomic.Uint64
	procsCreated  atomic.Uint64
	procsFreed    atomic.Uint64
	xcLowBcast    atomic.Uint64
	xcLowUcast    atomic.Uint64
	xcHighBcast   atomic.Uint64
	xcHighUcast   atomic.Uint64
}

// Stats returns the CPU's counters.
func (c *CPU) Stats() CPUStats {
	return CPUStats{
		Index:      c.index,
		FastPath:   c.fastpath.Load(),
		SlowPath:   c.slowpath.Load(),
		Migrations: c.migrated.Load(),
		Waits:      c.waits.Load(),
		Softints:   c.nsoftint.Load(),
	}
}

// Stats returns a snapshot of the kernel's counters.
func (k *Kernel) Stats() Stats {
	s := Stats{
		CPUs:                make([]CPUStats, len(k.sched.cpus)),
		LWPsCreated:         k.stats.lwpsCreated.Load(),
		LWPsReclaimed:       k.stats.lwpsReclaimed.Load(),
		ProcsCreated:        k.stats.procsCreated.Load(),
		ProcsFreed:          k.stats.procsFreed.Load(),
		XCallLowBroadcasts:  k.stats.xcLowBcast.Load(),
		XCallLowUnicasts:    k.stats.xcLowUcast.Load(),
		XCallHighBroadcasts: k.stats.xcHighBcast.Load(),
		XCallHighUnicasts:   k.stats.xcHighUcast.Load(),
	}
	for i, c := range k.sched.cpus {
		s.CPUs[i] = c.Stats()
	}
	return s
}

// Acquisitions returns the sum of fast and slow path hits over all CPUs.
func (s *Stats) Acquisitions() uint64 {
	var n uint64
	for _, c := range s.CPUs {
		n += c.FastPath + c.SlowPath
	}
	return n
}
