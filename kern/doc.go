// Package kern implements the concurrency core of a virtual kernel that runs
// inside an ordinary Go process.
//
// Any number of goroutines share a small, fixed set of virtual CPUs. A
// goroutine must own a CPU, via the LWP (lightweight process) it runs as,
// to execute kernel code. CPUs are acquired with [Kernel.Schedule], or
// [Scheduler.Enter] for an explicit LWP, and released with
// [Kernel.Unschedule] or [Scheduler.Leave]. The common case, an LWP
// returning to the CPU it last ran on, is a single CAS.
//
// Blocking inside the kernel goes through the scheduler-aware [Mutex] and
// [Cond], which release the caller's CPU while the goroutine is blocked.
//
// Cross calls ([XCall]) run a function once on each of a set of CPUs, in
// thread context (low priority) or interrupt context (high priority), and
// return a [Ticket] to wait on.
//
// Processes ([Proc]) and LWPs are created by [Kernel.Spawn] and friends,
// and are reclaimed lazily: an LWP whose last reference is dropped with
// [Kernel.Release] is torn down on the next switch away from it, and a
// process is torn down with its last LWP.
//
// Invariant violations are fatal. They are logged, passed to the handler
// set with [WithFatalHandler], and raised as a panic with an
// [*InvariantError] value.
package kern
