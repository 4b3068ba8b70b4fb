// Package hostsync provides the host-backed mutex and condition variable
// primitives that the kernel layer is built on.
//
// These are the "hypercall" level locks: they know nothing about virtual
// CPUs, and blocking on them never releases one. The kern package wraps them
// into scheduler-aware kernel locks, and uses them directly (unwrapped) for
// its own slow paths, e.g. the per-CPU fallback lock.
//
// Unlike [sync.Cond], a [Cond] is not bound to a single locker: the mutex is
// supplied on each call to [Cond.Wait], mirroring the classic
// cv_wait(cv, mtx) contract.
package hostsync
