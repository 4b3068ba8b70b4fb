package kern

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrInvalidFlags is returned when mutually exclusive spawn flags are
	// combined, or file table flags are given for an existing process.
	ErrInvalidFlags = errors.New("kern: invalid spawn flags")

	// ErrNoSuchProc is returned when a process lookup fails.
	ErrNoSuchProc = errors.New("kern: no such process")

	// ErrProcExiting is returned when attaching an LWP to a dying process.
	ErrProcExiting = errors.New("kern: process is exiting")

	// ErrKernelClosed is returned when the kernel has been closed.
	ErrKernelClosed = errors.New("kern: kernel has been closed")

	// ErrProcTableFull is returned when no PID is available.
	ErrProcTableFull = errors.New("kern: process table full")

	// ErrInvalidCPUCount is returned when the virtual CPU count is not positive.
	ErrInvalidCPUCount = errors.New("kern: invalid virtual cpu count")

	// ErrNoSuchLWP is returned when an LWP lookup fails.
	ErrNoSuchLWP = errors.New("kern: no such lwp")

	// ErrLWPPinned is returned when migrating a pinned LWP.
	ErrLWPPinned = errors.New("kern: lwp is pinned")

	// ErrWaitDeadlock is returned by WaitLWP when the LWP waited for is the
	// caller, or is itself waiting for the caller.
	ErrWaitDeadlock = errors.New("kern: lwp wait would deadlock")
)

// Invariant violation codes. These are never returned, they are the Code of
// an *InvariantError passed to the fatal handler.
var (
	ErrDoubleEnter        = errors.New("kern: lwp is already on a cpu")
	ErrNotOnCPU           = errors.New("kern: lwp is not on a cpu")
	ErrLWPRunning         = errors.New("kern: lwp is already running")
	ErrNilXCallFunc       = errors.New("kern: nil xcall function")
	ErrXCallFromInterrupt = errors.New("kern: xcall from interrupt context")
	ErrBadRelease         = errors.New("kern: releasing lwp with no references")
	ErrCPUMismatch        = errors.New("kern: virtual cpu mismatch")
	ErrThreadBound        = errors.New("kern: goroutine already has an lwp")
	ErrPinnedMigration    = errors.New("kern: pinned lwp moved to a foreign cpu")
	ErrReclaimed          = errors.New("kern: lwp has been reclaimed")
	ErrNotOwner           = errors.New("kern: lock not owned by caller")
	ErrLockAgainstSelf    = errors.New("kern: locking against myself")
	ErrSleepInInterrupt   = errors.New("kern: sleeping in interrupt context")
)

// InvariantError is a fatal consistency violation. The kernel cannot
// continue after one is raised.
type InvariantError struct {
	Code error
	Msg  string
}

func (e *InvariantError) Error() string {
	if e.Msg == "" {
		return e.Code.Error()
	}
	return e.Code.Error() + ": " + e.Msg
}

func (e *InvariantError) Unwrap() error { return e.Code }

// Is reports whether target is an *InvariantError with the same Code, in
// addition to the Unwrap chain.
func (e *InvariantError) Is(target error) bool {
	t, ok := target.(*InvariantError)
	return ok && t.Code == e.Code
}

// fatalf logs the violation then hands it to the fatal handler. It never
// returns: if the handler does, the error is raised as a panic.
func (k *Kernel) fatalf(code error, format string, args ...any) {
	err := &InvariantError{Code: code, Msg: fmt.Sprintf(format, args...)}
	k.log.Emerg().Err(err).Log("invariant violation")
	if h := k.opts.fatal; h != nil {
		h(err)
	}
	panic(err)
}
