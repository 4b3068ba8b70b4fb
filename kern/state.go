package kern

// LWPState is the externally visible run state of an LWP.
type LWPState uint32

const (
	// LWPStopped means the LWP is not attached to any goroutine.
	LWPStopped LWPState = iota
	// LWPRunnable means the LWP is attached to a goroutine, but not on a CPU.
	LWPRunnable
	// LWPOnCPU means the LWP owns a virtual CPU.
	LWPOnCPU
	// LWPExitPending means the LWP will be reclaimed on the next switch
	// away from it. Never reported while the LWP is on a CPU.
	LWPExitPending
	// LWPReclaimed is terminal.
	LWPReclaimed
)

func (s LWPState) String() string {
	switch s {
	case LWPStopped:
		return "Stopped"
	case LWPRunnable:
		return "Runnable"
	case LWPOnCPU:
		return "OnCPU"
	case LWPExitPending:
		return "ExitPending"
	case LWPReclaimed:
		return "Reclaimed"
	default:
		return "Unknown"
	}
}
