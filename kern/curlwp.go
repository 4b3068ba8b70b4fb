package kern

import (
	"runtime"
)

// goroutineID returns the current goroutine's ID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// curlwp returns the LWP bound to the calling goroutine, or nil.
func (k *Kernel) curlwp() *LWP {
	if v, ok := k.bound.Load(goroutineID()); ok {
		return v.(*LWP)
	}
	return nil
}

// bind makes l the calling goroutine's current LWP.
func (k *Kernel) bind(l *LWP) {
	if v, loaded := k.bound.LoadOrStore(goroutineID(), l); loaded {
		k.fatalf(ErrThreadBound, "binding %v, already running %v", l, v.(*LWP))
	}
	l.attached.Store(true)
}

// unbind clears the calling goroutine's binding to l.
func (k *Kernel) unbind(l *LWP) {
	k.bound.CompareAndDelete(goroutineID(), l)
	l.attached.Store(false)
}
