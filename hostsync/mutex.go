package hostsync

import (
	"sync"
	"sync/atomic"
)

// MutexFlags describe how a Mutex is used by the layer above.
type MutexFlags uint8

const (
	// MutexSpin marks a mutex held only across short critical sections that
	// never block. The kernel layer never releases a virtual CPU to acquire
	// one.
	MutexSpin MutexFlags = 1 << iota
)

// Mutex is a non-recursive host mutex. The zero value is an unlocked mutex
// with no flags.
type Mutex struct {
	mu    sync.Mutex
	held  atomic.Bool
	flags MutexFlags
}

// NewMutex returns an unlocked mutex with the given flags.
func NewMutex(flags MutexFlags) *Mutex {
	return &Mutex{flags: flags}
}

// Init sets the flags of a zero value mutex. It must not be called once the
// mutex is in use.
func (m *Mutex) Init(flags MutexFlags) { m.flags = flags }

// Flags returns the flags the mutex was created with.
func (m *Mutex) Flags() MutexFlags { return m.flags }

// Enter acquires the mutex, blocking the calling goroutine as necessary.
func (m *Mutex) Enter() {
	m.mu.Lock()
	m.held.Store(true)
}

// TryEnter acquires the mutex if it is free, reporting success.
func (m *Mutex) TryEnter() bool {
	if !m.mu.TryLock() {
		return false
	}
	m.held.Store(true)
	return true
}

// Exit releases the mutex. Releasing a mutex that is not held panics.
func (m *Mutex) Exit() {
	if !m.held.Swap(false) {
		panic(`hostsync: exit of unheld mutex`)
	}
	m.mu.Unlock()
}

// Held reports whether the mutex is currently held by anyone. It is only
// meaningful for assertions made by the holder.
func (m *Mutex) Held() bool { return m.held.Load() }
