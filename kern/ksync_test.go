package kern

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMutex_adaptiveReleasesCPU: with a single CPU, a goroutine blocked on
// an adaptive mutex must give up the CPU, or the owner could never run to
// release it.
func TestMutex_adaptiveReleasesCPU(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	m := k.NewMutex(MutexAdaptive)
	assert.False(t, m.Spin())

	owner := make(chan *LWP)
	release := make(chan struct{})
	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		l := k.Schedule()
		k.Hold()
		m.Enter(l)
		k.Unschedule()
		owner <- l
		<-release
		k.Schedule()
		m.Exit(l)
		k.Release()
		k.Unschedule()
	}()
	ownerLWP := <-owner
	assert.True(t, m.Owned(ownerLWP))

	acquired := make(chan struct{})
	go func() {
		l := k.Schedule()
		m.Enter(l)
		assert.True(t, m.Owned(l))
		assert.Equal(t, LWPOnCPU, l.State())
		m.Exit(l)
		k.Unschedule()
		close(acquired)
	}()
	require.Eventually(t, func() bool { return k.CPU(0).CurLWP() == nil && k.InitProc().NumLWPs() == 2 }, 5*time.Second, time.Millisecond)
	close(release)

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock")
	}
	<-ownerDone
}

func TestMutex_misuse(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	m := k.NewMutex(MutexAdaptive)
	l := newTestLWP(t, k, nil, false)
	other := newTestLWP(t, k, nil, false)

	err := catchInvariant(func() { m.Exit(l) })
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrNotOwner)

	m.Enter(l)
	err = catchInvariant(func() { m.Enter(l) })
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrLockAgainstSelf)

	err = catchInvariant(func() { m.Exit(other) })
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrNotOwner)

	assert.False(t, m.TryEnter(other))
	m.Exit(l)
	assert.True(t, m.TryEnter(other))
	assert.True(t, m.Owned(other))
	m.Exit(other)
}

// TestMutex_unscheduled: without an LWP the primitives are plain host
// primitives.
func TestMutex_unscheduled(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	for _, kind := range []MutexKind{MutexAdaptive, MutexSpin} {
		m := k.NewMutex(kind)
		var (
			cv    Cond
			ready bool
			wg    sync.WaitGroup
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enter(nil)
			for !ready {
				cv.Wait(nil, m)
			}
			m.Exit(nil)
		}()
		require.Eventually(t, func() bool { return cv.Waiters() == 1 }, 5*time.Second, time.Millisecond)
		m.Enter(nil)
		ready = true
		cv.Broadcast()
		m.Exit(nil)
		wg.Wait()
	}
}

// TestCond_spin: waiting with a spin mutex reschedules before relocking, so
// an LWP spinning on the mutex while holding the only CPU cannot deadlock
// the waker.
func TestCond_spin(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	m := k.NewMutex(MutexSpin)
	assert.True(t, m.Spin())
	var (
		cv      Cond
		counter int
	)

	const waiters = 4
	var wg sync.WaitGroup
	var woken atomic.Int32
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := k.Schedule()
			m.Enter(l)
			for counter == 0 {
				cv.Wait(l, m)
			}
			counter++
			woken.Add(1)
			m.Exit(l)
			k.Unschedule()
		}()
	}
	require.Eventually(t, func() bool { return cv.Waiters() == waiters }, 5*time.Second, time.Millisecond)

	onGoroutine(t, func() {
		l := k.Schedule()
		m.Enter(l)
		counter = 1
		cv.Broadcast()
		m.Exit(l)
		k.Unschedule()
	})
	wg.Wait()
	assert.Equal(t, int32(waiters), woken.Load())
	assert.Equal(t, waiters+1, counter)
}

func TestCond_misuse(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, WithCPUs(1))
	m := k.NewMutex(MutexAdaptive)
	l := newTestLWP(t, k, nil, false)
	var cv Cond

	err := catchInvariant(func() { cv.Wait(l, m) })
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrNotOwner)
}
