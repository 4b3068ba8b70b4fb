package kern

// Kthread starts a kernel thread: a goroutine running fn as a new LWP in
// proc0, pinned to ci unless ci is nil. fn is called scheduled. The thread
// ends when fn returns, and Close waits for it.
func (k *Kernel) Kthread(name string, ci *CPU, fn func(l *LWP)) (*LWP, error) {
	k.threadMu.Lock()
	defer k.threadMu.Unlock()
	if k.closed.Load() {
		return nil, ErrKernelClosed
	}
	l, err := k.newLWP(k.proc0, name, ci != nil, ci)
	if err != nil {
		return nil, err
	}
	k.group.Go(func() error {
		k.bind(l)
		k.sched.enter(l, nil)
		fn(l)
		k.release(l)
		k.Unschedule()
		return nil
	})
	k.log.Debug().Str("name", name).Uint64("lwp", l.id).Log("kthread started")
	return l, nil
}
