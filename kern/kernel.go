package kern

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-rumpkern/hostsync"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// Kernel is a virtual kernel instance: a fixed set of virtual CPUs, the
// processes and LWPs that run on them, and the cross call subsystem.
//
// Instances must be created with New, and should be closed with Close.
type Kernel struct {
	opts    *kernelOptions
	log     *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	sched   *Scheduler
	xc      *XCall
	exits   *microbatch.Batcher[*ProcExit]

	proc0    *Proc
	lwp0     *LWP
	initproc *Proc

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	// bound maps goroutine IDs to their current LWP
	bound sync.Map
	procs procTable
	stats kernelCounters
	big   BigLock

	nextLWPID atomic.Uint64

	lwp0mtx   hostsync.Mutex
	lwp0cv    hostsync.Cond
	threadMu  sync.Mutex
	lwp0inuse bool // guarded by lwp0mtx
	closed    atomic.Bool
}

// New boots a kernel: it allocates the virtual CPUs, proc0 and lwp0, the
// init process, and starts the per-CPU kernel threads.
func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		opts:    cfg,
		log:     cfg.log,
		limiter: newWarnLimiter(),
	}
	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.big.k = k
	k.procs.procs = make(map[int32]*Proc)

	ncpu := cfg.ncpu
	if ncpu > MaxCPUs {
		k.log.Warning().Int("requested", ncpu).Int("max", MaxCPUs).Log("clamping virtual cpu count")
		ncpu = MaxCPUs
	}
	k.sched = newScheduler(k, ncpu, cfg.softintSize, cfg.migration)

	k.proc0 = &Proc{
		k:      k,
		fd:     NewFileTable(),
		lwps:   make(map[int32]*LWP),
		done:   make(chan struct{}),
		system: true,
	}
	k.procs.procs[0] = k.proc0
	if k.lwp0, err = k.newLWP(k.proc0, "lwp0", false, k.sched.cpus[0]); err != nil {
		return nil, err
	}

	k.initproc = &Proc{
		k:      k,
		pid:    1,
		fd:     k.proc0.fd.share(),
		lwps:   make(map[int32]*LWP),
		done:   make(chan struct{}),
		system: true,
	}
	k.procs.procs[1] = k.initproc
	k.procs.nextPID = 1

	if cfg.procExit != nil {
		hook := cfg.procExit
		k.exits = microbatch.NewBatcher(&microbatch.BatcherConfig{
			MaxSize:       64,
			FlushInterval: 10 * time.Millisecond,
		}, func(ctx context.Context, jobs []*ProcExit) error {
			if err := hook(ctx, jobs); err != nil {
				k.log.Err().Err(err).Int("exits", len(jobs)).Log("proc exit hook")
				return err
			}
			return nil
		})
	}

	k.xc = newXCall(k)
	for _, c := range k.sched.cpus {
		if _, err := k.Kthread(fmt.Sprintf("xcall/%d", c.index), c, k.xc.worker(c)); err != nil {
			return nil, errors.Join(err, k.Close())
		}
		if _, err := k.Kthread(fmt.Sprintf("softint/%d", c.index), c, k.softintThread(c)); err != nil {
			return nil, errors.Join(err, k.Close())
		}
	}

	k.log.Info().
		Int("ncpu", ncpu).
		Str("migration", cfg.migration.String()).
		Log("kernel booted")
	return k, nil
}

// Close stops the kernel threads and waits for them to exit. LWPs owned by
// other goroutines are not affected, but no new kernel threads or LWPs may
// be created. Outstanding cross calls must complete before Close.
func (k *Kernel) Close() error {
	k.threadMu.Lock()
	if !k.closed.CompareAndSwap(false, true) {
		k.threadMu.Unlock()
		return ErrKernelClosed
	}
	k.threadMu.Unlock()

	k.cancel()
	k.xc.shutdown()
	err := k.group.Wait()
	if k.exits != nil {
		err = errors.Join(err, k.exits.Close())
	}
	k.log.Info().Log("kernel closed")
	return err
}

// Scheduler returns the CPU scheduler.
func (k *Kernel) Scheduler() *Scheduler { return k.sched }

// XCall returns the cross call subsystem.
func (k *Kernel) XCall() *XCall { return k.xc }

// BigLock returns the giant kernel lock.
func (k *Kernel) BigLock() *BigLock { return &k.big }

// NumCPU returns the number of virtual CPUs.
func (k *Kernel) NumCPU() int { return len(k.sched.cpus) }

// CPU returns the virtual CPU with the given index, or nil.
func (k *Kernel) CPU(i int) *CPU { return k.sched.CPU(i) }

// Logger returns the kernel's logger, which may be nil.
func (k *Kernel) Logger() *logiface.Logger[logiface.Event] { return k.log }

// Broadcast runs fn on every CPU, as the calling goroutine's LWP.
func (k *Kernel) Broadcast(pri Priority, fn XCallFunc) Ticket {
	return k.xc.Broadcast(k.curlwp(), pri, fn)
}

// Unicast runs fn on ci, as the calling goroutine's LWP.
func (k *Kernel) Unicast(pri Priority, fn XCallFunc, ci *CPU) Ticket {
	return k.xc.Unicast(k.curlwp(), pri, fn, ci)
}

// Wait blocks until the cross call identified by t has completed.
func (k *Kernel) Wait(t Ticket) {
	k.xc.Wait(k.curlwp(), t)
}
