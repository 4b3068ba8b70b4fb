// Command rumpstress boots a virtual kernel and hammers it with the
// scheduler, cross call and reclaim workloads, checking the results.
//
// Run with: go run ./cmd/rumpstress -cpus 4 -goroutines 8 -iterations 10000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-rumpkern/kern"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"
)

type config struct {
	scenarios  []string
	cpus       int
	goroutines int
	iterations int
	lwps       int
	verbose    bool
}

var allScenarios = []string{"enterleave", "xcall", "pinned", "reclaim"}

func main() {
	var (
		cfg       config
		scenarios string
	)
	flag.IntVar(&cfg.cpus, "cpus", 4, "number of virtual cpus")
	flag.IntVar(&cfg.goroutines, "goroutines", 8, "number of worker goroutines")
	flag.IntVar(&cfg.iterations, "iterations", 10000, "iterations per worker")
	flag.IntVar(&cfg.lwps, "lwps", 1000, "lwps per process in the reclaim scenario")
	flag.StringVar(&scenarios, "scenarios", strings.Join(allScenarios, ","), "comma separated scenarios to run")
	flag.BoolVar(&cfg.verbose, "v", false, "debug logging")
	flag.Parse()
	cfg.scenarios = strings.Split(scenarios, ",")

	level := logiface.LevelInformational
	if cfg.verbose {
		level = logiface.LevelDebug
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr), stumpy.WithTimeField("ts")),
		stumpy.L.WithLevel(level),
	).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger, &cfg); err != nil {
		logger.Err().Err(err).Log("stress run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *logiface.Logger[logiface.Event], cfg *config) (err error) {
	var exits atomic.Int64
	k, err := kern.New(
		kern.WithCPUs(cfg.cpus),
		kern.WithLogger(logger),
		kern.WithProcExitHook(func(ctx context.Context, batch []*kern.ProcExit) error {
			exits.Add(int64(len(batch)))
			return nil
		}),
	)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, k.Close()) }()

	for _, name := range cfg.scenarios {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		switch strings.TrimSpace(name) {
		case "enterleave":
			err = enterLeave(ctx, k, cfg)
		case "xcall":
			err = xcalls(ctx, k, cfg)
		case "pinned":
			err = pinned(ctx, k, cfg)
		case "reclaim":
			err = reclaim(k, cfg, &exits)
		default:
			err = fmt.Errorf("unknown scenario %q", name)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		logger.Info().Str("scenario", name).Dur("elapsed", time.Since(start)).Log("scenario passed")
	}

	s := k.Stats()
	for _, c := range s.CPUs {
		logger.Info().
			Int("cpu", c.Index).
			Uint64("fast", c.FastPath).
			Uint64("slow", c.SlowPath).
			Uint64("migrations", c.Migrations).
			Uint64("waits", c.Waits).
			Uint64("softints", c.Softints).
			Log("cpu stats")
	}
	logger.Info().
		Uint64("lwps_created", s.LWPsCreated).
		Uint64("lwps_reclaimed", s.LWPsReclaimed).
		Uint64("procs_freed", s.ProcsFreed).
		Log("kernel stats")
	return nil
}

// enterLeave runs every worker through Schedule/Unschedule, checking that no
// CPU is ever shared, and that every acquisition is counted.
func enterLeave(ctx context.Context, k *kern.Kernel, cfg *config) error {
	occupied := make([]atomic.Int32, k.NumCPU())
	before := k.Stats()
	g, ctx := errgroup.WithContext(ctx)
	for range cfg.goroutines {
		g.Go(func() error {
			k.Schedule()
			k.Hold()
			defer func() {
				k.Schedule()
				k.Release()
				k.Unschedule()
			}()
			k.Unschedule()
			for i := range cfg.iterations {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				l := k.Schedule()
				c := l.CPU()
				if !occupied[c.Index()].CompareAndSwap(0, 1) {
					k.Unschedule()
					return fmt.Errorf("%v shared by %v", c, l)
				}
				occupied[c.Index()].Store(0)
				k.Unschedule()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	after := k.Stats()
	// each worker also schedules twice to set up and once to tear down
	want := uint64(cfg.goroutines * (cfg.iterations + 2))
	if got := after.Acquisitions() - before.Acquisitions(); got < want {
		return fmt.Errorf("counted %d acquisitions, want at least %d", got, want)
	}
	return nil
}

// xcalls issues concurrent broadcasts on both tracks, checking each reaches
// every CPU exactly once.
func xcalls(ctx context.Context, k *kern.Kernel, cfg *config) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := range cfg.goroutines {
		pri := kern.PriLow
		if w%2 == 1 {
			pri = kern.PriHigh
		}
		g.Go(func() error {
			for range max(cfg.iterations/100, 1) {
				if err := ctx.Err(); err != nil {
					return err
				}
				hits := make([]atomic.Int32, k.NumCPU())
				k.Wait(k.Broadcast(pri, func(ci *kern.CPU) { hits[ci.Index()].Add(1) }))
				for i := range hits {
					if n := hits[i].Load(); n != 1 {
						return fmt.Errorf("%v broadcast hit cpu%d %d times", pri, i, n)
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// pinned runs a kernel thread pinned to the last CPU while unpinned workers
// contend for it.
func pinned(ctx context.Context, k *kern.Kernel, cfg *config) error {
	target := k.CPU(k.NumCPU() - 1)
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	for range cfg.goroutines {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				k.Schedule()
				k.Unschedule()
			}
		})
	}

	var bad atomic.Int64
	finished := make(chan struct{})
	_, err := k.Kthread("pinned", target, func(l *kern.LWP) {
		defer close(finished)
		s := k.Scheduler()
		for range cfg.iterations {
			if l.CPU() != target {
				bad.Add(1)
			}
			s.Leave(l)
			s.Enter(l)
		}
	})
	if err != nil {
		close(done)
		return errors.Join(err, g.Wait())
	}
	<-finished
	close(done)
	if err := g.Wait(); err != nil {
		return err
	}
	if n := bad.Load(); n != 0 {
		return fmt.Errorf("pinned lwp seen off %v %d times", target, n)
	}
	return nil
}

// reclaim creates a process with many LWPs, releases them all, and checks
// the process is torn down exactly once.
func reclaim(k *kern.Kernel, cfg *config, exits *atomic.Int64) error {
	before := exits.Load()
	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			k.Schedule()
			if err := k.Rfork(kern.SpawnCleanFD); err != nil {
				k.Unschedule()
				return err
			}
			p := k.CurProc()
			for range cfg.lwps - 1 {
				if _, err := k.Spawn(p, kern.SpawnNoSwitch); err != nil {
					k.Unschedule()
					return err
				}
			}
			for _, l := range p.LWPs() {
				if l == k.CurLWP() {
					continue
				}
				k.Release()
				k.Switch(l)
			}
			k.Release()
			k.Unschedule()

			select {
			case <-p.Done():
			default:
				return fmt.Errorf("%v not torn down", p)
			}
			return nil
		}()
	}()
	if err := <-errc; err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for exits.Load() == before {
		if time.Now().After(deadline) {
			return errors.New("no exit notification")
		}
		time.Sleep(time.Millisecond)
	}
	if n := exits.Load() - before; n != 1 {
		return fmt.Errorf("%d exit notifications, want 1", n)
	}
	return nil
}
