package kern

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joeycumines/logiface"
)

const (
	// MaxCPUs is the upper bound on the number of virtual CPUs.
	MaxCPUs = 32

	// EnvNCPU names the environment variable consulted for the default
	// virtual CPU count. It accepts a positive integer, or "host".
	EnvNCPU = "RUMP_NCPU"

	defaultSoftintQueueSize = 256
)

// MigrationPolicy controls what Enter does when the target CPU is contended.
type MigrationPolicy uint8

const (
	// MigrateOnce allows one hop to the next round-robin CPU per slow path
	// entry, before waiting.
	MigrateOnce MigrationPolicy = iota

	// MigrateNever always waits for the target CPU.
	MigrateNever
)

func (p MigrationPolicy) String() string {
	switch p {
	case MigrateOnce:
		return "once"
	case MigrateNever:
		return "never"
	default:
		return "unknown"
	}
}

// ProcExit describes a torn down process, as delivered to the hook
// configured by WithProcExitHook.
type ProcExit struct {
	PID  int32
	PPID int32
	// LWPs is the number of LWPs ever attached to the process.
	LWPs int32
}

// ProcExitHook receives batches of process exits. It is called from a
// dedicated goroutine, never while holding a virtual CPU.
type ProcExitHook func(ctx context.Context, exits []*ProcExit) error

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	log         *logiface.Logger[logiface.Event]
	fatal       func(err *InvariantError)
	procExit    ProcExitHook
	ncpu        int
	softintSize int
	migration   MigrationPolicy
	ncpuSet     bool
}

// Option configures a Kernel instance.
type Option interface {
	applyKernel(*kernelOptions) error
}

// kernelOptionImpl implements Option.
type kernelOptionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *kernelOptionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithCPUs sets the number of virtual CPUs. Values above MaxCPUs are clamped.
func WithCPUs(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: %d", ErrInvalidCPUCount, n)
		}
		opts.ncpu = n
		opts.ncpuSet = true
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.log = logger
		return nil
	}}
}

// WithMigration sets the slow path migration policy.
func WithMigration(policy MigrationPolicy) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		switch policy {
		case MigrateOnce, MigrateNever:
		default:
			return fmt.Errorf("kern: invalid migration policy %d", policy)
		}
		opts.migration = policy
		return nil
	}}
}

// WithFatalHandler is called with every invariant violation, after it is
// logged. If the handler returns, the violation is raised as a panic.
func WithFatalHandler(fn func(err *InvariantError)) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.fatal = fn
		return nil
	}}
}

// WithProcExitHook receives process exit notifications, in batches.
func WithProcExitHook(fn ProcExitHook) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.procExit = fn
		return nil
	}}
}

// WithSoftintQueueSize sets the capacity of each CPU's soft interrupt queue.
func WithSoftintQueueSize(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 1 {
			return fmt.Errorf("kern: invalid softint queue size %d", n)
		}
		opts.softintSize = n
		return nil
	}}
}

// resolveOptions applies Option instances to kernelOptions.
func resolveOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		log:         defaultLogger(),
		softintSize: defaultSoftintQueueSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.ncpuSet {
		n, err := ncpuFromEnv(os.Getenv(EnvNCPU))
		if err != nil {
			return nil, err
		}
		cfg.ncpu = n
	}
	return cfg, nil
}

func ncpuFromEnv(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "host") {
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("kern: parse %s: %w", EnvNCPU, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: %s=%d", ErrInvalidCPUCount, EnvNCPU, n)
	}
	return n, nil
}
