package kern

import (
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// defaultLogger writes warnings and above to stderr, as JSON.
func defaultLogger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelWarning),
	).Logger()
}

// contention warning categories, combined with the cpu index
type warnCategory struct {
	kind  string
	index int
}

func newWarnLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 1,
		time.Minute: 10,
	})
}

// warnContention logs a slow path event for c, at most at the limiter's rate.
func (k *Kernel) warnContention(kind string, c *CPU, l *LWP) {
	b := k.log.Warning()
	if !b.Enabled() {
		return
	}
	if _, ok := k.limiter.Allow(warnCategory{kind: kind, index: c.index}); !ok {
		b.Release()
		return
	}
	b.Str("event", kind).
		Int("cpu", c.index).
		Uint64("lwp", l.id).
		Log("virtual cpu contended")
}
