package kern

import (
	"context"
	"errors"

	"github.com/joeycumines/go-longpoll"
)

// softintBatchSize bounds the soft interrupts run per wakeup of a CPU's
// soft interrupt thread.
const softintBatchSize = 64

// softintThread drains ci's soft interrupt queue whenever no LWP picks the
// work up on entry to ci.
func (k *Kernel) softintThread(ci *CPU) func(l *LWP) {
	cfg := &longpoll.ChannelConfig{
		MaxSize:        softintBatchSize,
		MinSize:        1,
		PartialTimeout: -1,
	}
	return func(l *LWP) {
		batch := make([]SoftintFunc, 0, softintBatchSize)
		for {
			nlocks := k.blockBegin(l, nil)
			err := longpoll.Channel(k.ctx, cfg, ci.softints, func(fn SoftintFunc) error {
				batch = append(batch, fn)
				return nil
			})
			k.blockEnd(l, nlocks, nil)

			for i, fn := range batch {
				ci.runSoftint(l, fn)
				batch[i] = nil
			}
			batch = batch[:0]

			if err != nil {
				if !errors.Is(err, context.Canceled) {
					k.log.Err().Err(err).Int("cpu", ci.index).Log("softint thread")
				}
				ci.runSoftints(l)
				return
			}
		}
	}
}
