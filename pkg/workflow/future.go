package workflow

import (
	"encoding/json"
	"fmt"
)

// Future is the eventual outcome of a command issued by workflow code.
type Future interface {
	// Get blocks the calling workflow coroutine until the future resolves, then
	// decodes the value into v (which may be nil) or returns the failure.
	Get(v any) error
	// IsReady reports whether Get would return without blocking.
	IsReady() bool
}

type future struct {
	r     *replayer
	ready bool
	value json.RawMessage
	err   error
	// order is the position of the resolving event in replay order.
	order int64
}

func (r *replayer) newFuture() *future {
	return &future{r: r}
}

func (r *replayer) resolvedFuture(value json.RawMessage, err error) *future {
	f := r.newFuture()
	f.resolve(value, err)
	return f
}

func (f *future) resolve(value json.RawMessage, err error) {
	if f.ready {
		return
	}
	f.r.resolved++
	f.ready = true
	f.value = value
	f.err = err
	f.order = f.r.resolved
}

func (f *future) IsReady() bool { return f.ready }

func (f *future) Get(v any) error {
	if !f.ready {
		f.r.d.await(func() bool { return f.ready })
	}
	if f.err != nil {
		return f.err
	}
	if v == nil || len(f.value) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.value, v); err != nil {
		return fmt.Errorf("decode future value: %w", err)
	}
	return nil
}

// Select blocks until at least one future is ready and returns the index of the
// one whose resolving event came first in the log.
func (c *Context) Select(futures ...Future) int {
	pick := func() int {
		best, bestOrder := -1, int64(0)
		for i, f := range futures {
			ff, ok := f.(*future)
			if !ok || !ff.ready {
				continue
			}
			if best == -1 || ff.order < bestOrder {
				best, bestOrder = i, ff.order
			}
		}
		return best
	}
	if len(futures) == 0 {
		return -1
	}
	c.r.d.await(func() bool { return pick() >= 0 })
	return pick()
}
