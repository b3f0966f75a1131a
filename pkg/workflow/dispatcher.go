package workflow

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// coroutine is one cooperatively scheduled strand of workflow code. Exactly one
// coroutine runs at a time; the dispatcher hands control over through channels.
type coroutine struct {
	name    string
	fn      func()
	started bool
	done    bool
	// waitingOn is the readiness condition of a parked coroutine.
	waitingOn func() bool
	panicked  *panicError

	resume chan struct{}
	yield  chan struct{}
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("workflow panic: %v", p.value)
}

// dispatcher schedules coroutines deterministically: in creation order, each
// pass running every coroutine whose wait condition holds.
type dispatcher struct {
	coroutines []*coroutine
	current    *coroutine
	closing    bool
}

func (d *dispatcher) spawn(name string, fn func()) *coroutine {
	c := &coroutine{
		name:   name,
		fn:     fn,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	d.coroutines = append(d.coroutines, c)
	return c
}

// runUntilBlocked runs coroutines until none can make progress. It stops early
// and returns the panic if a coroutine panics, or when stop reports true.
func (d *dispatcher) runUntilBlocked(stop func() bool) *panicError {
	for {
		progressed := false
		for i := 0; i < len(d.coroutines); i++ {
			c := d.coroutines[i]
			if c.done || (c.waitingOn != nil && !c.waitingOn()) {
				continue
			}
			d.step(c)
			progressed = true
			if c.panicked != nil {
				return c.panicked
			}
			if stop() {
				return nil
			}
		}
		if !progressed {
			return nil
		}
	}
}

// step gives control to c until it parks or finishes.
func (d *dispatcher) step(c *coroutine) {
	d.current = c
	if !c.started {
		c.started = true
		go d.run(c)
	}
	c.resume <- struct{}{}
	<-c.yield
	d.current = nil
}

func (d *dispatcher) run(c *coroutine) {
	defer func() {
		if r := recover(); r != nil {
			c.panicked = &panicError{value: r, stack: string(debug.Stack())}
		}
		c.done = true
		c.yield <- struct{}{}
	}()
	<-c.resume
	if d.closing {
		return
	}
	c.fn()
}

// await parks the current coroutine until ready holds. While the dispatcher is
// shutting down the coroutine exits instead of resuming.
func (d *dispatcher) await(ready func() bool) {
	c := d.current
	if c == nil {
		panic("workflow: blocking call outside workflow code")
	}
	for !ready() {
		c.waitingOn = ready
		c.yield <- struct{}{}
		<-c.resume
		if d.closing {
			runtime.Goexit()
		}
	}
	c.waitingOn = nil
}

// close unwinds every started coroutine so no goroutine outlives the replay.
func (d *dispatcher) close() {
	d.closing = true
	for _, c := range d.coroutines {
		if c.started && !c.done {
			c.resume <- struct{}{}
			<-c.yield
		}
	}
}
