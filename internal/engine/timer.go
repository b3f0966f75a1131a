package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/duratool/internal/logging"
	"github.com/rendis/duratool/pkg/schema"
)

// executionTimerID keys the per-run execution timeout among a run's timers.
const executionTimerID = "$execution-timeout"

// timerEntry is one armed deadline.
type timerEntry struct {
	runID      string
	workflowID string
	timerID    string
	fireAt     time.Time
	sequence   int64
	index      int
}

func (e *timerEntry) key() string { return e.runID + "/" + e.timerID }

// timerHeap orders deadlines by (fireAt, sequence).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerService fires durable timers. Deadlines live in the log; the heap is a
// cache rebuilt by Arm calls from the hub and from recovery sweeps.
type TimerService struct {
	journal *journal
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	heap  timerHeap
	armed map[string]*timerEntry
	wake  chan struct{}
}

func newTimerService(j *journal, logger *slog.Logger) *TimerService {
	return &TimerService{
		journal: j,
		logger:  logger,
		now:     time.Now,
		armed:   make(map[string]*timerEntry),
		wake:    make(chan struct{}, 1),
	}
}

// Arm schedules a workflow timer. Arming an already armed timer is a no-op.
func (s *TimerService) Arm(runID, workflowID, timerID string, fireAt time.Time, sequence int64) {
	s.push(&timerEntry{runID: runID, workflowID: workflowID, timerID: timerID, fireAt: fireAt, sequence: sequence})
}

// ArmExecutionTimeout schedules the run-wide deadline.
func (s *TimerService) ArmExecutionTimeout(runID, workflowID string, deadline time.Time) {
	s.push(&timerEntry{runID: runID, workflowID: workflowID, timerID: executionTimerID, fireAt: deadline})
}

func (s *TimerService) push(e *timerEntry) {
	s.mu.Lock()
	if _, ok := s.armed[e.key()]; ok {
		s.mu.Unlock()
		return
	}
	s.armed[e.key()] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of armed timers.
func (s *TimerService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Run fires due timers until ctx ends.
func (s *TimerService) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.popDue()
		for _, e := range due {
			if err := s.fire(ctx, e); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("fire timer", "run_id", e.runID, "timer_id", e.timerID, "error", err)
			}
		}
		if len(due) > 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait >= 0 {
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue removes every timer whose deadline passed and reports how long until
// the next one, or -1 when none is armed.
func (s *TimerService) popDue() ([]*timerEntry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*timerEntry
	for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
		e := heap.Pop(&s.heap).(*timerEntry)
		delete(s.armed, e.key())
		due = append(due, e)
	}
	if len(s.heap) == 0 {
		return due, -1
	}
	return due, s.heap[0].fireAt.Sub(now)
}

// fire appends TimerFired, or WorkflowTimedOut for an execution timeout, at
// most once per timer and only while the run is open.
func (s *TimerService) fire(ctx context.Context, e *timerEntry) error {
	ctx = logging.WithRun(ctx, e.runID, e.workflowID)
	appended, err := s.journal.appendGuarded(ctx, e.runID, e.workflowID, conflictRetries, func(h runHistory) ([]*schema.Event, error) {
		if h.closed() {
			return nil, nil
		}
		if e.timerID == executionTimerID {
			return oneEvent(schema.EventWorkflowTimedOut, nil)
		}
		if h.timerFired(e.timerID) {
			return nil, nil
		}
		return oneEvent(schema.EventTimerFired, schema.TimerFiredAttributes{TimerID: e.timerID})
	})
	if err != nil {
		return err
	}
	if appended {
		logging.LogWith(ctx, s.logger).Debug("timer fired", "timer_id", e.timerID, "late_by", s.now().Sub(e.fireAt).String())
	}
	return nil
}
