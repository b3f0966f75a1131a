// Package scheduler starts workflows on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/duratool/internal/engine"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/pkg/schema"
)

// DefaultInterval is how often due schedules are checked.
const DefaultInterval = 60 * time.Second

// WorkflowStarter is the part of the engine the scheduler drives.
type WorkflowStarter interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.Run, error)
	LatestRun(ctx context.Context, workflowID string) (*store.Run, error)
}

// Schedule starts WorkflowType with Input whenever Cron fires. WorkflowID
// defaults to "schedule-<name>"; a run still open under that id is reused
// instead of starting an overlapping one.
type Schedule struct {
	Name         string         `yaml:"name" json:"name"`
	Cron         string         `yaml:"cron" json:"cron"`
	WorkflowType string         `yaml:"workflow_type" json:"workflow_type"`
	WorkflowID   string         `yaml:"workflow_id,omitempty" json:"workflow_id,omitempty"`
	Input        map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	Interval  time.Duration `yaml:"interval"`
	Schedules []Schedule    `yaml:"schedules"`
}

// Job is the runtime state of one schedule.
type Job struct {
	Schedule
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// Scheduler checks its jobs on a ticker and starts those that are due.
type Scheduler struct {
	starter  WorkflowStarter
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently starting (dedup)
}

// NewScheduler validates cfg and creates a Scheduler. Each job's first run is
// the next cron tick after now.
func NewScheduler(starter WorkflowStarter, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	return newScheduler(starter, cfg, logger, func() time.Time { return time.Now().UTC() })
}

func newScheduler(starter WorkflowStarter, cfg Config, logger *slog.Logger, now func() time.Time) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: cfg.Interval,
		logger:   logger,
		now:      now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}

	start := s.now()
	for _, sc := range cfg.Schedules {
		if sc.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "schedule name is empty")
		}
		if sc.WorkflowType == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule %q has no workflow_type", sc.Name)
		}
		if _, dup := s.jobs[sc.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate schedule %q", sc.Name)
		}
		next, err := s.CalculateNextRun(sc.Cron, start)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: %v", sc.Name, err).WithCause(err)
		}
		if sc.WorkflowID == "" {
			sc.WorkflowID = "schedule-" + sc.Name
		}
		s.jobs[sc.Name] = &Job{Schedule: sc, NextRunAt: &next}
	}
	return s, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)), slog.String("interval", s.interval.String()))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, job := range s.Jobs() {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.Name) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("schedule", job.Name),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.Name)
	}
}

// runJob starts the job's workflow and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("schedule", job.Name),
		slog.String("workflow_type", job.WorkflowType),
	)

	var input json.RawMessage
	if len(job.Input) > 0 {
		raw, err := json.Marshal(job.Input)
		if err != nil {
			return s.updateJobStatus(job.Name, job.Cron, now, "error", "")
		}
		input = raw
	}

	run, err := s.starter.Start(ctx, engine.StartRequest{
		WorkflowType: job.WorkflowType,
		WorkflowID:   job.WorkflowID,
		Input:        input,
	})
	status, runID := "success", ""
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job start failed",
			slog.String("schedule", job.Name),
			slog.String("error", err.Error()),
		)
	} else {
		runID = run.RunID
	}
	return s.updateJobStatus(job.Name, job.Cron, now, status, runID)
}

func (s *Scheduler) updateJobStatus(name, cronExpr string, now time.Time, status, runID string) error {
	nextRun, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", name, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return nil
	}
	job.LastRunAt = &now
	job.NextRunAt = &nextRun
	job.LastRunStatus = status
	if runID != "" {
		job.LastRunID = runID
	}
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Jobs returns a snapshot of every job ordered by name.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed starts, once, every job whose latest run is older than the
// cron tick that followed it. Jobs that never ran are left to their schedule.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := s.now()
	recovered := 0
	for _, job := range s.Jobs() {
		latest, err := s.starter.LatestRun(ctx, job.WorkflowID)
		if errors.Is(err, schema.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("latest run of schedule %q: %w", job.Name, err)
		}
		due, err := s.CalculateNextRun(job.Cron, latest.CreatedAt)
		if err != nil || !due.Before(now) {
			continue
		}
		if !s.tryAcquire(job.Name) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("schedule", job.Name),
				slog.String("error", err.Error()),
			)
			s.releaseJob(job.Name)
			continue
		}
		s.releaseJob(job.Name)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
