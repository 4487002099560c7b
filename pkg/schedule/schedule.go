// Package schedule triggers orchestrations from cron expressions or at
// a fixed time. One shared gocron scheduler backs every trigger, so
// operators and subsystems register here instead of running their own
// timers. Each firing submits a fresh orchestration through the
// engine's Create path and gets a timestamped name.
package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/orchestrator"
	"github.com/cuemby/ferret/pkg/types"
)

// Submitter accepts orchestration requests. *orchestrator.Orchestrator
// satisfies it.
type Submitter interface {
	Create(req orchestrator.CreateRequest) (string, error)
}

// JobInfo describes one registered trigger for external inspection.
type JobInfo struct {
	ID       string    // gocron job UUID
	Name     string    // trigger name, unique across the scheduler
	Spec     string    // cron expression, or RFC3339 time for one-shots
	LastRun  time.Time // zero if never fired
	NextRun  time.Time // zero if nothing further is scheduled
}

// Scheduler owns the cron engine and the trigger registry. Safe for
// concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	cron  gocron.Scheduler
	jobs  map[string]gocron.Job // trigger name -> job
	specs map[string]string     // trigger name -> spec (for List)

	sub    Submitter
	logger zerolog.Logger
}

// New creates a stopped scheduler that submits through sub.
func New(sub Submitter) (*Scheduler, error) {
	if sub == nil {
		return nil, fmt.Errorf("submitter required: %w", types.ErrInvalidRequest)
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create cron scheduler: %v", err)
	}
	return &Scheduler{
		cron:   cron,
		jobs:   make(map[string]gocron.Job),
		specs:  make(map[string]string),
		sub:    sub,
		logger: log.WithComponent("schedule"),
	}, nil
}

// AddCron registers a recurring trigger. expr is a six-field cron
// expression (seconds first). The request is submitted as-is on every
// firing, except that the orchestration name gets a UTC timestamp
// suffix so successive runs stay distinguishable.
func (s *Scheduler) AddCron(name, expr string, req orchestrator.CreateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("trigger name required: %w", types.ErrInvalidRequest)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("trigger %q already exists: %w", name, types.ErrConflict)
	}

	job, err := s.cron.NewJob(
		gocron.CronJob(expr, true),
		gocron.NewTask(s.fire, name, req),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("bad cron expression %q: %v: %w", expr, err, types.ErrInvalidRequest)
	}

	s.jobs[name] = job
	s.specs[name] = expr
	s.logger.Info().Str("trigger", name).Str("cron", expr).Msg("recurring trigger added")
	return nil
}

// AddOneShot registers a trigger that fires once at the given time and
// then forgets itself. at must be in the future.
func (s *Scheduler) AddOneShot(name string, at time.Time, req orchestrator.CreateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("trigger name required: %w", types.ErrInvalidRequest)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("trigger %q already exists: %w", name, types.ErrConflict)
	}
	if !at.After(time.Now()) {
		return fmt.Errorf("one-shot %q start %s is in the past: %w",
			name, at.Format(time.RFC3339), types.ErrInvalidRequest)
	}

	job, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(s.fireOnce, name, req),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("failed to register one-shot %q: %v", name, err)
	}

	s.jobs[name] = job
	s.specs[name] = at.Format(time.RFC3339)
	s.logger.Info().Str("trigger", name).Time("at", at).Msg("one-shot trigger added")
	return nil
}

// Remove stops and drops a trigger. No-op if it does not exist.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(job.ID()); err != nil {
		s.logger.Warn().Err(err).Str("trigger", name).Msg("failed to remove trigger")
	}
	delete(s.jobs, name)
	delete(s.specs, name)
	s.logger.Info().Str("trigger", name).Msg("trigger removed")
}

// Has reports whether a trigger with the given name exists.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// List returns every registered trigger, sorted by name.
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, job := range s.jobs {
		info := JobInfo{
			ID:   job.ID().String(),
			Name: name,
			Spec: s.specs[name],
		}
		if lr, err := job.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := job.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Start begins firing registered triggers. Triggers may be added or
// removed while running.
func (s *Scheduler) Start() {
	s.cron.Start()

	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.logger.Info().Int("triggers", n).Msg("schedule started")
}

// Stop shuts the engine down and waits for in-flight firings.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

func (s *Scheduler) fire(name string, req orchestrator.CreateRequest) {
	base := req.Name
	if base == "" {
		base = name
	}
	req.Name = fmt.Sprintf("%s@%s", base, time.Now().UTC().Format("20060102-150405"))
	if req.SubmittedBy == "" {
		req.SubmittedBy = "schedule/" + name
	}

	id, err := s.sub.Create(req)
	if err != nil {
		s.logger.Error().Err(err).Str("trigger", name).Msg("scheduled submission failed")
		return
	}
	s.logger.Info().Str("trigger", name).Str("orchestration_id", id).Msg("scheduled submission created")
}

// fireOnce fires and then drops the trigger from the registry; gocron
// keeps no further runs for one-time jobs.
func (s *Scheduler) fireOnce(name string, req orchestrator.CreateRequest) {
	s.fire(name, req)

	s.mu.Lock()
	delete(s.jobs, name)
	delete(s.specs, name)
	s.mu.Unlock()
}
