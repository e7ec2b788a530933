package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleStore abstracts the persistence layer behind the scheduler.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	UpdateScheduleRunInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
}

// Scheduler fires stored schedules and hands the referenced playbook to
// the service. Overlapping runs of the same playbook are skipped.
type Scheduler struct {
	store    ScheduleStore
	service  *Service
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	running sync.Map // playbook name -> struct{}{}

	ctx context.Context
}

func NewScheduler(store ScheduleStore, service *Service, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		store:    store,
		service:  service,
		logger:   logger,
		location: location,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start begins the scheduling loop. ctx is used for background store
// updates and playbook executions.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the cron loop and returns a context that closes once
// in-progress dispatches finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Sync loads all schedules from the store and registers the enabled ones.
func (s *Scheduler) Sync(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range schedules {
		if sched.Enabled {
			if err := s.register(ctx, sched); err != nil {
				s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
			}
		} else {
			s.unregister(sched.ID)
		}
	}
	return nil
}

// AddOrUpdate re-registers a schedule that was created or modified.
func (s *Scheduler) AddOrUpdate(ctx context.Context, sched *Schedule) error {
	s.unregister(sched.ID)
	if sched.Enabled {
		return s.register(ctx, sched)
	}
	return nil
}

// Remove stops firing the given schedule.
func (s *Scheduler) Remove(scheduleID string) {
	s.unregister(scheduleID)
}

func (s *Scheduler) register(ctx context.Context, sched *Schedule) error {
	schedule, err := ParseCron(sched.Cron)
	if err != nil {
		return err
	}
	now := time.Now().In(s.location)
	if next := NextOccurrences(schedule, now, 1); len(next) == 1 {
		nextUTC := next[0].UTC()
		if err := s.store.UpdateScheduleRunInfo(ctx, sched.ID, nil, &nextUTC); err != nil {
			s.logger.Warn("update next_run_at failed", "schedule_id", sched.ID, "err", err)
		}
	}

	id := sched.ID
	job := func() {
		entryID, ok := s.entryID(id)
		if !ok {
			return
		}
		entry := s.cron.Entry(entryID)
		if next := entry.Next; !next.IsZero() {
			nextUTC := next.UTC()
			fired := time.Now().UTC()
			if err := s.store.UpdateScheduleRunInfo(s.ctxOrBackground(), id, &fired, &nextUTC); err != nil {
				s.logger.Error("update schedule run info", "schedule_id", id, "err", err)
			}
		}
		s.fire(id)
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(job))
	s.setEntryID(id, entryID)
	return nil
}

func (s *Scheduler) fire(scheduleID string) {
	ctx := s.ctxOrBackground()
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Error("fetch schedule for trigger", "schedule_id", scheduleID, "err", err)
		return
	}
	if !sched.Enabled {
		return
	}
	if _, busy := s.running.LoadOrStore(sched.Playbook, struct{}{}); busy {
		s.logger.Info("skipping scheduled run, playbook already running",
			"schedule_id", sched.ID, "playbook", sched.Playbook)
		return
	}
	go func() {
		defer s.running.Delete(sched.Playbook)
		opts := Options{
			Strategy:        sched.Strategy,
			Concurrency:     sched.Concurrency,
			ContinueOnError: sched.ContinueOnError,
		}
		run, err := s.service.RunPlaybook(ctx, sched.Playbook, nil, opts)
		if err != nil {
			s.logger.Error("scheduled run failed to resolve",
				"schedule_id", sched.ID, "playbook", sched.Playbook, "err", err)
			return
		}
		s.logger.Info("scheduled run finished",
			"schedule_id", sched.ID, "playbook", sched.Playbook,
			"run_id", run.ID, "status", run.OverallStatus)
	}()
}

func (s *Scheduler) setEntryID(scheduleID string, entryID cron.EntryID) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.entries[scheduleID] = entryID
}

func (s *Scheduler) entryID(scheduleID string) (cron.EntryID, bool) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	id, ok := s.entries[scheduleID]
	return id, ok
}

func (s *Scheduler) unregister(scheduleID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
