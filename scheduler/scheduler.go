// Package scheduler runs periodic maintenance for a long-running server
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scipunch/skyfeed/session"
)

// Job is one scheduled task
type Job func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New creates a scheduler. Each run of a job is bounded by timeout.
func New(timeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		timeout: timeout,
		jobs:    make(map[string]cron.EntryID),
	}
}

// AddJob schedules a job. Schedule accepts cron specs and descriptors such as "@every 10m".
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	entryID, err := s.cron.AddFunc(schedule, func() {
		if err := s.RunNow(name, job); err != nil {
			slog.Error("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s with %w", name, err)
	}

	s.mu.Lock()
	s.jobs[name] = entryID
	s.mu.Unlock()
	slog.Debug("added job", "job", name, "schedule", schedule)
	return nil
}

// RunNow executes a job immediately
func (s *Scheduler) RunNow(name string, job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		return err
	}
	slog.Debug("job completed", "job", name, "took", time.Since(start))
	return nil
}

func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling; the returned context is done once running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

type JobInfo struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run"`
}

func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, entryID := range s.jobs {
		entry := s.cron.Entry(entryID)
		if !entry.Valid() {
			continue
		}
		infos = append(infos, JobInfo{Name: name, NextRun: entry.Next, LastRun: entry.Prev})
	}
	return infos
}

// PruneSessions drops pagination sessions idle past their TTL
func PruneSessions(store *session.Store) Job {
	return func(ctx context.Context) error {
		n, err := store.Prune(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("pruned expired sessions", "count", n)
		}
		return nil
	}
}

// Purger drops expired cached pages and reports how many went.
// Both the page cache and the feed adapter in front of it implement it.
type Purger interface {
	Purge() int
}

// PurgeCache drops expired pages so an idle process does not hold them
func PurgeCache(c Purger) Job {
	return func(context.Context) error {
		if n := c.Purge(); n > 0 {
			slog.Debug("purged expired pages", "count", n)
		}
		return nil
	}
}

// Maintenance registers the standard jobs of the server
func Maintenance(s *Scheduler, store *session.Store, pages Purger, every time.Duration) error {
	spec := fmt.Sprintf("@every %s", every)
	if err := s.AddJob("prune-sessions", spec, PruneSessions(store)); err != nil {
		return err
	}
	return s.AddJob("purge-cache", spec, PurgeCache(pages))
}
