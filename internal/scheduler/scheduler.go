// Package scheduler runs the agent's periodic jobs.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/whisperer/internal/log"
)

type Scheduler struct {
	jobs      map[int]*Job
	nextJobID int64
	mu        sync.RWMutex

	ctx context.Context // set by Start
}

func New() *Scheduler {
	return &Scheduler{jobs: make(map[int]*Job)}
}

// AddJob registers fn to run every interval. Jobs added after Start begin
// ticking immediately.
func (s *Scheduler) AddJob(name string, interval time.Duration, fn Func) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	jobID := int(atomic.AddInt64(&s.nextJobID, 1))
	job := NewJob(jobID, name, interval, fn)

	s.mu.Lock()
	s.jobs[job.ID] = job
	ctx := s.ctx
	s.mu.Unlock()

	if ctx != nil {
		job.Start(ctx)
	}
	return jobID, nil
}

func (s *Scheduler) RemoveJob(jobID int) bool {
	s.mu.Lock()
	job, exists := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()

	if exists {
		job.Stop()
	}
	return exists
}

func (s *Scheduler) GetJob(jobID int) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	return job, exists
}

// Jobs returns the registered jobs ordered by ID.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Start starts every registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for _, j := range s.Jobs() {
		log.GetLogger().WithFields(map[string]interface{}{
			"job":      j.Name,
			"interval": j.Interval.String(),
		}).Debug("starting job")
		j.Start(ctx)
	}
}

// Stop stops every job and waits for in-flight runs.
func (s *Scheduler) Stop() {
	var wg sync.WaitGroup
	for _, j := range s.Jobs() {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			j.Stop()
		}(j)
	}
	wg.Wait()
}
