package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/whisperer/internal/log"
	"firestige.xyz/whisperer/internal/metrics"
)

// Func is the body of a periodic job.
type Func func(ctx context.Context) error

// Job status values.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Job runs a Func on a fixed interval. A tick that arrives while the
// previous run is still in flight is skipped.
type Job struct {
	ID        int
	Name      string
	Interval  time.Duration
	CreatedAt int64

	fn      Func
	busy    atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu     sync.Mutex
	status string
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewJob(id int, name string, interval time.Duration, fn Func) *Job {
	return &Job{
		ID:        id,
		Name:      name,
		Interval:  interval,
		CreatedAt: time.Now().UnixMilli(),
		fn:        fn,
		status:    StatusPending,
	}
}

func (j *Job) String() string {
	return j.Name
}

// Start begins ticking. Runs get a context that is not cancelled with ctx
// so that an in-flight delivery completes.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending {
		return
	}

	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	j.status = StatusRunning

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.tick(context.WithoutCancel(ctx))
			}
		}
	}()
}

func (j *Job) tick(ctx context.Context) {
	if !j.busy.CompareAndSwap(false, true) {
		j.skip()
		return
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.busy.Store(false)
		j.run(ctx)
	}()
}

// Run executes the job once on the calling goroutine unless a run is
// already in flight. It reports whether the job ran.
func (j *Job) Run(ctx context.Context) (bool, error) {
	if !j.busy.CompareAndSwap(false, true) {
		j.skip()
		return false, nil
	}
	defer j.busy.Store(false)
	return true, j.run(ctx)
}

func (j *Job) run(ctx context.Context) error {
	j.runs.Add(1)
	err := j.fn(ctx)
	if err != nil {
		log.GetLogger().WithError(err).WithField("job", j.Name).Error("job run failed")
	}
	return err
}

func (j *Job) skip() {
	j.skipped.Add(1)
	metrics.SchedulerSkippedTotal.WithLabelValues(j.Name).Inc()
	log.GetLogger().WithField("job", j.Name).Warn("previous run still in flight, skipping")
}

// Stop stops ticking and waits for an in-flight run to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	if j.status != StatusRunning {
		j.status = StatusStopped
		j.mu.Unlock()
		return
	}
	j.status = StatusStopped
	j.cancel()
	done := j.done
	j.mu.Unlock()

	<-done
	j.wg.Wait()
}

func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Runs returns how many times the job body was executed.
func (j *Job) Runs() uint64 {
	return j.runs.Load()
}

// Skipped returns how many runs were skipped due to overlap.
func (j *Job) Skipped() uint64 {
	return j.skipped.Load()
}
