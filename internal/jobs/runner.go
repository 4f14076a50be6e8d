package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llacademy.ng/internal/obs"
)

var (
	ErrUnknownJob = errors.New("jobs: unknown job")
	ErrBusy       = errors.New("jobs: previous run still in progress")
)

// Func is the body of a job. It must honour ctx.
type Func func(ctx context.Context) error

// Job runs Run every Interval on a runner goroutine, never on a request path.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunAtStart bool
	Run        Func
}

type scheduled struct {
	Job
	mu sync.Mutex
}

// Runner owns the background jobs of the process.
type Runner struct {
	mu      sync.Mutex
	jobs    []*scheduled
	byName  map[string]*scheduled
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewRunner() *Runner {
	return &Runner{byName: make(map[string]*scheduled)}
}

// Add registers a job. It must be called before Start.
func (r *Runner) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("jobs: name and run func are required")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("jobs: %s: interval must be positive", j.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("jobs: runner already started")
	}
	if _, dup := r.byName[j.Name]; dup {
		return fmt.Errorf("jobs: duplicate job %s", j.Name)
	}
	s := &scheduled{Job: j}
	r.jobs = append(r.jobs, s)
	r.byName[j.Name] = s
	return nil
}

// Names lists registered jobs in registration order.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Name)
	}
	return out
}

// Start launches one goroutine per job. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	for _, j := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
}

// Stop cancels running jobs and waits for their goroutines to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j *scheduled) {
	defer r.wg.Done()
	if j.RunAtStart {
		_ = r.execute(ctx, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.execute(ctx, j)
		}
	}
}

// Run executes the named job once, now.
func (r *Runner) Run(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, j)
}

// RunOnce executes every job once in registration order.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.mu.Lock()
	jobs := append([]*scheduled(nil), r.jobs...)
	r.mu.Unlock()
	var errs []error
	for _, j := range jobs {
		if err := r.execute(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) execute(ctx context.Context, j *scheduled) (err error) {
	if !j.mu.TryLock() {
		obs.JobRuns.WithLabelValues(j.Name, "skipped").Inc()
		return ErrBusy
	}
	defer j.mu.Unlock()
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("jobs: %s panicked: %v", j.Name, rec)
		}
		result := "ok"
		fields := map[string]any{"job": j.Name, "duration_ms": time.Since(start).Milliseconds()}
		if err != nil {
			result = "error"
			fields["error"] = err
			obs.Error("job failed", fields)
		}
		obs.JobRuns.WithLabelValues(j.Name, result).Inc()
	}()
	return j.Run(ctx)
}
