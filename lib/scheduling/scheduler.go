package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ingestkit/lib/notify"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("ingestkit.lib.scheduling")
var meter = otel.Meter("ingestkit.lib.scheduling")
var runCounter, _ = meter.Int64Counter("scheduler.runs")

const saveTimeout = 5 * time.Second

type Options struct {
	// defaults to time.Local.
	Location *time.Location
	// nil disables run history.
	Store RunStore
	// receives failed runs, can be nil.
	Notifier notify.Notifier
	Breaker  BreakerConfig
}

type registered struct {
	job     Job
	spec    ParsedSpec
	entry   cron.EntryID
	breaker BreakerConfig
	running atomic.Bool
}

type Scheduler struct {
	cron     *cron.Cron
	opts     Options
	circuits circuits
	now      func() time.Time

	mutex sync.Mutex
	jobs  map[string]*registered

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	opts.Breaker = opts.Breaker.withDefaults()

	logger := cronLogger{logger: slog.Default()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		opts:   opts,
		now:    time.Now,
		jobs:   map[string]*registered{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register validates a job and adds it to the schedule. Jobs may be
// registered before or after Start.
func (s *Scheduler) Register(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return fmt.Errorf("job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run function required", job.Name)
	}
	spec, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	schedule, err := spec.Schedule()
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	job.Retry = job.Retry.withDefaults()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	breaker := s.opts.Breaker
	if job.TripAfter != 0 {
		breaker.TripAfter = job.TripAfter
	}
	r := &registered{job: job, spec: spec, breaker: breaker}
	r.entry = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.execute(s.ctx, r)
	}))
	s.jobs[job.Name] = r

	slog.Info("registered job", "job", job.Name, "schedule", spec.String())
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling new runs and waits for running jobs to finish.
// When ctx is done first, running jobs are cancelled and ctx's error is
// returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// RunNow runs a job immediately, blocking until it finishes. The returned
// error is the reason the run failed or was skipped.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Run, error) {
	s.mutex.Lock()
	r, ok := s.jobs[name]
	s.mutex.Unlock()
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, r)
}

// Entries lists registered jobs sorted by name.
func (s *Scheduler) Entries() []EntryInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := make([]EntryInfo, 0, len(s.jobs))
	for name, r := range s.jobs {
		entry := s.cron.Entry(r.entry)
		entries = append(entries, EntryInfo{
			Name:     name,
			Schedule: r.spec.String(),
			Next:     entry.Next,
			Prev:     entry.Prev,
		})
	}
	slices.SortFunc(entries, func(a, b EntryInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return entries
}

// OpenCircuits counts the jobs whose circuit breaker is open.
func (s *Scheduler) OpenCircuits() int {
	return s.circuits.open(s.now())
}

func (s *Scheduler) execute(ctx context.Context, r *registered) (Run, error) {
	name := r.job.Name
	ctx, span := tracer.Start(ctx, "scheduler:Run")
	defer span.End()
	span.SetAttributes(attribute.String("job", name))

	run := Run{Job: name, StartedAt: s.now()}

	var err error
	switch {
	case !r.running.CompareAndSwap(false, true):
		err = ErrAlreadyRunning
		run.Outcome = OutcomeSkipped
	default:
		defer r.running.Store(false)

		if open, until := s.circuits.isOpen(run.StartedAt, name, r.breaker); open {
			err = fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
			run.Outcome = OutcomeSkipped
			break
		}

		run.Attempts, err = s.attempt(ctx, r.job)
		run.Outcome = OutcomeOk
		if err != nil {
			run.Outcome = OutcomeFailed
		}
		run.FinishedAt = s.now()
		tripped := s.circuits.record(run.FinishedAt, name, r.breaker, err)
		if tripped {
			slog.WarnContext(ctx, "circuit breaker open", "job", name)
		}
	}

	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.now()
	}
	if err != nil {
		run.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(run.Outcome))
	}
	runCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", name),
		attribute.String("outcome", string(run.Outcome)),
	))

	s.finish(ctx, run)
	return run, err
}

// attempt runs a job with its retry policy, returning the number of
// attempts made.
func (s *Scheduler) attempt(ctx context.Context, job Job) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = job.Retry.InitialInterval
	policy.MaxInterval = job.Retry.MaxInterval
	policy.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx := ctx
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}

		slog.DebugContext(ctx, "running job", "job", job.Name, "attempt", attempts)
		err := safeRun(attemptCtx, job.Run)
		if err == nil {
			return nil
		}
		if IsNoRetry(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(job.Retry.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			slog.WarnContext(ctx, "job attempt failed, retrying", "job", job.Name, "attempt", attempts, "wait", wait, "err", err)
		},
	)
	return attempts, err
}

func safeRun(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = panicError{value: v}
		}
	}()
	return run(ctx)
}

func (s *Scheduler) finish(ctx context.Context, run Run) {
	level := slog.LevelInfo
	if run.Outcome != OutcomeOk {
		level = slog.LevelWarn
	}
	slog.Log(
		ctx, level, "job finished",
		"job", run.Job,
		"outcome", run.Outcome,
		"attempts", run.Attempts,
		"duration", run.Duration(),
		"err", run.Err,
	)

	// the run is recorded even if the caller's context was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	if s.opts.Store != nil {
		err := s.opts.Store.Save(saveCtx, run)
		if err != nil {
			slog.ErrorContext(ctx, "failed to save run", "job", run.Job, "err", err)
		}
	}
	if s.opts.Notifier != nil && run.Outcome == OutcomeFailed {
		err := s.opts.Notifier.Notify(
			saveCtx,
			fmt.Sprintf("ingestkit: job %s failed", run.Job),
			fmt.Sprintf(
				"job: %s\nstarted: %s\nattempts: %d\nerror: %s\n",
				run.Job, run.StartedAt.Format(time.RFC3339), run.Attempts, run.Err,
			),
		)
		if err != nil {
			slog.ErrorContext(ctx, "failed to send notification", "job", run.Job, "err", err)
		}
	}
}
