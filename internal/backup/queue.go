package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/metrics"

	"github.com/google/uuid"
)

// Queue names
const (
	QueueBackupExecution    = "backup-execution"
	QueueBackupVerification = "backup-verification"
	QueueBackupRestore      = "backup-restore"
)

// Job names
const (
	JobProcessBackup  = "process-backup"
	JobProcessRestore = "process-restore"
	JobVerifyBackup   = "verify-backup"
)

// DefaultJobPriority is used when a job is enqueued without a priority. 1 is the highest.
const DefaultJobPriority = 5

const finishedJobRetention = 24 * time.Hour

// QueuePolicy configures one named queue
type QueuePolicy struct {
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	Attempts   int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff    time.Duration `mapstructure:"backoff" yaml:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultQueuePolicies returns the retry policy of every queue the engine uses
func DefaultQueuePolicies() map[string]QueuePolicy {
	return map[string]QueuePolicy{
		QueueBackupExecution:    {Workers: 2, Attempts: 3, Backoff: 2 * time.Second, MaxBackoff: time.Minute, Timeout: 2 * time.Hour},
		QueueBackupVerification: {Workers: 2, Attempts: 2, Backoff: 5 * time.Second, MaxBackoff: time.Minute, Timeout: time.Hour},
		QueueBackupRestore:      {Workers: 1, Attempts: 3, Backoff: 2 * time.Second, MaxBackoff: time.Minute, Timeout: 4 * time.Hour},
	}
}

// JobState is the lifecycle state of a queued job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsTerminal reports whether the job will not run again
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobOptions tune a single enqueued job. Zero values fall back to the queue policy.
type JobOptions struct {
	Priority int           `json:"priority,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Backoff  time.Duration `json:"backoff,omitempty"`
	// Lane serializes jobs: two jobs of the same lane never run at the same time
	Lane    string        `json:"lane,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Job is a unit of queued work
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Options       JobOptions      `json:"options"`
	State         JobState        `json:"state"`
	Attempt       int             `json:"attempt"`
	LastError     string          `json:"last_error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`

	caller  *Caller
	err     error
	seq     uint64
	readyAt time.Time
	timer   *time.Timer
	done    chan struct{}
}

// IsFinalAttempt reports whether a failure of the current attempt ends the job
func (j *Job) IsFinalAttempt() bool {
	return j.Attempt >= j.Options.Attempts
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return NewValidationError(fmt.Sprintf("invalid payload for job %s", j.Name), err)
	}
	return nil
}

// Err returns the error of the last failed attempt
func (j *Job) Err() error {
	return j.err
}

func (j *Job) snapshot() *Job {
	c := &Job{
		ID:            j.ID,
		Queue:         j.Queue,
		Name:          j.Name,
		Payload:       append(json.RawMessage(nil), j.Payload...),
		Options:       j.Options,
		State:         j.State,
		Attempt:       j.Attempt,
		LastError:     j.LastError,
		CorrelationID: j.CorrelationID,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		err:           j.err,
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// JobHandle identifies an enqueued job
type JobHandle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// JobHandler processes one attempt of a job
type JobHandler func(ctx context.Context, job *Job) error

// Queue is a durable-enough work queue with retries and priorities
type Queue interface {
	Register(queue, name string, handler JobHandler)
	Enqueue(ctx context.Context, queue, name string, payload interface{}, opts JobOptions) (*JobHandle, error)
	Status(id string) (*Job, error)
	Wait(ctx context.Context, id string) (*Job, error)
	OnCompleted(fn func(job *Job))
	OnFailed(fn func(job *Job, err error))
}

// MemoryQueue is an in-process Queue with one worker pool per named queue
type MemoryQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	policies map[string]QueuePolicy
	handlers map[string]JobHandler
	jobs     map[string]*Job
	ready    map[string][]*Job
	lanes    map[string]bool
	seq      uint64

	onCompleted []func(*Job)
	onFailed    []func(*Job, error)

	logger  *logging.Logger
	metrics metrics.Recorder
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewMemoryQueue creates a queue with the given policies. Missing policies use DefaultQueuePolicies.
func NewMemoryQueue(policies map[string]QueuePolicy, logger *logging.Logger, recorder metrics.Recorder) *MemoryQueue {
	merged := DefaultQueuePolicies()
	for name, p := range policies {
		merged[name] = p
	}
	for name, p := range merged {
		if p.Workers <= 0 {
			p.Workers = 1
		}
		if p.Attempts <= 0 {
			p.Attempts = 1
		}
		merged[name] = p
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	q := &MemoryQueue{
		policies: merged,
		handlers: make(map[string]JobHandler),
		jobs:     make(map[string]*Job),
		ready:    make(map[string][]*Job),
		lanes:    make(map[string]bool),
		logger:   logger,
		metrics:  recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func handlerKey(queue, name string) string {
	return queue + "/" + name
}

// Register binds a handler to a job name on a queue
func (q *MemoryQueue) Register(queue, name string, handler JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[handlerKey(queue, name)] = handler
}

// OnCompleted registers a callback run after a job completes
func (q *MemoryQueue) OnCompleted(fn func(job *Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCompleted = append(q.onCompleted, fn)
}

// OnFailed registers a callback run after a job fails terminally
func (q *MemoryQueue) OnFailed(fn func(job *Job, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = append(q.onFailed, fn)
}

// Start launches the worker pools. Jobs enqueued before Start wait for it.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)

	for name, policy := range q.policies {
		for i := 0; i < policy.Workers; i++ {
			q.wg.Add(1)
			go q.worker(name)
		}
	}

	// wake workers when the parent context ends
	go func() {
		<-q.ctx.Done()
		q.mu.Lock()
		q.stopped = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
}

// Stop cancels running jobs and waits for the workers to exit
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.stopped = true
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, job := range q.jobs {
		if job.timer != nil {
			job.timer.Stop()
		}
	}
	q.cancel()
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

// Enqueue adds a job. The payload is JSON encoded.
func (q *MemoryQueue) Enqueue(ctx context.Context, queue, name string, payload interface{}, opts JobOptions) (*JobHandle, error) {
	policy, ok := q.policies[queue]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unknown queue %s", queue), nil)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("failed to encode payload for job %s", name), err)
	}

	if opts.Priority <= 0 {
		opts.Priority = DefaultJobPriority
	}
	if opts.Attempts <= 0 {
		opts.Attempts = policy.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = policy.Backoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = policy.Timeout
	}

	now := q.now()
	job := &Job{
		ID:            uuid.New().String(),
		Queue:         queue,
		Name:          name,
		Payload:       data,
		Options:       opts,
		State:         JobStateWaiting,
		CorrelationID: logging.GetCorrelationID(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
		done:          make(chan struct{}),
	}
	if caller, ok := CallerFromContext(ctx); ok {
		job.caller = &caller
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, NewConflictError("queue is stopped", nil)
	}

	q.seq++
	job.seq = q.seq
	q.jobs[job.ID] = job
	q.schedule(job, opts.Delay)

	return &JobHandle{ID: job.ID, Queue: queue}, nil
}

// schedule makes job ready now or after delay. Caller holds q.mu.
func (q *MemoryQueue) schedule(job *Job, delay time.Duration) {
	if delay <= 0 {
		job.State = JobStateWaiting
		job.readyAt = q.now()
		q.ready[job.Queue] = append(q.ready[job.Queue], job)
		q.cond.Broadcast()
		return
	}

	job.State = JobStateDelayed
	job.readyAt = q.now().Add(delay)
	job.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.stopped || job.State != JobStateDelayed {
			return
		}
		job.timer = nil
		job.State = JobStateWaiting
		job.UpdatedAt = q.now()
		q.ready[job.Queue] = append(q.ready[job.Queue], job)
		q.cond.Broadcast()
	})
}

// Status returns a snapshot of the job
func (q *MemoryQueue) Status(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("job %s not found", id), nil)
	}
	return job.snapshot(), nil
}

// Wait blocks until the job reaches a terminal state or ctx ends
func (q *MemoryQueue) Wait(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("job %s not found", id), nil)
	}

	select {
	case <-job.done:
		return q.Status(id)
	case <-ctx.Done():
		return nil, NewTimeoutError(fmt.Sprintf("gave up waiting for job %s", id), ctx.Err())
	}
}

// next picks the highest priority ready job whose lane is free. Caller holds q.mu.
func (q *MemoryQueue) next(queue string) *Job {
	ready := q.ready[queue]
	if len(ready) == 0 {
		return nil
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Options.Priority != ready[j].Options.Priority {
			return ready[i].Options.Priority < ready[j].Options.Priority
		}
		return ready[i].seq < ready[j].seq
	})
	for i, job := range ready {
		if job.Options.Lane != "" && q.lanes[job.Options.Lane] {
			continue
		}
		q.ready[queue] = append(ready[:i:i], ready[i+1:]...)
		return job
	}
	return nil
}

func (q *MemoryQueue) worker(queue string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		var job *Job
		for !q.stopped {
			if job = q.next(queue); job != nil {
				break
			}
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}

		if job.Options.Lane != "" {
			q.lanes[job.Options.Lane] = true
		}
		job.State = JobStateActive
		job.Attempt++
		job.UpdatedAt = q.now()
		handler := q.handlers[handlerKey(job.Queue, job.Name)]
		q.mu.Unlock()

		err := q.run(job, handler)
		q.finishAttempt(job, err)
	}
}

func (q *MemoryQueue) run(job *Job, handler JobHandler) (err error) {
	if handler == nil {
		return NewConfigurationError(fmt.Sprintf("no handler registered for %s on queue %s", job.Name, job.Queue), nil)
	}

	ctx := q.ctx
	if job.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Options.Timeout)
		defer cancel()
	}
	if job.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, job.CorrelationID)
	}
	if job.caller != nil {
		ctx = WithCaller(ctx, *job.caller)
	}

	defer func() {
		if r := recover(); r != nil {
			err = NewExecutionError(fmt.Sprintf("job %s panicked: %v", job.Name, r), nil)
		}
	}()

	q.mu.Lock()
	attemptView := job.snapshot()
	q.mu.Unlock()

	return handler(ctx, attemptView)
}

func (q *MemoryQueue) finishAttempt(job *Job, err error) {
	q.mu.Lock()

	if job.Options.Lane != "" {
		delete(q.lanes, job.Options.Lane)
	}
	now := q.now()
	job.UpdatedAt = now

	if err == nil {
		job.State = JobStateCompleted
		job.FinishedAt = &now
		job.LastError = ""
		job.err = nil
		callbacks := append(([]func(*Job))(nil), q.onCompleted...)
		view := job.snapshot()
		close(job.done)
		q.pruneLocked(now)
		q.cond.Broadcast()
		q.mu.Unlock()

		q.metrics.QueueJobFinished(job.Queue, string(JobStateCompleted), view.Attempt)
		for _, fn := range callbacks {
			fn(view)
		}
		return
	}

	job.LastError = err.Error()
	job.err = err
	q.logger.LogJobAttempt(job.Queue, job.Name, job.ID, job.Attempt, job.Options.Attempts, err)

	retry := !IsPermanent(err) && job.Attempt < job.Options.Attempts && !q.stopped
	if retry {
		delay := apperrors.ExponentialDelay(job.Options.Backoff, 2.0, q.policies[job.Queue].MaxBackoff, job.Attempt)
		q.schedule(job, delay)
		q.cond.Broadcast()
		q.mu.Unlock()
		return
	}

	job.State = JobStateFailed
	job.FinishedAt = &now
	callbacks := append(([]func(*Job, error))(nil), q.onFailed...)
	view := job.snapshot()
	close(job.done)
	q.pruneLocked(now)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.metrics.QueueJobFinished(job.Queue, string(JobStateFailed), view.Attempt)
	for _, fn := range callbacks {
		fn(view, err)
	}
}

// pruneLocked forgets terminal jobs that finished long ago. Caller holds q.mu.
func (q *MemoryQueue) pruneLocked(now time.Time) {
	for id, job := range q.jobs {
		if job.State.IsTerminal() && job.FinishedAt != nil && now.Sub(*job.FinishedAt) > finishedJobRetention {
			delete(q.jobs, id)
		}
	}
}

// Stats returns the number of jobs per state for a queue
func (q *MemoryQueue) Stats(queue string) map[JobState]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[JobState]int)
	for _, job := range q.jobs {
		if job.Queue == queue {
			stats[job.State]++
		}
	}
	return stats
}
