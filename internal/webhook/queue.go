package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/weft/internal/metrics"
)

// JobStatus is the lifecycle state of a webhook job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Action is the HTTP call template an automation configured: method, URL,
// flat header map, and an optional JSON-shaped body. All string fields may
// contain {{ path }} tokens interpolated against the job's Context.
type Action struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    map[string]any
}

// Job is one enqueued webhook call. Created on enqueue, mutated in place
// by each processing attempt, and removed from the queue's map one hour
// after reaching a terminal status.
type Job struct {
	ID           string
	AutomationID string
	Action       Action
	Context      Context
	Attempts     int
	MaxAttempts  int
	CreatedAt    time.Time
	NextRetryAt  time.Time
	FinishedAt   time.Time
	LastError    string
	ResponseBody any
	Status       JobStatus
}

// Doer is the pluggable HTTP transport. *http.Client satisfies it; tests
// inject a recording fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// terminalRetention is how long completed/failed jobs stay queryable
// before being purged.
const terminalRetention = time.Hour

// DefaultProcessInterval is the period of the background processing timer.
const DefaultProcessInterval = 100 * time.Millisecond

// Queue executes webhook jobs with retries.
type Queue struct {
	metrics *metrics.Collector

	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string // FIFO discovery order
	client   Doer
	inflight *inflightRun
	onJoin   func() // invoked after a caller attaches to an in-flight pass; test seam

	maxAttempts     int
	baseDelay       time.Duration
	maxDelay        time.Duration
	processInterval time.Duration

	now    func() time.Time
	jitter func() float64
	newID  func() string

	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce *sync.Once
}

// inflightRun is the shared result of a processing pass. Concurrent
// ProcessQueue callers wait on done and read the same outcome.
type inflightRun struct {
	done chan struct{}
	n    int
	err  error
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy overrides the default attempt limit and backoff bounds.
func WithRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(q *Queue) {
		q.maxAttempts = maxAttempts
		q.baseDelay = baseDelay
		q.maxDelay = maxDelay
	}
}

// WithProcessInterval overrides the background processing period.
func WithProcessInterval(d time.Duration) Option {
	return func(q *Queue) { q.processInterval = d }
}

// WithNow injects the time source (tests).
func WithNow(fn func() time.Time) Option {
	return func(q *Queue) { q.now = fn }
}

// WithIDGenerator injects the job ID generator (tests).
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// NewQueue creates a webhook queue with the default retry policy.
func NewQueue(m *metrics.Collector, opts ...Option) *Queue {
	q := &Queue{
		metrics:         m,
		jobs:            make(map[string]*Job),
		client:          &http.Client{Timeout: 30 * time.Second},
		maxAttempts:     DefaultMaxAttempts,
		baseDelay:       DefaultBaseDelay,
		maxDelay:        DefaultMaxDelay,
		processInterval: DefaultProcessInterval,
		now:             time.Now,
		jitter:          rand.Float64,
		newID:           func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetClient replaces the HTTP transport. Test seam.
func (q *Queue) SetClient(c Doer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.client = c
}

// Enqueue adds a job for the automation's webhook action and returns its
// ID. The job is not attempted until the next processing pass.
func (q *Queue) Enqueue(automationID string, action Action, jctx Context) string {
	job := &Job{
		ID:           q.newID(),
		AutomationID: automationID,
		Action:       action,
		Context:      jctx,
		MaxAttempts:  q.maxAttempts,
		CreatedAt:    q.now(),
		Status:       StatusPending,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.mu.Unlock()

	slog.Debug("webhook job enqueued",
		"job_id", job.ID,
		"automation_id", automationID,
		"url", action.URL,
	)
	return job.ID
}

// ProcessQueue runs one processing pass over every ready job and returns
// the number of jobs attempted.
//
// Idempotent under concurrency: if a pass is already in flight, the caller
// waits for it and receives the same result rather than triggering a
// second pass.
func (q *Queue) ProcessQueue(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.inflight != nil {
		run := q.inflight
		joined := q.onJoin
		q.mu.Unlock()
		if joined != nil {
			joined()
		}
		select {
		case <-run.done:
			return run.n, run.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	run := &inflightRun{done: make(chan struct{})}
	q.inflight = run
	q.mu.Unlock()

	n, err := q.runPass(ctx)

	q.mu.Lock()
	q.inflight = nil
	q.mu.Unlock()

	run.n, run.err = n, err
	close(run.done)
	return n, err
}

// runPass attempts every job that is pending and past its retry time, in
// FIFO discovery order, then purges stale terminal jobs.
func (q *Queue) runPass(ctx context.Context) (int, error) {
	now := q.now()

	q.mu.Lock()
	var ready []*Job
	for _, id := range q.order {
		job := q.jobs[id]
		if job == nil || job.Status != StatusPending {
			continue
		}
		if !job.NextRetryAt.IsZero() && job.NextRetryAt.After(now) {
			continue
		}
		job.Status = StatusProcessing
		ready = append(ready, job)
	}
	q.mu.Unlock()

	for i, job := range ready {
		if err := ctx.Err(); err != nil {
			// Shutdown mid-pass: put unattempted jobs back.
			q.mu.Lock()
			for _, rest := range ready[i:] {
				rest.Status = StatusPending
			}
			q.mu.Unlock()
			return i, err
		}
		q.attempt(ctx, job)
	}

	q.purge(q.now())
	return len(ready), nil
}

// attempt executes one HTTP call for the job and applies the retry policy.
func (q *Queue) attempt(ctx context.Context, job *Job) {
	q.mu.Lock()
	job.Attempts++
	attempts := job.Attempts
	q.mu.Unlock()

	body, err := q.execute(ctx, job)

	q.mu.Lock()
	defer q.mu.Unlock()

	job.ResponseBody = body
	if err == nil {
		job.Status = StatusCompleted
		job.FinishedAt = q.now()
		job.LastError = ""
		q.metrics.WebhookJobs.WithLabelValues(string(StatusCompleted)).Inc()
		slog.Info("webhook delivered",
			"job_id", job.ID,
			"automation_id", job.AutomationID,
			"attempts", attempts,
		)
		return
	}

	job.LastError = err.Error()
	if attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		job.FinishedAt = q.now()
		q.metrics.WebhookJobs.WithLabelValues(string(StatusFailed)).Inc()
		slog.Warn("webhook failed terminally",
			"job_id", job.ID,
			"automation_id", job.AutomationID,
			"attempts", attempts,
			"error", err,
		)
		return
	}

	delay := backoff(attempts, q.baseDelay, q.maxDelay, q.jitter())
	job.Status = StatusPending
	job.NextRetryAt = q.now().Add(delay)
	slog.Warn("webhook attempt failed, retry scheduled",
		"job_id", job.ID,
		"attempt", attempts,
		"max_attempts", job.MaxAttempts,
		"retry_in", delay.String(),
		"error", err,
	)
}

// execute builds the interpolated request, performs the call, and
// classifies the response. 2xx is success; everything else, including
// transport failure, is an error carrying the captured response body when
// one could be read.
func (q *Queue) execute(ctx context.Context, job *Job) (any, error) {
	env := job.Context.toMap()

	url := interpolate(job.Action.URL, env)
	method := strings.ToUpper(job.Action.Method)
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string, len(job.Action.Headers)+1)
	hasContentType := false
	for k, v := range job.Action.Headers {
		headers[k] = interpolate(v, env)
		if strings.EqualFold(k, "Content-Type") {
			hasContentType = true
		}
	}

	var reqBody io.Reader
	bodyAllowed := method == http.MethodPost || method == http.MethodPut
	if bodyAllowed && job.Action.Body != nil {
		interpolated := interpolateValue(job.Action.Body, env)
		encoded, err := json.Marshal(interpolated)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
		if !hasContentType {
			headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	q.mu.Lock()
	client := q.client
	q.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http call: %w", err)
	}
	defer resp.Body.Close()

	respBody := readResponseBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return respBody, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return respBody, nil
}

// readResponseBody captures the response body: parsed JSON when the
// content type says so, raw text otherwise. Parse failures silently yield
// no body.
func readResponseBody(resp *http.Response) any {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(raw) == 0 {
		return nil
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if json.Unmarshal(raw, &parsed) != nil {
			return nil
		}
		return parsed
	}
	return string(raw)
}

// purge removes terminal jobs older than the retention period.
func (q *Queue) purge(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	for _, id := range q.order {
		job := q.jobs[id]
		if job == nil {
			continue
		}
		terminal := job.Status == StatusCompleted || job.Status == StatusFailed
		if terminal && now.Sub(job.FinishedAt) >= terminalRetention {
			delete(q.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

// PendingJobs returns the pending jobs in FIFO order as copies.
func (q *Queue) PendingJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for _, id := range q.order {
		if job := q.jobs[id]; job != nil && job.Status == StatusPending {
			out = append(out, *job)
		}
	}
	return out
}

// Job returns a copy of the job, or false if unknown (or already purged).
func (q *Queue) Job(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// PendingCount returns the number of pending jobs.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, job := range q.jobs {
		if job.Status == StatusPending {
			n++
		}
	}
	return n
}

// Clear drops every job.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = make(map[string]*Job)
	q.order = nil
}

// StartProcessing arms a periodic timer that runs ProcessQueue. Errors are
// logged and never stop the timer. Calling it while already processing is
// a no-op.
func (q *Queue) StartProcessing() {
	q.mu.Lock()
	if q.ticker != nil {
		q.mu.Unlock()
		return
	}
	ticker := time.NewTicker(q.processInterval)
	stopCh := make(chan struct{})
	q.ticker = ticker
	q.stopCh = stopCh
	q.stopOnce = &sync.Once{}
	q.mu.Unlock()

	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := q.ProcessQueue(context.Background()); err != nil {
					slog.Error("webhook queue processing pass failed", "error", err)
				}
			}
		}
	}()
}

// StopProcessing stops the periodic timer. Jobs already being attempted
// complete; nothing new is started.
func (q *Queue) StopProcessing() {
	q.mu.Lock()
	ticker := q.ticker
	stopCh := q.stopCh
	once := q.stopOnce
	q.ticker = nil
	q.stopCh = nil
	q.stopOnce = nil
	q.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	once.Do(func() { close(stopCh) })
}

// IsProcessing reports whether the periodic timer is armed.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ticker != nil
}
