package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/metrics"
	"github.com/roach88/weft/internal/testutil"
)

// scriptedDoer replays a fixed sequence of responses and records every
// request it saw. Once the script is exhausted it keeps returning the
// last entry.
type scriptedDoer struct {
	mu       sync.Mutex
	script   []scriptedResponse
	requests []*http.Request
	bodies   []string
	gate     chan struct{} // when non-nil, Do blocks until closed
	started  chan struct{} // signaled once per attempt before blocking
}

type scriptedResponse struct {
	status      int
	contentType string
	body        string
	err         error
}

func respondJSON(status int, body string) scriptedResponse {
	return scriptedResponse{status: status, contentType: "application/json", body: body}
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	body := ""
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
	}

	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.bodies = append(d.bodies, body)
	idx := len(d.requests) - 1
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	}
	r := d.script[idx]
	started, gate := d.started, d.gate
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	if r.err != nil {
		return nil, r.err
	}
	header := http.Header{}
	if r.contentType != "" {
		header.Set("Content-Type", r.contentType)
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

func (d *scriptedDoer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type queueFixture struct {
	queue   *Queue
	doer    *scriptedDoer
	metrics *metrics.Collector
	now     time.Time
	nowMu   sync.Mutex
}

func newQueueFixture(t *testing.T, doer *scriptedDoer, opts ...Option) *queueFixture {
	t.Helper()

	f := &queueFixture{
		doer:    doer,
		metrics: metrics.New(prometheus.NewRegistry()),
		now:     time.Unix(1700000000, 0),
	}
	opts = append([]Option{
		WithNow(func() time.Time {
			f.nowMu.Lock()
			defer f.nowMu.Unlock()
			return f.now
		}),
		WithIDGenerator(testutil.SequenceIDs("job")),
	}, opts...)
	f.queue = NewQueue(f.metrics, opts...)
	f.queue.SetClient(doer)
	t.Cleanup(f.queue.StopProcessing)
	return f
}

func (f *queueFixture) advance(d time.Duration) {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	f.now = f.now.Add(d)
}

func (f *queueFixture) jobStatus(s JobStatus) float64 {
	return promtest.ToFloat64(f.metrics.WebhookJobs.WithLabelValues(string(s)))
}

func basicAction() Action {
	return Action{
		URL:    "https://hooks.example.com/a",
		Method: "POST",
		Body:   map[string]any{"hello": "world"},
	}
}

func TestQueue_SuccessCompletesJob(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{"received":true}`)}}
	f := newQueueFixture(t, doer)

	id := f.queue.Enqueue("auto-1", basicAction(), Context{AutomationID: "auto-1"})
	require.Equal(t, 1, f.queue.PendingCount())

	n, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, ok := f.queue.Job(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LastError)
	assert.Equal(t, map[string]any{"received": true}, job.ResponseBody)
	assert.Equal(t, float64(1), f.jobStatus(StatusCompleted))
	assert.Equal(t, 0, f.queue.PendingCount())
}

func TestQueue_RetryThenTerminalFailure(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(500, `{"error":"boom"}`)}}
	f := newQueueFixture(t, doer)

	id := f.queue.Enqueue("auto-1", basicAction(), Context{})

	n, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, ok := f.queue.Job(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "http status 500")
	assert.Equal(t, map[string]any{"error": "boom"}, job.ResponseBody,
		"the failed response body is still captured")

	// The first retry is scheduled base*(1+jitter*0.3) out.
	delay := job.NextRetryAt.Sub(job.CreatedAt)
	assert.GreaterOrEqual(t, delay, 1000*time.Millisecond)
	assert.Less(t, delay, 1300*time.Millisecond)

	// Before the retry time the job is not ready.
	n, err = f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, doer.attempts())

	f.advance(2 * time.Second)
	_, err = f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, doer.attempts())

	f.advance(5 * time.Second)
	_, err = f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, doer.attempts())

	job, ok = f.queue.Job(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, job.Status, "three failed attempts exhaust the policy")
	assert.Equal(t, 3, job.Attempts)
	assert.False(t, job.FinishedAt.IsZero())
	assert.Equal(t, float64(1), f.jobStatus(StatusFailed))

	// Terminal jobs are not retried.
	f.advance(time.Minute)
	n, err = f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, doer.attempts())
}

func TestQueue_NetworkErrorIsRetried(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{
		{err: errors.New("connection refused")},
		respondJSON(200, `{}`),
	}}
	f := newQueueFixture(t, doer)

	id := f.queue.Enqueue("auto-1", basicAction(), Context{})

	_, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	job, _ := f.queue.Job(id)
	assert.Equal(t, StatusPending, job.Status)
	assert.Contains(t, job.LastError, "connection refused")

	f.advance(2 * time.Second)
	_, err = f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	job, _ = f.queue.Job(id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.LastError, "a success clears the recorded error")
}

func TestQueue_CustomRetryPolicy(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(503, ``)}}
	f := newQueueFixture(t, doer, WithRetryPolicy(1, time.Second, time.Minute))

	id := f.queue.Enqueue("auto-1", basicAction(), Context{})
	_, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	job, _ := f.queue.Job(id)
	assert.Equal(t, StatusFailed, job.Status, "maxAttempts=1 fails terminally on the first error")
}

func TestQueue_RequestShaping(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{}`)}}
	f := newQueueFixture(t, doer)

	f.queue.Enqueue("auto-1", Action{
		URL:     "https://hooks.example.com/{{ automationId }}",
		Method:  "post",
		Headers: map[string]string{"X-Automation": "{{ automationName }}"},
		Body:    map[string]any{"name": "{{ automationName }}"},
	}, Context{AutomationID: "auto-1", AutomationName: "notify"})

	_, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, doer.attempts())
	req := doer.requests[0]
	assert.Equal(t, "https://hooks.example.com/auto-1", req.URL.String())
	assert.Equal(t, http.MethodPost, req.Method, "method is upper-cased")
	assert.Equal(t, "notify", req.Header.Get("X-Automation"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"),
		"a JSON content type is injected for bodied requests")
	assert.JSONEq(t, `{"name":"notify"}`, doer.bodies[0])
}

func TestQueue_ExplicitContentTypeWins(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{}`)}}
	f := newQueueFixture(t, doer)

	f.queue.Enqueue("auto-1", Action{
		URL:     "https://hooks.example.com/a",
		Method:  "PUT",
		Headers: map[string]string{"content-type": "application/vnd.custom+json"},
		Body:    map[string]any{"k": "v"},
	}, Context{})

	_, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	req := doer.requests[0]
	assert.Equal(t, "application/vnd.custom+json", req.Header.Get("Content-Type"))
}

func TestQueue_GetDropsBody(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{}`)}}
	f := newQueueFixture(t, doer)

	f.queue.Enqueue("auto-1", Action{
		URL:    "https://hooks.example.com/a",
		Method: "GET",
		Body:   map[string]any{"ignored": true},
	}, Context{})

	_, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	req := doer.requests[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Empty(t, doer.bodies[0], "GET requests never carry the body template")
	assert.Empty(t, req.Header.Get("Content-Type"))
}

func TestQueue_MethodDefaultsToPost(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{}`)}}
	f := newQueueFixture(t, doer)

	f.queue.Enqueue("auto-1", Action{URL: "https://hooks.example.com/a"}, Context{})
	_, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, doer.requests[0].Method)
}

func TestQueue_ConcurrentProcessShareOnePass(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 16)
	doer := &scriptedDoer{
		script:  []scriptedResponse{respondJSON(200, `{}`)},
		gate:    gate,
		started: started,
	}
	f := newQueueFixture(t, doer)

	const jobs = 5
	for i := 0; i < jobs; i++ {
		f.queue.Enqueue("auto-1", basicAction(), Context{})
	}

	results := make(chan int, 2)
	go func() {
		n, err := f.queue.ProcessQueue(context.Background())
		assert.NoError(t, err)
		results <- n
	}()

	// Wait until the first attempt is provably blocked inside Do, then
	// have a second caller attach to the running pass. The pass is held
	// open until the second caller has observed it in flight, so the
	// join is deterministic.
	<-started
	joined := make(chan struct{})
	f.queue.mu.Lock()
	f.queue.onJoin = func() { close(joined) }
	f.queue.mu.Unlock()

	go func() {
		n, err := f.queue.ProcessQueue(context.Background())
		assert.NoError(t, err)
		results <- n
	}()
	<-joined

	// Let the pass finish; drain the remaining per-attempt signals.
	close(gate)
	for i := 0; i < jobs-1; i++ {
		<-started
	}

	assert.Equal(t, jobs, <-results)
	assert.Equal(t, jobs, <-results, "the second caller joins the pass and sees its result")
	assert.Equal(t, jobs, doer.attempts(), "every job is attempted exactly once")
}

func TestQueue_WaitingCallerHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	doer := &scriptedDoer{
		script:  []scriptedResponse{respondJSON(200, `{}`)},
		gate:    gate,
		started: started,
	}
	f := newQueueFixture(t, doer)
	f.queue.Enqueue("auto-1", basicAction(), Context{})

	go func() {
		_, _ = f.queue.ProcessQueue(context.Background())
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.queue.ProcessQueue(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
}

func TestQueue_PurgesTerminalJobsAfterRetention(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{}`)}}
	f := newQueueFixture(t, doer)

	id := f.queue.Enqueue("auto-1", basicAction(), Context{})
	_, err := f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)

	// Still queryable within the retention window.
	f.advance(30 * time.Minute)
	_, err = f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	_, ok := f.queue.Job(id)
	assert.True(t, ok)

	f.advance(31 * time.Minute)
	_, err = f.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	_, ok = f.queue.Job(id)
	assert.False(t, ok, "terminal jobs are purged an hour after finishing")
}

func TestQueue_PendingJobsFIFO(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{}`)}}
	f := newQueueFixture(t, doer)

	first := f.queue.Enqueue("auto-1", basicAction(), Context{})
	second := f.queue.Enqueue("auto-2", basicAction(), Context{})

	pending := f.queue.PendingJobs()
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)

	f.queue.Clear()
	assert.Equal(t, 0, f.queue.PendingCount())
	assert.Empty(t, f.queue.PendingJobs())
	_, ok := f.queue.Job(first)
	assert.False(t, ok)
}

func TestQueue_BackgroundProcessing(t *testing.T) {
	doer := &scriptedDoer{script: []scriptedResponse{respondJSON(200, `{}`)}}
	m := metrics.New(prometheus.NewRegistry())
	q := NewQueue(m, WithProcessInterval(5*time.Millisecond))
	q.SetClient(doer)
	t.Cleanup(q.StopProcessing)

	assert.False(t, q.IsProcessing())
	q.StartProcessing()
	assert.True(t, q.IsProcessing())
	q.StartProcessing() // idempotent

	id := q.Enqueue("auto-1", basicAction(), Context{})
	require.Eventually(t, func() bool {
		job, ok := q.Job(id)
		return ok && job.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	q.StopProcessing()
	assert.False(t, q.IsProcessing())
	q.StopProcessing() // safe to call twice
}
