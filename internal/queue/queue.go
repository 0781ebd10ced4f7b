// Package queue implements admission control and ordered execution of
// navigation requests: priority scheduling, declared dependencies, bounded
// concurrency, and retry with exponential backoff.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"convoflow/internal/core"
	"convoflow/internal/logger"
)

// Status is the lifecycle state of a queued request. A request id is in
// exactly one status at any time.
type Status string

const (
	StatusPending     Status = "pending"
	StatusWaitingDeps Status = "waiting_dependencies"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// ProcessFunc executes one navigation request. The queue enforces the
// per-request timeout through ctx.
type ProcessFunc func(ctx context.Context, req core.NavigationRequest) core.NavigationResult

// Settings configures the queue.
type Settings struct {
	MaxPending        int           `envconfig:"QUEUE_MAX_PENDING" default:"1000"`
	MaxConcurrency    int           `envconfig:"QUEUE_MAX_CONCURRENCY" default:"5"`
	TickInterval      time.Duration `envconfig:"QUEUE_TICK_INTERVAL" default:"100ms"`
	BaseRetryDelay    time.Duration `envconfig:"QUEUE_BASE_RETRY_DELAY" default:"1s"`
	DefaultMaxRetries int           `envconfig:"QUEUE_DEFAULT_MAX_RETRIES" default:"3"`
	RequestTimeout    time.Duration `envconfig:"QUEUE_REQUEST_TIMEOUT" default:"30s"`
	// Retention bounds how long a terminal (completed/failed/cancelled)
	// request stays queryable through Status and Await before the dispatch
	// loop discards it.
	Retention time.Duration `envconfig:"QUEUE_RETENTION" default:"1m"`
}

// DefaultSettings returns the queue defaults used outside envconfig.
func DefaultSettings() Settings {
	return Settings{
		MaxPending:        1000,
		MaxConcurrency:    5,
		TickInterval:      100 * time.Millisecond,
		BaseRetryDelay:    time.Second,
		DefaultMaxRetries: 3,
		RequestTimeout:    30 * time.Second,
		Retention:         time.Minute,
	}
}

type request struct {
	id          string
	payload     core.NavigationRequest
	status      Status
	attempts    int
	maxRetries  int
	pendingDeps map[string]struct{}
	scheduledAt time.Time
	createdAt   time.Time
	finishedAt  time.Time
	retry       *backoff.ExponentialBackOff

	done   chan struct{}
	result core.NavigationResult
}

// Queue dispatches navigation requests on a fixed tick.
type Queue struct {
	settings Settings
	process  ProcessFunc

	mu       sync.Mutex
	requests map[string]*request
	inFlight int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a queue that executes requests with process.
func New(settings Settings, process ProcessFunc) *Queue {
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = 5
	}
	if settings.TickInterval <= 0 {
		settings.TickInterval = 100 * time.Millisecond
	}
	if settings.BaseRetryDelay <= 0 {
		settings.BaseRetryDelay = time.Second
	}
	if settings.Retention <= 0 {
		settings.Retention = time.Minute
	}
	return &Queue{
		settings: settings,
		process:  process,
		requests: make(map[string]*request),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue admits one request and returns its id. Requests with unresolved
// dependencies enter waiting_dependencies instead of pending. Dependencies
// must name request ids the queue knows about.
func (q *Queue) Enqueue(payload core.NavigationRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(payload)
}

// EnqueueBatch admits several requests at once. With chain set, each request
// gains a synthetic dependency on its predecessor so the batch executes in
// submission order even under concurrency.
func (q *Queue) EnqueueBatch(payloads []core.NavigationRequest, chain bool) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(payloads))
	for i := range payloads {
		payload := payloads[i]
		if chain && len(ids) > 0 {
			payload.Dependencies = append(payload.Dependencies, ids[len(ids)-1])
		}
		id, err := q.enqueueLocked(payload)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *Queue) enqueueLocked(payload core.NavigationRequest) (string, error) {
	if q.activeCountLocked() >= q.settings.MaxPending {
		return "", fmt.Errorf("%d requests queued: %w", q.activeCountLocked(), core.ErrQueueFull)
	}

	pendingDeps := make(map[string]struct{})
	for _, depID := range payload.Dependencies {
		dep, ok := q.requests[depID]
		if !ok {
			return "", fmt.Errorf("dependency %s: %w", depID, core.ErrDependencyUnresolved)
		}
		if dep.status != StatusCompleted {
			pendingDeps[depID] = struct{}{}
		}
	}

	maxRetries := payload.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.settings.DefaultMaxRetries
	}
	scheduledAt := payload.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}

	r := &request{
		id:          uuid.Must(uuid.NewV7()).String(),
		payload:     payload,
		status:      StatusPending,
		maxRetries:  maxRetries,
		pendingDeps: pendingDeps,
		scheduledAt: scheduledAt,
		createdAt:   time.Now(),
		retry:       q.newRetry(),
		done:        make(chan struct{}),
	}
	if len(pendingDeps) > 0 {
		r.status = StatusWaitingDeps
	}
	q.requests[r.id] = r

	logger.Debug().Str("request_id", r.id).Str("session_id", payload.SessionID).
		Str("priority", payload.Priority.String()).Str("status", string(r.status)).
		Msg("request enqueued")
	return r.id, nil
}

// CancelNode removes a request that has not started processing. Cancelling a
// processing or terminal request is a no-op, not an error.
func (q *Queue) CancelNode(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.requests[requestID]
	if !ok || (r.status != StatusPending && r.status != StatusWaitingDeps) {
		return false
	}
	r.status = StatusCancelled
	r.finishedAt = time.Now()
	r.result = core.NavigationResult{Success: false, Err: fmt.Errorf("request %s cancelled", requestID)}
	close(r.done)
	q.failDependentsLocked(requestID)
	return true
}

// Status reports the lifecycle state of a request.
func (q *Queue) Status(requestID string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.requests[requestID]
	if !ok {
		return "", false
	}
	return r.status, true
}

// Await blocks until the request reaches a terminal status or ctx ends.
func (q *Queue) Await(ctx context.Context, requestID string) (core.NavigationResult, error) {
	q.mu.Lock()
	r, ok := q.requests[requestID]
	q.mu.Unlock()
	if !ok {
		return core.NavigationResult{}, fmt.Errorf("unknown request %s", requestID)
	}

	select {
	case <-r.done:
		q.mu.Lock()
		defer q.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return core.NavigationResult{}, fmt.Errorf("%w: %w", core.ErrRequestTimeout, ctx.Err())
	}
}

// Start launches the dispatch loop; Stop terminates it. In-flight requests
// run to completion.
func (q *Queue) Start() {
	go func() {
		ticker := time.NewTicker(q.settings.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.dispatch()
			case <-q.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the dispatch loop. Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// dispatch runs one scheduling pass: due pending requests, highest priority
// first, admitted up to the concurrency cap.
func (q *Queue) dispatch() {
	now := time.Now()

	q.mu.Lock()
	var due []*request
	for id, r := range q.requests {
		switch r.status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			// A terminal request is kept only through the retention window so
			// late Status/Await callers still see the result, then discarded.
			if now.Sub(r.finishedAt) >= q.settings.Retention {
				delete(q.requests, id)
			}
		case StatusPending:
			if !r.scheduledAt.After(now) {
				due = append(due, r)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].payload.Priority != due[j].payload.Priority {
			return due[i].payload.Priority > due[j].payload.Priority
		}
		return due[i].createdAt.Before(due[j].createdAt)
	})

	slots := q.settings.MaxConcurrency - q.inFlight
	if slots > len(due) {
		slots = len(due)
	}
	admitted := due[:max(slots, 0)]
	for _, r := range admitted {
		r.status = StatusProcessing
		q.inFlight++
	}
	q.mu.Unlock()

	for _, r := range admitted {
		go q.run(r)
	}
}

func (q *Queue) run(r *request) {
	ctx, cancel := context.WithTimeout(context.Background(), q.settings.RequestTimeout)
	defer cancel()

	result := q.process(ctx, r.payload)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--

	if result.Success {
		r.status = StatusCompleted
		r.finishedAt = time.Now()
		r.result = result
		close(r.done)
		q.promoteDependentsLocked(r.id)
		return
	}

	r.attempts++
	if r.attempts <= r.maxRetries {
		delay := r.retry.NextBackOff()
		r.status = StatusPending
		r.scheduledAt = time.Now().Add(delay)
		logger.Debug().Str("request_id", r.id).Int("attempt", r.attempts).
			Dur("delay", delay).Msg("retrying request")
		return
	}

	r.status = StatusFailed
	r.finishedAt = time.Now()
	r.result = result
	close(r.done)
	logger.Warn().Str("request_id", r.id).Err(result.Err).Msg("request failed after retries")
	q.failDependentsLocked(r.id)
}

// promoteDependentsLocked moves requests whose dependency set is now fully
// satisfied from waiting_dependencies to pending.
func (q *Queue) promoteDependentsLocked(completedID string) {
	for _, r := range q.requests {
		if r.status != StatusWaitingDeps {
			continue
		}
		delete(r.pendingDeps, completedID)
		if len(r.pendingDeps) == 0 {
			r.status = StatusPending
			if r.scheduledAt.Before(time.Now()) {
				r.scheduledAt = time.Now()
			}
		}
	}
}

// failDependentsLocked fails every request waiting on a dependency that can
// no longer complete.
func (q *Queue) failDependentsLocked(failedID string) {
	for _, r := range q.requests {
		if r.status != StatusWaitingDeps {
			continue
		}
		if _, waiting := r.pendingDeps[failedID]; !waiting {
			continue
		}
		r.status = StatusFailed
		r.finishedAt = time.Now()
		r.result = core.NavigationResult{
			Success: false,
			Err:     fmt.Errorf("dependency %s did not complete: %w", failedID, core.ErrDependencyUnresolved),
		}
		close(r.done)
		q.failDependentsLocked(r.id)
	}
}

// Len reports how many requests the queue currently tracks, terminal entries
// included until their retention expires.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

func (q *Queue) activeCountLocked() int {
	count := 0
	for _, r := range q.requests {
		switch r.status {
		case StatusPending, StatusWaitingDeps, StatusProcessing:
			count++
		}
	}
	return count
}

// newRetry builds a deterministic baseDelay * 2^attempt schedule.
func (q *Queue) newRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.settings.BaseRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
