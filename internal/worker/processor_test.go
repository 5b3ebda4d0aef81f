package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pitch-pipeline/internal/config"
	"pitch-pipeline/internal/models"
)

type retryCall struct {
	retryCount int
	nextRun    time.Time
	errMsg     string
}

type failCall struct {
	retryCount int
	errMsg     string
}

type fakeQueue struct {
	mu        sync.Mutex
	claimable []models.Job
	completed []string
	retried   map[string]retryCall
	failed    map[string]failCall
	depth     int64
}

func newFakeQueue(jobs ...models.Job) *fakeQueue {
	return &fakeQueue{
		claimable: jobs,
		retried:   make(map[string]retryCall),
		failed:    make(map[string]failCall),
	}
}

func (f *fakeQueue) ClaimBatch(_ context.Context, limit int, _ time.Time, _ time.Duration) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimable) > limit {
		jobs := f.claimable[:limit]
		f.claimable = f.claimable[limit:]
		return jobs, nil
	}
	jobs := f.claimable
	f.claimable = nil
	return jobs, nil
}

func (f *fakeQueue) MarkCompleted(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeQueue) MarkRetrying(_ context.Context, id string, retryCount int, nextRun time.Time, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried[id] = retryCall{retryCount: retryCount, nextRun: nextRun, errMsg: errMsg}
	return nil
}

func (f *fakeQueue) MarkFailed(_ context.Context, id string, retryCount int, _ time.Time, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = failCall{retryCount: retryCount, errMsg: errMsg}
	return nil
}

func (f *fakeQueue) Depth(_ context.Context, _ time.Time) (int64, error) {
	return f.depth, nil
}

func testConfig() config.Config {
	return config.Config{
		BatchSize:   10,
		ChunkSize:   3,
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffCap:  5 * time.Minute,
		StaleAfter:  10 * time.Minute,
	}
}

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	base := time.Second
	cap := 5 * time.Minute

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := backoffDelay(base, cap, i+1); got != w {
			t.Fatalf("attempt %d: expected %s got %s", i+1, w, got)
		}
	}

	// Never shrinks between attempts and never exceeds the cap.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(base, cap, attempt)
		if d < prev {
			t.Fatalf("backoff shrank at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > cap {
			t.Fatalf("backoff exceeded cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
	if backoffDelay(base, cap, 20) != cap {
		t.Fatal("expected large attempts pinned to cap")
	}
}

func TestRunOnceSchedulesRetryWithBackoff(t *testing.T) {
	q := newFakeQueue(models.Job{ID: "j1", Type: models.JobTypeGenerate, RetryCount: 0, MaxRetries: 3})
	p := NewProcessor(testConfig(), q, nil)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	p.RegisterHandler(models.JobTypeGenerate, func(context.Context, models.Job) error {
		return errors.New("downstream 500")
	})

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", res.Processed)
	}
	call, ok := q.retried["j1"]
	if !ok {
		t.Fatalf("expected retry, got completed=%v failed=%v", q.completed, q.failed)
	}
	if call.retryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", call.retryCount)
	}
	if got, want := call.nextRun, fixed.Add(time.Second); !got.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, got)
	}
	if call.errMsg == "" {
		t.Fatal("expected error message persisted")
	}
}

func TestRunOnceFailsTerminallyAfterMaxRetries(t *testing.T) {
	q := newFakeQueue(models.Job{ID: "j1", Type: models.JobTypeGenerate, RetryCount: 2, MaxRetries: 3})
	p := NewProcessor(testConfig(), q, nil)
	p.RegisterHandler(models.JobTypeGenerate, func(context.Context, models.Job) error {
		return errors.New("downstream 500")
	})

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	call, ok := q.failed["j1"]
	if !ok {
		t.Fatalf("expected terminal failure, got retried=%v", q.retried)
	}
	if call.retryCount != 3 {
		t.Fatalf("retry_count must equal max_retries, got %d", call.retryCount)
	}
	if call.errMsg == "" {
		t.Fatal("expected error message on failed job")
	}
	if len(q.retried) != 0 {
		t.Fatal("job at max retries must not be rescheduled")
	}
}

func TestRunOnceAllSettled(t *testing.T) {
	q := newFakeQueue(
		models.Job{ID: "ok", Type: "t_ok", MaxRetries: 3},
		models.Job{ID: "boom", Type: "t_boom", MaxRetries: 3},
		models.Job{ID: "err", Type: "t_err", MaxRetries: 3},
	)
	q.depth = 7
	p := NewProcessor(testConfig(), q, nil)
	p.RegisterHandler("t_ok", func(context.Context, models.Job) error { return nil })
	p.RegisterHandler("t_boom", func(context.Context, models.Job) error { panic("handler exploded") })
	p.RegisterHandler("t_err", func(context.Context, models.Job) error { return errors.New("nope") })

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Processed != 3 || res.QueueDepth != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(q.completed) != 1 || q.completed[0] != "ok" {
		t.Fatalf("expected only 'ok' completed, got %v", q.completed)
	}
	boom, ok := q.retried["boom"]
	if !ok {
		t.Fatal("panicking job must settle as a failure, not take down siblings")
	}
	if !strings.Contains(boom.errMsg, "panic") {
		t.Fatalf("expected panic recorded, got %q", boom.errMsg)
	}
	if _, ok := q.retried["err"]; !ok {
		t.Fatal("failing job must be retried alongside its siblings")
	}
}

func TestRunOnceUnknownTypeConsumesRetry(t *testing.T) {
	q := newFakeQueue(models.Job{ID: "j1", Type: "mystery", MaxRetries: 3})
	p := NewProcessor(testConfig(), q, nil)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	call, ok := q.retried["j1"]
	if !ok {
		t.Fatal("expected unknown job type to fail through the retry path")
	}
	if !strings.Contains(call.errMsg, "no handler") {
		t.Fatalf("unexpected error message: %q", call.errMsg)
	}
}
