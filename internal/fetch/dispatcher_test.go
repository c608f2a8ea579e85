package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
	"github.com/1broseidon/wxhistory/pkg/models"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()

	logger, err := logging.InitLogger(logging.Config{
		Level:  "error",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func waitTask(t *testing.T, task *Task) (models.Observation, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func newStartedDispatcher(t *testing.T, f Fetcher, opts Options, m *metrics.Metrics) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(f, opts, testLogger(t), m)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcherDeliversObservation(t *testing.T) {
	f := Func(func(ctx context.Context, req Request) (models.Observation, error) {
		return models.Observation{Temperature: 21.5, Condition: "Sunny"}, nil
	})
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	d := newStartedDispatcher(t, f, Options{Workers: 2}, m)

	task, err := d.Submit(Request{Location: "  Madrid, ES "})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	obs, err := waitTask(t, task)
	if err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if obs.LocationName != "Madrid, ES" || obs.QueryType != models.QueryTypeCurrent || obs.Temperature != 21.5 {
		t.Fatalf("unexpected observation: %+v", obs)
	}

	select {
	case <-task.Done():
	default:
		t.Fatalf("expected Done to be closed after Wait returned")
	}
	if got := testutil.ToFloat64(m.FetchTotal.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Fatalf("expected one successful fetch, got %v", got)
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	d := newStartedDispatcher(t, Func(func(ctx context.Context, req Request) (models.Observation, error) {
		return models.Observation{}, nil
	}), Options{}, nil)

	if _, err := d.Submit(Request{Location: " "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := d.Submit(Request{Location: "Rome", QueryType: "HOURLY"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for query type, got %v", err)
	}
}

func TestDispatcherPropagatesErrorsWithoutRetry(t *testing.T) {
	var calls int32
	f := Func(func(ctx context.Context, req Request) (models.Observation, error) {
		atomic.AddInt32(&calls, 1)
		return models.Observation{}, errors.New("provider unavailable")
	})
	d := newStartedDispatcher(t, f, Options{Workers: 1, BreakerMaxFailures: 10}, nil)

	task, _ := d.Submit(Request{Location: "Oslo"})
	if _, err := waitTask(t, task); err == nil || err.Error() != "provider unavailable" {
		t.Fatalf("expected provider error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls int32
	f := Func(func(ctx context.Context, req Request) (models.Observation, error) {
		atomic.AddInt32(&calls, 1)
		return models.Observation{}, errors.New("boom")
	})
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	d := newStartedDispatcher(t, f, Options{Workers: 1, BreakerMaxFailures: 2, BreakerOpenTimeout: time.Minute}, m)

	for i := 0; i < 2; i++ {
		task, _ := d.Submit(Request{Location: "Lima"})
		waitTask(t, task)
	}

	task, _ := d.Submit(Request{Location: "Lima"})
	_, err := waitTask(t, task)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected the open breaker to skip the provider, got %d calls", calls)
	}
	if d.BreakerState() != "open" {
		t.Fatalf("expected open breaker, got %s", d.BreakerState())
	}
	if got := testutil.ToFloat64(m.BreakerOpen); got != 1 {
		t.Fatalf("expected breaker gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.FetchTotal.WithLabelValues(OutcomeCircuitOpen)); got != 1 {
		t.Fatalf("expected one circuit_open outcome, got %v", got)
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	f := Func(func(ctx context.Context, req Request) (models.Observation, error) {
		if req.Location == "Bad" {
			panic("provider bug")
		}
		return models.Observation{Temperature: 1}, nil
	})
	d := newStartedDispatcher(t, f, Options{Workers: 1}, nil)

	bad, _ := d.Submit(Request{Location: "Bad"})
	if _, err := waitTask(t, bad); err == nil {
		t.Fatalf("expected panic to resolve the task with an error")
	}

	good, _ := d.Submit(Request{Location: "Good"})
	if _, err := waitTask(t, good); err != nil {
		t.Fatalf("expected worker to survive the panic, got %v", err)
	}
}

func TestDispatcherTimeout(t *testing.T) {
	f := Func(func(ctx context.Context, req Request) (models.Observation, error) {
		<-ctx.Done()
		return models.Observation{}, ctx.Err()
	})
	d := newStartedDispatcher(t, f, Options{Workers: 1, Timeout: 20 * time.Millisecond}, nil)

	task, _ := d.Submit(Request{Location: "Slow"})
	if _, err := waitTask(t, task); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueFullAndStop(t *testing.T) {
	release := make(chan struct{})
	f := Func(func(ctx context.Context, req Request) (models.Observation, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return models.Observation{}, nil
	})

	// Not started: nothing drains the queue
	d, err := NewDispatcher(f, Options{Workers: 1, QueueSize: 1}, testLogger(t), nil)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}

	queued, err := d.Submit(Request{Location: "A"})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if _, err := d.Submit(Request{Location: "B"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d.PendingJobs() != 1 {
		t.Fatalf("expected one pending job, got %d", d.PendingJobs())
	}

	d.Stop()
	close(release)
	if _, err := waitTask(t, queued); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected queued task to fail with ErrStopped, got %v", err)
	}
	if _, err := d.Submit(Request{Location: "C"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
	d.Stop()
}

func TestTaskWaitHonoursContext(t *testing.T) {
	task := newTask(Request{Location: "X"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := task.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	task.resolve(models.Observation{Temperature: 3}, nil)
	task.resolve(models.Observation{Temperature: 4}, nil)
	obs, err := task.Wait(context.Background())
	if err != nil || obs.Temperature != 3 {
		t.Fatalf("expected the first resolution to stick, got %+v (%v)", obs, err)
	}
}
