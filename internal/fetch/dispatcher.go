package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
	"github.com/1broseidon/wxhistory/pkg/models"
)

// Fetch outcomes recorded in metrics
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeCircuitOpen = "circuit_open"
	OutcomePanic       = "panic"
)

// Options configures a Dispatcher
type Options struct {
	Workers            int
	QueueSize          int
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// Dispatcher runs lookups on a pool of workers and delivers each result on a
// Task. Provider failures trip a circuit breaker; failed lookups are not
// retried.
type Dispatcher struct {
	fetcher Fetcher
	opts    Options
	breaker *gobreaker.CircuitBreaker
	queue   chan *Task
	logger  *logging.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	processed int64
	active    int32
}

// NewDispatcher creates a dispatcher around fetcher
func NewDispatcher(fetcher Fetcher, opts Options, logger *logging.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		fetcher: fetcher,
		opts:    opts,
		queue:   make(chan *Task, opts.QueueSize),
		logger:  logger.WithComponent(logging.ComponentFetch),
		metrics: m,
	}

	maxFailures := opts.BreakerMaxFailures
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather-fetch",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidRequest)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.metrics.SetBreakerOpen(to == gobreaker.StateOpen)
			d.logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Fetch circuit breaker changed state")
		},
	})
	return d, nil
}

// Start launches the workers
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.logger.WithFields(map[string]interface{}{
		"worker_count": d.opts.Workers,
		"queue_size":   cap(d.queue),
	}).Info("Starting fetch dispatcher")

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop cancels in-flight lookups, waits for workers and fails queued tasks
// with ErrStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if started {
		d.cancel()
		d.wg.Wait()
	}

	for task := range d.queue {
		task.resolve(models.Observation{}, ErrStopped)
	}

	d.logger.WithFields(map[string]interface{}{
		"processed_jobs": atomic.LoadInt64(&d.processed),
	}).Info("Fetch dispatcher stopped")
}

// Submit queues a lookup without blocking
func (d *Dispatcher) Submit(req Request) (*Task, error) {
	req = req.Normalize()
	if req.Location == "" {
		return nil, fmt.Errorf("%w: location is required", ErrInvalidRequest)
	}
	if !req.QueryType.Valid() {
		return nil, fmt.Errorf("%w: unknown query type %q", ErrInvalidRequest, req.QueryType)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return nil, ErrStopped
	}

	task := newTask(req)
	select {
	case d.queue <- task:
		return task, nil
	default:
		return nil, ErrQueueFull
	}
}

// ActiveWorkers returns the number of lookups currently running
func (d *Dispatcher) ActiveWorkers() int {
	return int(atomic.LoadInt32(&d.active))
}

// PendingJobs returns the number of queued lookups
func (d *Dispatcher) PendingJobs() int {
	return len(d.queue)
}

// ProcessedJobs returns the number of finished lookups
func (d *Dispatcher) ProcessedJobs() int64 {
	return atomic.LoadInt64(&d.processed)
}

// BreakerState returns the circuit breaker state name
func (d *Dispatcher) BreakerState() string {
	return d.breaker.State().String()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case task, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(id, task)
		}
	}
}

func (d *Dispatcher) process(id int, task *Task) {
	req := task.Request()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(map[string]interface{}{
				"worker_id": id,
				"location":  req.Location,
				"panic":     r,
			}).Error("Fetch worker panic recovered")
			d.metrics.RecordFetch(OutcomePanic, time.Since(start))
			task.resolve(models.Observation{}, fmt.Errorf("fetch panicked: %v", r))
		}
	}()

	atomic.AddInt32(&d.active, 1)
	defer atomic.AddInt32(&d.active, -1)
	defer atomic.AddInt64(&d.processed, 1)

	d.metrics.IncrementFetchInFlight()
	defer d.metrics.DecrementFetchInFlight()

	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()

	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.fetcher.Fetch(ctx, req)
	})
	duration := time.Since(start)

	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = OutcomeCircuitOpen
			err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		d.metrics.RecordFetch(outcome, duration)
		d.logger.WithLocation(req.Location, string(req.QueryType)).WithError(err).WithFields(map[string]interface{}{
			"worker_id": id,
			"duration":  duration,
		}).Warn("Weather lookup failed")
		task.resolve(models.Observation{}, err)
		return
	}

	obs, _ := result.(models.Observation)
	if obs.LocationName == "" {
		obs.LocationName = req.Location
	}
	if obs.QueryType == "" {
		obs.QueryType = req.QueryType
	}

	d.metrics.RecordFetch(OutcomeSuccess, duration)
	d.logger.WithLocation(obs.LocationName, string(obs.QueryType)).WithFields(map[string]interface{}{
		"worker_id": id,
		"duration":  duration,
	}).Debug("Weather lookup completed")
	task.resolve(obs, nil)
}
