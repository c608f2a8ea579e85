package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/1broseidon/wxhistory/pkg/models"
)

// Task is the pending result of a submitted lookup. It resolves exactly once.
type Task struct {
	req         Request
	submittedAt time.Time

	once sync.Once
	done chan struct{}
	obs  models.Observation
	err  error
}

func newTask(req Request) *Task {
	return &Task{
		req:         req,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Request returns the lookup this task resolves
func (t *Task) Request() Request {
	return t.req
}

// Done is closed once the result is available
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task resolves or ctx is done
func (t *Task) Wait(ctx context.Context) (models.Observation, error) {
	select {
	case <-t.done:
		return t.obs, t.err
	case <-ctx.Done():
		return models.Observation{}, ctx.Err()
	}
}

func (t *Task) resolve(obs models.Observation, err error) {
	t.once.Do(func() {
		t.obs = obs
		t.err = err
		close(t.done)
	})
}
