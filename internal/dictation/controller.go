package dictation

import (
	"context"
	"log/slog"
	"sync"
)

// Controller starts and stops an orchestrator loop on demand, e.g. from
// the HTTP API. A loop that halted on a device or recovery failure is
// restarted by calling Start again.
type Controller struct {
	orch   *Orchestrator
	parent context.Context
	log    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewController binds loops to parent; cancelling parent stops any loop.
func NewController(parent context.Context, orch *Orchestrator, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{orch: orch, parent: parent, log: log}
}

// Start launches the loop. It reports false when a loop is already active.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return false
		}
	}

	ctx, cancel := context.WithCancel(c.parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.lastErr = nil

	go func() {
		defer close(done)
		defer cancel()
		err := c.orch.Run(ctx)
		if err != nil {
			c.log.Error("dictation loop exited", slogError(err))
		}
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}()
	return true
}

// Stop cancels the active loop and waits for it to return or ctx to end.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a loop goroutine is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Err returns why the last loop exited, nil for a clean stop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed when the current loop exits. It is nil before Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
