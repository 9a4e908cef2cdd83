package device

import (
	"context"
	"errors"
	"time"
)

// Start launches the polling goroutine. It returns immediately; the poller
// stays idle until a Connect succeeds. Calling Start more than once has no
// effect.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()

		c.wg.Add(1)
		go c.pollLoop(ctx)
	})
}

// Close stops the poller and closes the serial link regardless of the
// reference count.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()

		c.mu.Lock()
		wasReady := c.state == StateReady
		err = c.closeTransportLocked()
		c.state = StateDisconnected
		c.refCount = 0
		info := c.info
		c.mu.Unlock()

		if wasReady {
			c.notify(Event{Type: EventDisconnected, Info: info, At: time.Now()})
		}
	})
	return err
}

// signalWorker wakes a suspended poller. The channel holds one pending
// signal, so a wake sent before the poller starts waiting is not lost.
func (c *Controller) signalWorker() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if !c.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}

		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.Refresh(ctx); err != nil {
			if errors.Is(err, ErrNotConnected) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logWarn("status refresh failed", "error", err)
		}
	}
}

// Refresh polls the status line and publishes the refreshed model to
// listeners. If the model is empty it is rebuilt first.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotConnected
	}

	if len(c.features) == 0 {
		if err := c.initializeLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	} else if _, err := c.statusLocked(); err != nil {
		c.mu.Unlock()
		return err
	}

	ev := Event{Type: EventRefreshed, Info: c.info, Features: cloneFeatures(c.features), At: time.Now()}
	c.mu.Unlock()

	c.notify(ev)
	return nil
}
