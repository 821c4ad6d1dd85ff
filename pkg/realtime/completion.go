package realtime

import (
	"context"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
)

// completion is a one-shot result handle. It is created and resolved on the
// protocol loop; any goroutine may wait on it.
type completion struct {
	done      chan struct{}
	err       error
	resolved  bool
	callbacks []func(error)
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func resolvedCompletion(err error) *completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

// resolve settles the completion. Only the first call has any effect. A nil
// *protocol.ErrorInfo settles it successfully.
func (c *completion) resolve(err error) bool {
	if c == nil || c.resolved {
		return false
	}
	if info, ok := err.(*protocol.ErrorInfo); ok && info == nil {
		err = nil
	}
	c.resolved = true
	c.err = err
	close(c.done)

	callbacks := c.callbacks
	c.callbacks = nil
	for _, callback := range callbacks {
		callback(err)
	}
	return true
}

// then registers a callback run on the loop when the completion settles.
func (c *completion) then(callback func(error)) {
	if c.resolved {
		callback(c.err)
		return
	}
	c.callbacks = append(c.callbacks, callback)
}

func (c *completion) pending() bool {
	return c != nil && !c.resolved
}

// wait blocks until the completion settles or ctx ends. Abandoning the wait
// does not cancel the underlying operation.
func (c *completion) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
