package client

import (
	"context"
	"errors"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// ErrCanceled is returned by Wait after the call was cancelled locally
var ErrCanceled = errors.New("request cancelled")

// Result is the outcome of a call. Exactly one of Response and Err is set.
type Result struct {
	Response *models.Response
	Err      error
}

// Call is a dispatched request awaiting its callback
type Call struct {
	ID string

	done     chan Result
	canceled chan struct{}
}

func newCall(id string) *Call {
	return &Call{
		ID:       id,
		done:     make(chan Result, 1),
		canceled: make(chan struct{}),
	}
}

// Done receives the call's single result. Nothing is sent after Cancel.
func (c *Call) Done() <-chan Result {
	return c.done
}

// Wait blocks until the result arrives, the call is cancelled or ctx ends
func (c *Call) Wait(ctx context.Context) (*models.Response, error) {
	select {
	case r := <-c.done:
		return r.Response, r.Err
	case <-c.canceled:
		return nil, ErrCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
