package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned synchronously by Dispatch.
	ErrInvalidRequest = errors.New("broadcast: invalid request")
	ErrStopped        = errors.New("broadcast: service stopped")

	// ErrNoConnectedWorkers fails a job at start.
	ErrNoConnectedWorkers = errors.New("broadcast: no connected workers")
)

func invalid(msg string) error { return fmt.Errorf("%w: %s", ErrInvalidRequest, msg) }
