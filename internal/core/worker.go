package core

import "context"

// Worker is a long-running unit owned by the lifecycle controller.
// Cancel only signals and never blocks; Wait blocks until the worker has
// fully stopped.
type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Cancel()
	Wait()
	// Err returns the error the worker stopped with, if any.
	Err() error
}
