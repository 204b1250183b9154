package container

import (
	"errors"
	"log"

	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/service"
)

// Options configures a Container.
type Options struct {
	// Service is the application state machine hosted by the container
	// (required).
	Service service.Service

	// Logger is used for operational messages. Defaults to log.Default().
	Logger *log.Logger

	// Feedback receives timer and checkpoint notifications for the
	// consensus engine. Defaults to a no-op sink.
	Feedback engine.Feedback

	// IdleHook is invoked whenever a callback yields through Cluster.Idle
	// or a snapshot handle applies backpressure. Defaults to yielding the
	// scheduler.
	IdleHook func()
}

// Validate checks required fields without side effects.
func (o Options) Validate() error {
	if o.Service == nil {
		return errors.New("container: nil Service")
	}
	return nil
}
