package main

import (
	"go.uber.org/fx/fxevent"

	"github.com/subconscious-network/noosphere/internal/logging"
)

// fxLogAdapter routes fx's own startup/shutdown event stream through
// this process's structured logger instead of fx's default stderr
// writer, keeping a single log format across the whole binary.
type fxLogAdapter struct {
	logger *logging.Logger
}

func (a *fxLogAdapter) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		a.logger.Debug("fx: starting hook", logging.String("callee", e.FunctionName), logging.String("caller", e.CallerName))
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			a.logger.Error("fx: start hook failed", logging.String("callee", e.FunctionName), logging.Err(e.Err))
		}
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			a.logger.Error("fx: stop hook failed", logging.String("callee", e.FunctionName), logging.Err(e.Err))
		}
	case *fxevent.Provided:
		if e.Err != nil {
			a.logger.Error("fx: provide failed", logging.String("constructor", e.ConstructorName), logging.Err(e.Err))
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			a.logger.Error("fx: invoke failed", logging.String("function", e.FunctionName), logging.Err(e.Err))
		}
	case *fxevent.Started:
		if e.Err != nil {
			a.logger.Error("fx: app start failed", logging.Err(e.Err))
		} else {
			a.logger.Info("fx: app started")
		}
	case *fxevent.Stopped:
		if e.Err != nil {
			a.logger.Error("fx: app stop failed", logging.Err(e.Err))
		}
	}
}
