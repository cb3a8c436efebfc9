// Package safegoroutine turns panics in long-lived goroutines and request
// handlers into errors.
package safegoroutine

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/florinutz/iceingest/metrics"
)

// PanicError carries a recovered panic value.
type PanicError struct {
	Component string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Component, e.Value)
}

// Run calls fn and converts a panic into a *PanicError, logging the stack
// and counting it under component.
func Run(logger *slog.Logger, component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			metrics.PanicsRecovered.WithLabelValues(component).Inc()
			logger.Error("panic recovered",
				"component", component,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &PanicError{Component: component, Value: r}
		}
	}()
	return fn()
}

// Go runs fn in g under Run.
func Go(g *errgroup.Group, logger *slog.Logger, component string, fn func() error) {
	g.Go(func() error {
		return Run(logger, component, fn)
	})
}
