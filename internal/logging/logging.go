// Package logging centralizes the structured logger used by the
// coordinator, recovery path, and background workers.
package logging

import "go.uber.org/zap"

// New returns logger scoped with a component field, or a no-op logger
// if base is nil.
func New(base *zap.Logger, component string) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.With(zap.String("component", component))
}
