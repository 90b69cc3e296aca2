package engine

import (
	"errors"

	"go.uber.org/zap"
)

// errStageDisabled marks a stage whose dependency was not configured.
var errStageDisabled = errors.New("stage not configured")

// outcome is the result of a best-effort stage: either the stage's value or
// the fallback it degraded to, with the cause kept for logging.
type outcome[T any] struct {
	value    T
	degraded bool
	cause    error
}

func ok[T any](v T) outcome[T] {
	return outcome[T]{value: v}
}

func degrade[T any](fallback T, cause error) outcome[T] {
	return outcome[T]{value: fallback, degraded: true, cause: cause}
}

// settle logs and counts a degraded stage and appends it to names. Stages
// that are not configured are skipped.
func (e *Engine) settle(stage string, degraded bool, cause error, names []string) []string {
	if !degraded || errors.Is(cause, errStageDisabled) {
		return names
	}
	e.log.Warn("stage degraded", zap.String("stage", stage), zap.Error(cause))
	e.deps.Metrics.ObserveDegraded(stage)
	return append(names, stage)
}
