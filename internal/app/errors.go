package app

import (
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"repo-publisher/internal/core"
)

// phaseError names the transaction phase that failed. Coordination
// sentinels and already coded errors stay reachable through errors.Is
// and errors.As; anything else becomes an internal error.
func phaseError(phase string, err error) error {
	if err == nil {
		return nil
	}
	var builder *errbuilder.ErrBuilder
	if isCoordinationError(err) || errors.As(err, &builder) {
		return fmt.Errorf("%s: %w", phase, err)
	}
	return errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg(phase + " failed").
		WithCause(err)
}

func isCoordinationError(err error) bool {
	return errors.Is(err, core.ErrLockTimeout) ||
		errors.Is(err, core.ErrLockUnhealthy) ||
		errors.Is(err, core.ErrNotLocked) ||
		errors.Is(err, core.ErrVersionConflict)
}
