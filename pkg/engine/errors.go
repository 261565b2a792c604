package engine

import (
	"errors"
	"fmt"

	"github.com/kisy/kipepeo/model"
)

// ErrTransitionInProgress is returned when the caller gives up waiting for another
// activate or deactivate to finish.
var ErrTransitionInProgress = errors.New("engine: transition in progress")

// ActivationError explains why the engine stayed inactive.
type ActivationError struct {
	Mode   model.HookMode
	Reason string
	Err    error
}

func (e *ActivationError) Error() string {
	if e.Mode == model.HookNone {
		return fmt.Sprintf("activation failed: %s", e.Reason)
	}
	return fmt.Sprintf("activation failed (%s): %s", e.Mode, e.Reason)
}

func (e *ActivationError) Unwrap() error { return e.Err }
