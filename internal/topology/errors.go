package topology

import (
	"fmt"
	"time"
)

// RecoveryError reports that a single entity could not be recovered.
// Recovery logs it and moves on to the next entity.
type RecoveryError struct {
	Kind      Kind      // Entity type
	Name      string    // Entity identity (name, tag or binding description)
	Err       error     // Underlying error
	Timestamp time.Time // When the failure happened
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("topology recovery: failed to recover %s '%s': %v", e.Kind, e.Name, e.Err)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

func newRecoveryError(kind Kind, name string, err error) *RecoveryError {
	return &RecoveryError{
		Kind:      kind,
		Name:      name,
		Err:       err,
		Timestamp: time.Now(),
	}
}
