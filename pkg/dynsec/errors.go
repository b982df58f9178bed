package dynsec

import (
	"fmt"
)

// ProtectedResourceError is returned when a system role is targeted for deletion
type ProtectedResourceError struct {
	RoleName string
}

func (e *ProtectedResourceError) Error() string {
	return fmt.Sprintf("cannot delete system role '%s'", e.RoleName)
}

// TransportUnavailableError is returned when the broker connection is down.
// Commands are not queued for replay, the Auditor reports the resulting drift.
type TransportUnavailableError struct {
	Err error
}

func (e *TransportUnavailableError) Error() string {
	if e.Err == nil {
		return "authorization backend unavailable"
	}
	return fmt.Sprintf("authorization backend unavailable: %s", e.Err)
}

func (e *TransportUnavailableError) Unwrap() error {
	return e.Err
}
