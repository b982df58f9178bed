package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidType is returned for a device type other than device, gateway or edge
var ErrInvalidType = errors.New("invalid device type")

// ErrEmptyID is returned when no ID is given
var ErrEmptyID = errors.New("id is empty")

// ReservedNameError is returned for IDs starting with '$' or equal to 'admin'
type ReservedNameError struct {
	ID string
}

func (e *ReservedNameError) Error() string {
	return fmt.Sprintf("the id '%s' is reserved and can not be registered", e.ID)
}

// DuplicateIdentityError is returned when the ID is already registered as a device or app
type DuplicateIdentityError struct {
	ID string
	// Namespace where the ID is taken, "device" or "app"
	Namespace string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("the id '%s' is already registered for %s", e.ID, e.Namespace)
}

// RoleConflictError is returned when the role name derived from the ID is used by another device.
// Role names replace ':' with '-', so eg 'a:b' and 'a-b' share a role.
type RoleConflictError struct {
	ID       string
	RoleName string
	OwnerID  string
}

func (e *RoleConflictError) Error() string {
	return fmt.Sprintf("the id '%s' maps to role '%s' which belongs to device '%s'", e.ID, e.RoleName, e.OwnerID)
}

// InvalidHierarchyError is returned when an edge device doesn't reference an existing gateway
type InvalidHierarchyError struct {
	ID      string
	OwnerID string
}

func (e *InvalidHierarchyError) Error() string {
	return fmt.Sprintf("edge device '%s': invalid gateway '%s'", e.ID, e.OwnerID)
}

// StaleStateError is returned when credentials are reset for a client that already
// exists in the authorization backend
type StaleStateError struct {
	ID string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("client '%s' already exists in the authorization backend", e.ID)
}
