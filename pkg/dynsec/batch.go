package dynsec

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Batch is the ordered list of commands of one logical operation.
// The broker applies the commands in the order they were added.
type Batch struct {
	commands []Command
}

// envelope is the wire format of a batch
type envelope struct {
	Commands []Command `json:"commands"`
}

// NewBatch creates an empty batch
func NewBatch() *Batch {
	return &Batch{commands: make([]Command, 0)}
}

// Add appends a command to the batch.
// A DeleteRole command for a protected system role is not added and a ProtectedResourceError
// is returned instead.
func (batch *Batch) Add(cmd Command) error {
	if del, ok := cmd.(DeleteRole); ok && IsProtectedRole(del.RoleName) {
		return &ProtectedResourceError{RoleName: del.RoleName}
	}
	batch.commands = append(batch.commands, cmd)
	return nil
}

// DeleteRole adds a deleteRole command. Protected roles are logged and skipped.
func (batch *Batch) DeleteRole(roleName string) {
	err := batch.Add(DeleteRole{RoleName: roleName})
	if err != nil {
		logrus.Infof("Batch.DeleteRole: %s. Skipped.", err)
	}
}

// Commands returns the commands in the batch
func (batch *Batch) Commands() []Command {
	return batch.commands
}

// Len returns the number of commands in the batch
func (batch *Batch) Len() int {
	return len(batch.commands)
}

// Marshal serializes the batch into a command envelope
func (batch *Batch) Marshal() ([]byte, error) {
	return json.Marshal(envelope{Commands: batch.commands})
}
