// Package testenv with test helpers shared by the package tests
package testenv

import (
	"encoding/json"
	"sync"

	"github.com/io7lab/io7sync/pkg/dynsec"
)

// Message is a recorded outbound message
type Message struct {
	Topic   string
	Payload []byte
}

// RecordingSender records enqueued messages instead of sending them to a broker
type RecordingSender struct {
	mutex    sync.Mutex
	messages []Message
	// Fail, when set, is returned by Enqueue and nothing is recorded
	Fail error
}

// Enqueue records the message
func (sender *RecordingSender) Enqueue(topic string, payload []byte) error {
	sender.mutex.Lock()
	defer sender.mutex.Unlock()
	if sender.Fail != nil {
		return sender.Fail
	}
	sender.messages = append(sender.messages, Message{Topic: topic, Payload: payload})
	return nil
}

// Messages returns a copy of the recorded messages
func (sender *RecordingSender) Messages() []Message {
	sender.mutex.Lock()
	defer sender.mutex.Unlock()
	return append([]Message(nil), sender.messages...)
}

// Commands decodes all command envelopes sent to the control topic, in order
func (sender *RecordingSender) Commands() []map[string]interface{} {
	commands := make([]map[string]interface{}, 0)
	for _, msg := range sender.Messages() {
		if msg.Topic != "$CONTROL/dynamic-security/v1" {
			continue
		}
		env := struct {
			Commands []map[string]interface{} `json:"commands"`
		}{}
		if err := json.Unmarshal(msg.Payload, &env); err == nil {
			commands = append(commands, env.Commands...)
		}
	}
	return commands
}

// Reset clears the recorded messages
func (sender *RecordingSender) Reset() {
	sender.mutex.Lock()
	defer sender.mutex.Unlock()
	sender.messages = nil
}

// NewDispatcher returns a dispatcher that records into a new RecordingSender
func NewDispatcher() (*dynsec.Dispatcher, *RecordingSender) {
	sender := &RecordingSender{}
	return dynsec.NewDispatcher(sender), sender
}
