package dynsec

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/topics"
)

// Sender accepts outbound messages for the broker.
// The connection supervisor implements this with its outbound channel.
type Sender interface {
	Enqueue(topic string, payload []byte) error
}

// Dispatcher publishes command batches to the dynamic-security control topic.
// Dispatch is fire-and-forget. Responses are not correlated with the batch.
type Dispatcher struct {
	sender Sender
	topic  string
}

// Dispatch serializes the batch into one envelope and hands it to the sender.
// An empty batch is not sent.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Len() == 0 {
		logrus.Debugf("Dispatcher.Dispatch: empty batch. Nothing to send")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := batch.Marshal()
	if err != nil {
		return fmt.Errorf("marshal command batch: %w", err)
	}
	logrus.Infof("Dispatcher.Dispatch: %d commands to '%s'", batch.Len(), dispatcher.topic)
	return dispatcher.sender.Enqueue(dispatcher.topic, payload)
}

// NewDispatcher creates a dispatcher for the dynamic-security control topic
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender, topic: topics.ControlTopic}
}
