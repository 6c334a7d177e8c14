// Package broker carries serialized events between replicas so that a
// broadcast issued on one node reaches the WebSocket listeners of every node.
package broker

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by Subscribe when lastEventID is not in the
// topic's retained history.
var ErrUnknownEventID = errors.New("broker: unknown event id")

// Broker publishes messages to named topics and delivers them, in publish
// order, to every active subscriber of that topic.
type Broker interface {
	// Publish appends data to topic and returns the generated event ID.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each message on topic until ctx is done or
	// handler returns an error, which Subscribe then returns. With an empty
	// lastEventID delivery starts at the next published message; otherwise it
	// resumes after that ID.
	Subscribe(ctx context.Context, topic string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all retained messages of topic.
	Cleanup(ctx context.Context, topic string) error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with its event ID.
type MessageEnvelope struct {
	// ID is unique and increases monotonically within a topic.
	ID string `json:"id"`
	// Data is the message payload as published.
	Data []byte `json:"data"`
}
