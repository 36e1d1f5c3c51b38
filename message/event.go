package message

import (
	"github.com/opendxl/opendxl-client-go/guid"
	"github.com/vmihailenco/msgpack/v5"
)

// Event is a one-to-many message; no response is expected.
type Event struct {
	Message
}

// NewEvent returns an event addressed to topic with a fresh message id.
func NewEvent(topic string) *Event {
	return &Event{Message: Message{
		Version:          Version,
		MessageID:        guid.New(),
		DestinationTopic: topic,
	}}
}

func (e *Event) Kind() Kind { return KindEvent }

func (e *Event) packTail(*msgpack.Encoder) error   { return nil }
func (e *Event) unpackTail(*msgpack.Decoder) error { return nil }
