package message

import (
	"github.com/opendxl/opendxl-client-go/guid"
	"github.com/vmihailenco/msgpack/v5"
)

// Request is the client half of the one-to-one RPC triple. ReplyToTopic is
// the private topic responses are routed back on; ServiceID may be empty
// when any instance of the addressed service will do.
type Request struct {
	Message
	ReplyToTopic string
	ServiceID    string
}

// NewRequest returns a request addressed to topic with a fresh message id.
// The reply-to topic is assigned by the client before the request is sent.
func NewRequest(topic string) *Request {
	return &Request{Message: Message{
		Version:          Version,
		MessageID:        guid.New(),
		DestinationTopic: topic,
	}}
}

func (r *Request) Kind() Kind { return KindRequest }

func (r *Request) packTail(enc *msgpack.Encoder) error {
	if err := enc.EncodeString(r.ReplyToTopic); err != nil {
		return err
	}
	return enc.EncodeString(r.ServiceID)
}

func (r *Request) unpackTail(dec *msgpack.Decoder) (err error) {
	if r.ReplyToTopic, err = dec.DecodeString(); err != nil {
		return err
	}
	r.ServiceID, err = dec.DecodeString()
	return err
}
