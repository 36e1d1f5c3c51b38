package message

import (
	"github.com/opendxl/opendxl-client-go/guid"
	"github.com/vmihailenco/msgpack/v5"
)

// Response answers a Request. Its destination is the request's reply-to
// topic and its routing sets name exactly the originating client and
// broker. Request is an in-process back link and is never serialized.
type Response struct {
	Message
	RequestMessageID string
	ServiceID        string
	Request          *Request
}

// NewResponse returns a response for req, addressed to the request's
// reply-to topic and routed to the originating client and broker.
func NewResponse(req *Request) *Response {
	r := &Response{Message: Message{
		Version:   Version,
		MessageID: guid.New(),
	}}
	r.link(req)
	return r
}

func (r *Response) link(req *Request) {
	if req == nil {
		return
	}
	r.Request = req
	r.RequestMessageID = req.MessageID
	r.ServiceID = req.ServiceID
	r.DestinationTopic = req.ReplyToTopic
	if req.SourceClientID != "" {
		r.ClientIDs = []string{req.SourceClientID}
	}
	if req.SourceBrokerID != "" {
		r.BrokerIDs = []string{req.SourceBrokerID}
	}
}

func (r *Response) Kind() Kind { return KindResponse }

func (r *Response) packTail(enc *msgpack.Encoder) error {
	if err := enc.EncodeString(r.RequestMessageID); err != nil {
		return err
	}
	return enc.EncodeString(r.ServiceID)
}

func (r *Response) unpackTail(dec *msgpack.Decoder) (err error) {
	if r.RequestMessageID, err = dec.DecodeString(); err != nil {
		return err
	}
	r.ServiceID, err = dec.DecodeString()
	return err
}

// CorrelationID returns the request message id a response or error
// correlates with, or "" when m is not a response variant.
func CorrelationID(m Msg) string {
	switch v := m.(type) {
	case *Response:
		return v.RequestMessageID
	case *ErrorResponse:
		return v.RequestMessageID
	}
	return ""
}
