// Package message implements the Data Exchange Layer message model and its
// versioned binary frame codec. A frame is a flat sequence of msgpack
// primitives: the wire version, the kind byte, the common header, the
// kind-specific tail, then the extension sections of each later wire
// version in order.
package message

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies the message variant carried by a frame.
type Kind byte

const (
	KindEvent    Kind = 0
	KindRequest  Kind = 1
	KindResponse Kind = 2
	KindError    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Version is the wire version written by Pack. Decoding accepts any frame
// from 0 up to this version; fields of later sections keep their zero
// values.
const Version int64 = 3

// Msg is implemented by the four message variants.
type Msg interface {
	Kind() Kind
	Base() *Message

	packTail(enc *msgpack.Encoder) error
	unpackTail(dec *msgpack.Decoder) error
}

// Message is the header common to every variant. DestinationTopic is
// carried by the transport layer, not by the frame; Unpack assigns it from
// the topic the frame arrived on.
type Message struct {
	Version                int64
	MessageID              string
	SourceClientID         string
	SourceClientInstanceID string
	SourceBrokerID         string
	DestinationTopic       string
	Payload                []byte
	BrokerIDs              []string
	ClientIDs              []string
	OtherFields            map[string]string
	SourceTenantID         string
	DestinationTenantIDs   []string
}

func (m *Message) Base() *Message { return m }

// packV0 writes the version-0 common section.
func (m *Message) packV0(enc *msgpack.Encoder) error {
	if err := enc.EncodeString(m.MessageID); err != nil {
		return err
	}
	if err := enc.EncodeString(m.SourceClientID); err != nil {
		return err
	}
	if err := enc.EncodeString(m.SourceBrokerID); err != nil {
		return err
	}
	if err := packStrings(enc, m.BrokerIDs); err != nil {
		return err
	}
	if err := packStrings(enc, m.ClientIDs); err != nil {
		return err
	}
	return enc.EncodeBytes(m.Payload)
}

func (m *Message) unpackV0(dec *msgpack.Decoder) (err error) {
	if m.MessageID, err = dec.DecodeString(); err != nil {
		return err
	}
	if m.SourceClientID, err = dec.DecodeString(); err != nil {
		return err
	}
	if m.SourceBrokerID, err = dec.DecodeString(); err != nil {
		return err
	}
	if m.BrokerIDs, err = unpackStrings(dec); err != nil {
		return err
	}
	if m.ClientIDs, err = unpackStrings(dec); err != nil {
		return err
	}
	m.Payload, err = dec.DecodeBytes()
	return err
}

// packV1 writes the other-fields map as a flat array of alternating
// key/value strings, keys in sorted order so that equal messages produce
// equal frames.
func (m *Message) packV1(enc *msgpack.Encoder) error {
	keys := make([]string, 0, len(m.OtherFields))
	for k := range m.OtherFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeArrayLen(2 * len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.EncodeString(m.OtherFields[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) unpackV1(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 0 || n%2 != 0 {
		return malformedf("other-fields array length %d", n)
	}
	if n == 0 {
		return nil
	}
	m.OtherFields = make(map[string]string, n/2)
	for i := 0; i < n; i += 2 {
		k, err := dec.DecodeString()
		if err != nil {
			return err
		}
		v, err := dec.DecodeString()
		if err != nil {
			return err
		}
		m.OtherFields[k] = v
	}
	return nil
}

func (m *Message) packV2(enc *msgpack.Encoder) error {
	if err := enc.EncodeString(m.SourceTenantID); err != nil {
		return err
	}
	return packStrings(enc, m.DestinationTenantIDs)
}

func (m *Message) unpackV2(dec *msgpack.Decoder) (err error) {
	if m.SourceTenantID, err = dec.DecodeString(); err != nil {
		return err
	}
	m.DestinationTenantIDs, err = unpackStrings(dec)
	return err
}

func (m *Message) packV3(enc *msgpack.Encoder) error {
	return enc.EncodeString(m.SourceClientInstanceID)
}

func (m *Message) unpackV3(dec *msgpack.Decoder) (err error) {
	m.SourceClientInstanceID, err = dec.DecodeString()
	return err
}

func packStrings(enc *msgpack.Encoder, v []string) error {
	if err := enc.EncodeArrayLen(len(v)); err != nil {
		return err
	}
	for _, s := range v {
		if err := enc.EncodeString(s); err != nil {
			return err
		}
	}
	return nil
}

func unpackStrings(dec *msgpack.Decoder) ([]string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, malformedf("array length %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	v := make([]string, n)
	for i := range v {
		if v[i], err = dec.DecodeString(); err != nil {
			return nil, err
		}
	}
	return v, nil
}
