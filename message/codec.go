package message

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Pack encodes m at the highest supported wire version.
func Pack(m Msg) ([]byte, error) {
	base := m.Base()
	if base.MessageID == "" {
		return nil, malformedf("%s has no message id", m.Kind())
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeInt(Version); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(uint64(m.Kind())); err != nil {
		return nil, err
	}
	if err := base.packV0(enc); err != nil {
		return nil, err
	}
	if err := m.packTail(enc); err != nil {
		return nil, err
	}
	if err := base.packV1(enc); err != nil {
		return nil, err
	}
	if err := base.packV2(enc); err != nil {
		return nil, err
	}
	if err := base.packV3(enc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack decodes a frame received on topic. The frame's own version gates
// which sections are read; fields of later sections keep their zero values.
func Unpack(topic string, frame []byte) (Msg, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	version, err := dec.DecodeInt64()
	if err != nil {
		return nil, wrapMalformed(err)
	}
	kind, err := dec.DecodeUint64()
	if err != nil {
		return nil, wrapMalformed(err)
	}
	var m Msg
	switch Kind(kind) {
	case KindEvent:
		m = &Event{}
	case KindRequest:
		m = &Request{}
	case KindResponse:
		m = &Response{}
	case KindError:
		m = &ErrorResponse{}
	default:
		return nil, malformedf("unknown kind 0x%x", kind)
	}
	base := m.Base()
	base.Version = version
	if err := base.unpackV0(dec); err != nil {
		return nil, wrapMalformed(err)
	}
	if err := m.unpackTail(dec); err != nil {
		return nil, wrapMalformed(err)
	}
	if version > 0 {
		if err := base.unpackV1(dec); err != nil {
			return nil, wrapMalformed(err)
		}
	}
	if version > 1 {
		if err := base.unpackV2(dec); err != nil {
			return nil, wrapMalformed(err)
		}
	}
	if version > 2 {
		if err := base.unpackV3(dec); err != nil {
			return nil, wrapMalformed(err)
		}
	}
	base.DestinationTopic = topic
	return m, nil
}

func wrapMalformed(err error) error {
	if errors.Is(err, ErrMalformed) {
		return err
	}
	return malformedf("%v", err)
}
