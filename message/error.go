package message

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ErrorResponse is a Response carrying a fabric error. It is a value, not a
// Go error: callers inspect Kind() == KindError.
type ErrorResponse struct {
	Response
	Code int32
	Text string
}

// NewErrorResponse returns an error response for req.
func NewErrorResponse(req *Request, code int32, text string) *ErrorResponse {
	e := &ErrorResponse{Code: code, Text: text}
	e.Response = *NewResponse(req)
	return e
}

func (e *ErrorResponse) Kind() Kind { return KindError }

func (e *ErrorResponse) packTail(enc *msgpack.Encoder) error {
	if err := e.Response.packTail(enc); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(e.Code)); err != nil {
		return err
	}
	return enc.EncodeString(e.Text)
}

func (e *ErrorResponse) unpackTail(dec *msgpack.Decoder) error {
	if err := e.Response.unpackTail(dec); err != nil {
		return err
	}
	code, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	e.Code = int32(code)
	e.Text, err = dec.DecodeString()
	return err
}
