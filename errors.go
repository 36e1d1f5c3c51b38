package dxl

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that require an active
	// broker session.
	ErrNotConnected = errors.New("dxl: not connected")

	// ErrNotConnectable is returned by Connect once the configured number
	// of retries is exhausted.
	ErrNotConnectable = errors.New("dxl: connect retries exhausted")

	// ErrWaitTimeout is returned when a synchronous operation does not
	// complete within its deadline.
	ErrWaitTimeout = errors.New("dxl: wait timeout")

	// ErrMalformedBroker is returned for broker descriptors that do not
	// parse.
	ErrMalformedBroker = errors.New("dxl: malformed broker descriptor")

	// ErrInternal marks unexpected I/O, TLS or crypto failures. The
	// underlying cause stays in the chain.
	ErrInternal = errors.New("dxl: internal error")
)

// internalf wraps an unexpected failure so that callers can test
// errors.Is(err, ErrInternal) while the cause chain is preserved.
func internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrInternal, fmt.Errorf(format, args...))
}

// Fabric error codes are 32-bit signed integers with the high bit set.
// They travel as ErrorResponse values, never as Go errors.
const (
	// ErrorCodeServiceUnavailable is the fabric's "unable to locate
	// service for request" code (0x80000001).
	ErrorCodeServiceUnavailable int32 = -2147483647
)

// IsFabricErrorCode reports whether code is in the fabric error range.
func IsFabricErrorCode(code int32) bool {
	return uint32(code)&0x80000000 != 0
}
