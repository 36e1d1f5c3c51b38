package message

import (
	"errors"
	"fmt"
)

// ErrMalformed is the category for every frame that cannot be encoded or
// decoded: truncated buffers, negative array sizes, unknown kind bytes,
// missing required fields.
var ErrMalformed = errors.New("message: malformed frame")

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
