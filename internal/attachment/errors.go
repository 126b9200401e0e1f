package attachment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownType is reported for attachment types the resolver does not render.
	ErrUnknownType = errors.New("unknown attachment type")
	// ErrDepthExceeded is reported when nested reposts or forwards go deeper than the limit.
	ErrDepthExceeded = errors.New("attachment nesting too deep")
)

// FieldError describes an attachment that was skipped because required
// fields were missing or had the wrong JSON type.
type FieldError struct {
	Type    string
	Missing []string
}

func (e *FieldError) Error() string {
	typ := e.Type
	if typ == "" {
		typ = "(untyped)"
	}
	return fmt.Sprintf("attachment %s: missing or invalid fields: %s", typ, strings.Join(e.Missing, ", "))
}
