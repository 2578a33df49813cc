package engine

import (
	"errors"
	"fmt"
)

// ErrContextOverflow signals that the KV cache is full. It is a normal
// stop condition for generation, not a crash.
var ErrContextOverflow = errors.New("context window exceeded")

// ErrInvalidConfig is the class sentinel for rejected configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

type InvalidConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v (%s)", e.Field, e.Value, e.Reason)
}

func (e InvalidConfigError) Is(target error) bool { return target == ErrInvalidConfig }
