package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownArch    = errors.New("models: unknown architecture")
	ErrMissingWeights = errors.New("models: missing or incomplete weights")
	ErrWidthMismatch  = errors.New("models: encoder width does not match fc_dim")
)

// BuildError reports which network failed to build.
type BuildError struct {
	Kind string // "encoder" or "decoder"
	Arch string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("models: build %s %q: %v", e.Kind, e.Arch, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
