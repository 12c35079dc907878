package scripting

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrLibrary      = errors.New("libraries cannot be run as scripts")
	ErrDisabled     = errors.New("scripting disabled")
	ErrBadName      = errors.New("invalid script name")
)

// InitError is returned when a script fails while loading or in main.
type InitError struct {
	Script string
	Stage  string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("script %s: %s: %v", e.Script, e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
