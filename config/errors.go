package config

import (
	"errors"
	"fmt"
)

// ErrUnknownOption is wrapped when a configuration file names a key that no
// section defines.
var ErrUnknownOption = errors.New("unknown configuration option")

// Error reports an invalid configuration section.
type Error struct {
	Section string
	Err     error
}

func (e *Error) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration section %q: %v", e.Section, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func sectionErr(section string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Section: section, Err: err}
}
