package rfid

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start on a stage that is running.
	ErrAlreadyRunning = errors.New("already running")
	// ErrSettingsLocked is returned when settings change while a stage runs.
	ErrSettingsLocked = errors.New("settings cannot change while running")
	// ErrNoOutput is returned when a stage is started without a queue.
	ErrNoOutput = errors.New("no output queue")
	// ErrNoInput is returned when a stage is started without an input queue.
	ErrNoInput = errors.New("no input queue")
	// ErrNoBlacklist is returned when blacklist detection starts before a
	// list has been loaded.
	ErrNoBlacklist = errors.New("blacklist not loaded")
)

// ConfigError describes a rejected setting.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParseError is reported for a tag fragment that could not be decoded. The
// rest of the message is still processed.
type ParseError struct {
	Fragment string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse tag fragment %q: %v", e.Fragment, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
