package command

import "errors"

// ErrCommandNotFound is returned when no pending command matches.
var ErrCommandNotFound = errors.New("command: not found")
