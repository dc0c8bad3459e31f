package command

import "time"

// Suffixes of the shadow attributes that report a command's progress on
// the entity.
const (
	StatusSuffix = "_status"
	InfoSuffix   = "_info"
)

// Shadow attribute types.
const (
	StatusType = "commandStatus"
	ResultType = "commandResult"
)

// Status values written to <command>_status.
const (
	StatusUnknown = "UNKNOWN"
	StatusPending = "PENDING"
	StatusError   = "ERROR"
)

// Command is a command waiting to be fetched by a polling device. It is
// keyed by (Service, Subservice, DeviceID, Name).
type Command struct {
	DeviceID     string    `json:"deviceId"`
	Service      string    `json:"service"`
	Subservice   string    `json:"subservice"`
	Name         string    `json:"name"`
	Type         string    `json:"type,omitempty"`
	Value        any       `json:"value"`
	CreationDate time.Time `json:"creationDate"`
}

// ListResult is the set of pending commands for one device.
type ListResult struct {
	Count    int        `json:"count"`
	Commands []*Command `json:"commands"`
}
