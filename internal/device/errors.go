package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when no device matches the lookup.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when a device id is already taken within
	// the same service and subservice.
	ErrDeviceExists = errors.New("device: duplicate device id")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrGroupNotFound is returned when no configuration group matches.
	ErrGroupNotFound = errors.New("device group: not found")

	// ErrGroupExists is returned when a group with the same apikey and
	// resource already exists.
	ErrGroupExists = errors.New("device group: duplicate group")

	// ErrInvalidGroup is returned when group validation fails.
	ErrInvalidGroup = errors.New("device group: invalid")

	// ErrRegistryNotAvailable is returned when a registry is used before its
	// store has been set up.
	ErrRegistryNotAvailable = errors.New("device: no device registry is available")
)
