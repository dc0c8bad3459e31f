// Package provision implements the device registration workflow: it
// completes a device from its configuration group and the agent defaults,
// registers the agent as context provider for the device's lazy attributes
// and commands, creates the initial entity and stores the device.
//
// Unregistration reverses the steps: subscriptions are cancelled, then the
// provider registration, then the stored device is removed.
//
// Devices that send measures before being provisioned are created on the
// fly by FindOrCreate when their group allows autoprovisioning.
package provision
