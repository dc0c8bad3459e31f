// Package command queues commands for polling devices and expires the ones
// nobody collects in time.
//
// Commands are upserted by (service, subservice, deviceId, name): a second
// Add for the same key replaces value and type but keeps the original
// creation date, so re-sending a command never extends its lifetime.
//
// When both an interval and an expiration are configured, Start runs a sweep
// that removes every command older than the expiration and hands each one to
// the ExpiryFunc, which reports the failure north-bound.
package command
