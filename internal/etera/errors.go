package etera

import "errors"

var (
	// ErrInvalidArgument is a caller bug and is never worth retrying.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDeviceNotReady means the expander has not finished initializing.
	// Wait on Ready and retry.
	ErrDeviceNotReady = errors.New("device is not ready")
	// ErrDeviceOperationFailed covers unconfirmed commands, short reads and
	// commands aborted by an override or a device reset.
	ErrDeviceOperationFailed = errors.New("device operation failed")
	ErrAlreadyRunning        = errors.New("bridge is already running")
)
