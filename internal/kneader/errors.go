package kneader

import "errors"

var (
	ErrLidTimeout        = errors.New("lid failed to close within timeout")
	ErrMotorStartTimeout = errors.New("motor failed to start")
	ErrEmergencyLidOpen  = errors.New("lid opened during mixing - emergency stop")
	ErrHardwareCommand   = errors.New("hardware command failed")
	ErrRunCancelled      = errors.New("workorder run cancelled")
)

var errStale = errors.New("transition dropped: run no longer active")
