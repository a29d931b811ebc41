package sessions

import "errors"

var (
	// ErrDuplicateSession rejects a registration whose ID is already held by
	// a live session. No state changes.
	ErrDuplicateSession = errors.New("session id already registered")

	// ErrUnknownSession is returned for operations addressing an ID the
	// registry does not hold. It is surfaced to the caller as an error
	// response and is never fatal to the registry.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownEntity is returned when a command references a wallet or
	// lockbox the session never registered.
	ErrUnknownEntity = errors.New("unknown wallet or lockbox")

	// ErrUnsupportedCommand is returned for command kinds the session layer
	// does not recognize.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrActivationMisuse flags a second Activate call. It indicates a
	// programming error in the caller; the session should be torn down.
	ErrActivationMisuse = errors.New("session already activated")

	// ErrRegistryClosed rejects registrations once ShutdownAll has begun; the
	// teardown pass has already run and would never reclaim the newcomer.
	ErrRegistryClosed = errors.New("registry shut down")

	// ErrNotReady is returned when a state-dependent command cannot wait out
	// the readiness gate because the session is being torn down.
	ErrNotReady = errors.New("session not ready")
)
