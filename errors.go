package retikulo

import "errors"

// Sentinel errors surfaced by the top-level Instance API. Package-level
// operations (Destination, Link, Transport, ...) define and return their
// own more specific sentinels; these cover only what New/Run can fail on,
// per spec.md section 7's mapping of the original's exception taxonomy
// onto tagged Go error values.
var (
	// ErrAlreadyRunning is returned by Run if called more than once on the
	// same Instance.
	ErrAlreadyRunning = errors.New("retikulo: instance already running")

	// ErrNoIdentity is returned by New when neither an existing identity
	// file nor a generated one could be established.
	ErrNoIdentity = errors.New("retikulo: no usable transport identity")

	// ErrShutdown is returned by Run when called after Shutdown.
	ErrShutdown = errors.New("retikulo: instance has been shut down")
)
