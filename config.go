// Package retikulo wires the individually-testable packages (crypto,
// packet, transport, link, channel, resource, destination) into the
// single top-level instance an application actually constructs, the way
// spec.md section 6.4's application-facing API describes one Reticulum
// handle owning a Transport, a job loop, and on-disk state.
package retikulo

import (
	"time"

	"github.com/n9n/retikulo/metrics"
	"github.com/n9n/retikulo/transport"
)

// Config bundles everything Instance needs at construction. Config loading
// from a file format is explicitly out of scope (spec.md section 1); a
// caller builds this in Go or unmarshals it from whatever format it likes
// before passing it in.
type Config struct {
	// Transport is passed through to transport.New unchanged.
	Transport transport.Config

	// IdentityPath, if non-empty, is a file holding a persisted private
	// identity (the bytes ToPrivateBytes/LoadPrivate round-trip). When
	// empty, or when the file doesn't yet exist, New generates a fresh
	// identity and — if IdentityPath is set — writes it there.
	IdentityPath string

	// RatchetRotationInterval is not read by Instance: NewDestination does
	// not enable ratchets. A Destination takes its rotation interval from
	// the argument to its own EnableRatchets call, which uses
	// DefaultRatchetInterval (30m) when that argument is zero or less.
	RatchetRotationInterval time.Duration

	// Metrics, if non-nil, is shared by every component Instance
	// constructs. A nil Registry disables collection (see metrics.Registry
	// doc comment): passing one in is opt-in, never required.
	Metrics *metrics.Registry
}
