package retikulo

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/destination"
	"github.com/n9n/retikulo/transport"
)

var log = logrus.WithField("component", "retikulo")

// Instance is the single handle an application holds: one Transport, its
// job loop, and the identity/table persistence backing it. Destinations are
// constructed separately (destination.New) against Instance.Transport() —
// kept out of Instance itself so an application can own exactly as many
// Destinations as it needs without Instance tracking a registry it would
// never otherwise use.
type Instance struct {
	mu sync.Mutex

	cfg       Config
	identity  *crypto.Identity
	transport *transport.Transport

	cancel    context.CancelFunc
	running   bool
	shutdown  bool
}

// New constructs an Instance: loads or generates the transport identity,
// builds the Transport, and restores any persisted destination/known-
// destination tables from cfg.Transport.StoragePath. It does not start the
// job loop — call Run for that, separately, so callers can finish wiring
// interfaces and Destinations first.
func New(cfg Config) (*Instance, error) {
	identity, err := loadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}

	tr := transport.New(cfg.Transport, identity, cfg.Metrics)

	if cfg.Transport.StoragePath != "" {
		if err := tr.LoadDestinationTable(); err != nil {
			log.WithError(err).Warn("failed to load persisted destination table")
		}
		knownPath := cfg.Transport.StoragePath + "/known_dst.bin"
		if err := crypto.LoadKnownDestinations(knownPath); err != nil {
			log.WithError(err).Warn("failed to load persisted known-destination cache")
		}
	}

	return &Instance{cfg: cfg, identity: identity, transport: tr}, nil
}

func loadOrCreateIdentity(path string) (*crypto.Identity, error) {
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			id, err := crypto.LoadPrivate(b)
			if err != nil {
				return nil, err
			}
			return id, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	id, err := crypto.Generate()
	if err != nil {
		return nil, err
	}
	if path != "" {
		b, err := id.ToPrivateBytes()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// Transport returns the underlying Transport, the handle destination.New
// and application code needing AddInterface/HandleInbound/HandlePathRequest
// use directly.
func (ri *Instance) Transport() *transport.Transport { return ri.transport }

// Identity returns this instance's own transport identity.
func (ri *Instance) Identity() *crypto.Identity { return ri.identity }

// NewDestination is a thin convenience wrapper over destination.New that
// fills in this instance's Transport and Metrics, so callers building many
// Destinations against one Instance don't repeat both arguments each time.
func (ri *Instance) NewDestination(identity *crypto.Identity, direction, destType int, appName string, aspects ...string) (*destination.Destination, error) {
	return destination.New(identity, direction, destType, ri.transport, ri.cfg.Metrics, appName, aspects...)
}

// IsConnectedToSharedInstance reports whether any attached interface is
// bound to a local shared Reticulum instance (spec.md section 4.5's
// IsLocalSharedInstance flag) — an application checks this to decide
// whether it's piggybacking on another process's already-open interfaces
// rather than owning a direct radio/serial link itself.
func (ri *Instance) IsConnectedToSharedInstance() bool {
	return ri.transport.HasLocalSharedInterface()
}

// Run starts the Transport job loop and blocks until ctx is cancelled or
// Shutdown is called, whichever comes first.
func (ri *Instance) Run(ctx context.Context) error {
	ri.mu.Lock()
	if ri.shutdown {
		ri.mu.Unlock()
		return ErrShutdown
	}
	if ri.running {
		ri.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	ri.cancel = cancel
	ri.running = true
	ri.mu.Unlock()

	ri.transport.Run(runCtx)
	return nil
}

// Shutdown stops the job loop and persists the destination and known-
// destination tables if a storage path was configured.
func (ri *Instance) Shutdown() error {
	ri.mu.Lock()
	if ri.shutdown {
		ri.mu.Unlock()
		return nil
	}
	ri.shutdown = true
	cancel := ri.cancel
	storagePath := ri.cfg.Transport.StoragePath
	ri.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if storagePath == "" {
		return nil
	}
	if err := ri.transport.SaveDestinationTable(); err != nil {
		return err
	}
	return crypto.SaveKnownDestinations(storagePath + "/known_dst.bin")
}
