package transport

import (
	"time"

	"github.com/n9n/retikulo/internal/wire"
)

// Profile selects the fixed-capacity tuning for Transport's tables, per
// spec.md section 5 ("MCU builds use smaller caps than server builds; caps
// are compile-time constants"). Here they're runtime Config fields instead
// of compile-time constants, since Go has no conditional-compilation story
// as direct as the C++ original's, but the two named presets reproduce the
// same two tiers.
type Profile int

const (
	ProfileServer Profile = iota
	ProfileMCU
)

// Timing constants named directly after the spec's PATHFINDER_*/AP_*/etc.
// identifiers (spec.md section 4.5).
const (
	PathfinderM = 128 // max hops a path-table announce may have been router through

	PathfinderG  = 5 * time.Second        // base rebroadcast delay
	PathfinderRW = 2 * time.Second        // randomised rebroadcast delay spread
	PathfinderR  = 1                      // retransmit attempts for rebroadcast announces
	PathfinderE  = 7 * 24 * time.Hour     // default path expiry ("PATHFINDER_E")
	APPathTime   = 1 * time.Hour          // path expiry for ACCESS_POINT-sourced announces
	RoamingPathTime = 6 * time.Hour       // path expiry for ROAMING-sourced announces

	LocalRebroadcastsMax = 1 // rebroadcasts of our own copy before we stop

	ReverseTimeout = 30 * time.Second // reverse_table entry lifetime
	PathRequestMI  = 5 * time.Second  // minimum interval between path requests for the same destination

	QueuedAnnounceLife = 60 * time.Second // stale announce-queue entry cutoff

	PRTagWindow = 30 * time.Second // path-response cache slot lifetime
)

// Config bundles every tunable Transport needs at construction. It replaces
// the distilled spec's (explicitly out-of-scope) file-based configuration
// loader: callers build one in Go.
type Config struct {
	Profile Profile

	// IsTransportInstance, when true, makes this node rebroadcast announces
	// originated elsewhere and answer discovery path requests on behalf of
	// third parties (spec.md section 4.5 / SPEC_FULL.md's "Transport
	// instance identity" supplement).
	IsTransportInstance bool

	// UseImplicitProof shortens PROOF packets to just the signature,
	// resolving the Open Question in spec.md section 9 as a construction
	// time flag rather than an environment-sourced decision.
	UseImplicitProof bool

	// TablesCullInterval overrides the default periodic culling cadence
	// (spec.md: "every tables_cull_interval (5-60s depending on target)").
	TablesCullInterval time.Duration

	// StoragePath, if non-empty, enables destination-table persistence
	// (spec.md section 4.5/6.3). Empty disables persistence entirely.
	StoragePath string
}

// capacities holds the fixed-capacity table sizes for a Profile, per
// spec.md section 3 and 5.
type capacities struct {
	destinationTable      int
	announceTable         int
	reverseTable          int
	linkTable             int
	heldAnnounces         int
	tunnels               int
	announceRateTable     int
	pathRequests          int
	discoveryPathRequests int
	packetHashlist        int
	discoveryPRTags       int
	randomBlobsPerDest    int
}

func capacitiesFor(p Profile) capacities {
	switch p {
	case ProfileMCU:
		return capacities{
			destinationTable: 128, announceTable: 32, reverseTable: 32,
			linkTable: 16, heldAnnounces: 8, tunnels: 4, announceRateTable: 32,
			pathRequests: 16, discoveryPathRequests: 8, packetHashlist: 50,
			discoveryPRTags: 32, randomBlobsPerDest: 8,
		}
	default:
		return capacities{
			destinationTable: 4096, announceTable: 512, reverseTable: 1024,
			linkTable: 1024, heldAnnounces: 256, tunnels: 64, announceRateTable: 1024,
			pathRequests: 512, discoveryPathRequests: 256, packetHashlist: 100,
			discoveryPRTags: 512, randomBlobsPerDest: 32,
		}
	}
}

func (c Config) tablesCullInterval() time.Duration {
	if c.TablesCullInterval > 0 {
		return c.TablesCullInterval
	}
	if c.Profile == ProfileMCU {
		return 5 * time.Second
	}
	return 60 * time.Second
}

func (c Config) pathExpiry(mode int) time.Duration {
	switch mode {
	case wire.ModeAccessPoint:
		return APPathTime
	case wire.ModeRoaming:
		return RoamingPathTime
	default:
		return PathfinderE
	}
}
