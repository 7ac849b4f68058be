package transport

import (
	"time"

	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/packet"
)

type hash16 = [wire.TruncatedHashSize]byte
type hash32 = [wire.FullHashSize]byte

// DestinationEntry is the path table row described in spec.md section 3.
type DestinationEntry struct {
	Timestamp               time.Time
	ReceivedFrom             hash16 // transport-id of the advertising neighbor
	Hops                     int
	Expires                  time.Time
	RandomBlobsSeen          [][]byte // bounded ring of recently seen random_hash values
	ReceivingInterface       string
	CachedAnnouncePacketHash hash32
	InterfaceMode            int
	MaxEmissionTime          uint64 // latest AnnounceInfo.EmissionTime adopted for this destination
}

// AnnounceTableEntry tracks an adopted announce pending rebroadcast, per
// spec.md section 3/4.5.
type AnnounceTableEntry struct {
	ReceivedAt         time.Time
	RetransmitAt       time.Time
	Retries            int
	ReceivedFrom       hash16
	Hops               int
	AnnouncePacket     *packet.Packet
	LocalRebroadcasts  int
	BlockRebroadcasts  bool
	AttachedInterface  string
	IsPathResponse     bool
}

// ReverseEntry routes a PROOF back along the path a DATA/LINKREQUEST packet
// took, keyed by truncated packet hash.
type ReverseEntry struct {
	ReceivingInterface string
	OutboundInterface  string
	Timestamp          time.Time
}

// LinkTableEntry is transit bookkeeping for link traffic passing through
// this node (not the Link session object itself, which lives at the two
// endpoints — see DESIGN.md for the ownership split).
type LinkTableEntry struct {
	Timestamp          time.Time
	NextHop            hash16
	OutboundInterface  string
	RemainingHops      int
	ReceivingInterface string
	Hops               int
	DestinationHash    hash16
	Validated          bool
	ProofTimeout       time.Time
}

// TunnelEntry is the inert, experimental shape for tunnel_synthesize
// described in SPEC_FULL.md's supplemented-features section — deliberately
// not activated (spec.md section 9 Open Questions).
type TunnelEntry struct {
	InterfaceBinding string
	SerialisedPaths  []byte
	Expires          time.Time
}

// RateEntry tracks announce rate-limiting state for one destination.
type RateEntry struct {
	Timestamps  []time.Time
	Violations  int
	BlockedUntil time.Time
}

// DiscoveryEntry tracks an outstanding discovery path request made on
// behalf of another node.
type DiscoveryEntry struct {
	Timeout             time.Time
	RequestingInterface string
}

// boundedHashSet is a fixed-capacity circular buffer of seen 16-byte values
// used for the packet hashlist and discovery_pr_tags (spec.md section 3:
// "bounded recent ... seen-set"). Overwrite-oldest is the designed eviction
// behavior (spec.md section 7).
type boundedHashSet struct {
	capacity int
	order    []hash16
	present  map[hash16]struct{}
}

func newBoundedHashSet(capacity int) *boundedHashSet {
	return &boundedHashSet{capacity: capacity, present: make(map[hash16]struct{}, capacity)}
}

// Contains reports whether h has been seen.
func (b *boundedHashSet) Contains(h hash16) bool {
	_, ok := b.present[h]
	return ok
}

// Add records h as seen, evicting the oldest entry if full. Returns true if
// h was newly added (false if it was already present).
func (b *boundedHashSet) Add(h hash16) bool {
	if b.Contains(h) {
		return false
	}
	if len(b.order) >= b.capacity {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.present, oldest)
	}
	b.order = append(b.order, h)
	b.present[h] = struct{}{}
	return true
}

func (b *boundedHashSet) Len() int { return len(b.order) }

// prTagKey combines a destination hash and a path-request tag into the
// bounded discovery_pr_tags dedup key.
func prTagKey(destHash hash16, tag []byte) hash16 {
	var combined []byte
	combined = append(combined, destHash[:]...)
	combined = append(combined, tag...)
	var out hash16
	copy(out[:], combined)
	// fold any remaining tag bytes in with XOR so tags longer than the key
	// width still affect the dedup key instead of being silently truncated
	for i := wire.TruncatedHashSize; i < len(combined); i++ {
		out[i%wire.TruncatedHashSize] ^= combined[i]
	}
	return out
}
