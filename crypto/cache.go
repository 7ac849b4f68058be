package crypto

import (
	"container/list"
	"sync"
	"time"

	"github.com/n9n/retikulo/internal/wire"
)

// lruCache is a generic, size-bounded LRU cache: both Put and Get move an
// entry to the most-recently-used end, and eviction starts at the other end.
// Per spec.md 4.1, on an insertion that would push the cache to or past 90%
// of capacity, the oldest entries are evicted down to 80% — a hysteresis
// band rather than a strict per-insert evict-one policy, so a burst of
// churn doesn't thrash the eviction path on every single insert.
type lruCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = oldest, back = newest
	items    map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	return &lruCache[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

func (c *lruCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToBack(el)
		el.Value.(*lruEntry[K, V]).value = value
		return
	}

	el := c.order.PushBack(&lruEntry[K, V]{key: key, value: value})
	c.items[key] = el

	if len(c.items) >= (c.capacity*9)/10 {
		target := (c.capacity * 8) / 10
		for len(c.items) > target {
			oldest := c.order.Front()
			if oldest == nil {
				break
			}
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry[K, V]).key)
		}
	}
}

func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	c.order.MoveToBack(el)
	return el.Value.(*lruEntry[K, V]).value, true
}

func (c *lruCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Known-destination and known-ratchet cache capacities, per spec.md 4.1.
const (
	KnownDestinationsCapacity = 2048
	KnownRatchetsCapacity     = 128
)

// KnownDestinationEntry is the cached record described in spec.md section 3:
// "destination_hash -> (timestamp, announce_packet_hash, public_key(s), last app_data)".
type KnownDestinationEntry struct {
	Timestamp    time.Time
	PacketHash   [wire.FullHashSize]byte
	PublicKey    []byte // x25519_pub || ed25519_pub
	LastAppData  []byte
}

// KnownRatchetEntry is the cached record described in spec.md section 3:
// "destination_hash -> (ratchet_public, timestamp)".
type KnownRatchetEntry struct {
	RatchetPublic [wire.X25519KeySize]byte
	Timestamp     time.Time
}

// caches are process-wide singletons, per spec.md section 5 ("Identity
// caches: process-wide singletons, LRU-bounded; initialised on first use").
var (
	knownDestinations = newLRUCache[[wire.TruncatedHashSize]byte, KnownDestinationEntry](KnownDestinationsCapacity)
	knownRatchets     = newLRUCache[[wire.TruncatedHashSize]byte, KnownRatchetEntry](KnownRatchetsCapacity)
)

// Remember records a validated announce's provenance, keyed by destination
// hash. Called by packet.ValidateAnnounce on success.
func Remember(packetHash [wire.FullHashSize]byte, destHash [wire.TruncatedHashSize]byte, publicKey, appData []byte) {
	knownDestinations.Put(destHash, KnownDestinationEntry{
		Timestamp:   time.Now(),
		PacketHash:  packetHash,
		PublicKey:   append([]byte(nil), publicKey...),
		LastAppData: append([]byte(nil), appData...),
	})
}

// Recall returns the cached known-destination entry for destHash, if any.
func Recall(destHash [wire.TruncatedHashSize]byte) (KnownDestinationEntry, bool) {
	return knownDestinations.Get(destHash)
}

// RememberRatchet records the most recently observed ratchet public key
// advertised by destHash's owner.
func RememberRatchet(destHash [wire.TruncatedHashSize]byte, ratchetPublic [wire.X25519KeySize]byte) {
	knownRatchets.Put(destHash, KnownRatchetEntry{RatchetPublic: ratchetPublic, Timestamp: time.Now()})
}

// RecallRatchet returns the cached known-ratchet entry for destHash, if any.
func RecallRatchet(destHash [wire.TruncatedHashSize]byte) (KnownRatchetEntry, bool) {
	return knownRatchets.Get(destHash)
}

// KnownDestinationsLen and KnownRatchetsLen expose cache occupancy for tests
// and metrics; they are not part of the spec's API surface but make
// invariant 6 (LRU caches never exceed K entries) directly testable.
func KnownDestinationsLen() int { return knownDestinations.Len() }
func KnownRatchetsLen() int     { return knownRatchets.Len() }
