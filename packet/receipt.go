package packet

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/n9n/retikulo/internal/wire"
)

// ReceiptStatus enumerates a Receipt's lifecycle, per spec.md section 4.4.
type ReceiptStatus int

const (
	ReceiptSending ReceiptStatus = iota
	ReceiptDelivered
	ReceiptFailed
	ReceiptCulled
)

// DefaultReceiptTimeout is used when a caller doesn't specify one.
const DefaultReceiptTimeout = 15 * time.Second

// MaxReceipts bounds the receipt ring (spec.md section 5: "Receipts: ring
// buffer capped at MAX_RECEIPTS; overflow drops the oldest after firing its
// timeout callback with status=expired").
const MaxReceipts = 1024

// Receipt tracks delivery or timeout of a single DATA packet sent to a
// non-PLAIN destination (spec.md section 4.4).
type Receipt struct {
	ID              string // local correlation id, never transmitted
	PacketHash      [wire.FullHashSize]byte
	DestinationHash [wire.TruncatedHashSize]byte
	Created         time.Time
	Timeout         time.Duration
	Status          ReceiptStatus

	OnDelivered func(rtt time.Duration)
	OnTimeout   func()
}

// NewReceipt constructs a Receipt with a fresh local id (github.com/rs/xid,
// as used directly in runZeroInc's command-line tools for exactly this kind
// of locally-scoped correlation id).
func NewReceipt(packetHash [wire.FullHashSize]byte, destHash [wire.TruncatedHashSize]byte, timeout time.Duration) *Receipt {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	return &Receipt{
		ID:              xid.New().String(),
		PacketHash:      packetHash,
		DestinationHash: destHash,
		Created:         time.Now(),
		Timeout:         timeout,
		Status:          ReceiptSending,
	}
}

// Expired reports whether the receipt's timeout has elapsed as of now.
func (r *Receipt) Expired(now time.Time) bool {
	return r.Status == ReceiptSending && now.Sub(r.Created) >= r.Timeout
}

// ReceiptRing is the fixed-capacity receipt tracker described in spec.md
// sections 3 and 5. It is keyed by packet hash so an inbound PROOF can find
// the waiting receipt directly.
type ReceiptRing struct {
	mu       sync.Mutex
	capacity int
	order    []*Receipt // oldest first
	byHash   map[[wire.FullHashSize]byte]*Receipt
}

// NewReceiptRing constructs a ring with the given capacity (use MaxReceipts
// for the spec default).
func NewReceiptRing(capacity int) *ReceiptRing {
	return &ReceiptRing{
		capacity: capacity,
		byHash:   make(map[[wire.FullHashSize]byte]*Receipt, capacity),
	}
}

// Add inserts a receipt, evicting (and firing the timeout callback of) the
// oldest entry if the ring is already full.
func (rr *ReceiptRing) Add(r *Receipt) {
	rr.mu.Lock()
	var evicted *Receipt
	if len(rr.order) >= rr.capacity {
		evicted = rr.order[0]
		rr.order = rr.order[1:]
		delete(rr.byHash, evicted.PacketHash)
	}
	rr.order = append(rr.order, r)
	rr.byHash[r.PacketHash] = r
	rr.mu.Unlock()

	if evicted != nil {
		evicted.Status = ReceiptCulled
		if evicted.OnTimeout != nil {
			evicted.OnTimeout()
		}
	}
}

// Deliver looks up the receipt for packetHash and marks it delivered,
// invoking OnDelivered with the observed round-trip time. Returns false if
// no matching receipt was outstanding (e.g. a duplicate or unsolicited proof).
func (rr *ReceiptRing) Deliver(packetHash [wire.FullHashSize]byte) bool {
	rr.mu.Lock()
	r, ok := rr.byHash[packetHash]
	if ok {
		delete(rr.byHash, packetHash)
		for i, o := range rr.order {
			if o == r {
				rr.order = append(rr.order[:i], rr.order[i+1:]...)
				break
			}
		}
	}
	rr.mu.Unlock()

	if !ok || r.Status != ReceiptSending {
		return false
	}
	r.Status = ReceiptDelivered
	if r.OnDelivered != nil {
		r.OnDelivered(time.Since(r.Created))
	}
	return true
}

// PollTimeouts walks the ring and fires/removes every receipt whose timeout
// has elapsed as of now. Called from the transport's periodic job loop.
func (rr *ReceiptRing) PollTimeouts(now time.Time) {
	rr.mu.Lock()
	var expired []*Receipt
	remaining := rr.order[:0:0]
	for _, r := range rr.order {
		if r.Expired(now) {
			expired = append(expired, r)
			delete(rr.byHash, r.PacketHash)
			continue
		}
		remaining = append(remaining, r)
	}
	rr.order = remaining
	rr.mu.Unlock()

	for _, r := range expired {
		r.Status = ReceiptFailed
		if r.OnTimeout != nil {
			r.OnTimeout()
		}
	}
}

// Len reports the number of outstanding receipts.
func (rr *ReceiptRing) Len() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.order)
}
