// Package iface defines the abstract Interface capability spec.md section 1
// deliberately leaves external: concrete serial/TCP/BLE/AutoInterface
// transports are out of scope, but every Interface must expose the same
// send/receive/announce-queue surface so Transport can treat them uniformly.
package iface

import (
	"sync"
	"time"

	"github.com/n9n/retikulo/internal/wire"
)

// Mode mirrors wire.Mode* and drives rebroadcast admissibility and
// path-expiry tiering in the transport package (spec.md section 4.5).
type Mode = int

const (
	ModeFull        = wire.ModeFull
	ModeAccessPoint = wire.ModeAccessPoint
	ModeRoaming     = wire.ModeRoaming
	ModeBoundary    = wire.ModeBoundary
	ModeGateway     = wire.ModeGateway
)

// Interface is the capability Transport depends on: send and receive framed
// bytes, with a rate-limited announce queue. Concrete transports (serial,
// TCP, BLE, ...) are out of scope per spec.md section 1 and implement this
// interface outside this module.
type Interface interface {
	// Name identifies the interface for logs and the receiving/outbound
	// interface fields recorded in Transport's tables.
	Name() string
	// Mode reports the interface's operating mode.
	Mode() Mode
	// Bitrate in bits/second, used to compute announce airtime (tx_time).
	Bitrate() float64
	// AnnounceCap is the fraction of airtime reserved for announce traffic.
	AnnounceCap() float64
	// Send transmits a framed packet. OOB errors (link down, etc.) are
	// returned but never panic.
	Send(frame []byte) error
	// IsLocalSharedInstance reports whether this interface is bound to a
	// local shared Reticulum instance (spec.md section 4.5: inbound hop
	// count is decremented instead of incremented for such interfaces).
	IsLocalSharedInstance() bool
}

// AnnounceQueue implements the airtime-bounded release policy of spec.md
// section 4.5: each interface carries an announce_cap (fraction of
// airtime); queued announces are released only as airtime budget permits,
// and stale entries older than maxAge are dropped. capacity <= 0 means
// unbounded (the "normal build" case); MCU builds pass a small positive
// capacity (16 in the spec).
type AnnounceQueue struct {
	mu          sync.Mutex
	capacity    int
	maxAge      time.Duration
	items       []queuedAnnounce
	lastRelease time.Time
	bitrate     float64
	cap         float64
}

type queuedAnnounce struct {
	frame     []byte
	queuedAt  time.Time
	sizeBytes int
}

// NewAnnounceQueue constructs a queue for an interface with the given
// bitrate (bits/sec) and announce cap (fraction of airtime, e.g. 0.02).
func NewAnnounceQueue(capacity int, maxAge time.Duration, bitrate, announceCap float64) *AnnounceQueue {
	return &AnnounceQueue{capacity: capacity, maxAge: maxAge, bitrate: bitrate, cap: announceCap}
}

// Enqueue adds frame to the queue, dropping the oldest entry if capacity is
// exceeded (bounded queues only).
func (q *AnnounceQueue) Enqueue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queuedAnnounce{frame: frame, queuedAt: time.Now(), sizeBytes: len(frame)})
	if q.capacity > 0 && len(q.items) > q.capacity {
		q.items = q.items[len(q.items)-q.capacity:]
	}
}

// txTime returns the airtime (seconds) a frame of sizeBytes would occupy at
// the configured bitrate: tx_time = (packet_size*8)/bitrate.
func (q *AnnounceQueue) txTime(sizeBytes int) time.Duration {
	if q.bitrate <= 0 {
		return 0
	}
	seconds := float64(sizeBytes*8) / q.bitrate
	return time.Duration(seconds * float64(time.Second))
}

// Release drops stale entries and returns the next frame to transmit, if the
// cap-derived inter-announce interval has elapsed since the last release.
// The released interval is tx_time/announce_cap, per spec.md section 4.5
// ("Announce cap" boundary behavior: a 20ms tx_time at cap 0.02 yields a 1s
// minimum gap between releases).
func (q *AnnounceQueue) Release(now time.Time) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxAge > 0 {
		fresh := q.items[:0]
		for _, it := range q.items {
			if now.Sub(it.queuedAt) <= q.maxAge {
				fresh = append(fresh, it)
			}
		}
		q.items = fresh
	}

	if len(q.items) == 0 {
		return nil, false
	}

	next := q.items[0]
	if q.cap > 0 {
		interval := time.Duration(float64(q.txTime(next.sizeBytes)) / q.cap)
		if !q.lastRelease.IsZero() && now.Sub(q.lastRelease) < interval {
			return nil, false
		}
	}

	q.items = q.items[1:]
	q.lastRelease = now
	return next.frame, true
}

// Len reports the number of queued announces.
func (q *AnnounceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
