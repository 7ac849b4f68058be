// Package packet implements the wire format and framing rules of spec.md
// section 6.1: header composition, pack/unpack, hop counting, and the
// content hash used for duplicate suppression and proof correlation. The
// manual byte-slice composition style (rather than encoding/binary structs)
// follows the teacher's message.go, whose open/update/notification types all
// build their wire form with direct index/shift/append instead of a codec
// library.
package packet

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/n9n/retikulo/internal/wire"
)

// ErrTooShort is returned by Unpack when b is shorter than the minimum
// valid header.
var ErrTooShort = errors.New("packet: buffer shorter than minimum header size")

// Packet is the immutable-after-Pack wire unit described in spec.md section 3.
type Packet struct {
	HeaderType    int // wire.HeaderType1 / HeaderType2
	TransportType int // wire.TransportBroadcast / TransportTransport
	DestType      int // wire.DestSingle / Group / Plain / Link
	PacketType    int // wire.PacketData / Announce / LinkRequest / Proof
	Hops          uint8

	TransportID     [wire.TruncatedHashSize]byte
	HasTransportID  bool
	DestinationHash [wire.TruncatedHashSize]byte
	Context         byte
	Payload         []byte

	// ReceivingInterface/OutboundInterface are local bookkeeping set by the
	// transport layer; they are never part of the wire form or the hash.
	ReceivingInterface string
	OutboundInterface  string

	raw       []byte
	hash      [wire.FullHashSize]byte
	hashValid bool
}

func (p *Packet) headerByte0() byte {
	b := byte(p.HeaderType<<wire.HeaderTypeShift) |
		byte(p.TransportType<<wire.TransportTypeShift) |
		byte(p.DestType<<wire.DestTypeShift) |
		byte(p.PacketType<<wire.PacketTypeShift)
	return b
}

// Pack composes the wire representation and caches it for Resend. It also
// (re)computes the content hash. Per invariant 1, the hash depends only on
// the "hashable part": the header byte with its mutable HEADER_TYPE and
// TRANSPORT_TYPE bits masked out, the destination hash, the context byte and
// the payload — never the hop count or transport id, both of which change as
// the packet is forwarded.
func (p *Packet) Pack() []byte {
	out := make([]byte, 0, 2+wire.TruncatedHashSize*2+1+len(p.Payload))
	out = append(out, p.headerByte0(), p.Hops)
	if p.HeaderType == wire.HeaderType2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, p.DestinationHash[:]...)
	out = append(out, p.Context)
	out = append(out, p.Payload...)

	p.raw = out
	p.updateHash()
	return out
}

// Unpack parses b into a new Packet.
func Unpack(b []byte) (*Packet, error) {
	if len(b) < wire.HeaderMinSize {
		return nil, ErrTooShort
	}
	p := &Packet{}
	h0 := b[0]
	p.HeaderType = int(h0&wire.HeaderTypeMask) >> wire.HeaderTypeShift
	p.TransportType = int(h0&wire.TransportTypeMask) >> wire.TransportTypeShift
	p.DestType = int(h0&wire.DestTypeMask) >> wire.DestTypeShift
	p.PacketType = int(h0&wire.PacketTypeMask) >> wire.PacketTypeShift
	p.Hops = b[1]

	off := 2
	if p.HeaderType == wire.HeaderType2 {
		if len(b) < off+wire.TruncatedHashSize {
			return nil, ErrTooShort
		}
		copy(p.TransportID[:], b[off:off+wire.TruncatedHashSize])
		p.HasTransportID = true
		off += wire.TruncatedHashSize
	}

	if len(b) < off+wire.TruncatedHashSize+1 {
		return nil, ErrTooShort
	}
	copy(p.DestinationHash[:], b[off:off+wire.TruncatedHashSize])
	off += wire.TruncatedHashSize
	p.Context = b[off]
	off++
	p.Payload = append([]byte(nil), b[off:]...)

	p.raw = append([]byte(nil), b...)
	p.updateHash()
	return p, nil
}

func (p *Packet) hashableBytes() []byte {
	maskedHeader := p.headerByte0() &^ byte(wire.HeaderTypeMask|wire.TransportTypeMask)
	buf := make([]byte, 0, 1+wire.TruncatedHashSize+1+len(p.Payload))
	buf = append(buf, maskedHeader)
	buf = append(buf, p.DestinationHash[:]...)
	buf = append(buf, p.Context)
	buf = append(buf, p.Payload...)
	return buf
}

func (p *Packet) updateHash() {
	p.hash = sha256.Sum256(p.hashableBytes())
	p.hashValid = true
}

// Hash returns the full 32-byte content hash, computing it first if Pack or
// Unpack has not already been called.
func (p *Packet) Hash() [wire.FullHashSize]byte {
	if !p.hashValid {
		p.updateHash()
	}
	return p.hash
}

// TruncatedHash returns the first 16 bytes of Hash, used as the key in
// Transport's reverse_table and link_table.
func (p *Packet) TruncatedHash() [wire.TruncatedHashSize]byte {
	full := p.Hash()
	var out [wire.TruncatedHashSize]byte
	copy(out[:], full[:])
	return out
}

// SetHops mutates the hop count in place, including the cached raw bytes if
// Pack has already run, without touching the content hash (invariant 1:
// incrementing Hops must never change Hash()).
func (p *Packet) SetHops(hops uint8) {
	p.Hops = hops
	if p.raw != nil {
		p.raw[1] = hops
	}
}

// IncrementHop increments the hop count by one, saturating at 255.
func (p *Packet) IncrementHop() {
	if p.Hops < 255 {
		p.SetHops(p.Hops + 1)
	}
}

// DecrementHop decrements the hop count by one, floored at 0. Used when a
// packet arrives on an interface bound to a local shared instance (spec.md
// section 4.5).
func (p *Packet) DecrementHop() {
	if p.Hops > 0 {
		p.SetHops(p.Hops - 1)
	}
}

// SetTransportID rewrites the HEADER_2 transport id in place (used during
// transit rewriting) and keeps the cached raw bytes consistent. It does not
// change HeaderType; callers that need to convert HEADER_2 to HEADER_1
// should use StripTransportHeader.
func (p *Packet) SetTransportID(id [wire.TruncatedHashSize]byte) {
	p.TransportID = id
	p.HasTransportID = true
	if p.raw != nil && p.HeaderType == wire.HeaderType2 {
		copy(p.raw[2:2+wire.TruncatedHashSize], id[:])
	}
}

// StripTransportHeader converts a HEADER_2 packet to HEADER_1 (spec.md 4.5,
// "remaining_hops == 1": strip transport headers and forward). It re-packs
// the raw bytes; the content hash is unaffected since HEADER_TYPE is masked
// out of the hashable part.
func (p *Packet) StripTransportHeader() {
	p.HeaderType = wire.HeaderType1
	p.HasTransportID = false
	p.Pack()
}

// PromoteToTransport converts a HEADER_1 packet to HEADER_2, stamping the
// given transport id. Used when rebroadcasting an adopted announce.
func (p *Packet) PromoteToTransport(id [wire.TruncatedHashSize]byte) {
	p.HeaderType = wire.HeaderType2
	p.TransportID = id
	p.HasTransportID = true
	p.Pack()
}

// Raw returns the most recently packed wire bytes, or nil if Pack/Unpack has
// not run. Used by Packet.Resend semantics (spec.md 4.4).
func (p *Packet) Raw() []byte { return p.raw }

// Clone returns a deep copy suitable for independent mutation (e.g. transit
// rewriting one outbound copy per interface without corrupting others).
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	c.raw = append([]byte(nil), p.raw...)
	return &c
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{type=%d dest=%x hops=%d ctx=%x}", p.PacketType, p.DestinationHash, p.Hops, p.Context)
}
