// Package wire holds the byte-level constants and header bit layouts shared
// by the packet, transport and link packages. Keeping them here (rather than
// duplicated per package, or buried in an unexported const block) mirrors the
// way the protocol message constants in the teacher's BGP message layer are
// factored out from the structs that use them.
package wire

// Header byte 0 bit layout: HEADER_TYPE(2) | TRANSPORT_TYPE(2) | DESTINATION_TYPE(2) | PACKET_TYPE(2)
const (
	HeaderTypeShift    = 6
	TransportTypeShift = 4
	DestTypeShift      = 2
	PacketTypeShift    = 0

	HeaderTypeMask    = 0b11 << HeaderTypeShift
	TransportTypeMask = 0b11 << TransportTypeShift
	DestTypeMask      = 0b11 << DestTypeShift
	PacketTypeMask    = 0b11 << PacketTypeShift
)

// Header types.
const (
	HeaderType1 = 0 // no transport id present
	HeaderType2 = 1 // transport id present
)

// Transport types.
const (
	TransportBroadcast = 0
	TransportTransport = 1
)

// Destination types.
const (
	DestSingle = 0
	DestGroup  = 1
	DestPlain  = 2
	DestLink   = 3
)

// Packet types.
const (
	PacketData        = 0
	PacketAnnounce     = 1
	PacketLinkRequest  = 2
	PacketProof        = 3
)

// Context byte values.
const (
	ContextNone         = 0x00
	ContextResource     = 0x01
	ContextResourceAdv  = 0x02
	ContextResourceReq  = 0x03
	ContextResourceHMU  = 0x04
	ContextResourcePRF  = 0x05
	ContextResourceICL  = 0x06
	ContextResourceRCL  = 0x07
	ContextCacheRequest = 0x08
	ContextRequest      = 0x09
	ContextResponse     = 0x0A
	ContextPathResponse = 0x0B
	ContextCommand      = 0x0C
	ContextCommandStat  = 0x0D
	ContextKeepalive    = 0x0E
	ContextLinkIdentify = 0x0F
	ContextLinkClose    = 0x10
	ContextLinkProof    = 0x11
	ContextLRRTT        = 0x12
	ContextLRProof      = 0x13
	ContextChannel      = 0x14
)

// Fixed sizes, per spec section 3/6.1.
const (
	TruncatedHashSize = 16
	FullHashSize      = 32
	NameHashSize      = 10
	RatchetIDSize     = 10
	RandomHashSize    = 10
	HeaderMinSize     = 2 + TruncatedHashSize + 1 // flags, hop, dest hash, context

	X25519KeySize  = 32
	Ed25519PubSize = 32
	Ed25519SigSize = 64
	IdentityPubSize = X25519KeySize + Ed25519PubSize // 64
)

// HDLC framing bytes (stream interfaces).
const (
	HDLCFlag   = 0x7E
	HDLCEscape = 0x7D
	HDLCMask   = 0x20
)

// Interface modes, drawn from the original source's interface_mode_* constants
// (Transport.cpp) and used to tier announce rebroadcast admissibility and
// path-table expiry (spec section 4.5).
const (
	ModeFull = iota
	ModeAccessPoint
	ModeRoaming
	ModeBoundary
	ModeGateway
)

// PutUint16BE/GetUint16BE mirror the manual big-endian shifts the teacher
// uses inline (o.asNumber = (uint16(d[1])<<8)|uint16(d[2])) as small, named
// helpers instead of repeating the shift at every call site.
func PutUint16BE(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func GetUint16BE(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func PutUint40BE(b []byte, v uint64) {
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}

func GetUint40BE(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}
