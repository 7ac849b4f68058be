// Package link implements the Link session described in spec.md section
// 4.6: the ephemeral-X25519 handshake between two destinations, the
// resulting Fernet-style session cipher, and the PENDING -> HANDSHAKE ->
// ACTIVE -> STALE -> CLOSED state machine. A Link lazily attaches a
// channel.Channel and accepts resource.Resource registrations; it imports
// both of their packages directly since neither imports link back (see
// DESIGN.md on the layering).
package link

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"

	"github.com/n9n/retikulo/channel"
	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/crypto/fernet"
	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/metrics"
	"github.com/n9n/retikulo/packet"
)

var log = logrus.WithField("component", "link")

// State is a Link's position in the handshake/teardown state machine.
type State int

const (
	StatePending State = iota
	StateHandshake
	StateActive
	StateStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateHandshake:
		return "HANDSHAKE"
	case StateActive:
		return "ACTIVE"
	case StateStale:
		return "STALE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Sender is what Link needs from Transport to emit packets: send and learn
// the current MDU/path state. Defined here (rather than imported from
// transport) only for the send method's shape; in practice callers pass a
// *transport.Transport, which satisfies this structurally.
type Sender interface {
	Send(p *packet.Packet) error
}

// StaleTimeout is how long a Link may sit ACTIVE without any traffic before
// it is considered STALE (spec.md 4.6: "teardown ... by inactivity").
const StaleTimeout = 10 * time.Minute

// defaultMDU is the payload budget per DATA packet once framing overhead and
// the Fernet token nonce/tag are subtracted. Interfaces with a smaller MTU
// would report a tighter bound in a fuller implementation; this core treats
// it as a conservative constant (spec.md leaves interface MTU negotiation
// out of scope).
const defaultMDU = 384

// Link is a single encrypted session between two destinations.
type Link struct {
	mu sync.Mutex

	state       State
	isInitiator bool

	destinationHash [wire.TruncatedHashSize]byte
	linkID          [wire.TruncatedHashSize]byte

	localIdentity  *crypto.Identity // our identity, if we're the responder (destination owner)
	remoteIdentity *crypto.Identity // the peer's identity, once known

	ephPriv [wire.X25519KeySize]byte
	ephPub  [wire.X25519KeySize]byte
	peerPub [wire.X25519KeySize]byte

	sessionKey []byte

	sender            Sender
	receivingInterface string

	createdAt    time.Time
	lastActivity time.Time

	rttSamples []time.Duration

	channel   *channel.Channel
	resources map[[4]byte]interface{} // keyed by a caller-chosen resource tag; values are *resource.Resource from the resource package (stored as interface{} to avoid an import cycle with resource's own Carrier use of Link)

	establishedCB func(*Link)
	closedCB      func(*Link)
	packetCB      func(payload []byte)
	resourceAdvCB func(tag [4]byte, advertisement []byte)

	receiptsBySeq map[uint16]func(time.Duration)
}

// ErrNotActive is returned by Send/Encrypt/Decrypt when the link state does
// not yet (or no longer) support data traffic.
var ErrNotActive = errors.New("link: not in ACTIVE state")

func newEphemeral() ([wire.X25519KeySize]byte, [wire.X25519KeySize]byte, error) {
	var priv [wire.X25519KeySize]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, priv, err
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, priv, err
	}
	var pub [wire.X25519KeySize]byte
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// NewOutgoing constructs a PENDING Link as the initiator, addressed to
// destHash, and immediately sends the LINKREQUEST packet via sender.
func NewOutgoing(destHash [wire.TruncatedHashSize]byte, initiatorIdentity *crypto.Identity, sender Sender) (*Link, error) {
	priv, pub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	l := &Link{
		state:           StatePending,
		isInitiator:     true,
		destinationHash: destHash,
		localIdentity:   initiatorIdentity,
		ephPriv:         priv,
		ephPub:          pub,
		sender:          sender,
		createdAt:       time.Now(),
		lastActivity:    time.Now(),
		resources:       make(map[[4]byte]interface{}),
		receiptsBySeq:   make(map[uint16]func(time.Duration)),
	}

	req := buildLinkRequestPayload(initiatorIdentity, pub)
	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestLink,
		PacketType:      wire.PacketLinkRequest,
		DestinationHash: destHash,
		Context:         wire.ContextNone,
		Payload:         req,
	}
	p.Pack()
	// The link id is the truncated hash of the request packet itself, not of
	// the ephemeral key: a transit relay that never parses the (opaque to it)
	// payload still derives the same id by hashing the packet it forwards,
	// which lets it key link_table consistently with both endpoints.
	l.linkID = p.TruncatedHash()
	if err := sender.Send(p); err != nil {
		return nil, err
	}
	l.state = StateHandshake
	return l, nil
}

// buildLinkRequestPayload composes ephemeral_pub(32) || initiator_identity_pub(64) ||
// signature(64), where the signature covers ephemeral_pub. Carrying the
// initiator's identity inline (beyond spec.md 6.1's terser wire sketch)
// resolves the otherwise-unanswerable "verify against the requester's
// identity" requirement of spec.md 4.6: there is nowhere else in a 96-byte
// payload for that identity to come from. See DESIGN.md.
func buildLinkRequestPayload(initiator *crypto.Identity, ephPub [wire.X25519KeySize]byte) []byte {
	out := make([]byte, 0, wire.X25519KeySize+wire.IdentityPubSize+wire.Ed25519SigSize)
	out = append(out, ephPub[:]...)
	if initiator != nil {
		out = append(out, initiator.PublicBytes()...)
		if sig, err := initiator.Sign(ephPub[:]); err == nil {
			out = append(out, sig...)
		} else {
			out = append(out, make([]byte, wire.Ed25519SigSize)...)
		}
	} else {
		out = append(out, make([]byte, wire.IdentityPubSize+wire.Ed25519SigSize)...)
	}
	return out
}

// ParseLinkRequestPayload inverts buildLinkRequestPayload. The identity/
// signature are only verified if the initiator identity block is non-zero;
// an all-zero block means the request is unauthenticated, matching upstream
// Reticulum's asymmetric trust model (only the destination is authenticated,
// via the LRPROOF that follows).
func ParseLinkRequestPayload(payload []byte) (ephPub [wire.X25519KeySize]byte, initiator *crypto.Identity, ok bool) {
	want := wire.X25519KeySize + wire.IdentityPubSize + wire.Ed25519SigSize
	if len(payload) != want {
		return ephPub, nil, false
	}
	copy(ephPub[:], payload[:wire.X25519KeySize])
	idBytes := payload[wire.X25519KeySize : wire.X25519KeySize+wire.IdentityPubSize]
	sig := payload[wire.X25519KeySize+wire.IdentityPubSize:]

	if isAllZero(idBytes) {
		return ephPub, nil, true
	}
	id, err := crypto.LoadPublic(idBytes)
	if err != nil {
		return ephPub, nil, false
	}
	if !id.Validate(sig, ephPub[:]) {
		return ephPub, nil, false
	}
	return ephPub, id, true
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Accept constructs a HANDSHAKE-state Link as the responder: it validates
// the inbound LINKREQUEST, derives the shared secret with a freshly
// generated ephemeral keypair, sends the LRPROOF, and returns the link in
// StateActive (the handshake completes in one round trip on the responder
// side, matching spec.md 4.6).
func Accept(requestPacket *packet.Packet, owner *crypto.Identity, sender Sender, rxIface string) (*Link, error) {
	peerPub, initiatorID, ok := ParseLinkRequestPayload(requestPacket.Payload)
	if !ok {
		return nil, errors.New("link: malformed or unverifiable link request")
	}

	priv, pub, err := newEphemeral()
	if err != nil {
		return nil, err
	}

	l := &Link{
		state:              StateHandshake,
		isInitiator:        false,
		destinationHash:    requestPacket.DestinationHash,
		localIdentity:      owner,
		remoteIdentity:     initiatorID,
		ephPriv:            priv,
		ephPub:             pub,
		peerPub:            peerPub,
		sender:             sender,
		receivingInterface: rxIface,
		createdAt:          time.Now(),
		lastActivity:       time.Now(),
		resources:          make(map[[4]byte]interface{}),
		receiptsBySeq:      make(map[uint16]func(time.Duration)),
	}
	// Same packet, same id: the responder hashes the very request it just
	// received, matching what the initiator computed from its own copy and
	// what any transit relay recorded in link_table.
	l.linkID = requestPacket.TruncatedHash()

	if err := l.deriveSessionKey(); err != nil {
		return nil, err
	}

	sig, err := owner.Sign(append(append([]byte(nil), l.linkID[:]...), l.ephPub[:]...))
	if err != nil {
		return nil, err
	}
	proofPayload := make([]byte, 0, wire.Ed25519SigSize+wire.X25519KeySize)
	proofPayload = append(proofPayload, sig...)
	proofPayload = append(proofPayload, l.ephPub[:]...)

	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestLink,
		PacketType:      wire.PacketProof,
		DestinationHash: l.linkID,
		Context:         wire.ContextLRProof,
		Payload:         proofPayload,
	}
	p.Pack()
	if err := sender.Send(p); err != nil {
		return nil, err
	}

	l.state = StateActive
	return l, nil
}

// HandleProof is called by the initiator when an LRPROOF packet for this
// link arrives. It verifies the proof against the destination's identity
// (obtained from the process-wide known-destination cache, populated by the
// announce that made this link possible) and transitions to ACTIVE.
func (l *Link) HandleProof(p *packet.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateHandshake {
		return fmt.Errorf("link: proof received in state %s", l.state)
	}
	if len(p.Payload) != wire.Ed25519SigSize+wire.X25519KeySize {
		return errors.New("link: malformed LRPROOF payload")
	}
	sig := p.Payload[:wire.Ed25519SigSize]
	var peerPub [wire.X25519KeySize]byte
	copy(peerPub[:], p.Payload[wire.Ed25519SigSize:])

	destIdentity, ok := crypto.Recall(l.destinationHash)
	if !ok {
		return errors.New("link: no known identity for destination, cannot verify proof")
	}
	remote, err := crypto.LoadPublic(destIdentity.PublicKey)
	if err != nil {
		return err
	}
	signed := append(append([]byte(nil), l.linkID[:]...), peerPub[:]...)
	if !remote.Validate(sig, signed) {
		return errors.New("link: LRPROOF signature verification failed")
	}

	l.remoteIdentity = remote
	l.peerPub = peerPub
	if err := l.deriveSessionKey(); err != nil {
		return err
	}
	l.state = StateActive
	l.lastActivity = time.Now()
	if l.establishedCB != nil {
		l.establishedCB(l)
	}
	return nil
}

// deriveSessionKey implements spec.md 4.6: "Both sides then derive a
// session key via HKDF over the combined shared secret." Must be called
// with l.mu held.
func (l *Link) deriveSessionKey() error {
	shared, err := curve25519.X25519(l.ephPriv[:], l.peerPub[:])
	if err != nil {
		return err
	}
	key, err := crypto.DeriveLinkKey(shared, l.linkID[:])
	if err != nil {
		return err
	}
	l.sessionKey = key
	return nil
}

// SetLinkEstablishedCallback / SetLinkClosedCallback / SetPacketCallback
// implement spec.md 6.4's Link application-facing API.
func (l *Link) SetLinkEstablishedCallback(fn func(*Link)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.establishedCB = fn
}

func (l *Link) SetLinkClosedCallback(fn func(*Link)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closedCB = fn
}

func (l *Link) SetPacketCallback(fn func(payload []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.packetCB = fn
}

// State returns the link's current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ID returns the link id (truncated hash of the LINKREQUEST packet).
func (l *Link) ID() [wire.TruncatedHashSize]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linkID
}

// GetMDU returns the maximum data unit for a single encrypted payload on
// this link.
func (l *Link) GetMDU() int { return defaultMDU }

// MDU implements channel.Carrier.
func (l *Link) MDU() int { return l.GetMDU() }

// RTT returns the most recently recorded round-trip sample, or 0 when no
// sample has been recorded.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.rttSamples) == 0 {
		return 0
	}
	return l.rttSamples[len(l.rttSamples)-1]
}

// recordRTT appends a new sample, keeping the latest 16. Nothing in this
// module calls it, so RTT reports 0.
func (l *Link) recordRTT(sample time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rttSamples = append(l.rttSamples, sample)
	if len(l.rttSamples) > 16 {
		l.rttSamples = l.rttSamples[len(l.rttSamples)-16:]
	}
}

// Encrypt seals plaintext under the link's session key.
func (l *Link) Encrypt(plaintext []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return nil, ErrNotActive
	}
	return fernet.Seal(l.sessionKey, plaintext)
}

// Decrypt opens ciphertext sealed under the link's session key.
func (l *Link) Decrypt(ciphertext []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return nil, ErrNotActive
	}
	return fernet.Open(l.sessionKey, ciphertext)
}

// Send encrypts payload and emits it as a DATA packet addressed to this
// link's id, per spec.md 6.4's Link.send(bytes).
func (l *Link) Send(payload []byte) error {
	ct, err := l.Encrypt(payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	linkID := l.linkID
	sender := l.sender
	l.lastActivity = time.Now()
	l.mu.Unlock()

	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestLink,
		PacketType:      wire.PacketData,
		DestinationHash: linkID,
		Context:         wire.ContextNone,
		Payload:         ct,
	}
	p.Pack()
	return sender.Send(p)
}

// SendEnvelope implements channel.Carrier: it sends a channel envelope as a
// DATA packet with context CHANNEL.
func (l *Link) SendEnvelope(payload []byte) error {
	ct, err := l.Encrypt(payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	linkID := l.linkID
	sender := l.sender
	l.lastActivity = time.Now()
	l.mu.Unlock()

	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestLink,
		PacketType:      wire.PacketData,
		DestinationHash: linkID,
		Context:         wire.ContextChannel,
		Payload:         ct,
	}
	p.Pack()
	return sender.Send(p)
}

// resourcePoller is what RegisterResource requires of a registered transfer:
// periodic watchdog ticks, and dispatch of its own protocol traffic. The
// resource package's *Resource satisfies this structurally.
type resourcePoller interface {
	PollTimers(time.Time)
	HandleResourcePacket(context byte, payload []byte)
}

func isResourceContext(ctx byte) bool {
	switch ctx {
	case wire.ContextResource, wire.ContextResourceAdv, wire.ContextResourceReq,
		wire.ContextResourceHMU, wire.ContextResourcePRF, wire.ContextResourceICL, wire.ContextResourceRCL:
		return true
	}
	return false
}

// resourceTagSize is the length of the multiplexing tag (first 4 bytes of a
// resource_hash) every Resource protocol payload is prefixed with, so
// several transfers can share a single Link. spec.md 4.8 leaves this
// multiplexing detail unspecified; see DESIGN.md.
const resourceTagSize = 4

// Receive is called by the owner (destination/transport glue) for every
// inbound DATA packet addressed to this link's id. It decrypts and, based
// on context, forwards to the Channel, a registered Resource, or the raw
// packet callback.
//
// A RESOURCE part (context ContextResource) is the one exception: per
// spec.md 4.8 steps 3-4 its payload is a fragment of a ciphertext already
// sealed once over the whole transfer blob by resource.New, so it rides
// here untouched by this Link's own per-packet seal.
func (l *Link) Receive(p *packet.Packet) {
	if p.Context == wire.ContextResource {
		l.receiveResourcePart(p)
		return
	}

	pt, err := l.Decrypt(p.Payload)
	if err != nil || pt == nil {
		return
	}
	l.mu.Lock()
	l.lastActivity = time.Now()
	ch := l.channel
	cb := l.packetCB
	advCB := l.resourceAdvCB
	l.mu.Unlock()

	if p.Context == wire.ContextChannel && ch != nil {
		ch.HandleInbound(pt)
		return
	}

	if isResourceContext(p.Context) {
		if len(pt) < resourceTagSize {
			return
		}
		var tag [resourceTagSize]byte
		copy(tag[:], pt[:resourceTagSize])
		body := pt[resourceTagSize:]

		l.mu.Lock()
		r, ok := l.resources[tag]
		l.mu.Unlock()
		if ok {
			if rp, ok := r.(resourcePoller); ok {
				rp.HandleResourcePacket(p.Context, body)
			}
			return
		}
		if p.Context == wire.ContextResourceAdv && advCB != nil {
			advCB(tag, body)
		}
		return
	}

	if cb != nil {
		cb(pt)
	}
}

// receiveResourcePart routes one RESOURCE data fragment straight to its
// registered transfer, skipping this Link's own Encrypt/Decrypt: the
// fragment is a slice of a ciphertext resource.New already sealed once
// over the whole transfer blob, not a freshly Link-encrypted payload.
func (l *Link) receiveResourcePart(p *packet.Packet) {
	if len(p.Payload) < resourceTagSize {
		return
	}
	var tag [resourceTagSize]byte
	copy(tag[:], p.Payload[:resourceTagSize])
	body := p.Payload[resourceTagSize:]

	l.mu.Lock()
	l.lastActivity = time.Now()
	r, ok := l.resources[tag]
	l.mu.Unlock()
	if !ok {
		return
	}
	if rp, ok := r.(resourcePoller); ok {
		rp.HandleResourcePacket(p.Context, body)
	}
}

// SetResourceAdvertisedCallback installs the handler invoked when an inbound
// RESOURCE_ADV introduces a transfer this Link has no registered Resource
// for yet. The callback is expected to construct a receiver-side Resource
// and RegisterResource it under the same tag if it wishes to accept.
func (l *Link) SetResourceAdvertisedCallback(fn func(tag [4]byte, advertisement []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resourceAdvCB = fn
}

// SendResourcePacket emits payload, prefixed with tag, as a DATA packet
// carrying a RESOURCE_* context. Used by the resource package instead of
// Send/SendEnvelope since resource traffic needs a caller-chosen context
// byte and the multiplexing tag.
//
// A RESOURCE part (context ContextResource) is sent untouched by this
// Link's own Encrypt: resource.New already sealed it once as a fragment
// of the whole transfer's ciphertext (spec.md 4.8 steps 3-4). Every other
// RESOURCE_* context is a small control message and gets this Link's
// normal per-packet seal, same as Send/SendEnvelope.
func (l *Link) SendResourcePacket(tag [4]byte, context byte, payload []byte) error {
	framed := make([]byte, 0, resourceTagSize+len(payload))
	framed = append(framed, tag[:]...)
	framed = append(framed, payload...)

	ct := framed
	if context != wire.ContextResource {
		sealed, err := l.Encrypt(framed)
		if err != nil {
			return err
		}
		ct = sealed
	}
	l.mu.Lock()
	linkID := l.linkID
	sender := l.sender
	l.lastActivity = time.Now()
	l.mu.Unlock()

	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestLink,
		PacketType:      wire.PacketData,
		DestinationHash: linkID,
		Context:         context,
		Payload:         ct,
	}
	p.Pack()
	return sender.Send(p)
}

// Channel returns the lazily-attached Channel for this link, constructing
// one on first call (spec.md 4.6: "attach a Channel lazily").
func (l *Link) Channel(reg *metrics.Registry) *channel.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channel == nil {
		l.channel = channel.New(l, reg)
	}
	return l.channel
}

// RegisterResource attaches an in-flight Resource (sender or receiver side)
// under tag so PollTimers can drive its watchdog alongside the link's own
// maintenance and Receive can route RESOURCE_* traffic to it. The resource
// package's *Resource type satisfies both PollTimers and HandleResourcePacket
// structurally; stored as interface{} to keep resource from needing to
// import link.
func (l *Link) RegisterResource(tag [4]byte, r interface{ PollTimers(time.Time) }) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources[tag] = r
}

// Teardown explicitly closes the link (spec.md 6.4's Link.teardown()).
func (l *Link) Teardown() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	cb := l.closedCB
	l.mu.Unlock()
	if cb != nil {
		cb(l)
	}
}

// PollIdle transitions an ACTIVE link to STALE once it has been quiet for
// longer than StaleTimeout, and ticks any attached Channel's retransmit
// timers. Called from the owner's periodic job loop.
func (l *Link) PollIdle(now time.Time) {
	l.mu.Lock()
	if l.state == StateActive && now.Sub(l.lastActivity) > StaleTimeout {
		l.state = StateStale
	}
	ch := l.channel
	resources := make([]interface{ PollTimers(time.Time) }, 0, len(l.resources))
	for _, r := range l.resources {
		if rr, ok := r.(interface{ PollTimers(time.Time) }); ok {
			resources = append(resources, rr)
		}
	}
	l.mu.Unlock()

	if ch != nil {
		ch.PollRetransmits(now)
	}
	for _, r := range resources {
		r.PollTimers(now)
	}
}

// DestinationHash returns the destination this link was established to.
func (l *Link) DestinationHash() [wire.TruncatedHashSize]byte { return l.destinationHash }

// IsInitiator reports whether this side opened the link.
func (l *Link) IsInitiator() bool { return l.isInitiator }

// CreatedAt returns when this link was established, used by a destination to
// evict the oldest of its active links once a bound is reached.
func (l *Link) CreatedAt() time.Time { return l.createdAt }

// RemoteIdentity returns the peer's identity once known: for an initiator,
// the destination identity set by a successful HandleProof; for a
// responder, the initiator identity carried in the LINKREQUEST, set on
// construction. Nil on a responder whose initiator was anonymous, and on an
// initiator before HandleProof succeeds.
func (l *Link) RemoteIdentity() *crypto.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteIdentity
}
