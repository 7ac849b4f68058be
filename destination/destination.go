// Package destination implements the named, cryptographically identified
// endpoint of spec.md section 4.3: construction validation, announce
// emission with its tagged path-response cache, inbound dispatch (link
// requests, data, the synthetic path-response signal Transport raises on a
// matching path.request), decrypt (trying the ratchet ring before falling
// back to Identity), and proof handling gated by a proof strategy. It sits
// above both transport and link, the way the teacher's BGP session type
// sits above its message codec and its peer/FSM bookkeeping: glue that
// knows the shapes of the layers below it without either of them knowing
// about it.
package destination

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/n9n/retikulo/channel"
	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/link"
	"github.com/n9n/retikulo/metrics"
	"github.com/n9n/retikulo/packet"
	"github.com/n9n/retikulo/transport"
)

var log = logrus.WithField("component", "destination")

// ProofStrategy controls whether and how Destination answers DATA packets
// with a PROOF, mirroring the PROVE_NONE / PROVE_APP / PROVE_ALL policy
// named (but not detailed) by upstream Reticulum and referenced obliquely
// by spec.md 4.3's "proof handling per proof_strategy". See DESIGN.md.
type ProofStrategy int

const (
	ProofNone ProofStrategy = iota
	ProofApp
	ProofAll
)

// RequestPolicy mirrors original_source/Destination.cpp's
// ALLOW_NONE/ALLOW_ALL/ALLOW_LIST request-handler gating.
type RequestPolicy int

const (
	AllowNone RequestPolicy = iota
	AllowAll
	AllowList
)

// Bounds on the per-destination fixed-capacity tables spec.md section 4.3
// names without assigning numbers to ("a bounded set of outstanding
// path-response cache slots ... a bounded set of request handlers ... its
// set of active inbound Links"). See DESIGN.md.
const (
	maxActiveLinks  = 64
	prCacheCapacity = 16
	prTagWindow     = 30 * time.Second

	// DefaultRatchetInterval is how often RotateRatchets considers a
	// rotation due when not forced.
	DefaultRatchetInterval = 30 * time.Minute
)

var (
	ErrAppNameContainsDot       = errors.New("destination: app_name must not contain '.'")
	ErrPlainCannotCarryIdentity = errors.New("destination: PLAIN destinations cannot carry an Identity")
	ErrAnnounceNotAllowed       = errors.New("destination: only an IN/SINGLE destination may announce")
	ErrLinkRequiresSingle       = errors.New("destination: links may only be opened to a SINGLE destination")
	ErrRatchetsNotEnabled       = errors.New("destination: ratchets are not enabled on this destination")
)

type pathResponseCacheEntry struct {
	announceData []byte
	created      time.Time
}

type requestHandlerEntry struct {
	path        string
	allow       RequestPolicy
	allowedList map[[wire.TruncatedHashSize]byte]bool
	generator   RequestGenerator
}

// RequestGenerator answers an inbound request. Returning nil sends no
// response, matching original_source's response_generator convention.
type RequestGenerator func(path string, data []byte, requestID [16]byte, linkID [wire.TruncatedHashSize]byte, remoteIdentity *crypto.Identity) []byte

// Destination is a named, cryptographically identified endpoint.
type Destination struct {
	mu sync.Mutex

	identity  *crypto.Identity
	direction int
	destType  int
	appName   string
	aspects   []string
	nameHash  [wire.NameHashSize]byte
	hash      [wire.TruncatedHashSize]byte

	transport *transport.Transport
	metrics   *metrics.Registry

	ratchets            *crypto.RatchetRing
	ratchetsEnabled     bool
	ratchetInterval     time.Duration
	lastRatchetRotation time.Time

	proofStrategy      ProofStrategy
	implicitProof      bool
	acceptLinkRequests bool

	links map[[wire.TruncatedHashSize]byte]*link.Link

	requestHandlers map[[wire.TruncatedHashSize]byte]*requestHandlerEntry

	prCache map[string]pathResponseCacheEntry
	prOrder []string
	lastAppData []byte

	packetCB          func(payload []byte, p *packet.Packet)
	linkEstablishedCB func(*link.Link)
	proofRequestedCB  func(*packet.Packet) bool
}

// New constructs a Destination and, for an IN direction, registers it with
// tr so inbound packets addressed to its hash are delivered here (spec.md
// 4.3: "Registers itself with Transport on construction (IN direction)").
func New(identity *crypto.Identity, direction, destType int, tr *transport.Transport, reg *metrics.Registry, appName string, aspects ...string) (*Destination, error) {
	if strings.Contains(appName, ".") {
		return nil, ErrAppNameContainsDot
	}
	if destType == wire.DestPlain && identity != nil {
		return nil, ErrPlainCannotCarryIdentity
	}

	nameHash := crypto.NameHash(appName, aspects)
	var destHash [wire.TruncatedHashSize]byte
	if identity != nil {
		identityHash := identity.Hash()
		destHash = crypto.Truncate(nameHash[:], identityHash[:])
	} else {
		destHash = crypto.Truncate(nameHash[:])
	}

	d := &Destination{
		identity:           identity,
		direction:          direction,
		destType:           destType,
		appName:            appName,
		aspects:            aspects,
		nameHash:           nameHash,
		hash:               destHash,
		transport:          tr,
		metrics:            reg,
		acceptLinkRequests: true,
		links:              make(map[[wire.TruncatedHashSize]byte]*link.Link),
		requestHandlers:    make(map[[wire.TruncatedHashSize]byte]*requestHandlerEntry),
		prCache:            make(map[string]pathResponseCacheEntry),
	}
	if tr != nil {
		d.implicitProof = tr.Config().UseImplicitProof
	}

	if direction == transport.DirectionIn && tr != nil {
		tr.RegisterDestination(transport.LocalDestination{
			Hash:      destHash,
			Direction: direction,
			DestType:  destType,
			Identity:  identity,
			Receive:   d.Receive,
			AppName:   appName,
		})
	}
	return d, nil
}

// Hash returns this destination's 16-byte address.
func (d *Destination) Hash() [wire.TruncatedHashSize]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hash
}

// Identity returns the destination's Identity, or nil for PLAIN/anonymous.
func (d *Destination) Identity() *crypto.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// AppName returns the destination's app name.
func (d *Destination) AppName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appName
}

// SetPacketCallback installs the handler for decrypted inbound DATA
// payloads not claimed by the request/response dispatch.
func (d *Destination) SetPacketCallback(fn func(payload []byte, p *packet.Packet)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packetCB = fn
}

// SetLinkEstablishedCallback installs the handler invoked whenever an
// inbound LINKREQUEST completes the handshake against this destination.
func (d *Destination) SetLinkEstablishedCallback(fn func(*link.Link)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkEstablishedCB = fn
}

// SetProofRequestedCallback installs the gate consulted under ProofApp: the
// callback decides, per packet, whether to proceed with proof generation.
func (d *Destination) SetProofRequestedCallback(fn func(*packet.Packet) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proofRequestedCB = fn
}

// SetProofStrategy controls whether Receive answers inbound DATA with a PROOF.
func (d *Destination) SetProofStrategy(s ProofStrategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proofStrategy = s
}

// SetImplicitProof toggles the shortened sig-only proof form named by
// spec.md section 9's "implicit proof" open question; off by default.
func (d *Destination) SetImplicitProof(b bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.implicitProof = b
}

// SetAcceptLinkRequests gates whether inbound LINKREQUESTs are honored,
// mirroring original_source's _accept_link_requests flag.
func (d *Destination) SetAcceptLinkRequests(b bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acceptLinkRequests = b
}

// EnableRatchets turns on forward-secret encryption for this destination:
// announces will include the most recently rotated ratchet's public key,
// and Receive will try the retained ring before falling back to Identity.
func (d *Destination) EnableRatchets(rotationInterval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ratchets == nil {
		d.ratchets = &crypto.RatchetRing{}
	}
	d.ratchetsEnabled = true
	if rotationInterval <= 0 {
		rotationInterval = DefaultRatchetInterval
	}
	d.ratchetInterval = rotationInterval
}

// RotateRatchets generates a fresh ratchet if forced, or if none exists yet,
// or if the rotation interval has elapsed since the last rotation.
func (d *Destination) RotateRatchets(force bool) error {
	d.mu.Lock()
	if !d.ratchetsEnabled {
		d.mu.Unlock()
		return ErrRatchetsNotEnabled
	}
	due := force || d.ratchets.Latest() == nil || time.Since(d.lastRatchetRotation) >= d.ratchetInterval
	d.mu.Unlock()
	if !due {
		return nil
	}

	r, err := crypto.NewRatchet()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.ratchets.Add(r)
	d.lastRatchetRotation = time.Now()
	d.mu.Unlock()
	return nil
}

// currentRatchetPublicLocked returns the most recent ratchet's public key
// for embedding in an announce. Caller must hold d.mu.
func (d *Destination) currentRatchetPublicLocked() *[wire.X25519KeySize]byte {
	if d.ratchets == nil {
		return nil
	}
	latest := d.ratchets.Latest()
	if latest == nil {
		return nil
	}
	pub := latest.Public()
	return &pub
}

func buildRandomHash() ([wire.RandomHashSize]byte, error) {
	var rh [wire.RandomHashSize]byte
	if _, err := rand.Read(rh[:5]); err != nil {
		return rh, err
	}
	wire.PutUint40BE(rh[5:], uint64(time.Now().Unix()))
	return rh, nil
}

// cachedAnnounce returns the previously built announce_data for tag, if it
// is still within prTagWindow, so a multipath responder can reuse exactly
// the same bytes (spec.md 4.3: "the same announce_data reused so multipath
// detection is possible").
func (d *Destination) cachedAnnounce(tag []byte) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := string(tag)
	e, ok := d.prCache[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.created) > prTagWindow {
		delete(d.prCache, key)
		return nil, false
	}
	return e.announceData, true
}

// cachePathResponse records announce_data under tag, evicting the oldest
// slot once prCacheCapacity is reached.
func (d *Destination) cachePathResponse(tag []byte, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := string(tag)
	if _, exists := d.prCache[key]; !exists {
		d.prOrder = append(d.prOrder, key)
		if len(d.prOrder) > prCacheCapacity {
			oldest := d.prOrder[0]
			d.prOrder = d.prOrder[1:]
			delete(d.prCache, oldest)
		}
	}
	d.prCache[key] = pathResponseCacheEntry{announceData: append([]byte(nil), data...), created: time.Now()}
}

// Announce implements spec.md 4.3: builds and signs announce_data (reusing
// the tagged cache slot when pathResponse requests it), then emits it as an
// ANNOUNCE packet. Only an IN/SINGLE destination may announce.
func (d *Destination) Announce(appData []byte, pathResponse bool, tag []byte) error {
	d.mu.Lock()
	if d.direction != transport.DirectionIn || d.destType != wire.DestSingle {
		d.mu.Unlock()
		return ErrAnnounceNotAllowed
	}
	identity := d.identity
	nameHash := d.nameHash
	destHash := d.hash
	ratchetPub := d.currentRatchetPublicLocked()
	tr := d.transport
	d.lastAppData = append([]byte(nil), appData...)
	d.mu.Unlock()

	if identity == nil {
		return errors.New("destination: cannot announce without an Identity")
	}

	var announceData []byte
	if pathResponse && len(tag) > 0 {
		if cached, ok := d.cachedAnnounce(tag); ok {
			announceData = cached
		}
	}
	if announceData == nil {
		randomHash, err := buildRandomHash()
		if err != nil {
			return err
		}
		signed := packet.SignedAnnounceData(destHash, identity, nameHash, randomHash, appData)
		sig, err := identity.Sign(signed)
		if err != nil {
			return err
		}
		announceData = packet.BuildAnnouncePayload(identity, nameHash, randomHash, sig, ratchetPub, appData)
		if len(tag) > 0 {
			d.cachePathResponse(tag, announceData)
		}
	}

	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestSingle,
		PacketType:      wire.PacketAnnounce,
		DestinationHash: destHash,
		Context:         wire.ContextNone,
		Payload:         announceData,
	}
	if pathResponse {
		p.Context = wire.ContextPathResponse
	}
	p.Pack()

	if tr == nil {
		return errors.New("destination: no transport attached")
	}
	return tr.Send(p)
}

// Receive is registered as this destination's LocalDestination.Receive
// closure (IN direction only) and is also called directly by application
// code relaying packets it obtained some other way.
func (d *Destination) Receive(p *packet.Packet) {
	switch p.PacketType {
	case wire.PacketLinkRequest:
		d.handleLinkRequest(p)
	case wire.PacketData:
		if p.Context == wire.ContextPathResponse {
			// Transport's synthetic signal (see transport.HandlePathRequest):
			// Payload carries the requester's tag, not ciphertext.
			d.handlePathResponseSignal(p.Payload)
			return
		}
		d.handleData(p)
	case wire.PacketProof:
		// Proofs route back to their originator via Transport's reverse/link
		// tables, never to a destination hash directly; present only for
		// switch completeness.
	}
}

func (d *Destination) handlePathResponseSignal(tag []byte) {
	d.mu.Lock()
	appData := d.lastAppData
	d.mu.Unlock()
	if err := d.Announce(appData, true, tag); err != nil {
		log.WithError(err).Debug("failed to emit path-response announce")
	}
}

// decrypt tries every retained ratchet before falling back to Identity
// decryption, since the wire format gives no field disambiguating which key
// material a SINGLE DATA packet was encrypted against (see DESIGN.md).
func (d *Destination) decrypt(ciphertext []byte) ([]byte, bool) {
	if len(ciphertext) < wire.X25519KeySize {
		return nil, false
	}
	d.mu.Lock()
	ratchets := d.ratchets
	identity := d.identity
	d.mu.Unlock()

	var peerPub [wire.X25519KeySize]byte
	copy(peerPub[:], ciphertext[:wire.X25519KeySize])
	token := ciphertext[wire.X25519KeySize:]

	if ratchets != nil {
		if pt, ok := ratchets.TryDecrypt(peerPub, token); ok {
			return pt, true
		}
	}
	if identity == nil || !identity.HasPrivateKey() {
		return nil, false
	}
	pt, err := identity.Decrypt(ciphertext)
	if err != nil || pt == nil {
		return nil, false
	}
	return pt, true
}

func (d *Destination) handleData(p *packet.Packet) {
	plaintext, ok := d.decrypt(p.Payload)
	if !ok {
		return
	}

	d.mu.Lock()
	cb := d.packetCB
	d.mu.Unlock()
	if cb != nil {
		cb(plaintext, p)
	}

	d.maybeProof(p)
}

// maybeProof answers p with a PROOF when the destination's proof strategy
// calls for it. The proved packet's own destination_hash field becomes the
// truncated hash of p, the established convention Transport's Send/handleProof
// use to route a locally-originated proof via reverseTable/linkTable exactly
// as they would a transit-relayed one.
func (d *Destination) maybeProof(p *packet.Packet) {
	d.mu.Lock()
	strategy := d.proofStrategy
	implicit := d.implicitProof
	identity := d.identity
	cb := d.proofRequestedCB
	tr := d.transport
	d.mu.Unlock()

	if strategy == ProofNone {
		return
	}
	if strategy == ProofApp && (cb == nil || !cb(p)) {
		return
	}
	if identity == nil || !identity.HasPrivateKey() || tr == nil {
		return
	}

	truncated := p.TruncatedHash()
	sig, err := identity.Sign(truncated[:])
	if err != nil {
		log.WithError(err).Debug("failed to sign proof")
		return
	}
	payload := sig
	if !implicit {
		payload = append(append([]byte(nil), sig...), identity.PublicBytes()...)
	}

	proof := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestSingle,
		PacketType:      wire.PacketProof,
		DestinationHash: truncated,
		Context:         wire.ContextNone,
		Payload:         payload,
	}
	proof.Pack()
	if err := tr.Send(proof); err != nil {
		log.WithError(err).Debug("failed to send proof")
	}
}

// handleLinkRequest accepts an inbound LINKREQUEST against this destination
// (if link requests are currently accepted) and wires the resulting Link
// for request/response dispatch before notifying the established callback.
func (d *Destination) handleLinkRequest(p *packet.Packet) {
	d.mu.Lock()
	accept := d.acceptLinkRequests
	identity := d.identity
	tr := d.transport
	established := d.linkEstablishedCB
	d.mu.Unlock()

	if !accept || identity == nil || !identity.HasPrivateKey() {
		return
	}

	l, err := link.Accept(p, identity, tr, p.ReceivingInterface)
	if err != nil {
		log.WithError(err).Debug("rejecting malformed link request")
		return
	}
	d.registerLink(l)
	d.wireLinkForRequests(l)
	if established != nil {
		established(l)
	}
}

// OpenLink initiates a Link to this destination, which must be SINGLE.
// requesterIdentity authenticates the request to the remote destination's
// owner and may be nil for an anonymous request.
func (d *Destination) OpenLink(requesterIdentity *crypto.Identity) (*link.Link, error) {
	d.mu.Lock()
	if d.destType != wire.DestSingle {
		d.mu.Unlock()
		return nil, ErrLinkRequiresSingle
	}
	destHash := d.hash
	tr := d.transport
	d.mu.Unlock()

	l, err := link.NewOutgoing(destHash, requesterIdentity, tr)
	if err != nil {
		return nil, err
	}
	d.registerLink(l)
	return l, nil
}

func (d *Destination) registerLink(l *link.Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) >= maxActiveLinks {
		d.evictOldestLinkLocked()
	}
	d.links[l.ID()] = l
}

func (d *Destination) evictOldestLinkLocked() {
	var oldestID [wire.TruncatedHashSize]byte
	var oldestTime time.Time
	first := true
	for id, l := range d.links {
		if first || l.CreatedAt().Before(oldestTime) {
			oldestID, oldestTime, first = id, l.CreatedAt(), false
		}
	}
	if !first {
		delete(d.links, oldestID)
	}
}

// PollLinks drains links that have reached CLOSED and ticks idle timers on
// the rest, mirroring spec.md 4.5's periodic "walk active links; CLOSED ->
// drop" job at the destination's own scope.
func (d *Destination) PollLinks(now time.Time) {
	d.mu.Lock()
	links := make([]*link.Link, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	d.mu.Unlock()

	for _, l := range links {
		l.PollIdle(now)
		if l.State() == link.StateClosed {
			d.mu.Lock()
			delete(d.links, l.ID())
			d.mu.Unlock()
		}
	}
}

// ActiveLinkCount reports the number of links currently tracked.
func (d *Destination) ActiveLinkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

// ---- Request/response -------------------------------------------------
//
// spec.md 4.3 names "a bounded set of request handlers" on Destination
// without specifying a wire format; original_source/Destination.cpp shows
// path-hash-keyed handlers with an ALLOW_NONE/ALLOW_ALL/ALLOW_LIST policy
// and a response_generator(path, data, request_id, link_id, remote_identity).
// Rather than inventing a third ad-hoc wire framing alongside Channel's
// and Resource's, requests and responses are carried as two system-range
// Channel message types on the serving Link, reusing its ordering,
// retransmission and window machinery outright.

const (
	requestMsgType  uint16 = channel.SystemTypeMin + 0x10
	responseMsgType uint16 = channel.SystemTypeMin + 0x11
)

type requestMessage struct {
	RequestID [16]byte
	Path      string
	Data      []byte
}

func (m *requestMessage) Type() uint16 { return requestMsgType }

func (m *requestMessage) MarshalBinary() ([]byte, error) {
	pathB := []byte(m.Path)
	if len(pathB) > 255 {
		return nil, errors.New("destination: request path longer than 255 bytes")
	}
	out := make([]byte, 0, 16+1+len(pathB)+len(m.Data))
	out = append(out, m.RequestID[:]...)
	out = append(out, byte(len(pathB)))
	out = append(out, pathB...)
	out = append(out, m.Data...)
	return out, nil
}

func (m *requestMessage) UnmarshalBinary(b []byte) error {
	if len(b) < 17 {
		return fmt.Errorf("destination: request message too short (%d bytes)", len(b))
	}
	copy(m.RequestID[:], b[:16])
	pl := int(b[16])
	if len(b) < 17+pl {
		return errors.New("destination: request message path length exceeds payload")
	}
	m.Path = string(b[17 : 17+pl])
	m.Data = append([]byte(nil), b[17+pl:]...)
	return nil
}

type responseMessage struct {
	RequestID [16]byte
	Data      []byte
}

func (m *responseMessage) Type() uint16 { return responseMsgType }

func (m *responseMessage) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 16+len(m.Data))
	out = append(out, m.RequestID[:]...)
	out = append(out, m.Data...)
	return out, nil
}

func (m *responseMessage) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return fmt.Errorf("destination: response message too short (%d bytes)", len(b))
	}
	copy(m.RequestID[:], b[:16])
	m.Data = append([]byte(nil), b[16:]...)
	return nil
}

// RegisterRequestHandler installs a handler for path, gated by allow. For
// AllowList, allowedIdentityHashes restricts which requesters' identity
// hashes are served.
func (d *Destination) RegisterRequestHandler(path string, allow RequestPolicy, allowedIdentityHashes [][wire.TruncatedHashSize]byte, generator RequestGenerator) {
	key := crypto.Truncate([]byte(path))
	entry := &requestHandlerEntry{path: path, allow: allow, generator: generator}
	if allow == AllowList {
		entry.allowedList = make(map[[wire.TruncatedHashSize]byte]bool, len(allowedIdentityHashes))
		for _, h := range allowedIdentityHashes {
			entry.allowedList[h] = true
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestHandlers[key] = entry
}

// DeregisterRequestHandler removes a previously registered handler.
func (d *Destination) DeregisterRequestHandler(path string) {
	key := crypto.Truncate([]byte(path))
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.requestHandlers, key)
}

// wireLinkForRequests installs the request/response message types and
// dispatch handler on l's Channel. Safe to call even if a prior call
// already registered the types: duplicate registration is ignored.
func (d *Destination) wireLinkForRequests(l *link.Link) {
	ch := l.Channel(d.metrics)
	_ = ch.RegisterMessageType(func() channel.Message { return &requestMessage{} }, true)
	_ = ch.RegisterMessageType(func() channel.Message { return &responseMessage{} }, true)
	ch.AddMessageHandler(func(m channel.Message) bool {
		req, ok := m.(*requestMessage)
		if !ok {
			return false
		}
		d.handleRequest(l, ch, req)
		return true
	})
}

func (d *Destination) handleRequest(l *link.Link, ch *channel.Channel, req *requestMessage) {
	key := crypto.Truncate([]byte(req.Path))
	d.mu.Lock()
	entry, ok := d.requestHandlers[key]
	d.mu.Unlock()
	if !ok || entry.allow == AllowNone {
		return
	}

	remote := l.RemoteIdentity()
	if entry.allow == AllowList {
		if remote == nil {
			return
		}
		if !entry.allowedList[remote.Hash()] {
			return
		}
	}

	data := entry.generator(req.Path, req.Data, req.RequestID, l.ID(), remote)
	if data == nil {
		return
	}
	resp := &responseMessage{RequestID: req.RequestID, Data: data}
	if err := ch.Send(resp); err != nil {
		log.WithError(err).Debug("failed to send request response")
	}
}

// SendRequest issues a request over an established Link to this destination
// and invokes onResponse with the response data once it arrives. The Link's
// Channel is reused, registering the request/response types if this is the
// first request on it.
func (d *Destination) SendRequest(l *link.Link, path string, data []byte, onResponse func(data []byte)) error {
	ch := l.Channel(d.metrics)
	_ = ch.RegisterMessageType(func() channel.Message { return &requestMessage{} }, true)
	_ = ch.RegisterMessageType(func() channel.Message { return &responseMessage{} }, true)

	var requestID [16]byte
	if _, err := rand.Read(requestID[:]); err != nil {
		return err
	}

	if onResponse != nil {
		ch.AddMessageHandler(func(m channel.Message) bool {
			resp, ok := m.(*responseMessage)
			if !ok || resp.RequestID != requestID {
				return false
			}
			onResponse(resp.Data)
			return true
		})
	}

	return ch.Send(&requestMessage{RequestID: requestID, Path: path, Data: data})
}
