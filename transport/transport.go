// Package transport implements the routing state machine of spec.md
// section 4.5: the per-destination path table, reverse and link tables,
// announce propagation, duplicate suppression, and inbound/outbound packet
// dispatch. It is the heart of the stack, as spec.md puts it.
//
// Transport deliberately has no compile-time dependency on the destination
// or link packages (see DESIGN.md on the ownership boundary): local
// endpoints register themselves as a plain LocalDestination value built from
// closures, which keeps this package import-cycle-free while still letting
// destination.Destination and link.Link feed it inbound packets and receive
// outbound routing decisions.
package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/iface"
	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/metrics"
	"github.com/n9n/retikulo/packet"
)

var log = logrus.WithField("component", "transport")

// LocalDestination is how a local endpoint (destination.Destination or
// link.Link) registers itself with Transport, without Transport importing
// either package.
type LocalDestination struct {
	Hash       hash16
	Direction  int // 0 = IN, 1 = OUT
	DestType   int
	Identity   *crypto.Identity // nil for PLAIN
	Receive    func(p *packet.Packet)
	AppName    string
}

const (
	DirectionIn  = 0
	DirectionOut = 1
)

// AnnounceHandler matches spec.md section 6.4's
// register_announce_handler({aspect_filter, on_announce(...)}).
type AnnounceHandler struct {
	AspectFilter string // empty matches everything
	OnAnnounce   func(destHash hash16, identity *crypto.Identity, appData []byte)
}

// Transport is the global routing state machine. All table mutations go
// through its methods under a single mutex, per spec.md section 5: "every
// mutation goes through Transport's own methods ... critical sections never
// perform I/O."
type Transport struct {
	cfg   Config
	caps  capacities
	ident *crypto.Identity
	m     *metrics.Registry

	mu sync.Mutex

	interfaces map[string]iface.Interface
	announceQs map[string]*iface.AnnounceQueue

	destinationTable map[hash16]*DestinationEntry
	announceTable    map[hash16]*AnnounceTableEntry
	reverseTable     map[hash16]*ReverseEntry
	linkTable        map[hash16]*LinkTableEntry
	heldAnnounces    map[hash16]*AnnounceTableEntry
	tunnels          map[string]*TunnelEntry
	announceRate     map[hash16]*RateEntry
	pathRequests     map[hash16]time.Time
	discoveryPRs     map[hash16]*DiscoveryEntry

	packetHashlist  *boundedHashSet
	discoveryPRTags *boundedHashSet

	local    map[hash16]LocalDestination
	handlers []AnnounceHandler

	receipts *packet.ReceiptRing
}

// New constructs a Transport bound to the given transport identity.
func New(cfg Config, identity *crypto.Identity, reg *metrics.Registry) *Transport {
	caps := capacitiesFor(cfg.Profile)
	return &Transport{
		cfg:              cfg,
		caps:             caps,
		ident:            identity,
		m:                reg,
		interfaces:       make(map[string]iface.Interface),
		announceQs:       make(map[string]*iface.AnnounceQueue),
		destinationTable: make(map[hash16]*DestinationEntry),
		announceTable:    make(map[hash16]*AnnounceTableEntry),
		reverseTable:     make(map[hash16]*ReverseEntry),
		linkTable:        make(map[hash16]*LinkTableEntry),
		heldAnnounces:    make(map[hash16]*AnnounceTableEntry),
		tunnels:          make(map[string]*TunnelEntry),
		announceRate:     make(map[hash16]*RateEntry),
		pathRequests:     make(map[hash16]time.Time),
		discoveryPRs:     make(map[hash16]*DiscoveryEntry),
		packetHashlist:   newBoundedHashSet(caps.packetHashlist),
		discoveryPRTags:  newBoundedHashSet(caps.discoveryPRTags),
		local:            make(map[hash16]LocalDestination),
		receipts:         packet.NewReceiptRing(packet.MaxReceipts),
	}
}

// AddInterface registers an Interface for outbound broadcast/unicast and
// rate-limited announce release.
func (t *Transport) AddInterface(in iface.Interface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interfaces[in.Name()] = in
	announceCap := in.AnnounceCap()
	maxAge := QueuedAnnounceLife
	qcap := 0
	if t.cfg.Profile == ProfileMCU {
		qcap = 16
	}
	t.announceQs[in.Name()] = iface.NewAnnounceQueue(qcap, maxAge, in.Bitrate(), announceCap)
}

// HasLocalSharedInterface reports whether any attached interface is bound
// to a local shared Reticulum instance (spec.md section 4.5).
func (t *Transport) HasLocalSharedInterface() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, in := range t.interfaces {
		if in.IsLocalSharedInstance() {
			return true
		}
	}
	return false
}

// RegisterDestination adds a local endpoint to the registry so inbound
// packets addressed to it are delivered locally instead of routed.
func (t *Transport) RegisterDestination(d LocalDestination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[d.Hash] = d
}

// DeregisterDestination removes a local endpoint.
func (t *Transport) DeregisterDestination(hash hash16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.local, hash)
}

// RegisterAnnounceHandler implements spec.md section 6.4.
func (t *Transport) RegisterAnnounceHandler(h AnnounceHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Identity returns the transport instance's own identity.
func (t *Transport) Identity() *crypto.Identity { return t.ident }

// Config returns the Config this Transport was constructed with, letting a
// Destination pick up defaults such as UseImplicitProof without the caller
// threading them through separately.
func (t *Transport) Config() Config { return t.cfg }

// HasPath reports whether a live path table entry exists for destHash.
func (t *Transport) HasPath(destHash hash16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.destinationTable[destHash]
	return ok && time.Now().Before(e.Expires)
}

// HopsTo returns the known hop count to destHash, or -1 if unknown.
func (t *Transport) HopsTo(destHash hash16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.destinationTable[destHash]; ok {
		return e.Hops
	}
	return -1
}

// NextHop returns the transport id of the next hop toward destHash, per
// invariant 3 (hops_to(d) == e.hops, next_hop(d) == e.received_from).
func (t *Transport) NextHop(destHash hash16) (hash16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.destinationTable[destHash]
	if !ok {
		return hash16{}, false
	}
	return e.ReceivedFrom, true
}

// ---- Inbound dispatch -----------------------------------------------------

// HandleInbound implements the control flow described in spec.md section 2:
// unpack (done by caller), check duplicates, adjust hop count, then either
// consume, rebroadcast, or route to next hop.
func (t *Transport) HandleInbound(p *packet.Packet, rxIface string) {
	in := t.interfaceByName(rxIface)
	if in != nil && in.IsLocalSharedInstance() {
		p.DecrementHop()
	} else {
		p.IncrementHop()
	}
	p.ReceivingInterface = rxIface

	if t.isDuplicate(p) {
		t.m.IncDuplicatesDropped()
		return
	}

	switch p.PacketType {
	case wire.PacketAnnounce:
		t.handleAnnounce(p, rxIface)
	case wire.PacketProof:
		t.handleProof(p, rxIface)
	case wire.PacketLinkRequest:
		t.handleLinkRequest(p, rxIface)
	case wire.PacketData:
		t.handleData(p, rxIface)
	}
}

// isDuplicate applies the exact-duplicate exemptions of spec.md section 4.5:
// ANNOUNCE for SINGLE, KEEPALIVE, RESOURCE_*, CACHE_REQUEST, and CHANNEL
// context packets are never filtered by the hashlist (their own adoption or
// sequencing logic handles duplicates).
func (t *Transport) isDuplicate(p *packet.Packet) bool {
	if p.PacketType == wire.PacketAnnounce && p.DestType == wire.DestSingle {
		return false
	}
	switch p.Context {
	case wire.ContextKeepalive, wire.ContextResource, wire.ContextResourceAdv,
		wire.ContextResourceReq, wire.ContextResourceHMU, wire.ContextResourcePRF,
		wire.ContextResourceICL, wire.ContextResourceRCL, wire.ContextCacheRequest,
		wire.ContextChannel:
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.packetHashlist.Add(p.TruncatedHash())
}

func (t *Transport) interfaceByName(name string) iface.Interface {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interfaces[name]
}

// ---- Announce intake and rebroadcast --------------------------------------

// handleAnnounce validates an announce, decides adoption per spec.md section
// 4.5, and if adopted, schedules a rebroadcast.
func (t *Transport) handleAnnounce(p *packet.Packet, rxIface string) {
	if int(p.Hops) >= PathfinderM+1 {
		return // spec.md: "only accepts announces whose hop count is strictly less than PATHFINDER_M + 1"
	}

	if local, ok := t.localByHash(p.DestinationHash); ok {
		// Announce for one of our own destinations; never adopted into the
		// path table, but still delivered so loopback/test consumers see it.
		if local.Receive != nil {
			local.Receive(p)
		}
		return
	}

	info, ok := packet.ValidateAnnounce(p)
	if !ok {
		t.m.IncAnnouncesRejected()
		return
	}

	in := t.interfaceByName(rxIface)
	mode := wire.ModeFull
	if in != nil {
		mode = in.Mode()
	}

	adopted := t.adoptAnnounce(info, p, mode)
	if !adopted {
		return
	}
	t.m.IncAnnouncesAdopted()

	for _, h := range t.snapshotHandlers() {
		if h.AspectFilter == "" {
			h.OnAnnounce(info.DestinationHash, info.Identity, info.AppData)
		}
	}

	if t.cfg.IsTransportInstance || (in != nil && in.IsLocalSharedInstance()) {
		t.scheduleRebroadcast(info.DestinationHash, p, rxIface, p.Context == wire.ContextPathResponse)
	}
}

func (t *Transport) snapshotHandlers() []AnnounceHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AnnounceHandler(nil), t.handlers...)
}

func (t *Transport) localByHash(h hash16) (LocalDestination, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.local[h]
	return d, ok
}

// adoptAnnounce implements the decision rules of spec.md section 4.5.
func (t *Transport) adoptAnnounce(info *packet.AnnounceInfo, p *packet.Packet, mode int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, has := t.destinationTable[info.DestinationHash]
	newHops := int(p.Hops)

	adopt := false
	switch {
	case !has:
		adopt = true
	case newHops <= existing.Hops:
		adopt = !seenRandomHash(existing, info.RandomHash[:])
	default: // newHops > existing.Hops
		// Adopt a longer path when the existing one has expired, or when
		// this announce was emitted more recently than every retained
		// blob for the destination — a fresher announce can still beat
		// a shorter, stale path even before it formally expires.
		expired := time.Now().After(existing.Expires)
		fresher := info.EmissionTime > existing.MaxEmissionTime
		adopt = expired || fresher
	}
	if !adopt {
		return false
	}

	entry := existing
	if entry == nil {
		entry = &DestinationEntry{}
	}
	entry.Timestamp = time.Now()
	entry.ReceivedFrom = t.ident.Hash()
	if p.HasTransportID {
		entry.ReceivedFrom = p.TransportID
	}
	entry.Hops = newHops
	entry.Expires = time.Now().Add(t.cfg.pathExpiry(mode))
	entry.ReceivingInterface = p.ReceivingInterface
	entry.CachedAnnouncePacketHash = p.Hash()
	entry.InterfaceMode = mode
	entry.RandomBlobsSeen = appendBounded(entry.RandomBlobsSeen, append([]byte(nil), info.RandomHash[:]...), t.caps.randomBlobsPerDest)
	if info.EmissionTime > entry.MaxEmissionTime {
		entry.MaxEmissionTime = info.EmissionTime
	}

	if len(t.destinationTable) >= t.caps.destinationTable {
		t.evictOldestDestination()
	}
	t.destinationTable[info.DestinationHash] = entry
	return true
}

func seenRandomHash(e *DestinationEntry, rh []byte) bool {
	for _, blob := range e.RandomBlobsSeen {
		if string(blob) == string(rh) {
			return true
		}
	}
	return false
}

func appendBounded(blobs [][]byte, add []byte, capN int) [][]byte {
	blobs = append(blobs, add)
	if len(blobs) > capN {
		blobs = blobs[len(blobs)-capN:]
	}
	return blobs
}

func (t *Transport) evictOldestDestination() {
	var oldestKey hash16
	var oldestTime time.Time
	first := true
	for k, e := range t.destinationTable {
		if first || e.Timestamp.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.Timestamp, false
		}
	}
	if !first {
		delete(t.destinationTable, oldestKey)
	}
}

// scheduleRebroadcast implements spec.md section 4.5's announce rebroadcast:
// retransmit_at = now + PATHFINDER_G + PATHFINDER_RW*rand(), up to
// PATHFINDER_R retries, as a HEADER_2 packet stamped with our identity hash.
func (t *Transport) scheduleRebroadcast(destHash hash16, p *packet.Packet, rxIface string, isPathResponse bool) {
	cp := p.Clone()
	if isPathResponse {
		cp.Context = wire.ContextPathResponse
	}
	cp.PromoteToTransport(t.ident.Hash())

	t.mu.Lock()
	t.announceTable[destHash] = &AnnounceTableEntry{
		ReceivedAt:        time.Now(),
		RetransmitAt:      time.Now().Add(PathfinderG + randomDuration(PathfinderRW)),
		Retries:           0,
		ReceivedFrom:      cp.TransportID,
		Hops:              int(p.Hops),
		AnnouncePacket:    cp,
		AttachedInterface: rxIface,
		IsPathResponse:    isPathResponse,
	}
	if len(t.announceTable) > t.caps.announceTable {
		t.evictOldestAnnounce()
	}
	t.mu.Unlock()
}

func (t *Transport) evictOldestAnnounce() {
	var oldestKey hash16
	var oldestTime time.Time
	first := true
	for k, e := range t.announceTable {
		if first || e.ReceivedAt.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.ReceivedAt, false
		}
	}
	if !first {
		delete(t.announceTable, oldestKey)
	}
}

func randomDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// rebroadcastAdmissible implements spec.md section 4.5's per-interface
// admissibility rules.
func rebroadcastAdmissible(outMode int, nextHopAlsoRoamingOrBoundary bool) bool {
	switch outMode {
	case wire.ModeAccessPoint:
		return false
	case wire.ModeRoaming, wire.ModeBoundary:
		return !nextHopAlsoRoamingOrBoundary
	default:
		return true
	}
}

// ---- Path requests ---------------------------------------------------------

// pathRequestAppName is the PLAIN destination app name carrying path-request
// packets, per spec.md section 4.5.
const pathRequestAppName = "path.request"

// RequestPath implements spec.md section 6.4: emits a PLAIN path.request
// packet carrying dest_hash || tag, throttled per-destination by
// PATH_REQUEST_MI.
func (t *Transport) RequestPath(destHash hash16) error {
	t.mu.Lock()
	if last, ok := t.pathRequests[destHash]; ok && time.Since(last) < PathRequestMI {
		t.mu.Unlock()
		return nil
	}
	t.pathRequests[destHash] = time.Now()
	t.mu.Unlock()

	tag := make([]byte, 16)
	if _, err := rand.Read(tag); err != nil {
		return err
	}
	payload := make([]byte, 0, 32)
	payload = append(payload, destHash[:]...)
	payload = append(payload, tag...)

	nameHash := crypto.NameHash(pathRequestAppName, nil)
	var prDest hash16
	copy(prDest[:], nameHash[:]) // PLAIN destinations hash purely off the name hash prefix

	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestPlain,
		PacketType:      wire.PacketData,
		DestinationHash: prDest,
		Context:         wire.ContextNone,
		Payload:         payload,
	}
	p.Pack()

	t.m.IncPathRequestsSent()
	t.broadcastAll(p)
	return nil
}

// HandlePathRequest processes an inbound path.request payload
// (dest_hash[16] || [transport_id[16]] || tag[16]) per spec.md section 4.5.
func (t *Transport) HandlePathRequest(payload []byte, rxIface string) {
	if len(payload) < 32 {
		return
	}
	var destHash hash16
	copy(destHash[:], payload[:16])
	tag := payload[len(payload)-16:]

	key := prTagKey(destHash, tag)
	t.mu.Lock()
	isNew := t.discoveryPRTags.Add(key)
	t.mu.Unlock()
	if !isNew {
		return
	}

	if local, ok := t.localByHash(destHash); ok && local.Direction == DirectionIn {
		if local.Receive != nil {
			// signal the owning Destination to emit a path-response
			// announce, carrying the requester's tag in Payload so the
			// destination's path-response cache can key off it; concrete
			// wiring happens in the destination package, which knows how to
			// build the announce. We only notify here.
			local.Receive(&packet.Packet{PacketType: wire.PacketData, Context: wire.ContextPathResponse, DestinationHash: destHash, Payload: append([]byte(nil), tag...)})
		}
		return
	}

	t.mu.Lock()
	entry, known := t.destinationTable[destHash]
	t.mu.Unlock()
	if known {
		t.scheduleRebroadcast(destHash, entry.cachedOrSynthetic(), rxIface, true)
		return
	}

	if t.cfg.IsTransportInstance {
		in := t.interfaceByName(rxIface)
		if in != nil && discoversPathsFor(in.Mode()) {
			t.mu.Lock()
			if len(t.discoveryPRs) >= t.caps.discoveryPathRequests {
				t.evictOldestDiscovery()
			}
			t.discoveryPRs[destHash] = &DiscoveryEntry{Timeout: time.Now().Add(PathfinderE), RequestingInterface: rxIface}
			t.mu.Unlock()
			t.forwardExcept(payload, rxIface)
		}
	}
}

func discoversPathsFor(mode int) bool {
	return mode == wire.ModeFull || mode == wire.ModeGateway
}

func (t *Transport) evictOldestDiscovery() {
	var oldestKey hash16
	var oldestTime time.Time
	first := true
	for k, e := range t.discoveryPRs {
		if first || e.Timeout.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.Timeout, false
		}
	}
	if !first {
		delete(t.discoveryPRs, oldestKey)
	}
}

// cachedOrSynthetic returns a minimal packet placeholder used to drive
// scheduleRebroadcast when only table metadata (not the original packet) is
// available. Real deployments keep the cached announce packet on disk
// (spec.md section 6.3); this in-memory core re-synthesizes just enough of
// the packet shape to route rebroadcasting.
func (e *DestinationEntry) cachedOrSynthetic() *packet.Packet {
	p := &packet.Packet{
		HeaderType: wire.HeaderType2,
		DestType:   wire.DestSingle,
		PacketType: wire.PacketAnnounce,
		Hops:       uint8(e.Hops),
		Context:    wire.ContextPathResponse,
	}
	p.TransportID = e.ReceivedFrom
	p.HasTransportID = true
	return p
}

func (t *Transport) forwardExcept(payload []byte, except string) {
	p := &packet.Packet{
		HeaderType: wire.HeaderType1,
		DestType:   wire.DestPlain,
		PacketType: wire.PacketData,
		Context:    wire.ContextNone,
		Payload:    payload,
	}
	nameHash := crypto.NameHash(pathRequestAppName, nil)
	copy(p.DestinationHash[:], nameHash[:])
	p.Pack()

	t.mu.Lock()
	ifaces := make([]iface.Interface, 0, len(t.interfaces))
	for name, in := range t.interfaces {
		if name != except {
			ifaces = append(ifaces, in)
		}
	}
	t.mu.Unlock()

	for _, in := range ifaces {
		_ = in.Send(p.Pack())
	}
}

// ---- Transit & reverse routing ---------------------------------------------

func (t *Transport) handleLinkRequest(p *packet.Packet, rxIface string) {
	if local, ok := t.localByHash(p.DestinationHash); ok {
		if local.Receive != nil {
			local.Receive(p)
		}
		return
	}
	// transit: record a link_table entry keyed by the truncated packet hash
	t.mu.Lock()
	linkID := p.TruncatedHash()
	if len(t.linkTable) >= t.caps.linkTable {
		t.evictOldestLink()
	}
	t.linkTable[linkID] = &LinkTableEntry{
		Timestamp:          time.Now(),
		ReceivingInterface: rxIface,
		Hops:               int(p.Hops),
		DestinationHash:    p.DestinationHash,
		ProofTimeout:       time.Now().Add(ReverseTimeout),
	}
	t.mu.Unlock()
	t.routeToNextHop(p, rxIface)
}

func (t *Transport) handleData(p *packet.Packet, rxIface string) {
	if local, ok := t.localByHash(p.DestinationHash); ok {
		if local.Receive != nil {
			local.Receive(p)
		}
		return
	}
	if p.DestType == wire.DestPlain && p.Context == wire.ContextNone {
		// unaddressed PLAIN traffic on the well-known path-request name is
		// routed by app name, not destination hash, in upstream Reticulum;
		// here we dispatch it explicitly since the caller already knows the
		// payload shape.
		t.HandlePathRequest(p.Payload, rxIface)
		return
	}

	if p.HeaderType == wire.HeaderType2 && p.TransportID == t.ident.Hash() {
		t.transitRoute(p, rxIface)
		return
	}

	// record reverse-routing info so a PROOF can find its way back, then
	// attempt next-hop delivery.
	t.mu.Lock()
	if len(t.reverseTable) >= t.caps.reverseTable {
		t.evictOldestReverse()
	}
	t.reverseTable[p.TruncatedHash()] = &ReverseEntry{ReceivingInterface: rxIface, Timestamp: time.Now()}
	t.mu.Unlock()

	t.routeToNextHop(p, rxIface)
}

// transitRoute implements spec.md section 4.5's transit routing: rewrite and
// forward a packet addressed through us as a relay.
func (t *Transport) transitRoute(p *packet.Packet, rxIface string) {
	t.mu.Lock()
	entry, ok := t.destinationTable[p.DestinationHash]
	t.mu.Unlock()
	if !ok {
		return
	}

	remaining := entry.Hops - int(p.Hops)
	switch {
	case remaining > 1:
		p.SetTransportID(entry.ReceivedFrom)
		p.IncrementHop()
		t.sendOnInterface(entry.ReceivingInterface, p)
	case remaining == 1:
		p.StripTransportHeader()
		t.sendOnInterface(entry.ReceivingInterface, p)
	default:
		// remaining_hops == 0: destination is directly adjacent; local
		// delivery would already have matched via t.local above, so this is
		// effectively unreachable in a well-formed path table.
		t.sendOnInterface(entry.ReceivingInterface, p)
	}
}

func (t *Transport) routeToNextHop(p *packet.Packet, rxIface string) {
	t.mu.Lock()
	entry, ok := t.destinationTable[p.DestinationHash]
	t.mu.Unlock()
	if !ok {
		t.broadcastAll(p) // fallback broadcast, spec.md section 4.4
		return
	}
	t.sendOnInterface(entry.ReceivingInterface, p)
}

func (t *Transport) handleProof(p *packet.Packet, rxIface string) {
	if local, ok := t.localByHash(p.DestinationHash); ok {
		if local.Receive != nil {
			local.Receive(p)
		}
		return
	}

	// PROOF/LRPROOF packets carry the truncated hash of the packet they prove
	// in their own destination_hash field (spec.md 4.6: both link proofs and
	// plain-destination proofs reuse this convention), so transit routing
	// never needs to parse the (opaque, possibly encrypted) proof payload.
	t.mu.Lock()
	rev, hasRev := t.reverseTable[p.DestinationHash]
	link, hasLink := t.linkTable[p.DestinationHash]
	t.mu.Unlock()

	switch {
	case hasRev:
		if rev.ReceivingInterface != rxIface && rev.OutboundInterface != "" && rev.OutboundInterface != rxIface {
			return // symmetry violation: proof must return on the interface the request left on
		}
		t.sendOnInterface(rev.ReceivingInterface, p)
	case hasLink:
		t.mu.Lock()
		link.Validated = true
		t.mu.Unlock()
		t.sendOnInterface(link.ReceivingInterface, p)
	}
}

func (t *Transport) evictOldestLink() {
	var oldestKey hash16
	var oldestTime time.Time
	first := true
	for k, e := range t.linkTable {
		if first || e.Timestamp.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.Timestamp, false
		}
	}
	if !first {
		delete(t.linkTable, oldestKey)
	}
}

func (t *Transport) evictOldestReverse() {
	var oldestKey hash16
	var oldestTime time.Time
	first := true
	for k, e := range t.reverseTable {
		if first || e.Timestamp.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.Timestamp, false
		}
	}
	if !first {
		delete(t.reverseTable, oldestKey)
	}
}

// ---- Outbound ---------------------------------------------------------------

// ErrNoInterfaces is returned when Send/broadcast is attempted with no
// registered interfaces.
var ErrNoInterfaces = errors.New("transport: no interfaces registered")

// Send implements spec.md section 4.4's per-type dispatch.
func (t *Transport) Send(p *packet.Packet) error {
	switch p.PacketType {
	case wire.PacketAnnounce:
		return t.broadcastAll(p)
	case wire.PacketProof:
		// p.DestinationHash carries the truncated hash of the packet being
		// proved (see handleProof); a locally-originated proof (from an
		// Accept()ed Link, or a destination answering a DATA packet) looks up
		// the same reverse/link table a transit relay would have populated.
		t.mu.Lock()
		rev, hasRev := t.reverseTable[p.DestinationHash]
		link, hasLink := t.linkTable[p.DestinationHash]
		t.mu.Unlock()
		switch {
		case hasRev:
			return t.sendOnInterface(rev.ReceivingInterface, p)
		case hasLink:
			return t.sendOnInterface(link.ReceivingInterface, p)
		}
		return t.broadcastAll(p)
	default: // DATA, LINKREQUEST
		if next, ok := t.NextHop(p.DestinationHash); ok {
			t.mu.Lock()
			entry := t.destinationTable[p.DestinationHash]
			t.mu.Unlock()
			_ = next
			if entry != nil {
				return t.sendOnInterface(entry.ReceivingInterface, p)
			}
		}
		return t.broadcastAll(p)
	}
}

func (t *Transport) sendOnInterface(name string, p *packet.Packet) error {
	in := t.interfaceByName(name)
	if in == nil {
		return fmt.Errorf("transport: unknown interface %q", name)
	}
	return in.Send(p.Pack())
}

func (t *Transport) broadcastAll(p *packet.Packet) error {
	t.mu.Lock()
	ifaces := make([]iface.Interface, 0, len(t.interfaces))
	for _, in := range t.interfaces {
		ifaces = append(ifaces, in)
	}
	t.mu.Unlock()
	if len(ifaces) == 0 {
		return ErrNoInterfaces
	}
	raw := p.Pack()
	var firstErr error
	for _, in := range ifaces {
		if p.PacketType == wire.PacketAnnounce {
			if q := t.announceQueueFor(in.Name()); q != nil {
				q.Enqueue(raw)
				continue
			}
		}
		if err := in.Send(raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) announceQueueFor(name string) *iface.AnnounceQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.announceQs[name]
}

// Receipts exposes the outstanding-receipt ring so callers (e.g. the
// destination package) can register receipts for DATA packets they send.
func (t *Transport) Receipts() *packet.ReceiptRing { return t.receipts }

// PathTableSize, LinkTableSize, ReverseTableSize expose table occupancy for
// tests and metrics polling.
func (t *Transport) PathTableSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.destinationTable)
}

func (t *Transport) LinkTableSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.linkTable)
}

func (t *Transport) ReverseTableSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reverseTable)
}
