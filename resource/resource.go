// Package resource implements the bulk-transfer protocol of spec.md section
// 4.8: optional bzip2 compression, content-addressed chunking over a Link's
// MDU, a selective-request/HMU exchange for missing parts, and a closing
// proof exchange. It depends on Link only through the Carrier interface
// below (satisfied structurally by *link.Link), so resource never imports
// link and the two packages stay acyclic.
package resource

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/n9n/retikulo/internal/wire"
)

var log = logrus.WithField("component", "resource")

// AutoCompressMaxSize bounds how large a transfer may be before bzip2
// compression is skipped outright (spec.md 4.8 step 1).
const AutoCompressMaxSize = 16 * 1024 * 1024

// MaxRetries is the watchdog retry ceiling before a transfer fails
// (spec.md 4.8: "Retries and watchdogs mirror Channel").
const MaxRetries = 8

// watchdogTimeout is how long a requested-but-unanswered part waits before
// it is re-requested.
const watchdogTimeout = 15 * time.Second

// Advertisement flag bits, per spec.md 4.8 step 5's `f` field.
const (
	FlagEncrypted uint8 = 1 << iota
	FlagCompressed
	FlagSplit
	FlagIsRequest
	FlagIsResponse
	FlagHasMetadata
)

// Window tiers, analogous to channel's RTT-tiered sizing (spec.md 4.8).
const (
	RTTFast   = 50 * time.Millisecond
	RTTMedium = 250 * time.Millisecond

	WindowMaxFast   = 48
	WindowMaxMedium = 32
	WindowMaxSlow   = 16
	WindowMin       = 2
)

// hmuFlagRequestUpdate marks a selective request as asking for a hashmap
// update rather than (only) part retransmission.
const hmuFlagRequestUpdate = 0xFF

// State is a transfer's lifecycle position.
type State int

const (
	StatePending State = iota
	StateTransferring
	StateComplete
	StateFailed
	StateCorrupt
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateTransferring:
		return "TRANSFERRING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StateCorrupt:
		return "CORRUPT"
	default:
		return "UNKNOWN"
	}
}

// Carrier is what Resource needs from its underlying Link: emit a
// tagged/context-stamped packet, register itself to receive the matching
// inbound traffic and periodic watchdog ticks, and seal/open the whole
// transfer blob under the link's session key (spec.md 4.8 steps 3-4: the
// blob is encrypted once before splitting, not per-part).
type Carrier interface {
	SendResourcePacket(tag [4]byte, context byte, payload []byte) error
	RegisterResource(tag [4]byte, r interface{ PollTimers(time.Time) })
	MDU() int
	RTT() time.Duration
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Advertisement is the msgpack-encoded RESOURCE_ADV payload, per spec.md 4.8
// step 5. Every Resource protocol payload (including this one) additionally
// carries a 4-byte multiplexing tag ahead of this encoding; Link.Receive
// strips it before handing the remainder to Resource (see DESIGN.md).
type Advertisement struct {
	TransferSize  int    `msgpack:"t"`
	DataSize      int    `msgpack:"d"`
	TotalParts    int    `msgpack:"n"`
	ResourceHash  []byte `msgpack:"h"`
	RandomHash    []byte `msgpack:"r"`
	OriginalHash  []byte `msgpack:"o,omitempty"`
	SegmentIndex  int    `msgpack:"i,omitempty"`
	TotalSegments int    `msgpack:"l,omitempty"`
	RequestID     []byte `msgpack:"q,omitempty"`
	Flags         uint8  `msgpack:"f"`
	HashMap       []byte `msgpack:"m"`
}

// Resource is one in-flight bulk transfer, sender or receiver side.
type Resource struct {
	mu sync.Mutex

	carrier  Carrier
	tag      [4]byte
	isSender bool
	state    State

	resourceHash [32]byte
	randomHash   [4]byte
	compressed   bool
	dataSize     int

	originalData []byte // sender only: plaintext before compression, kept for the proof check

	parts      [][]byte  // sender only: precomputed parts, indexed by part number
	mapHashes  [][4]byte // ordered list of every part's map_hash
	totalParts int

	received    map[[4]byte][]byte   // receiver only
	outstanding map[[4]byte]time.Time // receiver only: requested-but-not-yet-arrived

	window    int
	windowMax int
	retries   int

	concludedCB func(r *Resource, data []byte, err error)
	progressCB  func(progress float64)

	lastActivity time.Time
}

// New constructs and starts a sender-side transfer: it optionally compresses
// data, chunks it to carrier's MDU, and immediately advertises it.
func New(data []byte, carrier Carrier, autoCompress bool, concluded func(r *Resource, data []byte, err error), progress func(progress float64)) (*Resource, error) {
	originalSize := len(data)
	payload := data
	var flags uint8
	if autoCompress && originalSize > 0 && originalSize <= AutoCompressMaxSize {
		if compressed, err := bzCompress(data); err == nil && len(compressed) < len(data) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	var randomHash [4]byte
	if _, err := io.ReadFull(rand.Reader, randomHash[:]); err != nil {
		return nil, err
	}
	resourceHash := sha256.Sum256(append(append([]byte(nil), data...), randomHash[:]...))

	blob := append(append([]byte(nil), randomHash[:]...), payload...)

	// Seal the whole random_hash||payload blob once under the link's
	// session key, then split the resulting ciphertext into mdu-sized
	// parts (spec.md 4.8 steps 3-4). Parts are transmitted as-is: they
	// are already ciphertext, so no further per-packet sealing applies.
	ciphertext, err := carrier.Encrypt(blob)
	if err != nil {
		return nil, err
	}

	mdu := carrier.MDU()
	if mdu <= 0 {
		mdu = 384
	}
	parts := splitInto(ciphertext, mdu)
	if len(parts) > 1 {
		flags |= FlagSplit
	}
	flags |= FlagEncrypted

	mapHashes := make([][4]byte, len(parts))
	hashmap := make([]byte, 0, len(parts)*4)
	for i, part := range parts {
		mapHashes[i] = mapHashFor(part, randomHash)
		hashmap = append(hashmap, mapHashes[i][:]...)
	}

	var tag [4]byte
	copy(tag[:], resourceHash[:4])

	r := &Resource{
		carrier:      carrier,
		tag:          tag,
		isSender:     true,
		state:        StatePending,
		resourceHash: resourceHash,
		randomHash:   randomHash,
		dataSize:     originalSize,
		originalData: append([]byte(nil), data...),
		parts:        parts,
		mapHashes:    mapHashes,
		totalParts:   len(parts),
		window:       WindowMin,
		windowMax:    WindowMaxSlow,
		outstanding:  make(map[[4]byte]time.Time),
		concludedCB:  concluded,
		progressCB:   progress,
		lastActivity: time.Now(),
	}

	adv := Advertisement{
		TransferSize:  len(blob),
		DataSize:      originalSize,
		TotalParts:    len(parts),
		ResourceHash:  resourceHash[:],
		RandomHash:    randomHash[:],
		TotalSegments: 1,
		Flags:         flags,
		HashMap:       hashmap,
	}
	encoded, err := msgpack.Marshal(&adv)
	if err != nil {
		return nil, err
	}

	carrier.RegisterResource(tag, r)
	if err := carrier.SendResourcePacket(tag, wire.ContextResourceAdv, encoded); err != nil {
		return nil, err
	}
	r.state = StateTransferring
	return r, nil
}

// Accept constructs a receiver-side transfer from an inbound RESOURCE_ADV
// and immediately requests its first batch of parts.
func Accept(tag [4]byte, advertisement []byte, carrier Carrier, concluded func(r *Resource, data []byte, err error), progress func(progress float64)) (*Resource, error) {
	var adv Advertisement
	if err := msgpack.Unmarshal(advertisement, &adv); err != nil {
		return nil, fmt.Errorf("resource: unmarshal advertisement: %w", err)
	}
	if len(adv.ResourceHash) != 32 || len(adv.RandomHash) != 4 {
		return nil, errors.New("resource: malformed advertisement")
	}
	if adv.TotalParts <= 0 || len(adv.HashMap) < adv.TotalParts*4 {
		return nil, errors.New("resource: hashmap shorter than advertised part count")
	}

	var resourceHash [32]byte
	copy(resourceHash[:], adv.ResourceHash)
	var randomHash [4]byte
	copy(randomHash[:], adv.RandomHash)

	mapHashes := make([][4]byte, adv.TotalParts)
	for i := range mapHashes {
		copy(mapHashes[i][:], adv.HashMap[i*4:i*4+4])
	}

	r := &Resource{
		carrier:      carrier,
		tag:          tag,
		isSender:     false,
		state:        StateTransferring,
		resourceHash: resourceHash,
		randomHash:   randomHash,
		compressed:   adv.Flags&FlagCompressed != 0,
		dataSize:     adv.DataSize,
		mapHashes:    mapHashes,
		totalParts:   adv.TotalParts,
		received:     make(map[[4]byte][]byte),
		window:       WindowMin,
		windowMax:    WindowMaxSlow,
		outstanding:  make(map[[4]byte]time.Time),
		concludedCB:  concluded,
		progressCB:   progress,
		lastActivity: time.Now(),
	}

	carrier.RegisterResource(tag, r)
	r.requestNextBatch()
	return r, nil
}

// HandleResourcePacket dispatches one decrypted, tag-stripped RESOURCE_*
// payload based on context and this transfer's role.
func (r *Resource) HandleResourcePacket(context byte, payload []byte) {
	switch context {
	case wire.ContextResourceReq:
		if r.isSender {
			r.handleRequest(payload)
		}
	case wire.ContextResourceHMU:
		if !r.isSender {
			r.handleHMU(payload)
		}
	case wire.ContextResource:
		if !r.isSender {
			r.handlePart(payload)
		}
	case wire.ContextResourcePRF:
		if r.isSender {
			r.handleProof(payload)
		}
	case wire.ContextResourceICL, wire.ContextResourceRCL:
		r.fail(errors.New("resource: transfer cancelled by peer"))
	}
}

// requestNextBatch sends a selective request for up to window parts this
// receiver neither has nor has already asked for.
func (r *Resource) requestNextBatch() {
	r.mu.Lock()
	if r.state != StateTransferring {
		r.mu.Unlock()
		return
	}
	var want [][4]byte
	for _, mh := range r.mapHashes {
		if len(want) >= r.window {
			break
		}
		if _, got := r.received[mh]; got {
			continue
		}
		if _, out := r.outstanding[mh]; out {
			continue
		}
		want = append(want, mh)
	}
	if len(want) == 0 {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	for _, mh := range want {
		r.outstanding[mh] = now
	}
	resourceHash := r.resourceHash
	tag := r.tag
	carrier := r.carrier
	r.mu.Unlock()

	payload := make([]byte, 0, 1+32+4*len(want))
	payload = append(payload, 0x00) // not requesting a hashmap update
	payload = append(payload, resourceHash[:]...)
	for _, mh := range want {
		payload = append(payload, mh[:]...)
	}
	if err := carrier.SendResourcePacket(tag, wire.ContextResourceReq, payload); err != nil {
		log.WithError(err).Debug("resource: failed to send selective request")
	}
}

// handleRequest answers a selective request (sender side): send each
// matching part, and an HMU reply if the hashmap-update flag is set.
func (r *Resource) handleRequest(payload []byte) {
	if len(payload) < 1+32 {
		return
	}
	hmu := payload[0] == hmuFlagRequestUpdate
	off := 1
	var lastMapHash [4]byte
	if hmu {
		if len(payload) < off+4+32 {
			return
		}
		copy(lastMapHash[:], payload[off:off+4])
		off += 4
	}
	off += 32 // skip resource_hash; routing already matched it via tag
	requested := payload[off:]
	if len(requested)%4 != 0 {
		return
	}

	r.mu.Lock()
	tag := r.tag
	carrier := r.carrier
	parts := r.parts
	mapHashes := r.mapHashes
	r.mu.Unlock()

	index := make(map[[4]byte]int, len(mapHashes))
	for i, mh := range mapHashes {
		index[mh] = i
	}

	for i := 0; i+4 <= len(requested); i += 4 {
		var mh [4]byte
		copy(mh[:], requested[i:i+4])
		idx, ok := index[mh]
		if !ok {
			continue
		}
		if err := carrier.SendResourcePacket(tag, wire.ContextResource, parts[idx]); err != nil {
			log.WithError(err).Debug("resource: failed to send requested part")
		}
	}

	if hmu {
		begin := 0
		if idx, ok := index[lastMapHash]; ok {
			begin = idx + 1
		}
		extra := make([]byte, 0, (len(mapHashes)-begin)*4)
		for i := begin; i < len(mapHashes); i++ {
			extra = append(extra, mapHashes[i][:]...)
		}
		hmuPayload := append([]byte{0x00}, extra...) // segment(1) || additional_hashmap
		if err := carrier.SendResourcePacket(tag, wire.ContextResourceHMU, hmuPayload); err != nil {
			log.WithError(err).Debug("resource: failed to send hashmap update")
		}
	}
}

// handleHMU absorbs a hashmap-update reply. This core never exhausts its
// own hashmap (it receives the full map up front in the advertisement), so
// an HMU received here is a peer-side extension it doesn't ask for; retained
// only as a recognized context so it isn't misrouted to the packet callback.
func (r *Resource) handleHMU(payload []byte) {
	log.Debug("resource: received unsolicited hashmap update, ignoring")
}

// handlePart records one received part (receiver side), verifying it
// against the advertised hashmap before accepting it.
func (r *Resource) handlePart(payload []byte) {
	r.mu.Lock()
	randomHash := r.randomHash
	r.mu.Unlock()
	mh := mapHashFor(payload, randomHash)

	r.mu.Lock()
	known := false
	for _, m := range r.mapHashes {
		if m == mh {
			known = true
			break
		}
	}
	if !known {
		r.mu.Unlock()
		log.WithField("map_hash", fmt.Sprintf("%x", mh)).Debug("resource: part with unknown map_hash, dropping")
		return
	}
	r.received[mh] = append([]byte(nil), payload...)
	delete(r.outstanding, mh)
	r.growWindow()
	complete := len(r.received) >= r.totalParts
	progressCB := r.progressCB
	progress := float64(len(r.received)) / float64(r.totalParts)
	r.mu.Unlock()

	if progressCB != nil {
		progressCB(progress)
	}
	if complete {
		r.assemble()
		return
	}
	r.requestNextBatch()
}

// assemble reforms the transfer (receiver side) once every part has
// arrived: concatenate the ciphertext parts, open the sealed blob, strip
// random_hash, decompress, verify, and proof.
func (r *Resource) assemble() {
	r.mu.Lock()
	ciphertext := make([]byte, 0, r.totalParts*512)
	ok := true
	for _, mh := range r.mapHashes {
		part, got := r.received[mh]
		if !got {
			ok = false
			break
		}
		ciphertext = append(ciphertext, part...)
	}
	compressed := r.compressed
	resourceHash := r.resourceHash
	tag := r.tag
	carrier := r.carrier
	r.mu.Unlock()
	if !ok {
		return
	}

	blob, err := carrier.Decrypt(ciphertext)
	if err != nil {
		r.fail(fmt.Errorf("resource: failed to open sealed transfer blob: %w", err))
		return
	}

	if len(blob) < 4 {
		r.fail(errors.New("resource: assembled blob shorter than random_hash"))
		return
	}
	var randomHash [4]byte
	copy(randomHash[:], blob[:4])
	data := blob[4:]

	if compressed {
		decompressed, err := bzDecompress(data)
		if err != nil {
			r.fail(fmt.Errorf("resource: bz2 decompress failed: %w", err))
			return
		}
		data = decompressed
	}

	check := sha256.Sum256(append(append([]byte(nil), data...), randomHash[:]...))
	if check != resourceHash {
		r.mu.Lock()
		r.state = StateCorrupt
		cb := r.concludedCB
		r.mu.Unlock()
		if cb != nil {
			cb(r, nil, errors.New("resource: data does not match resource_hash"))
		}
		return
	}

	proofInner := sha256.Sum256(append(append([]byte(nil), data...), resourceHash[:]...))
	proof := make([]byte, 0, 64)
	proof = append(proof, resourceHash[:]...)
	proof = append(proof, proofInner[:]...)
	if err := carrier.SendResourcePacket(tag, wire.ContextResourcePRF, proof); err != nil {
		log.WithError(err).Debug("resource: failed to send completion proof")
	}

	r.mu.Lock()
	r.state = StateComplete
	cb := r.concludedCB
	r.mu.Unlock()
	if cb != nil {
		cb(r, data, nil)
	}
}

// handleProof verifies the receiver's completion proof (sender side) and
// concludes the transfer.
func (r *Resource) handleProof(payload []byte) {
	if len(payload) != 64 {
		r.fail(errors.New("resource: malformed proof payload"))
		return
	}
	var gotHash [32]byte
	copy(gotHash[:], payload[:32])

	r.mu.Lock()
	want := r.resourceHash
	data := r.originalData
	r.mu.Unlock()
	if gotHash != want {
		r.fail(errors.New("resource: proof references a different resource_hash"))
		return
	}
	expected := sha256.Sum256(append(append([]byte(nil), data...), want[:]...))
	if !bytes.Equal(expected[:], payload[32:]) {
		r.fail(errors.New("resource: proof inner hash mismatch"))
		return
	}

	r.mu.Lock()
	r.state = StateComplete
	cb := r.concludedCB
	r.mu.Unlock()
	if cb != nil {
		cb(r, data, nil)
	}
}

// PollTimers re-requests any part outstanding past its watchdog timeout,
// failing the transfer once MaxRetries is exceeded (spec.md 4.8: "Retries
// and watchdogs mirror Channel").
func (r *Resource) PollTimers(now time.Time) {
	r.mu.Lock()
	if r.state != StateTransferring || r.isSender {
		r.mu.Unlock()
		return
	}
	var expired bool
	for mh, at := range r.outstanding {
		if now.Sub(at) > watchdogTimeout {
			delete(r.outstanding, mh)
			expired = true
		}
	}
	if !expired {
		r.mu.Unlock()
		return
	}
	r.retries++
	r.shrinkWindow()
	failed := r.retries > MaxRetries
	r.mu.Unlock()

	if failed {
		r.fail(errors.New("resource: max retries exceeded"))
		return
	}
	r.requestNextBatch()
}

// Cancel aborts the transfer and notifies the peer. Must be called with
// r.mu unlocked.
func (r *Resource) Cancel() {
	r.mu.Lock()
	tag := r.tag
	carrier := r.carrier
	isSender := r.isSender
	r.state = StateFailed
	r.mu.Unlock()

	ctx := byte(wire.ContextResourceICL)
	if !isSender {
		ctx = wire.ContextResourceRCL
	}
	_ = carrier.SendResourcePacket(tag, ctx, nil)
}

func (r *Resource) fail(err error) {
	r.mu.Lock()
	if r.state == StateComplete || r.state == StateFailed || r.state == StateCorrupt {
		r.mu.Unlock()
		return
	}
	r.state = StateFailed
	cb := r.concludedCB
	r.mu.Unlock()
	if cb != nil {
		cb(r, nil, err)
	}
}

// growWindow/shrinkWindow mirror channel's on-delivery/on-retry window
// adjustment, retiered by the carrier's observed RTT. Must be called with
// r.mu held.
func (r *Resource) growWindow() {
	r.retierWindow()
	if r.window < r.windowMax {
		r.window++
	}
}

func (r *Resource) shrinkWindow() {
	r.retierWindow()
	if r.window > WindowMin {
		r.window--
	}
}

func (r *Resource) retierWindow() {
	rtt := r.carrier.RTT()
	switch {
	case rtt > 0 && rtt <= RTTFast:
		r.windowMax = WindowMaxFast
	case rtt > 0 && rtt <= RTTMedium:
		r.windowMax = WindowMaxMedium
	default:
		r.windowMax = WindowMaxSlow
	}
}

// State, Progress, ResourceHash, and Tag expose read-only transfer status.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Resource) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalParts == 0 {
		return 0
	}
	if r.isSender {
		if r.state == StateComplete {
			return 1
		}
		return 0
	}
	return float64(len(r.received)) / float64(r.totalParts)
}

func (r *Resource) ResourceHash() [32]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resourceHash
}

func (r *Resource) Tag() [4]byte { return r.tag }

// DataSize returns the transfer's uncompressed size, known from construction
// on the sender side and from the advertisement on the receiver side.
func (r *Resource) DataSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataSize
}

func mapHashFor(part []byte, randomHash [4]byte) [4]byte {
	sum := sha256.Sum256(append(append([]byte(nil), part...), randomHash[:]...))
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

func splitInto(blob []byte, size int) [][]byte {
	if len(blob) == 0 {
		return [][]byte{{}}
	}
	parts := make([][]byte, 0, (len(blob)+size-1)/size)
	for off := 0; off < len(blob); off += size {
		end := off + size
		if end > len(blob) {
			end = len(blob)
		}
		parts = append(parts, blob[off:end])
	}
	return parts
}

func bzCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 9})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bzDecompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
