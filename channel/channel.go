// Package channel implements the ordered, reliable message carrier of
// spec.md section 4.7, riding on an ACTIVE Link: a TX list capped by a
// window that moves between the current RTT tier's minimum and maximum
// (at most WindowMaxFast envelopes), an RX buffer holding envelopes up to
// WindowMaxFast ahead of the next expected sequence number, modular
// sequence numbers, and typed-message dispatch via a per-type factory.
// Neither side is a fixed-size slot ring.
//
// Channel depends only on a small Carrier interface rather than the
// concrete link.Link type, so link can attach a Channel to itself (link ->
// channel) without channel ever importing link back.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/metrics"
)

var log = logrus.WithField("component", "channel")

// Carrier is what a Channel needs from its underlying Link: send an already
// length-framed envelope as a DATA/CHANNEL packet, and report the link's
// current MDU and RTT for window/timeout sizing.
type Carrier interface {
	SendEnvelope(payload []byte) error
	MDU() int
	RTT() time.Duration
}

// SeqModulus is 2^14, per spec.md 4.7.
const SeqModulus = 1 << 14

// Window tiers, per spec.md 4.7's RTT-tiered window sizing.
const (
	RTTFast   = 50 * time.Millisecond
	RTTMedium = 250 * time.Millisecond
	RTTSlow   = 1500 * time.Millisecond

	WindowMaxFast   = 48
	WindowMinFast   = 16
	WindowMaxMedium = 32
	WindowMinMedium = 5
	WindowMaxSlow   = 16
	WindowMin       = 2
)

var ErrWindowFull = errors.New("channel: outstanding envelopes at window limit")
var ErrNotRegistered = errors.New("channel: no factory registered for message type")

type txEnvelope struct {
	seq       uint16
	payload   []byte
	tries     int
	sentAt    time.Time
	timeoutAt time.Time
}

type rxEnvelope struct {
	seq     uint16
	msgType uint16
	payload []byte
}

// Channel is the per-Link reliable message carrier.
type Channel struct {
	mu       sync.Mutex
	carrier  Carrier
	m        *metrics.Registry
	factories map[uint16]func() Message
	handlers  []func(Message) bool

	nextSendSeq uint16
	nextRecvSeq uint16

	tx []*txEnvelope // ordered oldest-first
	rx map[uint16]*rxEnvelope

	window    int
	windowMax int
	windowMin int
	rtt       time.Duration

	maxTries int
	closed   bool
	onClose  func()
}

// New constructs a Channel bound to carrier, with an initial conservative
// window (spec.md's SLOW tier) that widens once RTT samples arrive.
func New(carrier Carrier, reg *metrics.Registry) *Channel {
	return &Channel{
		carrier:   carrier,
		m:         reg,
		factories: make(map[uint16]func() Message),
		rx:        make(map[uint16]*rxEnvelope),
		window:    WindowMin,
		windowMax: WindowMaxSlow,
		windowMin: WindowMin,
		maxTries:  8,
	}
}

// RegisterMessageType installs a zero-value factory for a Message type,
// validating its declared Type() against the user/system range split.
func (c *Channel) RegisterMessageType(factory func() Message, isSystem bool) error {
	sample := factory()
	t := sample.Type()
	if isSystem && t < SystemTypeMin {
		return ErrTypeRangeViolation{Type: t, IsSystem: true}
	}
	if !isSystem && t > UserTypeMax {
		return ErrTypeRangeViolation{Type: t, IsSystem: false}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[t]; exists {
		return ErrTypeAlreadyRegistered(t)
	}
	c.factories[t] = factory
	return nil
}

// AddMessageHandler registers a dispatch handler. Handlers are tried in
// registration order; the first to return true stops dispatch for that
// message (spec.md 4.7: "each handler may claim the message").
func (c *Channel) AddMessageHandler(h func(Message) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnClose registers a callback fired when the channel is torn down, either
// explicitly or because max_tries was exceeded on a TX envelope.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func packEnvelope(msgType, seq uint16, payload []byte) []byte {
	out := make([]byte, 6+len(payload))
	wire.PutUint16BE(out[0:2], msgType)
	wire.PutUint16BE(out[2:4], seq)
	wire.PutUint16BE(out[4:6], uint16(len(payload)))
	copy(out[6:], payload)
	return out
}

func unpackEnvelope(b []byte) (msgType, seq uint16, payload []byte, err error) {
	if len(b) < 6 {
		return 0, 0, nil, fmt.Errorf("channel: envelope shorter than header (%d bytes)", len(b))
	}
	msgType = wire.GetUint16BE(b[0:2])
	seq = wire.GetUint16BE(b[2:4])
	length := wire.GetUint16BE(b[4:6])
	if len(b[6:]) != int(length) {
		return 0, 0, nil, fmt.Errorf("channel: envelope length field %d does not match payload of %d bytes", length, len(b[6:]))
	}
	return msgType, seq, b[6:], nil
}

// Send wraps msg in a sequenced envelope and hands it to the carrier,
// refusing when the TX window is already full (spec.md 4.7).
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel: closed")
	}
	if len(c.tx) >= c.window {
		c.mu.Unlock()
		return ErrWindowFull
	}

	payload, err := msg.MarshalBinary()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("channel: marshal message 0x%04X: %w", msg.Type(), err)
	}
	seq := c.nextSendSeq
	c.nextSendSeq = (c.nextSendSeq + 1) % SeqModulus

	envelope := packEnvelope(msg.Type(), seq, payload)
	timeout := c.retransmitTimeout(1)
	env := &txEnvelope{seq: seq, payload: envelope, tries: 1, sentAt: time.Now(), timeoutAt: time.Now().Add(timeout)}
	c.tx = append(c.tx, env)
	c.mu.Unlock()

	return c.carrier.SendEnvelope(envelope)
}

// retransmitTimeout implements spec.md 4.7's
// 1.5^(tries-1) * max(rtt*2.5, 0.025) * (ring_size + 1.5).
func (c *Channel) retransmitTimeout(tries int) time.Duration {
	rtt := c.rtt
	if rtt <= 0 {
		rtt = c.carrier.RTT()
	}
	base := float64(rtt) * 2.5
	floor := float64(25 * time.Millisecond)
	if base < floor {
		base = floor
	}
	ringSize := float64(len(c.tx) + 1)
	backoff := pow15(tries - 1)
	return time.Duration(backoff * base * (ringSize + 1.5))
}

func pow15(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 1.5
	}
	return v
}

// HandleInbound is called by the owning Link for every DATA packet it
// decrypts with context CHANNEL.
func (c *Channel) HandleInbound(raw []byte) {
	msgType, seq, payload, err := unpackEnvelope(raw)
	if err != nil {
		log.WithError(err).Debug("dropping malformed channel envelope")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	dist := seqDistance(seq, c.nextRecvSeq)
	switch {
	case dist == 0:
		// in-order; advance immediately, below.
	case dist > 0 && dist < WindowMaxFast:
		// ahead of expected: buffer for later in-order delivery.
		c.rx[seq] = &rxEnvelope{seq: seq, msgType: msgType, payload: payload}
		c.mu.Unlock()
		return
	case dist < 0 && -dist < WindowMaxFast:
		// behind expected by less than a window: silent duplicate/old, drop quietly.
		c.mu.Unlock()
		return
	default:
		c.mu.Unlock()
		log.WithField("seq", seq).Warn("channel: received envelope far outside window, dropping noisily")
		return
	}

	c.rx[seq] = &rxEnvelope{seq: seq, msgType: msgType, payload: payload}
	deliverable := c.drainContiguous()
	c.mu.Unlock()

	for _, e := range deliverable {
		c.dispatch(e.msgType, e.payload)
	}
}

// drainContiguous must be called with c.mu held. It advances nextRecvSeq
// through every buffered envelope starting at the current expected
// sequence, returning them in delivery order.
func (c *Channel) drainContiguous() []*rxEnvelope {
	var out []*rxEnvelope
	for {
		e, ok := c.rx[c.nextRecvSeq]
		if !ok {
			break
		}
		delete(c.rx, c.nextRecvSeq)
		out = append(out, e)
		c.nextRecvSeq = (c.nextRecvSeq + 1) % SeqModulus
	}
	return out
}

func (c *Channel) dispatch(msgType uint16, payload []byte) {
	c.mu.Lock()
	factory, ok := c.factories[msgType]
	handlers := append([]func(Message) bool(nil), c.handlers...)
	c.mu.Unlock()
	if !ok {
		log.WithField("type", msgType).Debug("channel: no factory registered, dropping message")
		return
	}

	msg := factory()
	if err := msg.UnmarshalBinary(payload); err != nil {
		log.WithError(err).WithField("type", msgType).Debug("channel: failed to unmarshal message")
		return
	}
	for _, h := range handlers {
		if h(msg) {
			return
		}
	}
}

// seqDistance returns the signed distance from b to a in [-SEQ_MODULUS/2,
// SEQ_MODULUS/2), handling modular wraparound per spec.md 4.7.
func seqDistance(a, b uint16) int {
	d := (int(a) - int(b) + SeqModulus) % SeqModulus
	if d >= SeqModulus/2 {
		d -= SeqModulus
	}
	return d
}

// Deliver acknowledges a previously sent envelope by sequence number: it
// drops the envelope from the TX list, feeds the elapsed time into the RTT
// estimate and grows the window. link.Link does not call Deliver; an
// envelope nobody acknowledges stays in the TX list until PollRetransmits
// gives up on it. Growing the window here and shrinking it on retransmit
// implements spec.md 4.7's flow control.
func (c *Channel) Deliver(seq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.tx {
		if e.seq == seq {
			c.tx = append(c.tx[:i], c.tx[i+1:]...)
			sample := time.Since(e.sentAt)
			c.updateRTT(sample)
			c.growWindow()
			return
		}
	}
}

func (c *Channel) updateRTT(sample time.Duration) {
	if c.rtt <= 0 {
		c.rtt = sample
		return
	}
	c.rtt = time.Duration(0.7*float64(c.rtt) + 0.3*float64(sample))
	c.retierWindow()
}

func (c *Channel) retierWindow() {
	switch {
	case c.rtt <= RTTFast:
		c.windowMax, c.windowMin = WindowMaxFast, WindowMinFast
	case c.rtt <= RTTMedium:
		c.windowMax, c.windowMin = WindowMaxMedium, WindowMinMedium
	case c.rtt <= RTTSlow:
		c.windowMax, c.windowMin = WindowMaxSlow, WindowMin
	default:
		c.windowMax, c.windowMin = 1, 1
	}
	if c.window > c.windowMax {
		c.window = c.windowMax
	}
	if c.window < c.windowMin {
		c.window = c.windowMin
	}
}

func (c *Channel) growWindow() {
	if c.window < c.windowMax {
		c.window++
	}
}

func (c *Channel) shrinkWindow() {
	if c.window > c.windowMin {
		c.window--
	}
}

// PollRetransmits resends any TX envelope whose timeout has elapsed,
// shrinking the window on each retransmit, and tears the channel down if
// any envelope exceeds max_tries (spec.md 4.7).
func (c *Channel) PollRetransmits(now time.Time) {
	c.mu.Lock()
	var due []*txEnvelope
	var giveUp bool
	for _, e := range c.tx {
		if now.Before(e.timeoutAt) {
			continue
		}
		e.tries++
		if e.tries > c.maxTries {
			giveUp = true
			continue
		}
		e.sentAt = now
		e.timeoutAt = now.Add(c.retransmitTimeout(e.tries))
		due = append(due, e)
		c.shrinkWindow()
	}
	onClose := c.onClose
	if giveUp {
		c.closed = true
	}
	c.mu.Unlock()

	for _, e := range due {
		if c.m != nil {
			c.m.IncChannelRetransmits()
		}
		_ = c.carrier.SendEnvelope(e.payload)
	}
	if giveUp && onClose != nil {
		onClose()
	}
}

// Outstanding reports the number of TX envelopes awaiting delivery.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tx)
}

// Window reports the current send window size.
func (c *Channel) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}
