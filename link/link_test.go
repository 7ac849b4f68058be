package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n9n/retikulo/channel"
	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/packet"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*packet.Packet
}

func (f *fakeSender) Send(p *packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p.Clone())
	return nil
}

func (f *fakeSender) last(t *testing.T) *packet.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func handshake(t *testing.T) (initiator, responder *Link, initSender, respSender *fakeSender) {
	t.Helper()
	initiatorID, err := crypto.Generate()
	require.NoError(t, err)
	responderID, err := crypto.Generate()
	require.NoError(t, err)

	destHash := responderID.Hash()

	initSender = &fakeSender{}
	initiator, err = NewOutgoing(destHash, initiatorID, initSender)
	require.NoError(t, err)
	require.Equal(t, StateHandshake, initiator.State())

	requestPacket := initSender.last(t)

	respSender = &fakeSender{}
	responder, err = Accept(requestPacket, responderID, respSender, "eth0")
	require.NoError(t, err)
	require.Equal(t, StateActive, responder.State())

	// HandleProof verifies against the responder identity recalled from the
	// known-destination cache, which an announce would normally fill.
	crypto.Remember([wire.FullHashSize]byte{}, destHash, responderID.PublicBytes(), nil)

	proofPacket := respSender.last(t)
	require.NoError(t, initiator.HandleProof(proofPacket))
	require.Equal(t, StateActive, initiator.State())

	require.Equal(t, initiator.ID(), responder.ID())
	return initiator, responder, initSender, respSender
}

func TestHandshakeEstablishesMatchingLinkIDAndActiveState(t *testing.T) {
	handshake(t)
}

func TestAnonymousLinkRequestIsAccepted(t *testing.T) {
	responderID, err := crypto.Generate()
	require.NoError(t, err)
	destHash := responderID.Hash()

	initSender := &fakeSender{}
	initiator, err := NewOutgoing(destHash, nil, initSender)
	require.NoError(t, err)
	require.NotNil(t, initiator)

	requestPacket := initSender.last(t)
	ephPub, initiatorID, ok := ParseLinkRequestPayload(requestPacket.Payload)
	require.True(t, ok)
	require.Nil(t, initiatorID, "an all-zero identity block parses to an anonymous (nil) initiator")
	require.NotEqual(t, [wire.X25519KeySize]byte{}, ephPub)

	respSender := &fakeSender{}
	responder, err := Accept(requestPacket, responderID, respSender, "eth0")
	require.NoError(t, err)
	require.Equal(t, StateActive, responder.State())
}

func TestHandleProofRejectsMalformedPayload(t *testing.T) {
	responderID, err := crypto.Generate()
	require.NoError(t, err)
	destHash := responderID.Hash()

	initSender := &fakeSender{}
	initiator, err := NewOutgoing(destHash, nil, initSender)
	require.NoError(t, err)

	bad := &packet.Packet{Payload: []byte("too short")}
	require.Error(t, initiator.HandleProof(bad))
	require.Equal(t, StateHandshake, initiator.State())
}

func TestHandleProofRejectsWrongState(t *testing.T) {
	initiator, _, initSender, respSender := handshake(t)
	require.Equal(t, StateActive, initiator.State())

	// the handshake already consumed the one legitimate LRPROOF; a second
	// delivery must be rejected since the link is no longer in HANDSHAKE.
	err := initiator.HandleProof(respSender.last(t))
	require.Error(t, err)
	require.Len(t, initSender.sent, 1, "rejecting a stray proof must not emit anything")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	initiator, responder, _, _ := handshake(t)

	plaintext := []byte("hello across the link")
	ct, err := initiator.Encrypt(plaintext)
	require.NoError(t, err)

	pt, err := responder.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestSendAndReceiveDeliversViaPacketCallback(t *testing.T) {
	initiator, responder, _, respSender := handshake(t)

	var received []byte
	responder.SetPacketCallback(func(payload []byte) {
		received = payload
	})

	require.NoError(t, initiator.Send([]byte("payload over link")))
	dataPacket := initiatorLastSent(t, initiator)
	before := len(respSender.sent)
	responder.Receive(dataPacket)

	require.Equal(t, []byte("payload over link"), received)
	require.Len(t, respSender.sent, before, "Receive should not itself emit packets")
}

// initiatorLastSent reaches into the initiator's sender to grab the last
// packet it emitted; handshake() wires each Link to its own fakeSender.
func initiatorLastSent(t *testing.T, l *Link) *packet.Packet {
	t.Helper()
	fs, ok := l.sender.(*fakeSender)
	require.True(t, ok)
	return fs.last(t)
}

func TestSendEnvelopeRoutesThroughChannel(t *testing.T) {
	initiator, responder, _, _ := handshake(t)

	initCh := initiator.Channel(nil)
	respCh := responder.Channel(nil)
	require.NoError(t, initCh.RegisterMessageType(func() channel.Message { return &pingMsg{} }, false))
	require.NoError(t, respCh.RegisterMessageType(func() channel.Message { return &pingMsg{} }, false))

	var received uint32
	respCh.AddMessageHandler(func(m channel.Message) bool {
		received = m.(*pingMsg).Seq
		return true
	})

	require.NoError(t, initCh.Send(&pingMsg{Seq: 7}))

	// initiator.SendEnvelope encrypted the envelope and emitted it as a DATA
	// packet; deliver it to the responder's Link the way a destination would
	// on receiving an inbound packet addressed to this link id.
	envelopePacket := initiatorLastSent(t, initiator)
	responder.Receive(envelopePacket)

	require.Equal(t, uint32(7), received)
}

type pingMsg struct {
	Seq uint32
}

func (p *pingMsg) Type() uint16 { return 1 }
func (p *pingMsg) MarshalBinary() ([]byte, error) {
	return []byte{byte(p.Seq >> 24), byte(p.Seq >> 16), byte(p.Seq >> 8), byte(p.Seq)}, nil
}
func (p *pingMsg) UnmarshalBinary(b []byte) error {
	p.Seq = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return nil
}

func TestPollIdleTransitionsToStale(t *testing.T) {
	initiator, _, _, _ := handshake(t)
	initiator.lastActivity = time.Now().Add(-StaleTimeout - time.Second)

	initiator.PollIdle(time.Now())
	require.Equal(t, StateStale, initiator.State())
}

func TestTeardownInvokesClosedCallback(t *testing.T) {
	initiator, _, _, _ := handshake(t)

	var closed bool
	initiator.SetLinkClosedCallback(func(*Link) { closed = true })
	initiator.Teardown()

	require.True(t, closed)
	require.Equal(t, StateClosed, initiator.State())

	// idempotent: a second Teardown must not invoke the callback again
	closed = false
	initiator.Teardown()
	require.False(t, closed)
}
