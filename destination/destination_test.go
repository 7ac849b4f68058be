package destination

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/iface"
	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/link"
	"github.com/n9n/retikulo/packet"
	"github.com/n9n/retikulo/transport"
)

// captureInterface is a minimal iface.Interface that records every frame
// handed to Send, standing in for a real transport in these tests.
type captureInterface struct {
	mu   sync.Mutex
	name string
	sent [][]byte
}

func (c *captureInterface) Name() string                { return c.name }
func (c *captureInterface) Mode() iface.Mode             { return iface.ModeFull }
func (c *captureInterface) Bitrate() float64             { return 1e6 }
func (c *captureInterface) AnnounceCap() float64         { return 1.0 }
func (c *captureInterface) IsLocalSharedInstance() bool  { return false }
func (c *captureInterface) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

func (c *captureInterface) last(t *testing.T) []byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	return c.sent[len(c.sent)-1]
}

func newTestTransport(t *testing.T) (*transport.Transport, *captureInterface) {
	t.Helper()
	id, err := crypto.Generate()
	require.NoError(t, err)
	tr := transport.New(transport.Config{Profile: transport.ProfileServer}, id, nil)
	in := &captureInterface{name: "test0"}
	tr.AddInterface(in)
	return tr, in
}

func TestNewRejectsAppNameWithDot(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)
	tr, _ := newTestTransport(t)
	_, err = New(id, transport.DirectionIn, wire.DestSingle, tr, nil, "bad.name")
	require.ErrorIs(t, err, ErrAppNameContainsDot)
}

func TestNewRejectsPlainWithIdentity(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)
	tr, _ := newTestTransport(t)
	_, err = New(id, transport.DirectionIn, wire.DestPlain, tr, nil, "example")
	require.ErrorIs(t, err, ErrPlainCannotCarryIdentity)
}

func TestAnnounceEmitsSignedPayloadOverTransport(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)
	tr, in := newTestTransport(t)

	d, err := New(id, transport.DirectionIn, wire.DestSingle, tr, nil, "example", "chat")
	require.NoError(t, err)

	require.NoError(t, d.Announce([]byte("hello"), false, nil))

	frame := in.last(t)
	p, err := packet.Unpack(frame)
	require.NoError(t, err)
	require.Equal(t, wire.PacketAnnounce, p.PacketType)
	require.Equal(t, d.Hash(), p.DestinationHash)
}

func TestAnnounceOnlyAllowedForInSingle(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)
	tr, _ := newTestTransport(t)

	d, err := New(id, transport.DirectionOut, wire.DestSingle, tr, nil, "example")
	require.NoError(t, err)
	require.ErrorIs(t, d.Announce(nil, false, nil), ErrAnnounceNotAllowed)
}

func TestReceivePathResponseSignalReannounces(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)
	tr, in := newTestTransport(t)

	d, err := New(id, transport.DirectionIn, wire.DestSingle, tr, nil, "example")
	require.NoError(t, err)
	require.NoError(t, d.Announce([]byte("v1"), false, nil))
	firstFrame := len(in.sent)

	tag := make([]byte, 16)
	d.Receive(&packet.Packet{
		PacketType:      wire.PacketData,
		Context:         wire.ContextPathResponse,
		DestinationHash: d.Hash(),
		Payload:         tag,
	})

	in.mu.Lock()
	got := len(in.sent)
	in.mu.Unlock()
	require.Greater(t, got, firstFrame, "path-response signal should trigger a re-announce")

	p, err := packet.Unpack(in.last(t))
	require.NoError(t, err)
	require.Equal(t, wire.ContextPathResponse, p.Context)
}

func TestDecryptFallsBackFromRatchetToIdentity(t *testing.T) {
	receiverID, err := crypto.Generate()
	require.NoError(t, err)
	tr, _ := newTestTransport(t)

	d, err := New(receiverID, transport.DirectionIn, wire.DestSingle, tr, nil, "example")
	require.NoError(t, err)
	d.EnableRatchets(time.Minute)
	require.NoError(t, d.RotateRatchets(true))

	// A sender using plain Identity.Encrypt (no ratchet) must still decrypt,
	// exercising the fallback path since it won't match any retained ratchet.
	// Encrypt only needs the recipient's public key, so calling it on
	// receiverID directly (as any sender holding just the public identity
	// would) is equivalent to encrypting from a separate public-only copy.
	senderPlain := []byte("identity path message")
	ct, err := receiverID.Encrypt(senderPlain)
	require.NoError(t, err)
	pt, ok := d.decrypt(ct)
	require.True(t, ok)
	require.Equal(t, senderPlain, pt)

	// A sender encrypting against the destination's advertised ratchet public
	// key must decrypt via the ring. The payload carries the sender's public
	// key ahead of the token.
	ratchetPub := d.currentRatchetPublicLocked()
	require.NotNil(t, ratchetPub)
	senderRatchet, err := crypto.NewRatchet()
	require.NoError(t, err)
	ratchetToken, err := senderRatchet.Encrypt(*ratchetPub, []byte("ratchet path message"))
	require.NoError(t, err)
	senderPub := senderRatchet.Public()
	ratchetCT := append(senderPub[:], ratchetToken...)
	pt2, ok := d.decrypt(ratchetCT)
	require.True(t, ok)
	require.Equal(t, []byte("ratchet path message"), pt2)
}

func TestHandleLinkRequestRegistersLinkAndFiresCallback(t *testing.T) {
	responderID, err := crypto.Generate()
	require.NoError(t, err)
	tr, _ := newTestTransport(t)

	d, err := New(responderID, transport.DirectionIn, wire.DestSingle, tr, nil, "example")
	require.NoError(t, err)

	established := make(chan *link.Link, 1)
	d.SetLinkEstablishedCallback(func(l *link.Link) { established <- l })

	initiatorID, err := crypto.Generate()
	require.NoError(t, err)
	initSender := &fakeLinkSender{}
	initiator, err := link.NewOutgoing(d.Hash(), initiatorID, initSender)
	require.NoError(t, err)
	requestPacket := initSender.last(t)

	d.Receive(requestPacket)

	select {
	case l := <-established:
		require.Equal(t, initiator.ID(), l.ID())
	case <-time.After(time.Second):
		t.Fatal("link established callback never fired")
	}
	require.Equal(t, 1, d.ActiveLinkCount())
}

func TestPollLinksEvictsClosedLinks(t *testing.T) {
	responderID, err := crypto.Generate()
	require.NoError(t, err)
	tr, _ := newTestTransport(t)

	d, err := New(responderID, transport.DirectionIn, wire.DestSingle, tr, nil, "example")
	require.NoError(t, err)

	initiatorID, err := crypto.Generate()
	require.NoError(t, err)
	initSender := &fakeLinkSender{}
	_, err = link.NewOutgoing(d.Hash(), initiatorID, initSender)
	require.NoError(t, err)
	requestPacket := initSender.last(t)

	d.Receive(requestPacket)
	require.Equal(t, 1, d.ActiveLinkCount())

	d.mu.Lock()
	for _, l := range d.links {
		l.Teardown()
	}
	d.mu.Unlock()

	d.PollLinks(time.Now())
	require.Equal(t, 0, d.ActiveLinkCount())
}

func TestRequestResponseRoundTripsOverLink(t *testing.T) {
	responderID, err := crypto.Generate()
	require.NoError(t, err)
	tr, _ := newTestTransport(t)

	d, err := New(responderID, transport.DirectionIn, wire.DestSingle, tr, nil, "example")
	require.NoError(t, err)

	d.RegisterRequestHandler("/ping", AllowAll, nil, func(path string, data []byte, reqID [16]byte, linkID [wire.TruncatedHashSize]byte, remote *crypto.Identity) []byte {
		return []byte("pong:" + string(data))
	})

	initiatorID, err := crypto.Generate()
	require.NoError(t, err)
	initSender := &fakeLinkSender{}
	initiator, err := link.NewOutgoing(d.Hash(), initiatorID, initSender)
	require.NoError(t, err)
	requestPacket := initSender.last(t)

	respSender := &fakeLinkSender{}
	responder, err := link.Accept(requestPacket, responderID, respSender, "eth0")
	require.NoError(t, err)
	proofPacket := respSender.last(t)

	// HandleProof verifies against the known-destination cache an announce
	// would normally have populated; seed it directly since no announce
	// changes hands in this test.
	crypto.Remember([32]byte{}, d.Hash(), responderID.PublicBytes(), nil)
	require.NoError(t, initiator.HandleProof(proofPacket))

	d.registerLink(responder)
	d.wireLinkForRequests(responder)

	// Wire each side's sender to relay straight into the peer Link's
	// Receive, exactly as transport.HandleInbound would for a real pair of
	// interfaces forwarding encrypted DATA packets back and forth.
	initSender.peer = responder
	respSender.peer = initiator

	got := make(chan string, 1)
	require.NoError(t, d.SendRequest(initiator, "/ping", []byte("hi"), func(data []byte) {
		got <- string(data)
	}))

	select {
	case reply := <-got:
		require.Equal(t, "pong:hi", reply)
	case <-time.After(time.Second):
		t.Fatal("request never got a response")
	}
}

// fakeLinkSender relays Send calls directly into a peer Link's Receive once
// wired, and otherwise just records the packet like link_test.go's
// fakeSender.
type fakeLinkSender struct {
	mu          sync.Mutex
	sentPackets []*packet.Packet
	peer        *link.Link
}

func (f *fakeLinkSender) Send(p *packet.Packet) error {
	f.mu.Lock()
	peer := f.peer
	f.sentPackets = append(f.sentPackets, p.Clone())
	f.mu.Unlock()
	if peer != nil {
		peer.Receive(p)
	}
	return nil
}

func (f *fakeLinkSender) last(t *testing.T) *packet.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sentPackets)
	return f.sentPackets[len(f.sentPackets)-1]
}
