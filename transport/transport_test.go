package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/iface"
	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/packet"
)

func newTestTransport(t *testing.T) (*Transport, *crypto.Identity) {
	t.Helper()
	id, err := crypto.Generate()
	require.NoError(t, err)
	tp := New(Config{Profile: ProfileServer, IsTransportInstance: true}, id, nil)
	return tp, id
}

func buildSignedAnnounce(t *testing.T, id *crypto.Identity, appName string, appData []byte) (*packet.Packet, [wire.TruncatedHashSize]byte) {
	t.Helper()
	nameHash := crypto.NameHash(appName, nil)
	idHash := id.Hash()
	destHash := crypto.Truncate(nameHash[:], idHash[:])

	var randomHash [wire.RandomHashSize]byte
	wire.PutUint40BE(randomHash[wire.RandomHashSize-5:], uint64(time.Now().Unix()))

	signed := packet.SignedAnnounceData(destHash, id, nameHash, randomHash, appData)
	sig, err := id.Sign(signed)
	require.NoError(t, err)

	payload := packet.BuildAnnouncePayload(id, nameHash, randomHash, sig, nil, appData)

	p := &packet.Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestSingle,
		PacketType:      wire.PacketAnnounce,
		DestinationHash: destHash,
		Context:         wire.ContextNone,
		Payload:         payload,
	}
	p.Pack()
	return p, destHash
}

func TestHandleInboundAdoptsValidAnnounce(t *testing.T) {
	tp, _ := newTestTransport(t)
	in := iface.NewLoopback("eth0")
	tp.AddInterface(in)

	remoteID, err := crypto.Generate()
	require.NoError(t, err)
	p, destHash := buildSignedAnnounce(t, remoteID, "test.app", []byte("hello"))

	tp.HandleInbound(p, "eth0")

	require.True(t, tp.HasPath(destHash))
	require.Equal(t, 1, tp.PathTableSize())
}

func TestHandleInboundRejectsBadSignature(t *testing.T) {
	tp, _ := newTestTransport(t)
	remoteID, err := crypto.Generate()
	require.NoError(t, err)
	p, destHash := buildSignedAnnounce(t, remoteID, "test.app", []byte("hello"))

	// corrupt the last payload byte (app_data, which the signature covers)
	p.Payload[len(p.Payload)-1] ^= 0xFF
	p.Pack()

	tp.HandleInbound(p, "eth0")
	require.False(t, tp.HasPath(destHash))
}

func TestDuplicateAnnounceSuppressedOnSecondDelivery(t *testing.T) {
	tp, _ := newTestTransport(t)
	in := iface.NewLoopback("eth0")
	tp.AddInterface(in)

	remoteID, err := crypto.Generate()
	require.NoError(t, err)
	p, destHash := buildSignedAnnounce(t, remoteID, "test.app", []byte("hello"))

	tp.HandleInbound(p.Clone(), "eth0")
	require.True(t, tp.HasPath(destHash))
	sizeAfterFirst := tp.PathTableSize()

	// an exact duplicate SINGLE-dest announce is exempt from the hashlist
	// filter (spec.md 4.5), but it carries the same random_hash so adoption
	// is still skipped via the replay guard.
	tp.HandleInbound(p.Clone(), "eth0")
	require.Equal(t, sizeAfterFirst, tp.PathTableSize())
}

func TestRequestPathThrottlesRepeatedCalls(t *testing.T) {
	tp, _ := newTestTransport(t)
	in := iface.NewLoopback("eth0")
	tp.AddInterface(in)

	var destHash [wire.TruncatedHashSize]byte
	destHash[0] = 0xAB

	require.NoError(t, tp.RequestPath(destHash))
	require.NoError(t, tp.RequestPath(destHash))

	sent := in.Sent()
	require.Len(t, sent, 1, "second RequestPath within PATH_REQUEST_MI must be suppressed")
}

func TestLocalDestinationReceivesAnnounceWithoutAdoption(t *testing.T) {
	tp, localID := newTestTransport(t)

	var received []*packet.Packet
	nameHash := crypto.NameHash("local.app", nil)
	idHash := localID.Hash()
	destHash := crypto.Truncate(nameHash[:], idHash[:])

	tp.RegisterDestination(LocalDestination{
		Hash:     destHash,
		Direction: DirectionIn,
		Identity: localID,
		Receive: func(p *packet.Packet) {
			received = append(received, p)
		},
	})

	p, _ := buildSignedAnnounce(t, localID, "local.app", nil)
	tp.HandleInbound(p, "eth0")

	require.Len(t, received, 1)
	require.False(t, tp.HasPath(destHash), "announces for our own destinations never enter the path table")
}

func TestTransitRoutingRewritesHeaderAndForwards(t *testing.T) {
	tp, _ := newTestTransport(t)
	inA := iface.NewLoopback("a")
	inB := iface.NewLoopback("b")
	tp.AddInterface(inA)
	tp.AddInterface(inB)

	remoteID, err := crypto.Generate()
	require.NoError(t, err)
	announce, destHash := buildSignedAnnounce(t, remoteID, "relay.app", nil)
	announce.Hops = 1
	tp.HandleInbound(announce, "a")
	require.True(t, tp.HasPath(destHash))

	data := &packet.Packet{
		HeaderType:      wire.HeaderType2,
		DestType:        wire.DestSingle,
		PacketType:      wire.PacketData,
		DestinationHash: destHash,
		TransportID:     tp.Identity().Hash(),
		HasTransportID:  true,
		Context:         wire.ContextNone,
		Payload:         []byte("payload"),
	}
	data.Pack()

	tp.HandleInbound(data, "b")

	sentOnA := inA.Sent()
	require.NotEmpty(t, sentOnA, "transit packet should have been forwarded out interface a")
}

func TestAdoptAnnounceAcceptsFresherAnnounceOverMoreHopsBeforeExpiry(t *testing.T) {
	tp, _ := newTestTransport(t)
	in := iface.NewLoopback("eth0")
	tp.AddInterface(in)

	remoteID, err := crypto.Generate()
	require.NoError(t, err)
	p, destHash := buildSignedAnnounce(t, remoteID, "test.app", []byte("hello"))

	// Seed an existing, unexpired path at 0 hops with a stale emission
	// time, as if adopted from an earlier, now-stale announce.
	tp.destinationTable[destHash] = &DestinationEntry{
		Timestamp:       time.Now(),
		Hops:            0,
		Expires:         time.Now().Add(time.Hour),
		MaxEmissionTime: uint64(time.Now().Add(-time.Hour).Unix()),
	}

	// HandleInbound increments the hop count once on arrival, so this
	// announce lands at 1 hop: more hops than the existing path, but
	// its embedded emission time (built from time.Now() in
	// buildSignedAnnounce) is fresher than the existing entry's, and
	// the existing path has not expired.
	tp.HandleInbound(p, "eth0")

	require.Equal(t, 1, tp.HopsTo(destHash), "fresher announce should be adopted despite the existing path not having expired")
}

func TestCullTablesDropsExpiredDestinations(t *testing.T) {
	tp, _ := newTestTransport(t)
	var destHash hash16
	destHash[0] = 1
	tp.destinationTable[destHash] = &DestinationEntry{
		Timestamp: time.Now(),
		Expires:   time.Now().Add(-time.Second),
	}
	tp.cullTables()
	require.Equal(t, 0, tp.PathTableSize())
}
