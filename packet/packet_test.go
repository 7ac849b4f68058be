package packet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/internal/wire"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	p := &Packet{
		HeaderType: wire.HeaderType1,
		DestType:   wire.DestSingle,
		PacketType: wire.PacketData,
		Hops:       0,
		Context:    wire.ContextNone,
		Payload:    []byte("payload bytes"),
	}
	p.DestinationHash[0] = 0xAB

	raw := p.Pack()
	got, err := Unpack(raw)
	require.NoError(t, err)
	require.Equal(t, p.HeaderType, got.HeaderType)
	require.Equal(t, p.DestType, got.DestType)
	require.Equal(t, p.PacketType, got.PacketType)
	require.Equal(t, p.DestinationHash, got.DestinationHash)
	require.Equal(t, p.Payload, got.Payload)
	require.Equal(t, p.Hash(), got.Hash())
}

func TestHashIgnoresHopCountAndTransportID(t *testing.T) {
	p := &Packet{
		HeaderType: wire.HeaderType2,
		DestType:   wire.DestSingle,
		PacketType: wire.PacketData,
		Context:    wire.ContextNone,
		Payload:    []byte("hello"),
	}
	p.TransportID[0] = 1
	p.Pack()
	before := p.Hash()

	p.IncrementHop()
	p.IncrementHop()
	require.Equal(t, before, p.Hash())

	var newID [wire.TruncatedHashSize]byte
	newID[0] = 99
	p.SetTransportID(newID)
	require.Equal(t, before, p.Hash())
}

func TestHashSurvivesHeaderTypeRewrite(t *testing.T) {
	p := &Packet{
		HeaderType: wire.HeaderType2,
		DestType:   wire.DestSingle,
		PacketType: wire.PacketData,
		Context:    wire.ContextNone,
		Payload:    []byte("transit"),
	}
	p.TransportID[0] = 7
	p.Pack()
	before := p.Hash()

	p.StripTransportHeader()
	require.Equal(t, before, p.Hash())
}

func TestUnpackRejectsShortBuffer(t *testing.T) {
	_, err := Unpack([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTooShort)
}

func TestValidateAnnounceAcceptsWellFormed(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)

	nameHash := crypto.NameHash("testapp", []string{"aspect"})
	var randomHash [wire.RandomHashSize]byte
	randomHash[0] = 0x01
	appData := []byte("app data")

	identityHash := id.Hash()
	destHash := crypto.Truncate(nameHash[:], identityHash[:])

	signed := SignedAnnounceData(destHash, id, nameHash, randomHash, appData)
	sig, err := id.Sign(signed)
	require.NoError(t, err)

	payload := BuildAnnouncePayload(id, nameHash, randomHash, sig, nil, appData)

	p := &Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestSingle,
		PacketType:      wire.PacketAnnounce,
		DestinationHash: destHash,
		Context:         wire.ContextNone,
		Payload:         payload,
	}
	p.Pack()

	info, ok := ValidateAnnounce(p)
	require.True(t, ok)
	require.Equal(t, destHash, info.DestinationHash)
	require.Equal(t, appData, info.AppData)
	require.Nil(t, info.RatchetPub)
}

func TestValidateAnnounceRejectsBadSignature(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)
	other, err := crypto.Generate()
	require.NoError(t, err)

	nameHash := crypto.NameHash("testapp", nil)
	var randomHash [wire.RandomHashSize]byte
	identityHash := id.Hash()
	destHash := crypto.Truncate(nameHash[:], identityHash[:])

	signed := SignedAnnounceData(destHash, id, nameHash, randomHash, nil)
	badSig, err := other.Sign(signed) // signed by the wrong identity
	require.NoError(t, err)

	payload := BuildAnnouncePayload(id, nameHash, randomHash, badSig, nil, nil)
	p := &Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestSingle,
		PacketType:      wire.PacketAnnounce,
		DestinationHash: destHash,
		Payload:         payload,
	}
	p.Pack()

	_, ok := ValidateAnnounce(p)
	require.False(t, ok)
}

func TestValidateAnnounceDetectsRatchet(t *testing.T) {
	id, err := crypto.Generate()
	require.NoError(t, err)
	ratchet, err := crypto.NewRatchet()
	require.NoError(t, err)

	nameHash := crypto.NameHash("ratchetapp", nil)
	var randomHash [wire.RandomHashSize]byte
	identityHash := id.Hash()
	destHash := crypto.Truncate(nameHash[:], identityHash[:])

	signed := SignedAnnounceData(destHash, id, nameHash, randomHash, nil)
	sig, err := id.Sign(signed)
	require.NoError(t, err)

	rp := ratchet.Public()
	payload := BuildAnnouncePayload(id, nameHash, randomHash, sig, &rp, nil)
	p := &Packet{
		HeaderType:      wire.HeaderType1,
		DestType:        wire.DestSingle,
		PacketType:      wire.PacketAnnounce,
		DestinationHash: destHash,
		Payload:         payload,
	}
	p.Pack()

	info, ok := ValidateAnnounce(p)
	require.True(t, ok)
	require.NotNil(t, info.RatchetPub)
	require.Equal(t, rp, *info.RatchetPub)
}
