package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCarrier struct {
	mu   sync.Mutex
	sent [][]byte
	rtt  time.Duration
	mdu  int
}

func (f *fakeCarrier) SendEnvelope(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}
func (f *fakeCarrier) MDU() int            { return f.mdu }
func (f *fakeCarrier) RTT() time.Duration  { return f.rtt }

type pingMessage struct {
	Seq uint32
}

func (p *pingMessage) Type() uint16 { return 0x0001 }
func (p *pingMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = byte(p.Seq >> 24)
	b[1] = byte(p.Seq >> 16)
	b[2] = byte(p.Seq >> 8)
	b[3] = byte(p.Seq)
	return b, nil
}
func (p *pingMessage) UnmarshalBinary(b []byte) error {
	p.Seq = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return nil
}

func TestSendRefusesBeyondWindow(t *testing.T) {
	carrier := &fakeCarrier{mdu: 500}
	c := New(carrier, nil)
	c.window = 1

	require.NoError(t, c.Send(&pingMessage{Seq: 1}))
	err := c.Send(&pingMessage{Seq: 2})
	require.ErrorIs(t, err, ErrWindowFull)
}

func TestRegisterMessageTypeEnforcesRange(t *testing.T) {
	c := New(&fakeCarrier{}, nil)
	err := c.RegisterMessageType(func() Message { return &systemMessage{} }, false)
	require.Error(t, err)

	err = c.RegisterMessageType(func() Message { return &pingMessage{} }, false)
	require.NoError(t, err)

	err = c.RegisterMessageType(func() Message { return &pingMessage{} }, false)
	require.Error(t, err)
}

type systemMessage struct{}

func (s *systemMessage) Type() uint16                      { return 0xF001 }
func (s *systemMessage) MarshalBinary() ([]byte, error)    { return nil, nil }
func (s *systemMessage) UnmarshalBinary([]byte) error      { return nil }

func TestRoundTripInOrderDelivery(t *testing.T) {
	aCarrier := &fakeCarrier{mdu: 500}
	a := New(aCarrier, nil)
	require.NoError(t, a.RegisterMessageType(func() Message { return &pingMessage{} }, false))

	b := New(&fakeCarrier{mdu: 500}, nil)
	require.NoError(t, b.RegisterMessageType(func() Message { return &pingMessage{} }, false))

	var received []uint32
	b.AddMessageHandler(func(m Message) bool {
		received = append(received, m.(*pingMessage).Seq)
		return true
	})

	for i := uint32(0); i < 3; i++ {
		require.NoError(t, a.Send(&pingMessage{Seq: i}))
	}
	for _, frame := range aCarrier.sent {
		b.HandleInbound(frame)
	}

	require.Equal(t, []uint32{0, 1, 2}, received)
}

func TestOutOfOrderDeliveryBuffersUntilContiguous(t *testing.T) {
	b := New(&fakeCarrier{mdu: 500}, nil)
	require.NoError(t, b.RegisterMessageType(func() Message { return &pingMessage{} }, false))

	var received []uint32
	b.AddMessageHandler(func(m Message) bool {
		received = append(received, m.(*pingMessage).Seq)
		return true
	})

	env1 := packEnvelope(0x0001, 1, mustMarshal(&pingMessage{Seq: 1}))
	env0 := packEnvelope(0x0001, 0, mustMarshal(&pingMessage{Seq: 0}))

	b.HandleInbound(env1)
	require.Empty(t, received, "seq 1 arrives before seq 0 and must be withheld")

	b.HandleInbound(env0)
	require.Equal(t, []uint32{0, 1}, received)
}

func mustMarshal(m Message) []byte {
	b, _ := m.MarshalBinary()
	return b
}

func TestDeliverGrowsWindowAndUpdatesRTT(t *testing.T) {
	carrier := &fakeCarrier{mdu: 500, rtt: 30 * time.Millisecond}
	c := New(carrier, nil)
	c.window = WindowMin

	require.NoError(t, c.Send(&pingMessage{Seq: 1}))
	c.Deliver(0)

	require.Greater(t, c.Window(), WindowMin)
	require.Greater(t, c.rtt, time.Duration(0))
}

func TestSeqDistanceWraparound(t *testing.T) {
	require.Equal(t, 1, seqDistance(1, 0))
	require.Equal(t, -1, seqDistance(0, 1))
	require.Equal(t, 1, seqDistance(0, SeqModulus-1))
	require.Equal(t, -1, seqDistance(SeqModulus-1, 0))
}
