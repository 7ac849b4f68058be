package resource

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n9n/retikulo/crypto/fernet"
)

type relayedMessage struct {
	context byte
	payload []byte
}

// testSessionKey stands in for the real ephemeral key a Link derives via
// ECDH (crypto.DeriveLinkKey): both ends of a test pair share it so
// relayCarrier.Encrypt/Decrypt behave like the two ends of one Link's
// session cipher, without needing a full handshake in these tests.
var testSessionKey = make([]byte, fernet.KeySize)

// relayCarrier buffers everything sent until a peer Resource is wired up,
// then flushes in order and forwards every subsequent send immediately —
// modeling the two ends of a Link relaying SendResourcePacket calls through
// Receive/HandleResourcePacket.
type relayCarrier struct {
	mu      sync.Mutex
	mdu     int
	peer    *Resource
	pending []relayedMessage
	reg     interface{ PollTimers(time.Time) }
}

func (c *relayCarrier) Encrypt(plaintext []byte) ([]byte, error) {
	return fernet.Seal(testSessionKey, plaintext)
}

func (c *relayCarrier) Decrypt(ciphertext []byte) ([]byte, error) {
	return fernet.Open(testSessionKey, ciphertext)
}

func (c *relayCarrier) SendResourcePacket(tag [4]byte, context byte, payload []byte) error {
	msg := relayedMessage{context: context, payload: append([]byte(nil), payload...)}
	c.mu.Lock()
	peer := c.peer
	if peer == nil {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	peer.HandleResourcePacket(msg.context, msg.payload)
	return nil
}

func (c *relayCarrier) attach(peer *Resource) {
	c.mu.Lock()
	c.peer = peer
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, msg := range pending {
		peer.HandleResourcePacket(msg.context, msg.payload)
	}
}

func (c *relayCarrier) RegisterResource(tag [4]byte, r interface{ PollTimers(time.Time) }) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reg = r
}

func (c *relayCarrier) MDU() int           { return c.mdu }
func (c *relayCarrier) RTT() time.Duration { return 10 * time.Millisecond }

// wireUp constructs a sender for data and a receiver fed from the sender's
// buffered RESOURCE_ADV, then cross-attaches their carriers so the rest of
// the handshake flows both ways. Attaching drains every buffered message
// synchronously, so the transfer may already be StateComplete by return.
func wireUp(t *testing.T, data []byte, mdu int, autoCompress bool, senderConcluded, receiverConcluded func(*Resource, []byte, error)) (sender, receiver *Resource) {
	t.Helper()
	senderCarrier := &relayCarrier{mdu: mdu}
	sender, err := New(data, senderCarrier, autoCompress, senderConcluded, nil)
	require.NoError(t, err)
	require.Len(t, senderCarrier.pending, 1, "constructing a sender must emit exactly one RESOURCE_ADV")
	adv := senderCarrier.pending[0].payload

	receiverCarrier := &relayCarrier{mdu: mdu}
	receiver, err = Accept(sender.Tag(), adv, receiverCarrier, receiverConcluded, nil)
	require.NoError(t, err)

	senderCarrier.attach(receiver)
	receiverCarrier.attach(sender)
	return sender, receiver
}

func TestSenderReceiverRoundTripSmallPayload(t *testing.T) {
	data := []byte("a small payload that fits in a couple of parts across the wire")

	senderDone := make(chan struct{})
	receiverDone := make(chan struct{})
	var receivedData []byte

	sender, _ := wireUp(t, data, 16, false,
		func(r *Resource, d []byte, err error) {
			require.NoError(t, err)
			close(senderDone)
		},
		func(r *Resource, d []byte, err error) {
			require.NoError(t, err)
			receivedData = d
			close(receiverDone)
		},
	)

	select {
	case <-senderDone:
	case <-time.After(time.Second):
		t.Fatal("sender never concluded")
	}
	select {
	case <-receiverDone:
	case <-time.After(time.Second):
		t.Fatal("receiver never concluded")
	}

	require.Equal(t, StateComplete, sender.State())
	require.Equal(t, data, receivedData)
}

func TestHandlePartRejectsUnknownMapHash(t *testing.T) {
	senderCarrier := &relayCarrier{mdu: 64}
	sender, err := New([]byte("some payload bytes"), senderCarrier, false, nil, nil)
	require.NoError(t, err)
	adv := senderCarrier.pending[0].payload

	// no peer ever attached to this carrier: the receiver's own selective
	// requests vanish, so it never legitimately receives anything and stays
	// in StateTransferring with an empty received set.
	receiverCarrier := &relayCarrier{mdu: 64}
	receiver, err := Accept(sender.Tag(), adv, receiverCarrier, nil, nil)
	require.NoError(t, err)

	receiver.handlePart([]byte("not a real part"))
	require.Empty(t, receiver.received)
}

func TestPollTimersFailsAfterMaxRetries(t *testing.T) {
	data := []byte("some data that splits into several parts for this test case")

	failDone := make(chan struct{})
	var failErr error

	senderCarrier := &relayCarrier{mdu: 8}
	sender, err := New(data, senderCarrier, false, nil, nil)
	require.NoError(t, err)
	adv := senderCarrier.pending[0].payload

	// a receiver carrier with no peer ever attached: every selective request
	// it sends vanishes, so every outstanding part eventually times out.
	receiverCarrier := &relayCarrier{mdu: 8}
	receiver, err := Accept(sender.Tag(), adv, receiverCarrier, func(r *Resource, d []byte, err error) {
		failErr = err
		close(failDone)
	}, nil)
	require.NoError(t, err)

	future := time.Now().Add(2 * time.Hour)
	for i := 0; i <= MaxRetries; i++ {
		receiver.PollTimers(future)
	}

	select {
	case <-failDone:
	case <-time.After(time.Second):
		t.Fatal("receiver never failed")
	}
	require.Error(t, failErr)
	require.Equal(t, StateFailed, receiver.State())
}

func TestCancelTransitionsToFailed(t *testing.T) {
	carrier := &relayCarrier{mdu: 64}
	sender, err := New([]byte("payload"), carrier, false, nil, nil)
	require.NoError(t, err)

	sender.Cancel()
	require.Equal(t, StateFailed, sender.State())
}

func TestCompressedTransferRoundTrips(t *testing.T) {
	// Highly repetitive so bzip2 reliably shrinks it and FlagCompressed path
	// is exercised end to end.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte('a' + i%3)
	}

	receiverDone := make(chan struct{})
	var receivedData []byte

	wireUp(t, data, 256, true, nil, func(r *Resource, d []byte, err error) {
		require.NoError(t, err)
		receivedData = d
		close(receiverDone)
	})

	select {
	case <-receiverDone:
	case <-time.After(time.Second):
		t.Fatal("receiver never concluded")
	}
	require.Equal(t, data, receivedData)
}
