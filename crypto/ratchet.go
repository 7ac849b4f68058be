package crypto

import (
	"crypto/rand"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/n9n/retikulo/crypto/fernet"
	"github.com/n9n/retikulo/internal/wire"
)

// Ratchet is the ephemeral X25519 keypair described in spec.md section 4.2.
// A Destination rotates these on an interval and retains the last 128 in a
// circular buffer so late-arriving packets encrypted against a previous
// ratchet still decrypt (spec.md section 3).
type Ratchet struct {
	priv      [wire.X25519KeySize]byte
	pub       [wire.X25519KeySize]byte
	createdAt time.Time
}

// NewRatchet generates a fresh ratchet keypair.
func NewRatchet() (*Ratchet, error) {
	var priv [wire.X25519KeySize]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	r := &Ratchet{priv: priv, createdAt: time.Now()}
	copy(r.pub[:], pub)
	return r, nil
}

// ID returns the first wire.RatchetIDSize bytes of SHA-256(pub), used as the
// ratchet's lookup key in a destination's circular buffer.
func (r *Ratchet) ID() [wire.RatchetIDSize]byte { return RatchetID(r.pub[:]) }

// Public returns the ratchet's X25519 public key, embedded in announces.
func (r *Ratchet) Public() [wire.X25519KeySize]byte { return r.pub }

// CreatedAt returns the time this ratchet was generated, used to decide
// rotation (spec.md default: every 30 minutes).
func (r *Ratchet) CreatedAt() time.Time { return r.createdAt }

// DeriveSharedSecret computes X25519(priv, peerPub).
func (r *Ratchet) DeriveSharedSecret(peerPub [wire.X25519KeySize]byte) ([]byte, error) {
	return curve25519.X25519(r.priv[:], peerPub[:])
}

// DeriveKey implements spec.md's derive_key(shared) = HKDF(32, shared), with
// no salt — unlike Identity.Encrypt, which salts with the recipient's
// identity hash, a ratchet's key is already scoped to a single ephemeral
// keypair so no extra domain separation is required.
func (r *Ratchet) DeriveKey(shared []byte) ([]byte, error) {
	return deriveKey(shared, nil)
}

// Encrypt implements spec.md 4.2: Fernet(derive_key(derive_shared(peerPub))).encrypt(msg).
// peerPub is the counterpart's ratchet (or ephemeral) public key. Unlike
// Identity.Encrypt, the output is the bare token with no public key
// prefixed; a SINGLE DATA payload carries the sender's public key in its
// first 32 bytes ahead of this token, which is where destination's decrypt
// reads it from.
func (r *Ratchet) Encrypt(peerPub [wire.X25519KeySize]byte, plaintext []byte) ([]byte, error) {
	shared, err := r.DeriveSharedSecret(peerPub)
	if err != nil {
		return nil, err
	}
	key, err := r.DeriveKey(shared)
	if err != nil {
		return nil, err
	}
	return fernet.Seal(key, plaintext)
}

// Decrypt inverts Encrypt.
func (r *Ratchet) Decrypt(peerPub [wire.X25519KeySize]byte, token []byte) ([]byte, error) {
	shared, err := r.DeriveSharedSecret(peerPub)
	if err != nil {
		return nil, err
	}
	key, err := r.DeriveKey(shared)
	if err != nil {
		return nil, err
	}
	return fernet.Open(key, token)
}

// RatchetRingSize is the number of most-recently-generated ratchets a
// destination retains (spec.md section 3: "circular buffer of 128
// most-recent ratchets").
const RatchetRingSize = 128

// RatchetRing is the fixed-capacity, newest-last circular buffer described
// in spec.md 4.2 and 4.3. The slot just before next (mod RatchetRingSize)
// always holds the most recently generated ratchet, so announces can
// always advertise it.
type RatchetRing struct {
	slots [RatchetRingSize]*Ratchet
	next  int // index the next Add will write to
	count int
}

// Add inserts a newly generated ratchet, evicting the oldest entry once the
// ring is full.
func (rr *RatchetRing) Add(r *Ratchet) {
	rr.slots[rr.next] = r
	rr.next = (rr.next + 1) % RatchetRingSize
	if rr.count < RatchetRingSize {
		rr.count++
	}
}

// Latest returns the most recently added ratchet, or nil if the ring is empty.
func (rr *RatchetRing) Latest() *Ratchet {
	if rr.count == 0 {
		return nil
	}
	idx := (rr.next - 1 + RatchetRingSize) % RatchetRingSize
	return rr.slots[idx]
}

// Find returns the ratchet matching id, searching newest-first, or nil if
// none of the retained ratchets match (spec.md: late-arriving packets using
// prior keys should still decrypt as long as the ratchet hasn't been
// evicted).
func (rr *RatchetRing) Find(id [wire.RatchetIDSize]byte) *Ratchet {
	for i := 0; i < rr.count; i++ {
		idx := (rr.next - 1 - i + RatchetRingSize*2) % RatchetRingSize
		r := rr.slots[idx]
		if r == nil {
			continue
		}
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// Len reports how many ratchets are currently retained.
func (rr *RatchetRing) Len() int { return rr.count }

// TryDecrypt attempts to open token against every retained ratchet, newest
// first, and returns the first successful plaintext. A destination that
// receives a SINGLE DATA packet has no way to know in advance which still-
// retained ratchet the sender encrypted against (spec.md section 3:
// "late-arriving packets using prior keys still decrypt"), so it must try
// the ring rather than look up a single key.
func (rr *RatchetRing) TryDecrypt(peerPub [wire.X25519KeySize]byte, token []byte) ([]byte, bool) {
	for i := 0; i < rr.count; i++ {
		idx := (rr.next - 1 - i + RatchetRingSize*2) % RatchetRingSize
		r := rr.slots[idx]
		if r == nil {
			continue
		}
		if pt, err := r.Decrypt(peerPub, token); err == nil {
			return pt, true
		}
	}
	return nil, false
}
