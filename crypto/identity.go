// Package crypto implements the cryptographic envelope described in
// spec.md section 4.1 (Identity) and 4.2 (Ratchet): X25519 ECDH, Ed25519
// signatures, HKDF key derivation, and a Fernet-style AEAD token. The X25519
// and HKDF plumbing follows ericlagergren-dr's djb.go ratchet almost
// directly (same primitives, same "derive then seal" shape); Ed25519 comes
// from the standard library since no example repo carries a third-party
// Ed25519 implementation and the spec itself treats signature primitives as
// a black box (see DESIGN.md).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/n9n/retikulo/crypto/fernet"
	"github.com/n9n/retikulo/internal/wire"
)

// ErrNoPrivateKey is returned by operations that require private key
// material (Decrypt, Sign) on an Identity loaded with public keys only.
var ErrNoPrivateKey = errors.New("crypto: identity holds no private key")

// Identity is the keypair container described in spec.md section 3. It
// holds either full (private+public) key material or public keys only.
type Identity struct {
	x25519Priv []byte // nil if public-only
	x25519Pub  [wire.X25519KeySize]byte

	ed25519Priv ed25519.PrivateKey // nil if public-only
	ed25519Pub  ed25519.PublicKey
}

// Generate creates a new Identity with fresh X25519 and Ed25519 keypairs.
func Generate() (*Identity, error) {
	xPriv := make([]byte, wire.X25519KeySize)
	if _, err := io.ReadFull(rand.Reader, xPriv); err != nil {
		return nil, err
	}
	xPub, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	id := &Identity{x25519Priv: xPriv, ed25519Priv: edPriv, ed25519Pub: edPub}
	copy(id.x25519Pub[:], xPub)
	return id, nil
}

// LoadPrivate constructs an Identity from the 64-byte persisted form
// (priv_x25519 || priv_ed25519), per spec.md section 6.3.
func LoadPrivate(b []byte) (*Identity, error) {
	if len(b) != wire.X25519KeySize+ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: private identity blob must be %d bytes, got %d", wire.X25519KeySize+ed25519.SeedSize, len(b))
	}
	xPriv := append([]byte(nil), b[:wire.X25519KeySize]...)
	xPub, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	edPriv := ed25519.NewKeyFromSeed(b[wire.X25519KeySize:])

	id := &Identity{x25519Priv: xPriv, ed25519Priv: edPriv, ed25519Pub: edPriv.Public().(ed25519.PublicKey)}
	copy(id.x25519Pub[:], xPub)
	return id, nil
}

// LoadPublic constructs a public-only Identity from the 64-byte
// (x25519_pub || ed25519_pub) form used inline in announce packets.
func LoadPublic(b []byte) (*Identity, error) {
	if len(b) != wire.IdentityPubSize {
		return nil, fmt.Errorf("crypto: public identity blob must be %d bytes, got %d", wire.IdentityPubSize, len(b))
	}
	id := &Identity{ed25519Pub: append(ed25519.PublicKey(nil), b[wire.X25519KeySize:]...)}
	copy(id.x25519Pub[:], b[:wire.X25519KeySize])
	return id, nil
}

// ToPrivateBytes returns the persisted (priv_x25519 || priv_ed25519) form.
func (id *Identity) ToPrivateBytes() ([]byte, error) {
	if id.x25519Priv == nil || id.ed25519Priv == nil {
		return nil, ErrNoPrivateKey
	}
	out := make([]byte, 0, wire.X25519KeySize+ed25519.SeedSize)
	out = append(out, id.x25519Priv...)
	out = append(out, id.ed25519Priv.Seed()...)
	return out, nil
}

// PublicBytes returns the (x25519_pub || ed25519_pub) inline form.
func (id *Identity) PublicBytes() []byte {
	out := make([]byte, 0, wire.IdentityPubSize)
	out = append(out, id.x25519Pub[:]...)
	out = append(out, id.ed25519Pub...)
	return out
}

// X25519Public returns the raw X25519 public key.
func (id *Identity) X25519Public() [wire.X25519KeySize]byte { return id.x25519Pub }

// Ed25519Public returns the raw Ed25519 public key.
func (id *Identity) Ed25519Public() ed25519.PublicKey { return id.ed25519Pub }

// HasPrivateKey reports whether this Identity can decrypt/sign.
func (id *Identity) HasPrivateKey() bool { return id.x25519Priv != nil }

// Hash returns the truncated identity hash: truncate(SHA-256(x25519_pub || ed25519_pub)).
func (id *Identity) Hash() [wire.TruncatedHashSize]byte {
	return Truncate(id.x25519Pub[:], id.ed25519Pub)
}

// deriveKey implements the shared HKDF step used by both Identity.Encrypt
// and Ratchet encryption: HKDF(length=32, input=shared, salt=salt, context=nil).
func deriveKey(shared, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, salt, nil)
	key := make([]byte, fernet.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveLinkKey implements spec.md 4.6's "derive a session key via HKDF over
// the combined shared secret": link handshakes call this directly rather
// than through an Identity, since the key is scoped to a link id, not an
// Identity's own key material.
func DeriveLinkKey(shared, salt []byte) ([]byte, error) {
	return deriveKey(shared, salt)
}

// Encrypt implements spec.md 4.1's Identity.encrypt: generate an ephemeral
// X25519 keypair, ECDH against the recipient's public key, HKDF the shared
// secret salted with the recipient's identity hash, and seal plaintext under
// a Fernet-style token. Returns eph_pub || token.
func (id *Identity) Encrypt(plaintext []byte) ([]byte, error) {
	ephPriv := make([]byte, wire.X25519KeySize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, id.x25519Pub[:])
	if err != nil {
		return nil, err
	}
	hash := id.Hash()
	key, err := deriveKey(shared, hash[:])
	if err != nil {
		return nil, err
	}
	token, err := fernet.Seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(ephPub)+len(token))
	out = append(out, ephPub...)
	out = append(out, token...)
	return out, nil
}

// Decrypt mirrors Encrypt using this Identity's private X25519 key. Per
// spec.md 4.1 it never returns an error for a malformed or forged
// ciphertext: it returns (nil, nil) so callers treat "failed to decrypt" as
// "nothing to deliver" rather than a propagating error.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	if id.x25519Priv == nil {
		return nil, ErrNoPrivateKey
	}
	if len(ciphertext) < wire.X25519KeySize {
		return nil, nil
	}
	ephPub, token := ciphertext[:wire.X25519KeySize], ciphertext[wire.X25519KeySize:]
	shared, err := curve25519.X25519(id.x25519Priv, ephPub)
	if err != nil {
		return nil, nil
	}
	hash := id.Hash()
	key, err := deriveKey(shared, hash[:])
	if err != nil {
		return nil, nil
	}
	pt, err := fernet.Open(key, token)
	if err != nil {
		return nil, nil
	}
	return pt, nil
}

// Sign returns the Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id.ed25519Priv == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(id.ed25519Priv, msg), nil
}

// Validate reports whether sig is a valid Ed25519 signature over msg by
// this Identity's public key.
func (id *Identity) Validate(sig, msg []byte) bool {
	if len(sig) != wire.Ed25519SigSize || len(id.ed25519Pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(id.ed25519Pub, msg, sig)
}
