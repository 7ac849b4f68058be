package packet

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/n9n/retikulo/crypto"
	"github.com/n9n/retikulo/internal/wire"
)

var log = logrus.WithField("component", "packet")

// AnnounceInfo is the parsed, validated content of an ANNOUNCE packet's
// payload, per spec.md section 3/4.1.
type AnnounceInfo struct {
	DestinationHash [wire.TruncatedHashSize]byte
	Identity        *crypto.Identity
	NameHash        [wire.NameHashSize]byte
	RandomHash      [wire.RandomHashSize]byte
	RatchetPub      *[wire.X25519KeySize]byte
	AppData         []byte
	// EmissionTime is the 40-bit big-endian wall-clock seconds encoded in
	// the last 5 bytes of RandomHash (spec.md section 4.3).
	EmissionTime uint64
}

// ErrMalformedAnnounce covers any structurally invalid ANNOUNCE payload:
// wrong size, bad signature, or a destination hash mismatch. Per spec.md
// section 7 these are all "malformed input" / "signature failure" cases
// that simply drop the packet.
var ErrMalformedAnnounce = errors.New("packet: malformed or unverifiable announce")

const announceFixedPrefixLen = wire.IdentityPubSize + wire.NameHashSize + wire.RandomHashSize + wire.Ed25519SigSize

// parseAnnouncePayload splits an ANNOUNCE payload into its fixed fields and
// app_data, detecting the optional ratchet public key heuristically: if the
// payload is long enough to hold one and the candidate 32-byte slot is not
// all-zero, it's treated as present. This mirrors the ambiguity the spec
// itself calls out in section 4.1 ("Detects ratchet presence
// heuristically").
func parseAnnouncePayload(payload []byte) (pub, nameHash, randomHash, sig []byte, ratchet *[wire.X25519KeySize]byte, appData []byte, err error) {
	if len(payload) < announceFixedPrefixLen {
		return nil, nil, nil, nil, nil, nil, ErrMalformedAnnounce
	}
	off := 0
	pub = payload[off : off+wire.IdentityPubSize]
	off += wire.IdentityPubSize
	nameHash = payload[off : off+wire.NameHashSize]
	off += wire.NameHashSize
	randomHash = payload[off : off+wire.RandomHashSize]
	off += wire.RandomHashSize
	sig = payload[off : off+wire.Ed25519SigSize]
	off += wire.Ed25519SigSize

	rest := payload[off:]
	if len(rest) >= wire.X25519KeySize {
		candidate := rest[:wire.X25519KeySize]
		nonZero := false
		for _, b := range candidate {
			if b != 0 {
				nonZero = true
				break
			}
		}
		if nonZero {
			var rp [wire.X25519KeySize]byte
			copy(rp[:], candidate)
			ratchet = &rp
			rest = rest[wire.X25519KeySize:]
		}
	}
	appData = rest
	return pub, nameHash, randomHash, sig, ratchet, appData, nil
}

// BuildAnnouncePayload composes the ANNOUNCE payload: identity_pub(64) ||
// name_hash(10) || random_hash(10) || signature(64) || [ratchet_pub(32)]? || app_data,
// per spec.md section 6.1 and 4.3.
func BuildAnnouncePayload(id *crypto.Identity, nameHash [wire.NameHashSize]byte, randomHash [wire.RandomHashSize]byte, sig []byte, ratchetPub *[wire.X25519KeySize]byte, appData []byte) []byte {
	out := make([]byte, 0, announceFixedPrefixLen+wire.X25519KeySize+len(appData))
	out = append(out, id.PublicBytes()...)
	out = append(out, nameHash[:]...)
	out = append(out, randomHash[:]...)
	out = append(out, sig...)
	if ratchetPub != nil {
		out = append(out, ratchetPub[:]...)
	}
	out = append(out, appData...)
	return out
}

// SignedAnnounceData builds the data signed over an announce: dest_hash ||
// identity.public || name_hash || (random_hash || app_data), per spec.md
// section 4.1/4.3.
func SignedAnnounceData(destHash [wire.TruncatedHashSize]byte, id *crypto.Identity, nameHash [wire.NameHashSize]byte, randomHash [wire.RandomHashSize]byte, appData []byte) []byte {
	out := make([]byte, 0, wire.TruncatedHashSize+wire.IdentityPubSize+wire.NameHashSize+wire.RandomHashSize+len(appData))
	out = append(out, destHash[:]...)
	out = append(out, id.PublicBytes()...)
	out = append(out, nameHash[:]...)
	out = append(out, randomHash[:]...)
	out = append(out, appData...)
	return out
}

// ValidateAnnounce implements spec.md section 4.1's Identity.validate_announce:
// it parses the payload, reconstructs the destination hash, verifies the
// Ed25519 signature, and on success remembers the destination (and, if
// present, its ratchet) in the process-wide caches. A destination-hash
// collision against a previously remembered, different public key is an
// outright rejection (the spec calls for a "critical log" in that case).
func ValidateAnnounce(p *Packet) (*AnnounceInfo, bool) {
	if p.PacketType != wire.PacketAnnounce || p.DestType != wire.DestSingle {
		return nil, false
	}
	pubBytes, nameHash, randomHash, sig, ratchet, appData, err := parseAnnouncePayload(p.Payload)
	if err != nil {
		log.WithError(err).Debug("malformed announce payload")
		return nil, false
	}

	id, err := crypto.LoadPublic(pubBytes)
	if err != nil {
		log.WithError(err).Debug("bad identity public key in announce")
		return nil, false
	}

	identityHash := id.Hash()
	var nh [wire.NameHashSize]byte
	copy(nh[:], nameHash)
	destHash := crypto.Truncate(nh[:], identityHash[:])
	if destHash != p.DestinationHash {
		log.Debug("announce destination hash mismatch")
		return nil, false
	}

	var rh [wire.RandomHashSize]byte
	copy(rh[:], randomHash)
	signed := SignedAnnounceData(destHash, id, nh, rh, appData)
	if !id.Validate(sig, signed) {
		log.Debug("announce signature verification failed")
		return nil, false
	}

	if existing, ok := crypto.Recall(destHash); ok {
		if len(existing.PublicKey) == len(pubBytes) {
			diff := false
			for i := range pubBytes {
				if existing.PublicKey[i] != pubBytes[i] {
					diff = true
					break
				}
			}
			if diff {
				log.WithField("dest", destHash).Error("announce destination hash collision with different public key, rejecting")
				return nil, false
			}
		}
	}

	crypto.Remember(p.Hash(), destHash, pubBytes, appData)
	if ratchet != nil {
		crypto.RememberRatchet(destHash, *ratchet)
	}

	info := &AnnounceInfo{
		DestinationHash: destHash,
		Identity:        id,
		NameHash:        nh,
		RandomHash:      rh,
		RatchetPub:      ratchet,
		AppData:         appData,
		EmissionTime:    wire.GetUint40BE(randomHash[wire.RandomHashSize-5:]),
	}
	return info, true
}
