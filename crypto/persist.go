package crypto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/n9n/retikulo/internal/wire"
)

func unixFloatToTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

// known_dst.bin layout, per spec.md section 6.3:
//
//	"KDST"(4) version(1) count(u16 LE)
//	per entry: dest_hash(16) timestamp(f64 LE) packet_hash(32) public_key(64)
//	           app_data_len(u16 LE) app_data(variable, capped at maxAppDataLen)
const (
	kdstMagic      = "KDST"
	kdstVersion    = 1
	maxAppDataLen  = 1024
)

// SaveKnownDestinations serializes the known-destination cache to path.
func SaveKnownDestinations(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	knownDestinations.mu.Lock()
	entries := make(map[[wire.TruncatedHashSize]byte]KnownDestinationEntry, len(knownDestinations.items))
	for k, el := range knownDestinations.items {
		entries[k] = el.Value.(*lruEntry[[wire.TruncatedHashSize]byte, KnownDestinationEntry]).value
	}
	knownDestinations.mu.Unlock()

	if _, err := w.WriteString(kdstMagic); err != nil {
		return err
	}
	if err := w.WriteByte(kdstVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(entries))); err != nil {
		return err
	}

	for destHash, e := range entries {
		if _, err := w.Write(destHash[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, math.Float64bits(float64(e.Timestamp.UnixNano())/1e9)); err != nil {
			return err
		}
		if _, err := w.Write(e.PacketHash[:]); err != nil {
			return err
		}
		pub := make([]byte, wire.IdentityPubSize)
		copy(pub, e.PublicKey)
		if _, err := w.Write(pub); err != nil {
			return err
		}
		appData := e.LastAppData
		if len(appData) > maxAppDataLen {
			appData = appData[:maxAppDataLen]
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(appData))); err != nil {
			return err
		}
		if _, err := w.Write(appData); err != nil {
			return err
		}
	}

	return w.Flush()
}

// LoadKnownDestinations reads a known_dst.bin file written by
// SaveKnownDestinations and repopulates the process-wide cache. Entries
// whose app_data exceeds the capped length during read are truncated
// rather than rejected, per the spec's "entries beyond cap are skipped
// during read" — here "skipped" applies to the bytes beyond the cap within
// an entry, not whole entries, since the on-disk length prefix is always
// honored for framing.
func LoadKnownDestinations(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return err
	}
	if string(magic) != kdstMagic {
		return fmt.Errorf("crypto: %s: bad magic %q", path, magic)
	}
	version, err := r.ReadByte()
	if err != nil {
		return err
	}
	if version != kdstVersion {
		return fmt.Errorf("crypto: %s: unsupported version %d", path, version)
	}
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	for i := uint16(0); i < count; i++ {
		var destHash [wire.TruncatedHashSize]byte
		if _, err := io.ReadFull(r, destHash[:]); err != nil {
			return err
		}
		var tsBits uint64
		if err := binary.Read(r, binary.LittleEndian, &tsBits); err != nil {
			return err
		}
		var packetHash [wire.FullHashSize]byte
		if _, err := io.ReadFull(r, packetHash[:]); err != nil {
			return err
		}
		pub := make([]byte, wire.IdentityPubSize)
		if _, err := io.ReadFull(r, pub); err != nil {
			return err
		}
		var appDataLen uint16
		if err := binary.Read(r, binary.LittleEndian, &appDataLen); err != nil {
			return err
		}
		appData := make([]byte, appDataLen)
		if _, err := io.ReadFull(r, appData); err != nil {
			return err
		}
		if len(appData) > maxAppDataLen {
			appData = appData[:maxAppDataLen]
		}

		sec := math.Float64frombits(tsBits)
		knownDestinations.Put(destHash, KnownDestinationEntry{
			Timestamp:   unixFloatToTime(sec),
			PacketHash:  packetHash,
			PublicKey:   pub,
			LastAppData: appData,
		})
	}
	return nil
}
