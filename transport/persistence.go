package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/n9n/retikulo/internal/wire"
)

// persistedDestination is the msgpack-serialisable shape of DestinationEntry,
// keyed by its destination hash when written to disk (spec.md section 6.3:
// "the destination table survives restarts"). msgpack is used here for the
// same reason SPEC_FULL.md wires it into resource advertisements: it is the
// compact self-describing codec this stack standardises on for anything that
// leaves process memory.
type persistedDestination struct {
	DestHash         []byte `msgpack:"h"`
	ReceivedFrom     []byte `msgpack:"f"`
	Hops             int    `msgpack:"n"`
	ExpiresUnix      int64  `msgpack:"e"`
	ReceivingIface   string `msgpack:"i"`
	AnnounceHash     []byte `msgpack:"a"`
	InterfaceMode    int    `msgpack:"m"`
}

const destinationTableFile = "destination_table.msgpack"

// SaveDestinationTable writes the current destination table to
// <storagePath>/destination_table.msgpack. A no-op if cfg.StoragePath is
// empty (persistence disabled).
func (t *Transport) SaveDestinationTable() error {
	if t.cfg.StoragePath == "" {
		return nil
	}
	t.mu.Lock()
	rows := make([]persistedDestination, 0, len(t.destinationTable))
	for destHash, e := range t.destinationTable {
		rows = append(rows, persistedDestination{
			DestHash:       append([]byte(nil), destHash[:]...),
			ReceivedFrom:   append([]byte(nil), e.ReceivedFrom[:]...),
			Hops:           e.Hops,
			ExpiresUnix:    e.Expires.Unix(),
			ReceivingIface: e.ReceivingInterface,
			AnnounceHash:   append([]byte(nil), e.CachedAnnouncePacketHash[:]...),
			InterfaceMode:  e.InterfaceMode,
		})
	}
	t.mu.Unlock()

	b, err := msgpack.Marshal(rows)
	if err != nil {
		return fmt.Errorf("transport: marshal destination table: %w", err)
	}
	if err := os.MkdirAll(t.cfg.StoragePath, 0o700); err != nil {
		return fmt.Errorf("transport: create storage dir: %w", err)
	}
	path := filepath.Join(t.cfg.StoragePath, destinationTableFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("transport: write destination table: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadDestinationTable restores a previously saved destination table,
// dropping any entry whose expiry has already elapsed. Malformed rows
// (wrong hash width) are skipped rather than aborting the whole load, since
// a corrupt single entry shouldn't block startup.
func (t *Transport) LoadDestinationTable() error {
	if t.cfg.StoragePath == "" {
		return nil
	}
	path := filepath.Join(t.cfg.StoragePath, destinationTableFile)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transport: read destination table: %w", err)
	}

	var rows []persistedDestination
	if err := msgpack.Unmarshal(b, &rows); err != nil {
		return fmt.Errorf("transport: unmarshal destination table: %w", err)
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		if len(r.DestHash) != wire.TruncatedHashSize || len(r.ReceivedFrom) != wire.TruncatedHashSize {
			continue
		}
		expires := time.Unix(r.ExpiresUnix, 0)
		if now.After(expires) {
			continue
		}
		var destHash, receivedFrom hash16
		copy(destHash[:], r.DestHash)
		copy(receivedFrom[:], r.ReceivedFrom)
		var announceHash hash32
		copy(announceHash[:], r.AnnounceHash)

		if len(t.destinationTable) >= t.caps.destinationTable {
			break
		}
		t.destinationTable[destHash] = &DestinationEntry{
			Timestamp:                now,
			ReceivedFrom:             receivedFrom,
			Hops:                     r.Hops,
			Expires:                  expires,
			ReceivingInterface:       r.ReceivingIface,
			CachedAnnouncePacketHash: announceHash,
			InterfaceMode:            r.InterfaceMode,
		}
	}
	return nil
}
