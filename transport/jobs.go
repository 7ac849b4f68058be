package transport

import (
	"context"
	"time"

	"github.com/n9n/retikulo/internal/wire"
	"github.com/n9n/retikulo/packet"
)

// jobInterval is the base tick of the periodic job loop (spec.md section 5:
// "the job loop wakes roughly every 250ms to walk pending work").
const jobInterval = 250 * time.Millisecond

// Run drives Transport's periodic maintenance: receipt timeout polling,
// announce-table retransmit walks, announce-queue release, and table
// culling. It blocks until ctx is cancelled, so callers run it in its own
// goroutine (mirroring how the teacher's BGP session loop owns a single
// goroutine per peer rather than scattering tickers across the codebase).
func (t *Transport) Run(ctx context.Context) {
	ticker := time.NewTicker(jobInterval)
	defer ticker.Stop()

	cullTicker := time.NewTicker(t.cfg.tablesCullInterval())
	defer cullTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.tick(now)
		case <-cullTicker.C:
			t.cullTables()
		}
	}
}

// tick runs the sub-250ms-cadence work: receipts, announce retransmits, and
// announce queue release.
func (t *Transport) tick(now time.Time) {
	t.receipts.PollTimeouts(now)
	t.walkAnnounceRetransmits(now)
	t.releaseAnnounceQueues(now)
	t.expireDiscoveryRequests(now)
}

// walkAnnounceRetransmits resends announce-table entries whose
// retransmit_at has elapsed, up to PATHFINDER_R retries, per spec.md
// section 4.5.
func (t *Transport) walkAnnounceRetransmits(now time.Time) {
	t.mu.Lock()
	var due []*AnnounceTableEntry
	for destHash, e := range t.announceTable {
		if e.BlockRebroadcasts || now.Before(e.RetransmitAt) {
			continue
		}
		if e.Retries >= PathfinderR {
			delete(t.announceTable, destHash)
			continue
		}
		e.Retries++
		e.RetransmitAt = now.Add(PathfinderG + randomDuration(PathfinderRW))
		due = append(due, e)
	}
	t.mu.Unlock()

	for _, e := range due {
		_ = t.broadcastAllExcept(e.AnnouncePacket, e.AttachedInterface)
	}
}

// broadcastAllExcept rebroadcasts an already-promoted announce packet on
// every interface other than the one it arrived on (spec.md 4.5: an
// announce is never echoed back the way it came).
func (t *Transport) broadcastAllExcept(p *packet.Packet, except string) error {
	t.mu.Lock()
	rxMode := -1
	if rx, ok := t.interfaces[except]; ok {
		rxMode = rx.Mode()
	}
	names := make([]string, 0, len(t.interfaces))
	for name, in := range t.interfaces {
		if name == except {
			continue
		}
		nextAlsoRoamingOrBoundary := rxMode == in.Mode() && (rxMode == wire.ModeRoaming || rxMode == wire.ModeBoundary)
		if !rebroadcastAdmissible(in.Mode(), nextAlsoRoamingOrBoundary) {
			continue
		}
		names = append(names, name)
	}
	t.mu.Unlock()

	raw := p.Pack()
	var firstErr error
	for _, name := range names {
		if q := t.announceQueueFor(name); q != nil {
			q.Enqueue(raw)
			continue
		}
		if err := t.sendRawOnInterface(name, raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) sendRawOnInterface(name string, raw []byte) error {
	in := t.interfaceByName(name)
	if in == nil {
		return nil
	}
	return in.Send(raw)
}

// releaseAnnounceQueues drains each interface's airtime-bounded announce
// queue, per spec.md section 4.5's announce_cap boundary behavior.
func (t *Transport) releaseAnnounceQueues(now time.Time) {
	t.mu.Lock()
	names := make([]string, 0, len(t.announceQs))
	for name := range t.announceQs {
		names = append(names, name)
	}
	t.mu.Unlock()

	for _, name := range names {
		q := t.announceQueueFor(name)
		if q == nil {
			continue
		}
		if frame, ok := q.Release(now); ok {
			_ = t.sendRawOnInterface(name, frame)
		}
	}
}

// expireDiscoveryRequests drops discovery_pr entries whose timeout elapsed
// without a matching path response (spec.md section 4.5).
func (t *Transport) expireDiscoveryRequests(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.discoveryPRs {
		if now.After(e.Timeout) {
			delete(t.discoveryPRs, k)
		}
	}
}

// cullTables implements spec.md section 5's periodic table culling, the
// time-triggered sweep for both profiles: expired destination-table and
// reverse-table entries are dropped, link-table entries still unvalidated
// past their proof timeout are dropped, announce-rate blocks that have run
// out are cleared, and the table-size gauges are updated. Capacity-triggered
// eviction happens inline in the hot path; there is no separate reactive
// cull for MCU builds.
func (t *Transport) cullTables() {
	now := time.Now()
	t.mu.Lock()
	for k, e := range t.destinationTable {
		if now.After(e.Expires) {
			delete(t.destinationTable, k)
		}
	}
	for k, e := range t.reverseTable {
		if now.Sub(e.Timestamp) > ReverseTimeout {
			delete(t.reverseTable, k)
		}
	}
	for k, e := range t.linkTable {
		if now.After(e.ProofTimeout) && !e.Validated {
			delete(t.linkTable, k)
		}
	}
	for _, e := range t.announceRate {
		if !e.BlockedUntil.IsZero() && now.After(e.BlockedUntil) {
			e.Violations = 0
			e.BlockedUntil = time.Time{}
		}
	}
	pathSize, linkSize, reverseSize := len(t.destinationTable), len(t.linkTable), len(t.reverseTable)
	t.mu.Unlock()

	t.m.SetPathTableSize(pathSize)
	t.m.SetLinkTableSize(linkSize)
	t.m.SetReverseTableSize(reverseSize)
}
