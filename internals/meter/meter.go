// Package meter keeps per-(session, track, direction) byte counters on the
// packet hot path. Increments are wait-free atomic adds; SnapshotAndReset
// swaps every egress counter to zero so each recorded byte lands in exactly
// one window. Bytes recorded against a session or track that has since been
// drained are folded into the next snapshot, never dropped.
package meter

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

type key struct {
	sessionID string
	trackID   string
	dir       Direction
}

// Entry is one row of a snapshot: egress bytes for a (participant, track)
// pair during the closed window.
type Entry struct {
	ParticipantID string
	TrackID       string
	BytesOut      uint64
}

// OverflowFunc is invoked when a single window's counter would wrap. The
// delta already accumulated is still emitted; the event is diagnostic only.
type OverflowFunc func(sessionID, trackID string, dir Direction)

// Meter is the per-room byte accounting namespace. The counters map is
// guarded by a mutex only for insertion; increments on existing counters
// are plain atomic adds and never block.
type Meter struct {
	mu       sync.RWMutex
	counters map[key]*atomic.Uint64

	// participant resolution at snapshot time; sessions may be gone by
	// then, so drained attributions are captured eagerly.
	drainedMu sync.Mutex
	drained   []Entry

	onOverflow OverflowFunc
	logger     *zap.Logger
}

func New(logger *zap.Logger) *Meter {
	return &Meter{
		counters: make(map[key]*atomic.Uint64),
		logger:   logger,
	}
}

// SetOverflowFunc registers the meter-overflow diagnostic hook. Call before
// traffic starts; the hook may fire from any goroutine.
func (m *Meter) SetOverflowFunc(fn OverflowFunc) {
	m.onOverflow = fn
}

func (m *Meter) counter(k key) *atomic.Uint64 {
	m.mu.RLock()
	c, ok := m.counters[k]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[k]; ok {
		return c
	}
	c = new(atomic.Uint64)
	m.counters[k] = c
	return c
}

// RecordIn accumulates ingress bytes. O(1), safe from any goroutine.
func (m *Meter) RecordIn(sessionID, trackID string, n uint64) {
	m.add(key{sessionID, trackID, In}, n)
}

// RecordOut accumulates egress bytes. O(1), safe from any goroutine.
func (m *Meter) RecordOut(sessionID, trackID string, n uint64) {
	m.add(key{sessionID, trackID, Out}, n)
}

func (m *Meter) add(k key, n uint64) {
	c := m.counter(k)
	if v := c.Add(n); v < n && m.onOverflow != nil {
		// wrapped: the 64-bit delta overflowed within a single window
		m.onOverflow(k.sessionID, k.trackID, k.dir)
	}
}

// Resolver maps a live session to its participant. Snapshot rows for
// sessions the resolver no longer knows are attributed via the drained
// list; a row with no attribution at all is impossible because DrainSession
// records the mapping before the session is forgotten.
type Resolver func(sessionID string) (participantID string, ok bool)

// SnapshotAndReset atomically collects and resets all egress deltas plus
// any drained attributions, returning rows sorted by (participant, track).
// Zero-byte rows are filtered. Ingress counters are left untouched; they
// never appear in receipts.
func (m *Meter) SnapshotAndReset(resolve Resolver) []Entry {
	type row struct {
		sessionID string
		trackID   string
		bytes     uint64
	}
	var rows []row

	m.mu.RLock()
	for k, c := range m.counters {
		if k.dir != Out {
			continue
		}
		if n := c.Swap(0); n > 0 {
			rows = append(rows, row{k.sessionID, k.trackID, n})
		}
	}
	m.mu.RUnlock()

	// merge by (participant, track); a participant can hold several
	// sessions across reconnects within one window
	agg := make(map[[2]string]uint64)
	for _, r := range rows {
		pid, ok := resolve(r.sessionID)
		if !ok {
			m.logger.Warn("Meter snapshot row without live session",
				zap.String("sessionID", r.sessionID),
				zap.String("trackID", r.trackID),
			)
			continue
		}
		agg[[2]string{pid, r.trackID}] += r.bytes
	}

	m.drainedMu.Lock()
	for _, e := range m.drained {
		agg[[2]string{e.ParticipantID, e.TrackID}] += e.BytesOut
	}
	m.drained = nil
	m.drainedMu.Unlock()

	entries := make([]Entry, 0, len(agg))
	for k, n := range agg {
		entries = append(entries, Entry{ParticipantID: k[0], TrackID: k[1], BytesOut: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ParticipantID != entries[j].ParticipantID {
			return entries[i].ParticipantID < entries[j].ParticipantID
		}
		return entries[i].TrackID < entries[j].TrackID
	})
	return entries
}

// DrainSession removes every counter belonging to sessionID, preserving the
// egress deltas under the given participant so the window that observed the
// departure still accounts them. Idempotent: a second drain finds nothing.
func (m *Meter) DrainSession(sessionID, participantID string) {
	m.drain(func(k key) bool { return k.sessionID == sessionID }, func(k key, n uint64) Entry {
		return Entry{ParticipantID: participantID, TrackID: k.trackID, BytesOut: n}
	})
}

// DrainTrack removes every counter for trackID across all sessions. The
// resolver attributes each session's delta; bytes for unresolvable sessions
// were already captured by their own DrainSession.
func (m *Meter) DrainTrack(trackID string, resolve Resolver) {
	m.drain(func(k key) bool { return k.trackID == trackID }, func(k key, n uint64) Entry {
		pid, ok := resolve(k.sessionID)
		if !ok {
			return Entry{}
		}
		return Entry{ParticipantID: pid, TrackID: k.trackID, BytesOut: n}
	})
}

func (m *Meter) drain(match func(key) bool, attribute func(key, uint64) Entry) {
	m.mu.Lock()
	var captured []Entry
	for k, c := range m.counters {
		if !match(k) {
			continue
		}
		if k.dir == Out {
			if n := c.Swap(0); n > 0 {
				if e := attribute(k, n); e.ParticipantID != "" {
					captured = append(captured, e)
				}
			}
		}
		delete(m.counters, k)
	}
	m.mu.Unlock()

	if len(captured) > 0 {
		m.drainedMu.Lock()
		m.drained = append(m.drained, captured...)
		m.drainedMu.Unlock()
	}
}

// BytesIn reads the current ingress delta, for observability only.
func (m *Meter) BytesIn(sessionID, trackID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[key{sessionID, trackID, In}]; ok {
		return c.Load()
	}
	return 0
}

// BytesOut reads the current egress delta, for observability only.
func (m *Meter) BytesOut(sessionID, trackID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[key{sessionID, trackID, Out}]; ok {
		return c.Load()
	}
	return 0
}
