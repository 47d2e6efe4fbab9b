// Package forward decides, per arriving packet, which subscriber sessions
// receive it and at which simulcast layer. Rights gating, codec support,
// bitrate admission, and congestion degradation all live here; the
// scheduler's only egress primitive is the Transport.
package forward

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/events"
	"github.com/mycelia-live/sfu-core/internals/media"
	"github.com/mycelia-live/sfu-core/internals/meter"
	"github.com/mycelia-live/sfu-core/internals/metrics"
	"github.com/mycelia-live/sfu-core/internals/rights"
	"github.com/mycelia-live/sfu-core/internals/session"
)

// Track is an active track as the scheduler sees it. Rights and codec are
// frozen at activation. Layers are sorted by descending bitrate; an empty
// layer list means a single-quality track.
type Track struct {
	ID                 string
	CID                string
	ContributorID      string
	PublisherSessionID string
	Rights             rights.Rights
	Codec              media.CodecDescriptor
	Layers             []media.Layer
	StartedAt          int64
}

// layerAt returns the layer selected at degradation step n (0 = best).
// Past the last layer the track is paused.
func (t *Track) layerAt(step int) (media.Layer, bool) {
	if len(t.Layers) == 0 {
		if step > 0 {
			return media.Layer{}, false
		}
		return media.Layer{}, true
	}
	if step >= len(t.Layers) {
		return media.Layer{}, false
	}
	return t.Layers[step], true
}

type subscriberState struct {
	sess *session.Session
	// degradation step per track: admission raises it to fit the bitrate
	// budget, congestion raises it further; len(layers) means paused.
	step map[string]int
	// floor below which admission may not lower the step again, set by
	// congestion feedback.
	congestionFloor map[string]int
	congestedSince  int64
	pausedByCongest map[string]bool
}

const DefaultPauseAfter = 2 * time.Second

// Forwarder is the per-room scheduler. OnPacket runs on transport ingest
// goroutines under a read lock; all membership changes come from the room
// task under the write lock.
type Forwarder struct {
	transport  core.Transport
	m          *meter.Meter
	bus        *events.Bus
	logger     *zap.Logger
	pauseAfter time.Duration
	roomID     string

	mu     sync.RWMutex
	tracks map[string]*Track
	subs   map[string]*subscriberState
}

func New(roomID string, transport core.Transport, m *meter.Meter, bus *events.Bus, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		transport:  transport,
		m:          m,
		bus:        bus,
		logger:     logger,
		pauseAfter: DefaultPauseAfter,
		roomID:     roomID,
		tracks:     make(map[string]*Track),
		subs:       make(map[string]*subscriberState),
	}
}

func (f *Forwarder) SetPauseAfter(d time.Duration) {
	f.mu.Lock()
	f.pauseAfter = d
	f.mu.Unlock()
}

// AddTrack registers an active track and recomputes every subscriber's
// layer selection.
func (f *Forwarder) AddTrack(t *Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[t.ID] = t
	for _, st := range f.subs {
		st.step[t.ID] = 0
		f.admitLocked(st)
	}
}

// RemoveTrack drops a track; in-flight packets for it are abandoned
// without affecting other tracks.
func (f *Forwarder) RemoveTrack(trackID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracks, trackID)
	for _, st := range f.subs {
		delete(st.step, trackID)
		delete(st.congestionFloor, trackID)
		delete(st.pausedByCongest, trackID)
		f.admitLocked(st)
	}
}

// AddSubscriber attaches a session to the fan-out set.
func (f *Forwarder) AddSubscriber(s *session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &subscriberState{
		sess:            s,
		step:            make(map[string]int),
		congestionFloor: make(map[string]int),
		pausedByCongest: make(map[string]bool),
	}
	for id := range f.tracks {
		st.step[id] = 0
	}
	f.subs[s.ID] = st
	f.admitLocked(st)
}

// RemoveSubscriber detaches a session. Idempotent.
func (f *Forwarder) RemoveSubscriber(sessionID string) {
	f.mu.Lock()
	delete(f.subs, sessionID)
	f.mu.Unlock()
}

// Subscribers returns the attached session ids.
func (f *Forwarder) Subscribers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.subs))
	for id := range f.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// admitLocked applies bitrate admission control for one subscriber:
// starting from each track's congestion floor, degrade until the summed
// selected bitrates fit the subscriber's budget. Degradation order is
// deterministic: newer tracks degrade before older, ties by descending
// trackId, so replays pick identical layers.
func (f *Forwarder) admitLocked(st *subscriberState) {
	if st.sess.Caps.MaxBitrateBps == 0 {
		return // no declared budget
	}
	ids := make([]string, 0, len(st.step))
	for id := range st.step {
		if _, ok := f.tracks[id]; ok {
			ids = append(ids, id)
		}
	}
	// newest first
	sort.Slice(ids, func(i, j int) bool {
		a, b := f.tracks[ids[i]], f.tracks[ids[j]]
		if a.StartedAt != b.StartedAt {
			return a.StartedAt > b.StartedAt
		}
		return a.ID > b.ID
	})

	// reset to the congestion floor, then degrade to fit
	for _, id := range ids {
		if st.step[id] < st.congestionFloor[id] {
			st.step[id] = st.congestionFloor[id]
		}
	}
	for {
		var total uint64
		for _, id := range ids {
			if st.pausedByCongest[id] {
				continue
			}
			if l, ok := f.tracks[id].layerAt(st.step[id]); ok {
				total += l.BitrateBps
			}
		}
		if total <= st.sess.Caps.MaxBitrateBps {
			return
		}
		degraded := false
		for _, id := range ids {
			t := f.tracks[id]
			if st.pausedByCongest[id] || len(t.Layers) == 0 {
				continue
			}
			if st.step[id] < len(t.Layers) {
				st.step[id]++
				metrics.SubscriberLayerSwitchesTotal.Inc()
				degraded = true
				break
			}
		}
		if !degraded {
			return // nothing left to degrade; budget stays exceeded for non-simulcast sets
		}
	}
}

// OnPacket fans one ingress packet out to every eligible subscriber.
// Within a (trackId, layer) stream packets are forwarded in arrival order
// to each subscriber: sends happen synchronously on the caller's
// goroutine. The publisher's ingress bytes are recorded here too.
func (f *Forwarder) OnPacket(pkt media.Packet) {
	f.m.RecordIn(pkt.SessionID, pkt.TrackID, uint64(pkt.Size))
	metrics.RecordBytes("in", uint64(pkt.Size))

	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tracks[pkt.TrackID]
	if !ok {
		return // track stopped; packet abandoned
	}

	for _, st := range f.subs {
		s := st.sess
		if s.ID == t.PublisherSessionID || !s.CanSubscribe() {
			continue
		}
		if !rights.MayDistribute(t.Rights, t.CID, s) {
			metrics.ForwardDropsTotal.WithLabelValues("rights").Inc()
			continue
		}
		if !s.Caps.Supports(t.Codec) {
			metrics.ForwardDropsTotal.WithLabelValues("codec").Inc()
			continue
		}
		if st.pausedByCongest[pkt.TrackID] {
			metrics.ForwardDropsTotal.WithLabelValues("paused").Inc()
			continue
		}
		l, active := t.layerAt(st.step[pkt.TrackID])
		if !active || l.RID != pkt.RID {
			continue // subscriber is on another layer of this track
		}
		if err := f.transport.Send(s.ID, pkt); err != nil {
			f.logger.Debug("Transport send failed",
				zap.String("sessionID", s.ID),
				zap.String("trackID", pkt.TrackID),
				zap.Error(err),
			)
			metrics.ForwardDropsTotal.WithLabelValues("transport").Inc()
			continue
		}
		f.m.RecordOut(s.ID, pkt.TrackID, uint64(pkt.Size))
		metrics.RecordBytes("out", uint64(pkt.Size))
		metrics.PacketsForwardedTotal.Inc()
	}
}

// OnCongestion handles a congestion report from a subscriber's transport:
// drop the most expensive selected track one layer, and once congestion
// has been sustained past the pause threshold, pause that track for the
// subscriber and raise a subscriber-degraded diagnostic.
func (f *Forwarder) OnCongestion(sessionID string, now int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.subs[sessionID]
	if !ok {
		return
	}

	target := f.costliestTrackLocked(st)
	if target == "" {
		return
	}
	t := f.tracks[target]

	if st.congestedSince == 0 {
		st.congestedSince = now
	}
	sustained := time.Duration(now-st.congestedSince) > f.pauseAfter

	if sustained {
		st.pausedByCongest[target] = true
		f.logger.Warn("Subscriber paused on sustained congestion",
			zap.String("sessionID", sessionID),
			zap.String("trackID", target),
		)
		metrics.RecordDiagnostic(core.DiagSubscriberDegraded)
		if f.bus != nil {
			f.bus.Publish(events.Event{
				Type:   events.Diagnostic,
				RoomID: f.roomID,
				Kind:   core.DiagSubscriberDegraded,
				Fields: map[string]string{"sessionId": sessionID, "trackId": target},
				At:     now,
			})
		}
		return
	}

	if st.step[target] < len(t.Layers) {
		st.step[target]++
		if st.congestionFloor[target] < st.step[target] {
			st.congestionFloor[target] = st.step[target]
		}
		metrics.SubscriberLayerSwitchesTotal.Inc()
	}
}

// OnCongestionCleared resets a subscriber's sustained-congestion timer and
// unpauses its tracks; admission control re-selects layers from the floor.
func (f *Forwarder) OnCongestionCleared(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.subs[sessionID]
	if !ok {
		return
	}
	st.congestedSince = 0
	for id := range st.pausedByCongest {
		delete(st.pausedByCongest, id)
	}
	f.admitLocked(st)
}

// SelectedLayer reports which layer a subscriber currently receives for a
// track; ok is false when the track is paused for that subscriber.
func (f *Forwarder) SelectedLayer(sessionID, trackID string) (media.Layer, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.subs[sessionID]
	if !ok || st.pausedByCongest[trackID] {
		return media.Layer{}, false
	}
	t, ok := f.tracks[trackID]
	if !ok {
		return media.Layer{}, false
	}
	return t.layerAt(st.step[trackID])
}

func (f *Forwarder) costliestTrackLocked(st *subscriberState) string {
	var best string
	var bestRate uint64
	ids := make([]string, 0, len(st.step))
	for id := range st.step {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t, ok := f.tracks[id]
		if !ok || st.pausedByCongest[id] {
			continue
		}
		l, active := t.layerAt(st.step[id])
		if !active {
			continue
		}
		rate := l.BitrateBps
		if len(t.Layers) == 0 {
			rate = 1 // non-simulcast tracks are pause candidates of last resort
		}
		if best == "" || rate > bestRate {
			best, bestRate = id, rate
		}
	}
	return best
}
