// Package room owns the lifecycle of one room: its sessions, moderation
// queue, active tracks, and receipt chain. All control operations are
// serialised through a single room task; only the meter and the forwarding
// hot path run outside it.
package room

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/clock"
	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/events"
	"github.com/mycelia-live/sfu-core/internals/forward"
	"github.com/mycelia-live/sfu-core/internals/media"
	"github.com/mycelia-live/sfu-core/internals/meter"
	"github.com/mycelia-live/sfu-core/internals/metrics"
	"github.com/mycelia-live/sfu-core/internals/queue"
	"github.com/mycelia-live/sfu-core/internals/receipt"
	"github.com/mycelia-live/sfu-core/internals/rights"
	"github.com/mycelia-live/sfu-core/internals/session"
	"github.com/mycelia-live/sfu-core/internals/state"
)

// Options is the statically declared per-room configuration accepted at
// creation. Zero values fall back to the package defaults.
type Options struct {
	Name                 string
	OwnerID              string
	DefaultRights        rights.Rights
	WindowDuration       time.Duration
	PendingTTL           time.Duration
	LicensedAllowed      bool
	SessionIdleTimeout   time.Duration
	MaxEntriesPerReceipt int
	ResubmitCooldown     time.Duration
	MaxSessions          int
	PendingReceiptBound  int
	SignerKeyID          string
	GracePeriod          time.Duration
}

const (
	DefaultGracePeriod = 2 * time.Minute
	DefaultMaxSessions = 100
	housekeepInterval  = time.Second
	checkpointEvery    = 10 // housekeeping ticks between queue checkpoints
)

type op struct {
	fn   func()
	done chan struct{}
}

// Deps are the collaborators a room binds at construction.
type Deps struct {
	Clock     clock.Clock
	Store     state.Store
	Index     core.IndexPublisher
	Transport core.Transport
	Signer    core.Signer
	Bus       *events.Bus
	Logger    *zap.Logger
}

type Room struct {
	ID        string
	opts      Options
	createdAt int64
	deps      Deps
	logger    *zap.Logger

	m      *meter.Meter
	q      *queue.Queue
	engine *receipt.Engine
	fwd    *forward.Forwarder

	// room-task-owned state
	sessions      map[string]*session.Session
	tracks        map[string]*forward.Track
	moderators    map[string]bool
	emptySince    int64
	checkpointSeq uint64
	tickCount     uint64

	// hot-path views, readable from any goroutine
	live    atomic.Pointer[map[string]*session.Session]
	stalled atomic.Bool
	closed  atomic.Bool

	ops    chan op
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New builds a room, restoring receipt chain position and queue contents
// from the store, and starts its task plus the receipt engine.
func New(ctx context.Context, id string, opts Options, deps Deps) (*Room, error) {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.SessionIdleTimeout <= 0 {
		opts.SessionIdleTimeout = session.DefaultIdleTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if !rights.Valid(opts.DefaultRights) {
		return nil, core.Errorf(core.KindInvalidRights, "unknown rights kind %q", opts.DefaultRights)
	}

	rctx, cancel := context.WithCancel(ctx)
	logger := deps.Logger.With(zap.String("roomID", id))

	r := &Room{
		ID:         id,
		opts:       opts,
		createdAt:  deps.Clock.Now(),
		deps:       deps,
		logger:     logger,
		m:          meter.New(logger),
		sessions:   make(map[string]*session.Session),
		tracks:     make(map[string]*forward.Track),
		moderators: map[string]bool{opts.OwnerID: true},
		emptySince: deps.Clock.Now(),
		ops:        make(chan op, 64),
		ctx:        rctx,
		cancel:     cancel,
		doneCh:     make(chan struct{}),
	}
	empty := make(map[string]*session.Session)
	r.live.Store(&empty)

	r.m.SetOverflowFunc(func(sessionID, trackID string, dir meter.Direction) {
		metrics.RecordDiagnostic(core.DiagMeterOverflow)
		deps.Bus.Publish(events.Event{
			Type:   events.Diagnostic,
			RoomID: id,
			Kind:   core.DiagMeterOverflow,
			Fields: map[string]string{"sessionId": sessionID, "trackId": trackID, "direction": string(dir)},
			At:     deps.Clock.Now(),
		})
	})

	r.q = queue.New(queue.Config{
		PendingTTL:       opts.PendingTTL,
		ResubmitCooldown: opts.ResubmitCooldown,
		LicensedAllowed:  opts.LicensedAllowed,
	}, deps.Clock, logger)
	if cp, err := deps.Store.LoadCheckpoint(ctx, id); err != nil {
		cancel()
		return nil, err
	} else if cp != nil {
		r.q.Restore(cp.Candidates)
		r.checkpointSeq = cp.CheckpointID
	}

	r.fwd = forward.New(id, deps.Transport, r.m, deps.Bus, logger)

	eng, err := receipt.NewEngine(ctx, receipt.Config{
		RoomID:               id,
		WindowDuration:       opts.WindowDuration,
		MaxEntriesPerReceipt: opts.MaxEntriesPerReceipt,
		PendingBound:         opts.PendingReceiptBound,
		SignerKeyID:          opts.SignerKeyID,
	}, deps.Clock, deps.Signer, deps.Store, nil, deps.Bus, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	r.engine = eng
	eng.SetSnapshotFunc(r.snapshotMeter)
	eng.SetStallFunc(func() { r.stalled.Store(true) })

	go r.run()
	go eng.Run(rctx)

	deps.Bus.Publish(events.Event{Type: events.RoomCreated, RoomID: id, At: r.createdAt})
	metrics.ActiveRooms.Inc()
	logger.Info("Room created",
		zap.String("name", opts.Name),
		zap.String("owner", opts.OwnerID),
		zap.String("defaultRights", string(opts.DefaultRights)),
	)
	return r, nil
}

// SetReceiptSink wires a receipt consumer; call before traffic starts.
func (r *Room) SetReceiptSink(sink receipt.Sink) {
	r.engine.SetSink(sink)
}

// Engine exposes the receipt engine for operator tooling and tests.
func (r *Room) Engine() *receipt.Engine { return r.engine }

// Meter exposes the byte accounting namespace.
func (r *Room) Meter() *meter.Meter { return r.m }

// Forwarder exposes the packet scheduler for transports.
func (r *Room) Forwarder() *forward.Forwarder { return r.fwd }

func (r *Room) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case o := <-r.ops:
			o.fn()
			close(o.done)
		case <-ticker.C:
			r.housekeep()
		}
	}
}

// do routes fn through the room task. The operation's deadline is honoured
// without mutating state: if it fires before the task picks the op up, fn
// never runs.
func (r *Room) do(ctx context.Context, fn func()) error {
	if r.closed.Load() {
		return core.Errorf(core.KindRoomClosed, "room %s is closed", r.ID)
	}
	executed := false
	o := op{
		fn: func() {
			if ctx.Err() != nil {
				return
			}
			fn()
			executed = true
		},
		done: make(chan struct{}),
	}
	select {
	case r.ops <- o:
	case <-ctx.Done():
		return core.Errorf(core.KindDeadlineExceeded, "room %s operation deadline exceeded", r.ID)
	case <-r.ctx.Done():
		return core.Errorf(core.KindRoomClosed, "room %s is closed", r.ID)
	}
	select {
	case <-o.done:
		if !executed {
			return core.Errorf(core.KindDeadlineExceeded, "room %s operation deadline exceeded", r.ID)
		}
		return nil
	case <-r.ctx.Done():
		return core.Errorf(core.KindRoomClosed, "room %s is closed", r.ID)
	}
}

func (r *Room) publishLive() {
	live := make(map[string]*session.Session, len(r.sessions))
	for id, s := range r.sessions {
		live[id] = s
	}
	r.live.Store(&live)
}

// snapshotMeter runs on the engine goroutine; participant resolution goes
// through the lock-free live view.
func (r *Room) snapshotMeter() []receipt.Entry {
	live := *r.live.Load()
	entries := r.m.SnapshotAndReset(func(sessionID string) (string, bool) {
		s, ok := live[sessionID]
		if !ok {
			return "", false
		}
		return s.ParticipantID, true
	})
	out := make([]receipt.Entry, len(entries))
	for i, e := range entries {
		out[i] = receipt.Entry{ParticipantID: e.ParticipantID, TrackID: e.TrackID, BytesOut: e.BytesOut}
	}
	return out
}

// Join admits a participant. Publishers are locked out while receipts are
// stalled; subscribers keep flowing.
func (r *Room) Join(ctx context.Context, participantID string, role session.Role, caps media.SubscriberCaps) (string, error) {
	var sessionID string
	var opErr error
	err := r.do(ctx, func() {
		if !session.ValidRole(role) {
			opErr = core.Errorf(core.KindRoleForbidden, "unknown role %q", role)
			return
		}
		if len(r.sessions) >= r.opts.MaxSessions {
			opErr = core.Errorf(core.KindCapacityExceeded, "room %s at capacity (%d sessions)", r.ID, r.opts.MaxSessions)
			return
		}
		if r.stalled.Load() && role != session.Subscriber {
			opErr = core.Errorf(core.KindReceiptsStalled, "room %s admits no new publishers while receipts are stalled", r.ID)
			return
		}
		now := r.deps.Clock.Now()
		s := session.New(r.deps.Clock.NewID(clock.KindSession), participantID, r.ID, role, caps, now)
		r.sessions[s.ID] = s
		r.publishLive()
		if s.CanSubscribe() {
			r.fwd.AddSubscriber(s)
		}
		r.emptySince = 0
		sessionID = s.ID

		metrics.ActiveSessions.Inc()
		r.logger.Info("Session joined",
			zap.String("sessionID", s.ID),
			zap.String("participantID", participantID),
			zap.String("role", string(role)),
		)
		r.deps.Bus.Publish(events.Event{
			Type:        events.SessionJoined,
			RoomID:      r.ID,
			SessionID:   s.ID,
			Participant: participantID,
			At:          now,
		})
	})
	if err != nil {
		return "", err
	}
	return sessionID, opErr
}

// Leave removes a session. Idempotent: leaving twice is indistinguishable
// from leaving once as far as meter totals and receipts are concerned.
func (r *Room) Leave(ctx context.Context, sessionID string) error {
	return r.do(ctx, func() { r.leaveLocked(sessionID) })
}

func (r *Room) leaveLocked(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	// stop this publisher's tracks first so their meter deltas carry into
	// the window that observed the departure
	for id, t := range r.tracks {
		if t.PublisherSessionID == sessionID {
			r.stopTrackLocked(id, "publisher-left")
		}
	}
	r.fwd.RemoveSubscriber(sessionID)
	r.m.DrainSession(sessionID, s.ParticipantID)
	delete(r.sessions, sessionID)
	r.publishLive()
	if len(r.sessions) == 0 {
		r.emptySince = r.deps.Clock.Now()
	}

	metrics.ActiveSessions.Dec()
	r.logger.Info("Session left", zap.String("sessionID", sessionID))
	r.deps.Bus.Publish(events.Event{
		Type:        events.SessionLeft,
		RoomID:      r.ID,
		SessionID:   sessionID,
		Participant: s.ParticipantID,
		At:          r.deps.Clock.Now(),
	})
}

// SubmitTrack queues a content identifier for moderation.
func (r *Room) SubmitTrack(ctx context.Context, sessionID, cid string, rt rights.Rights, codec media.CodecDescriptor, layers []media.Layer) (string, error) {
	var candidateID string
	var opErr error
	err := r.do(ctx, func() {
		s, ok := r.sessions[sessionID]
		if !ok {
			opErr = core.Errorf(core.KindNotFound, "session %s not found", sessionID)
			return
		}
		if !s.CanPublish() {
			opErr = core.Errorf(core.KindNotPublisher, "session %s cannot publish", sessionID)
			return
		}
		if r.stalled.Load() {
			opErr = core.Errorf(core.KindReceiptsStalled, "room %s is not accepting tracks while receipts are stalled", r.ID)
			return
		}
		c, err := r.q.Submit(cid, s.ParticipantID, sessionID, rt, codec, layers)
		if err != nil {
			opErr = err
			return
		}
		candidateID = c.ID
		r.deps.Bus.Publish(events.Event{
			Type:        events.TrackSubmitted,
			RoomID:      r.ID,
			SessionID:   sessionID,
			Participant: s.ParticipantID,
			CandidateID: c.ID,
			At:          r.deps.Clock.Now(),
		})
	})
	if err != nil {
		return "", err
	}
	return candidateID, opErr
}

// Moderate applies an approve/reject decision by a moderator.
func (r *Room) Moderate(ctx context.Context, actorID, candidateID string, decision queue.Decision, reason string) error {
	var opErr error
	err := r.do(ctx, func() {
		if !r.moderators[actorID] {
			opErr = core.Errorf(core.KindNotModerator, "%s is not a moderator of room %s", actorID, r.ID)
			return
		}
		c, err := r.q.Moderate(candidateID, decision, reason)
		if err != nil {
			opErr = err
			return
		}
		metrics.ModerationDecisionsTotal.WithLabelValues(string(decision)).Inc()
		r.deps.Bus.Publish(events.Event{
			Type:        events.TrackModerated,
			RoomID:      r.ID,
			CandidateID: c.ID,
			Decision:    string(decision),
			Reason:      reason,
			At:          r.deps.Clock.Now(),
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Promote materialises an Approved candidate as an ActiveTrack bound to
// the submitting session. Rights are frozen from the candidate. Tracks
// under publishable rights are announced to the directory off the room
// task.
func (r *Room) Promote(ctx context.Context, actorID, candidateID string) (string, error) {
	var trackID string
	var opErr error
	err := r.do(ctx, func() {
		if !r.moderators[actorID] {
			opErr = core.Errorf(core.KindNotModerator, "%s is not a moderator of room %s", actorID, r.ID)
			return
		}
		c, ok := r.q.Get(candidateID)
		if !ok {
			opErr = core.Errorf(core.KindNotFound, "candidate %s not found", candidateID)
			return
		}
		if _, ok := r.sessions[c.SubmittedBy]; !ok {
			opErr = core.Errorf(core.KindNotFound, "submitting session %s is gone", c.SubmittedBy)
			return
		}
		if _, err := r.q.Promote(candidateID); err != nil {
			opErr = err
			return
		}
		now := r.deps.Clock.Now()
		t := &forward.Track{
			ID:                 r.deps.Clock.NewID(clock.KindTrack),
			CID:                c.CID,
			ContributorID:      c.ProposedBy,
			PublisherSessionID: c.SubmittedBy,
			Rights:             c.Rights,
			Codec:              c.Codec,
			Layers:             c.Layers,
			StartedAt:          now,
		}
		r.tracks[t.ID] = t
		r.fwd.AddTrack(t)
		trackID = t.ID

		r.logger.Info("Track activated",
			zap.String("trackID", t.ID),
			zap.String("cid", t.CID),
			zap.String("contributor", t.ContributorID),
			zap.String("rights", string(t.Rights)),
		)
		r.deps.Bus.Publish(events.Event{
			Type:        events.TrackActivated,
			RoomID:      r.ID,
			TrackID:     t.ID,
			Participant: t.ContributorID,
			CandidateID: candidateID,
			At:          now,
		})

		if rights.MayPublishToDirectory(t.Rights) {
			go func(trackID, cid string, rt rights.Rights) {
				if err := r.deps.Index.Publish(r.ctx, r.ID, trackID, cid, rt); err != nil {
					r.logger.Warn("Directory publish failed",
						zap.String("trackID", trackID),
						zap.Error(err),
					)
				}
			}(t.ID, t.CID, t.Rights)
		}
	})
	if err != nil {
		return "", err
	}
	return trackID, opErr
}

// StopTrack drains the track's meter counters and removes it from the
// forwarding set. The drained bytes land in the window that observed the
// destruction; the trackId is never reused.
func (r *Room) StopTrack(ctx context.Context, trackID string) error {
	var opErr error
	err := r.do(ctx, func() {
		if _, ok := r.tracks[trackID]; !ok {
			opErr = core.Errorf(core.KindNotFound, "track %s not found", trackID)
			return
		}
		r.stopTrackLocked(trackID, "stopped")
	})
	if err != nil {
		return err
	}
	return opErr
}

func (r *Room) stopTrackLocked(trackID, reason string) {
	t := r.tracks[trackID]
	r.fwd.RemoveTrack(trackID)
	live := *r.live.Load()
	r.m.DrainTrack(trackID, func(sessionID string) (string, bool) {
		s, ok := live[sessionID]
		if !ok {
			return "", false
		}
		return s.ParticipantID, true
	})
	delete(r.tracks, trackID)

	r.logger.Info("Track stopped", zap.String("trackID", trackID), zap.String("reason", reason))
	r.deps.Bus.Publish(events.Event{
		Type:    events.TrackStopped,
		RoomID:  r.ID,
		TrackID: trackID,
		Reason:  reason,
		At:      r.deps.Clock.Now(),
	})

	if rights.MayPublishToDirectory(t.Rights) {
		go func() {
			if err := r.deps.Index.Withdraw(r.ctx, r.ID, trackID, reason); err != nil {
				r.logger.Warn("Directory withdraw failed",
					zap.String("trackID", trackID),
					zap.Error(err),
				)
			}
		}()
	}
}

// GrantLicenseAck lets the owner hand a license_ack capability token to a
// session for one cid.
func (r *Room) GrantLicenseAck(ctx context.Context, actorID, sessionID, cid string) error {
	var opErr error
	err := r.do(ctx, func() {
		if actorID != r.opts.OwnerID {
			opErr = core.Errorf(core.KindNotModerator, "%s does not own room %s", actorID, r.ID)
			return
		}
		s, ok := r.sessions[sessionID]
		if !ok {
			opErr = core.Errorf(core.KindNotFound, "session %s not found", sessionID)
			return
		}
		s.GrantLicenseAck(cid)
	})
	if err != nil {
		return err
	}
	return opErr
}

// AddModerator grants moderation rights; owner only.
func (r *Room) AddModerator(ctx context.Context, actorID, participantID string) error {
	var opErr error
	err := r.do(ctx, func() {
		if actorID != r.opts.OwnerID {
			opErr = core.Errorf(core.KindNotModerator, "%s does not own room %s", actorID, r.ID)
			return
		}
		r.moderators[participantID] = true
	})
	if err != nil {
		return err
	}
	return opErr
}

// ClearReceiptsStall resumes publisher admission after operator
// intervention.
func (r *Room) ClearReceiptsStall(ctx context.Context) error {
	return r.do(ctx, func() {
		r.stalled.Store(false)
		r.engine.ClearStall()
		r.logger.Info("Receipts stall cleared by operator")
	})
}

// Stalled reports the receipts-stalled gate.
func (r *Room) Stalled() bool { return r.stalled.Load() }

// Tracks returns the active track set as rewards-grade metadata.
func (r *Room) Tracks(ctx context.Context) (map[string]*forward.Track, error) {
	out := make(map[string]*forward.Track)
	err := r.do(ctx, func() {
		for id, t := range r.tracks {
			cp := *t
			out[id] = &cp
		}
	})
	return out, err
}

// Sessions returns the current session count.
func (r *Room) Sessions(ctx context.Context) (int, error) {
	n := 0
	err := r.do(ctx, func() { n = len(r.sessions) })
	return n, err
}

// HandlePacket is the transport's ingress entry point; it never touches
// the room task.
func (r *Room) HandlePacket(pkt media.Packet) {
	if s, ok := (*r.live.Load())[pkt.SessionID]; ok {
		s.Touch(r.deps.Clock.Now())
	}
	r.fwd.OnPacket(pkt)
}

// HandleCongestion is the transport's congestion callback for a
// subscriber.
func (r *Room) HandleCongestion(sessionID string, congested bool) {
	if s, ok := (*r.live.Load())[sessionID]; ok {
		s.Touch(r.deps.Clock.Now())
	}
	if congested {
		r.fwd.OnCongestion(sessionID, r.deps.Clock.Now())
	} else {
		r.fwd.OnCongestionCleared(sessionID)
	}
}

// TouchSession records transport liveness for keepalives that carry no
// media.
func (r *Room) TouchSession(sessionID string) {
	if s, ok := (*r.live.Load())[sessionID]; ok {
		s.Touch(r.deps.Clock.Now())
	}
}

func (r *Room) housekeep() {
	now := r.deps.Clock.Now()
	r.q.Sweep()

	for id, s := range r.sessions {
		if s.Idle(now, r.opts.SessionIdleTimeout) {
			r.logger.Info("Reaping idle session", zap.String("sessionID", id))
			metrics.SessionsReapedTotal.Inc()
			r.leaveLocked(id)
		}
	}

	for st, n := range r.q.CountByState() {
		metrics.QueueDepth.WithLabelValues(r.ID, string(st)).Set(float64(n))
	}
	metrics.ReceiptPendingWindows.WithLabelValues(r.ID).Set(float64(r.engine.PendingWindows()))

	r.tickCount++
	if r.tickCount%checkpointEvery == 0 {
		r.checkpointSeq++
		cp := state.Checkpoint{
			RoomID:       r.ID,
			CheckpointID: r.checkpointSeq,
			Candidates:   r.q.Snapshot(),
		}
		go func() {
			if err := r.deps.Store.SaveCheckpoint(r.ctx, cp); err != nil {
				r.logger.Warn("Queue checkpoint failed", zap.Error(err))
			}
		}()
	}
}

// Destroyable reports whether the room may be destroyed: no sessions, an
// empty queue, and the grace period elapsed since it emptied.
func (r *Room) Destroyable(ctx context.Context) bool {
	destroyable := false
	err := r.do(ctx, func() {
		destroyable = len(r.sessions) == 0 &&
			r.q.Empty() &&
			r.emptySince != 0 &&
			time.Duration(r.deps.Clock.Now()-r.emptySince) > r.opts.GracePeriod
	})
	return err == nil && destroyable
}

// Close shuts the room down: pending control operations are cancelled, a
// final receipt window is attempted, and if it cannot complete the room
// terminates stalled rather than dropping bytes.
func (r *Room) Close() {
	if r.closed.Swap(true) {
		return
	}
	done := make(chan struct{})
	o := op{fn: func() {
		for id := range r.tracks {
			r.stopTrackLocked(id, "room-closed")
		}
		for id := range r.sessions {
			r.leaveLocked(id)
		}
	}, done: done}
	select {
	case r.ops <- o:
		<-done
	case <-r.ctx.Done():
	}

	r.engine.Close()
	r.cancel()
	<-r.doneCh

	metrics.ActiveRooms.Dec()
	r.deps.Bus.Publish(events.Event{Type: events.RoomClosed, RoomID: r.ID, At: r.deps.Clock.Now()})
	r.logger.Info("Room closed")
}
