// Package sfu is the process-level coordinator: it owns the room table,
// admits control operations, routes them to the owning room task, and runs
// the background room-destruction loop.
package sfu

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mycelia-live/sfu-core/internals/clock"
	"github.com/mycelia-live/sfu-core/internals/config"
	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/events"
	"github.com/mycelia-live/sfu-core/internals/media"
	"github.com/mycelia-live/sfu-core/internals/queue"
	"github.com/mycelia-live/sfu-core/internals/receipt"
	"github.com/mycelia-live/sfu-core/internals/rights"
	"github.com/mycelia-live/sfu-core/internals/room"
	"github.com/mycelia-live/sfu-core/internals/session"
	"github.com/mycelia-live/sfu-core/internals/state"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.:]+$`)

// Deps binds the coordinator to its external collaborators.
type Deps struct {
	Clock     clock.Clock
	Store     state.Store
	Index     core.IndexPublisher
	Transport core.Transport
	Signer    core.Signer
	Logger    *zap.Logger
}

type Coordinator struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	bus    *events.Bus

	roomsMu  sync.RWMutex
	rooms    map[string]*room.Room
	sessions map[string]string // sessionID -> roomID

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(cfg *config.Config, deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger,
		bus:          events.NewBus(256, deps.Logger),
		rooms:        make(map[string]*room.Room),
		sessions:     make(map[string]string),
		rateLimiters: make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.wg.Add(1)
	go c.roomCleanupLoop()
	return c
}

// Bus exposes the event stream for external consumers.
func (c *Coordinator) Bus() *events.Bus { return c.bus }

func (c *Coordinator) allow(participantID string) bool {
	c.rateLimitersMu.Lock()
	defer c.rateLimitersMu.Unlock()
	l, ok := c.rateLimiters[participantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.Server.RateLimitPerSec), c.cfg.Server.RateLimitBurst)
		c.rateLimiters[participantID] = l
	}
	return l.Allow()
}

func (c *Coordinator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, has := ctx.Deadline(); has {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Server.OpDeadline)
}

// CreateRoom registers a new room for an authorized owner.
func (c *Coordinator) CreateRoom(ctx context.Context, ownerID, name string, defaultRights rights.Rights, opts room.Options) (string, error) {
	if !safeIDPattern.MatchString(ownerID) {
		return "", core.Errorf(core.KindInvalidRights, "malformed owner id")
	}
	if !rights.Valid(defaultRights) {
		return "", core.Errorf(core.KindInvalidRights, "unknown rights kind %q", defaultRights)
	}
	if !c.allow(ownerID) {
		return "", core.Errorf(core.KindCapacityExceeded, "control rate limit exceeded for %s", ownerID)
	}

	opts.Name = name
	opts.OwnerID = ownerID
	opts.DefaultRights = defaultRights
	c.applyRoomDefaults(&opts)

	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if len(c.rooms) >= c.cfg.Server.MaxRooms {
		return "", core.Errorf(core.KindCapacityExceeded, "room limit %d reached", c.cfg.Server.MaxRooms)
	}

	id := c.deps.Clock.NewID(clock.KindRoom)
	rm, err := room.New(c.ctx, id, opts, room.Deps{
		Clock:     c.deps.Clock,
		Store:     c.deps.Store,
		Index:     c.deps.Index,
		Transport: c.deps.Transport,
		Signer:    c.deps.Signer,
		Bus:       c.bus,
		Logger:    c.logger,
	})
	if err != nil {
		return "", err
	}
	c.rooms[id] = rm
	return id, nil
}

func (c *Coordinator) applyRoomDefaults(opts *room.Options) {
	d := c.cfg.Rooms
	if opts.WindowDuration == 0 {
		opts.WindowDuration = d.WindowDuration
	}
	if opts.PendingTTL == 0 {
		opts.PendingTTL = d.PendingTTL
	}
	if !opts.LicensedAllowed {
		opts.LicensedAllowed = d.LicensedAllowed
	}
	if opts.SessionIdleTimeout == 0 {
		opts.SessionIdleTimeout = d.SessionIdleTimeout
	}
	if opts.MaxEntriesPerReceipt == 0 {
		opts.MaxEntriesPerReceipt = d.MaxEntriesPerReceipt
	}
	if opts.ResubmitCooldown == 0 {
		opts.ResubmitCooldown = d.ResubmitCooldown
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = d.MaxSessionsPerRoom
	}
	if opts.PendingReceiptBound == 0 {
		opts.PendingReceiptBound = d.PendingReceiptBound
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = d.GracePeriod
	}
	if opts.SignerKeyID == "" {
		opts.SignerKeyID = c.cfg.Signing.KeyID
	}
}

// Room returns the live room or a NotFound failure.
func (c *Coordinator) Room(roomID string) (*room.Room, error) {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	rm, ok := c.rooms[roomID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "room %s not found", roomID)
	}
	return rm, nil
}

// JoinRoom admits a participant into a room.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID, participantID string, role session.Role, caps media.SubscriberCaps) (string, error) {
	if !safeIDPattern.MatchString(participantID) {
		return "", core.Errorf(core.KindRoleForbidden, "malformed participant id")
	}
	if !c.allow(participantID) {
		return "", core.Errorf(core.KindCapacityExceeded, "control rate limit exceeded for %s", participantID)
	}
	rm, err := c.Room(roomID)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	sessionID, err := rm.Join(ctx, participantID, role, caps)
	if err != nil {
		return "", err
	}
	c.roomsMu.Lock()
	c.sessions[sessionID] = roomID
	c.roomsMu.Unlock()
	return sessionID, nil
}

// LeaveSession removes a session wherever it lives. Idempotent: an unknown
// session is already gone.
func (c *Coordinator) LeaveSession(ctx context.Context, sessionID string) error {
	c.roomsMu.Lock()
	roomID, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	c.roomsMu.Unlock()
	if !ok {
		return nil
	}
	rm, err := c.Room(roomID)
	if err != nil {
		return nil // room already destroyed; the session went with it
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return rm.Leave(ctx, sessionID)
}

// SubmitTrack queues a cid in the session's room.
func (c *Coordinator) SubmitTrack(ctx context.Context, sessionID, cid string, rt rights.Rights, codec media.CodecDescriptor, layers []media.Layer) (string, error) {
	rm, err := c.roomOfSession(sessionID)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return rm.SubmitTrack(ctx, sessionID, cid, rt, codec, layers)
}

// Moderate applies a moderation decision in a room.
func (c *Coordinator) Moderate(ctx context.Context, roomID, actorID, candidateID string, decision queue.Decision, reason string) error {
	rm, err := c.Room(roomID)
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return rm.Moderate(ctx, actorID, candidateID, decision, reason)
}

// Promote activates an approved candidate.
func (c *Coordinator) Promote(ctx context.Context, roomID, actorID, candidateID string) (string, error) {
	rm, err := c.Room(roomID)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return rm.Promote(ctx, actorID, candidateID)
}

// StopTrack stops an active track in a room.
func (c *Coordinator) StopTrack(ctx context.Context, roomID, trackID string) error {
	rm, err := c.Room(roomID)
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return rm.StopTrack(ctx, trackID)
}

// ClearReceiptsStall is the operator unlock for a stalled room.
func (c *Coordinator) ClearReceiptsStall(ctx context.Context, roomID string) error {
	rm, err := c.Room(roomID)
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return rm.ClearReceiptsStall(ctx)
}

// Receipts reads a room's persisted receipt log from fromSeq onward.
func (c *Coordinator) Receipts(ctx context.Context, roomID string, fromSeq uint64) ([]*receipt.Receipt, error) {
	return c.deps.Store.List(ctx, roomID, fromSeq)
}

func (c *Coordinator) roomOfSession(sessionID string) (*room.Room, error) {
	c.roomsMu.RLock()
	roomID, ok := c.sessions[sessionID]
	c.roomsMu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "session %s not found", sessionID)
	}
	return c.Room(roomID)
}

// roomCleanupLoop destroys rooms that have been empty, queue drained, past
// their grace period.
func (c *Coordinator) roomCleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.cleanupRooms()
		}
	}
}

func (c *Coordinator) cleanupRooms() {
	c.roomsMu.RLock()
	candidates := make([]*room.Room, 0)
	for _, rm := range c.rooms {
		candidates = append(candidates, rm)
	}
	c.roomsMu.RUnlock()

	for _, rm := range candidates {
		ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
		destroyable := rm.Destroyable(ctx)
		cancel()
		if !destroyable {
			continue
		}
		c.logger.Info("Destroying idle room", zap.String("roomID", rm.ID))
		rm.Close()
		c.roomsMu.Lock()
		delete(c.rooms, rm.ID)
		for sid, rid := range c.sessions {
			if rid == rm.ID {
				delete(c.sessions, sid)
			}
		}
		c.roomsMu.Unlock()
	}
}

// Stop closes every room and the coordinator's loops.
func (c *Coordinator) Stop() {
	c.logger.Info("Stopping coordinator")
	c.roomsMu.Lock()
	rooms := make([]*room.Room, 0, len(c.rooms))
	for _, rm := range c.rooms {
		rooms = append(rooms, rm)
	}
	c.rooms = make(map[string]*room.Room)
	c.sessions = make(map[string]string)
	c.roomsMu.Unlock()

	for _, rm := range rooms {
		rm.Close()
	}
	c.cancel()
	c.wg.Wait()
	c.bus.Close()
}
