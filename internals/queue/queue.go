// Package queue holds a room's ordered list of track candidates and the
// moderation state machine that gates which content identifiers may become
// active tracks.
package queue

import (
	"time"

	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/clock"
	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/media"
	"github.com/mycelia-live/sfu-core/internals/rights"
)

type State string

const (
	Pending  State = "pending"
	Approved State = "approved"
	Rejected State = "rejected"
	Expired  State = "expired"
	// Promoted marks a former Approved candidate materialised as an
	// ActiveTrack; terminal from the queue's point of view.
	Promoted State = "promoted"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Candidate is one queue entry. Rights, codec, and layer declarations are
// fixed at submission and copied verbatim onto the ActiveTrack at
// promotion.
type Candidate struct {
	ID           string
	CID          string
	ProposedBy   string
	SubmittedBy  string // sessionID of the submitting publisher
	Rights       rights.Rights
	Codec        media.CodecDescriptor
	Layers       []media.Layer
	SubmittedAt  int64
	State        State
	RejectReason string
	DecidedAt    int64
}

const (
	DefaultPendingTTL       = 24 * time.Hour
	DefaultResubmitCooldown = time.Hour
)

type Config struct {
	PendingTTL       time.Duration
	ResubmitCooldown time.Duration
	LicensedAllowed  bool
}

// Queue is owned by its room; the room task serialises all calls, so there
// is no internal locking.
type Queue struct {
	cfg        Config
	clk        clock.Clock
	logger     *zap.Logger
	order      []string // candidate IDs in submission order
	candidates map[string]*Candidate
	liveByCID  map[string]string // cid -> candidate ID while Pending/Approved
	cooldown   map[string]int64  // cid -> rejection timestamp
}

func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Queue {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.ResubmitCooldown <= 0 {
		cfg.ResubmitCooldown = DefaultResubmitCooldown
	}
	return &Queue{
		cfg:        cfg,
		clk:        clk,
		logger:     logger,
		candidates: make(map[string]*Candidate),
		liveByCID:  make(map[string]string),
		cooldown:   make(map[string]int64),
	}
}

// Submit appends a new Pending candidate. A cid may appear at most once in
// Pending or Approved state, and a rejected cid stays barred for the
// resubmit cooldown.
func (q *Queue) Submit(cid, proposedBy, sessionID string, r rights.Rights, codec media.CodecDescriptor, layers []media.Layer) (*Candidate, error) {
	if !rights.Valid(r) {
		return nil, core.Errorf(core.KindInvalidRights, "unknown rights kind %q", r)
	}
	if r == rights.Licensed && !q.cfg.LicensedAllowed {
		return nil, core.Errorf(core.KindRightsPolicy, "room does not admit licensed tracks")
	}
	q.sweepExpired()
	if _, live := q.liveByCID[cid]; live {
		return nil, core.Errorf(core.KindDuplicateCid, "cid %s already queued", cid)
	}
	if rejectedAt, ok := q.cooldown[cid]; ok {
		elapsed := time.Duration(q.clk.Now() - rejectedAt)
		if elapsed < q.cfg.ResubmitCooldown {
			return nil, core.Errorf(core.KindDuplicateCid, "cid %s in resubmit cooldown for %s", cid, q.cfg.ResubmitCooldown-elapsed)
		}
		delete(q.cooldown, cid)
	}

	c := &Candidate{
		ID:          q.clk.NewID(clock.KindCandidate),
		CID:         cid,
		ProposedBy:  proposedBy,
		SubmittedBy: sessionID,
		Rights:      r,
		Codec:       codec,
		Layers:      layers,
		SubmittedAt: q.clk.Now(),
		State:       Pending,
	}
	q.order = append(q.order, c.ID)
	q.candidates[c.ID] = c
	q.liveByCID[cid] = c.ID

	q.logger.Info("Track candidate submitted",
		zap.String("candidateID", c.ID),
		zap.String("cid", cid),
		zap.String("proposedBy", proposedBy),
		zap.String("rights", string(r)),
	)
	return c, nil
}

// Moderate applies an approve/reject decision to a candidate. Approval
// validates the candidate's rights against room policy; rejection records
// the reason and starts the cid cooldown. Approved candidates may still be
// rejected before promotion.
func (q *Queue) Moderate(candidateID string, d Decision, reason string) (*Candidate, error) {
	q.sweepExpired()
	c, ok := q.candidates[candidateID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "candidate %s not found", candidateID)
	}
	switch d {
	case DecisionApprove:
		if c.State != Pending {
			return nil, core.Errorf(core.KindInvalidTransition, "cannot approve candidate in state %s", c.State)
		}
		if c.Rights == rights.Licensed && !q.cfg.LicensedAllowed {
			return nil, core.Errorf(core.KindRightsPolicy, "licensed candidate barred by room policy")
		}
		c.State = Approved
	case DecisionReject:
		if c.State != Pending && c.State != Approved {
			return nil, core.Errorf(core.KindInvalidTransition, "cannot reject candidate in state %s", c.State)
		}
		c.State = Rejected
		c.RejectReason = reason
		delete(q.liveByCID, c.CID)
		q.cooldown[c.CID] = q.clk.Now()
	default:
		return nil, core.Errorf(core.KindInvalidTransition, "unknown decision %q", d)
	}
	c.DecidedAt = q.clk.Now()

	q.logger.Info("Track candidate moderated",
		zap.String("candidateID", c.ID),
		zap.String("decision", string(d)),
		zap.String("reason", reason),
	)
	return c, nil
}

// Promote consumes an Approved candidate. The caller creates the
// ActiveTrack; the candidate leaves the live set so its cid may be
// submitted again later.
func (q *Queue) Promote(candidateID string) (*Candidate, error) {
	q.sweepExpired()
	c, ok := q.candidates[candidateID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "candidate %s not found", candidateID)
	}
	if c.State != Approved {
		return nil, core.Errorf(core.KindInvalidTransition, "cannot promote candidate in state %s", c.State)
	}
	c.State = Promoted
	c.DecidedAt = q.clk.Now()
	delete(q.liveByCID, c.CID)
	return c, nil
}

// Get returns a candidate by id.
func (q *Queue) Get(candidateID string) (*Candidate, bool) {
	c, ok := q.candidates[candidateID]
	return c, ok
}

// List returns candidates in submission order.
func (q *Queue) List() []*Candidate {
	out := make([]*Candidate, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.candidates[id])
	}
	return out
}

// Empty reports whether no candidate is Pending or Approved; the room's
// destruction grace period only starts once the queue is empty.
func (q *Queue) Empty() bool {
	q.sweepExpired()
	return len(q.liveByCID) == 0
}

// CountByState tallies candidates per state for the queue depth gauge.
func (q *Queue) CountByState() map[State]int {
	out := make(map[State]int)
	for _, c := range q.candidates {
		out[c.State]++
	}
	return out
}

// sweepExpired moves over-TTL Pending candidates to Expired. Driven on
// every queue operation plus the room's periodic tick, so expiry needs no
// timer of its own.
func (q *Queue) sweepExpired() {
	now := q.clk.Now()
	for cid, id := range q.liveByCID {
		c := q.candidates[id]
		if c.State != Pending {
			continue
		}
		if time.Duration(now-c.SubmittedAt) > q.cfg.PendingTTL {
			c.State = Expired
			c.DecidedAt = now
			delete(q.liveByCID, cid)
			q.logger.Info("Track candidate expired",
				zap.String("candidateID", c.ID),
				zap.String("cid", c.CID),
			)
		}
	}
}

// Sweep runs TTL expiry explicitly; the room task calls it on its tick.
func (q *Queue) Sweep() {
	q.sweepExpired()
}

// Snapshot returns a serialisable copy of queue state for checkpointing.
func (q *Queue) Snapshot() []Candidate {
	out := make([]Candidate, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.candidates[id])
	}
	return out
}

// Restore rebuilds queue state from a checkpoint, replacing any current
// contents.
func (q *Queue) Restore(cands []Candidate) {
	q.order = q.order[:0]
	q.candidates = make(map[string]*Candidate)
	q.liveByCID = make(map[string]string)
	q.cooldown = make(map[string]int64)
	for i := range cands {
		c := cands[i]
		q.order = append(q.order, c.ID)
		q.candidates[c.ID] = &c
		switch c.State {
		case Pending, Approved:
			q.liveByCID[c.CID] = c.ID
		case Rejected:
			q.cooldown[c.CID] = c.DecidedAt
		}
	}
}
