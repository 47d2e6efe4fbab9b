// Package events carries the core's logical event stream to external
// consumers. Collaborators subscribe to an explicit channel; there are no
// ad-hoc observer lists.
package events

import (
	"sync"

	"go.uber.org/zap"
)

type Type string

const (
	RoomCreated    Type = "room.created"
	RoomClosed     Type = "room.closed"
	SessionJoined  Type = "session.joined"
	SessionLeft    Type = "session.left"
	TrackSubmitted Type = "track.submitted"
	TrackModerated Type = "track.moderated"
	TrackActivated Type = "track.activated"
	TrackStopped   Type = "track.stopped"
	ReceiptEmitted Type = "receipt.emitted"
	Diagnostic     Type = "diagnostic.raised"
)

// Event is one entry of the stream. Unused fields stay zero; Fields carries
// diagnostic key/values.
type Event struct {
	Type        Type              `json:"type"`
	RoomID      string            `json:"roomId,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	Participant string            `json:"participantId,omitempty"`
	TrackID     string            `json:"trackId,omitempty"`
	CandidateID string            `json:"candidateId,omitempty"`
	ReceiptID   string            `json:"receiptId,omitempty"`
	Sequence    uint64            `json:"sequence,omitempty"`
	Decision    string            `json:"decision,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	At          int64             `json:"at"`
}

// Bus fans events out to subscriber channels. Publishing never blocks: a
// subscriber that stops draining loses events and the loss is logged, which
// keeps a slow observer from stalling a room.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	logger  *zap.Logger
}

func NewBus(bufSize int, logger *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe returns a receive channel and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Event subscriber overflowed, dropping event",
				zap.String("type", string(ev.Type)),
				zap.String("roomID", ev.RoomID),
			)
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}
