// Package session models a connected participant. Sessions are owned by
// exactly one room; the room task serialises all mutation except the
// liveness mark, which transports touch from their own goroutines.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycelia-live/sfu-core/internals/media"
)

type Role string

const (
	Publisher  Role = "publisher"
	Subscriber Role = "subscriber"
	Both       Role = "both"
)

func ValidRole(r Role) bool {
	switch r {
	case Publisher, Subscriber, Both:
		return true
	}
	return false
}

// DefaultIdleTimeout reaps sessions whose transport has gone silent.
const DefaultIdleTimeout = 45 * time.Second

// Session is one participant connection. ParticipantID is an opaque
// DID-like string; uniqueness is the identity collaborator's problem.
type Session struct {
	ID            string
	ParticipantID string
	RoomID        string
	Role          Role
	JoinedAt      int64
	Caps          media.SubscriberCaps

	lastSeen atomic.Int64

	ackMu       sync.RWMutex
	licenseAcks map[string]bool // cid -> acked
}

func New(id, participantID, roomID string, role Role, caps media.SubscriberCaps, joinedAt int64) *Session {
	s := &Session{
		ID:            id,
		ParticipantID: participantID,
		RoomID:        roomID,
		Role:          role,
		JoinedAt:      joinedAt,
		Caps:          caps,
		licenseAcks:   make(map[string]bool),
	}
	s.lastSeen.Store(joinedAt)
	return s
}

func (s *Session) CanPublish() bool {
	return s.Role == Publisher || s.Role == Both
}

func (s *Session) CanSubscribe() bool {
	return s.Role == Subscriber || s.Role == Both
}

// HasLicenseAck implements rights.Destination: whether the owner handed
// this session a license_ack capability token for the given cid.
func (s *Session) HasLicenseAck(cid string) bool {
	s.ackMu.RLock()
	defer s.ackMu.RUnlock()
	return s.licenseAcks[cid]
}

// GrantLicenseAck attaches a license_ack token supplied out-of-band.
func (s *Session) GrantLicenseAck(cid string) {
	s.ackMu.Lock()
	s.licenseAcks[cid] = true
	s.ackMu.Unlock()
}

// Touch records transport liveness. Safe from any goroutine.
func (s *Session) Touch(now int64) {
	s.lastSeen.Store(now)
}

func (s *Session) LastSeen() int64 {
	return s.lastSeen.Load()
}

// Idle reports whether the transport has been silent past the timeout.
func (s *Session) Idle(now int64, timeout time.Duration) bool {
	return time.Duration(now-s.LastSeen()) > timeout
}
