// Package state persists what must survive a restart: the per-room
// append-only receipt log and periodic queue checkpoints. Packet payloads
// are never persisted. The Redis store is the production engine; Memory
// backs tests and redis-less deployments.
package state

import (
	"context"
	"sync"

	"github.com/mycelia-live/sfu-core/internals/queue"
	"github.com/mycelia-live/sfu-core/internals/receipt"
)

// Checkpoint is a point-in-time queue snapshot sufficient to reconstruct
// queue state on restart.
type Checkpoint struct {
	RoomID       string            `json:"roomId"`
	CheckpointID uint64            `json:"checkpointId"`
	Candidates   []queue.Candidate `json:"candidates"`
}

// Store combines the receipt log with queue checkpointing.
type Store interface {
	receipt.Log
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, roomID string) (*Checkpoint, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Memory is the in-process store.
type Memory struct {
	mu          sync.RWMutex
	receipts    map[string][]*receipt.Receipt
	checkpoints map[string]Checkpoint
}

func NewMemory() *Memory {
	return &Memory{
		receipts:    make(map[string][]*receipt.Receipt),
		checkpoints: make(map[string]Checkpoint),
	}
}

func (m *Memory) Append(_ context.Context, r *receipt.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.RoomID] = append(m.receipts[r.RoomID], r.Clone())
	return nil
}

func (m *Memory) Last(_ context.Context, roomID string) (*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.receipts[roomID]
	if len(log) == 0 {
		return nil, nil
	}
	return log[len(log)-1].Clone(), nil
}

func (m *Memory) List(_ context.Context, roomID string, fromSeq uint64) ([]*receipt.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.receipts[roomID]
	if fromSeq > uint64(len(log)) {
		return nil, nil
	}
	out := make([]*receipt.Receipt, 0, uint64(len(log))-fromSeq)
	for _, r := range log[fromSeq:] {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	m.checkpoints[cp.RoomID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadCheckpoint(_ context.Context, roomID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[roomID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	delete(m.receipts, roomID)
	delete(m.checkpoints, roomID)
	m.mu.Unlock()
	return nil
}
