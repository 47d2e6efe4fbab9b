package core

import (
	"context"

	"github.com/mycelia-live/sfu-core/internals/media"
	"github.com/mycelia-live/sfu-core/internals/rights"
)

// Transport is the only egress primitive the scheduler uses. The concrete
// implementation (ICE/DTLS/SRTP session, loopback, test capture) lives
// outside the core.
type Transport interface {
	Send(sessionID string, pkt media.Packet) error
}

// IndexPublisher announces distributable tracks to the external directory.
// Publish is idempotent on (roomID, trackID).
type IndexPublisher interface {
	Publish(ctx context.Context, roomID, trackID, cid string, r rights.Rights) error
	Withdraw(ctx context.Context, roomID, trackID, reason string) error
}

// Signer produces detached signatures. Implementations are concurrent-safe
// and may execute on any worker.
type Signer interface {
	Sign(keyID string, payload []byte) ([]byte, error)
}

// Verifier checks detached signatures produced by a Signer.
type Verifier interface {
	Verify(keyID string, payload, sig []byte) bool
}

// Diagnostic is a non-fatal condition raised by an asynchronous subsystem.
// Diagnostics never surface as control-plane errors.
type Diagnostic struct {
	Kind   string
	RoomID string
	Fields map[string]string
}

const (
	DiagMeterOverflow       = "meter-overflow"
	DiagSubscriberDegraded  = "subscriber-degraded"
	DiagMissingTrackMeta    = "missing-track-metadata"
	DiagReceiptSignRetry    = "receipt-sign-retry"
	DiagReceiptsStalled     = "receipts-stalled"
	DiagEventStreamOverflow = "event-stream-overflow"
)
