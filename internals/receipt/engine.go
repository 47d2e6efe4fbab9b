package receipt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/clock"
	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/events"
	"github.com/mycelia-live/sfu-core/internals/metrics"
)

// Log is the append-only receipt store for a room, indexed by sequence.
type Log interface {
	Append(ctx context.Context, r *Receipt) error
	Last(ctx context.Context, roomID string) (*Receipt, error)
	List(ctx context.Context, roomID string, fromSeq uint64) ([]*Receipt, error)
}

// Sink is the push channel receipts are published on once appended.
type Sink interface {
	Emit(r *Receipt)
}

// SnapshotFunc collects and resets the room's egress deltas. The engine
// calls it exactly once per window close; entries arrive pre-sorted by
// (participantId, trackId) with zero rows already filtered.
type SnapshotFunc func() []Entry

const (
	DefaultWindowDuration = 10 * time.Second
	MinWindowDuration     = time.Second
	MaxWindowDuration     = 300 * time.Second
	DefaultPendingBound   = 6
	retryInitialInterval  = 100 * time.Millisecond
	retryMaxInterval      = 5 * time.Second
)

type Config struct {
	RoomID               string
	WindowDuration       time.Duration
	MaxEntriesPerReceipt int // 0 = unbounded
	PendingBound         int
	SignerKeyID          string
}

type pendingWindow struct {
	start, end uint64
	splitOf    uint64
	entries    []Entry
}

// Engine closes windows, signs receipts, and maintains the room's hash
// chain. The chain state is written only here; signing failures hold
// subsequent snapshots in a bounded in-memory queue and retry with
// exponential backoff. Exceeding the bound trips the receipts-stalled gate;
// retries continue past it.
type Engine struct {
	cfg      Config
	clk      clock.Clock
	signer   core.Signer
	log      Log
	sink     Sink
	bus      *events.Bus
	logger   *zap.Logger
	onStall  func()
	schedule func(d time.Duration, fn func()) // test seam; time.AfterFunc in production

	mu             sync.Mutex
	snapshot       SnapshotFunc
	seq            uint64
	prevHash       string
	windowStart    uint64
	pending        []*pendingWindow
	stalled        bool
	bo             backoff.BackOff
	retryScheduled bool
	closed         bool
}

// NewEngine restores chain position from the log: after a restart the next
// receipt continues at last.sequence+1 with prevReceiptHash = H(last).
func NewEngine(ctx context.Context, cfg Config, clk clock.Clock, signer core.Signer, log Log, sink Sink, bus *events.Bus, logger *zap.Logger) (*Engine, error) {
	if cfg.WindowDuration == 0 {
		cfg.WindowDuration = DefaultWindowDuration
	}
	if cfg.WindowDuration < MinWindowDuration || cfg.WindowDuration > MaxWindowDuration {
		return nil, fmt.Errorf("window duration %s outside [1s, 300s]", cfg.WindowDuration)
	}
	if cfg.PendingBound <= 0 {
		cfg.PendingBound = DefaultPendingBound
	}

	e := &Engine{
		cfg:      cfg,
		clk:      clk,
		signer:   signer,
		log:      log,
		sink:     sink,
		bus:      bus,
		logger:   logger,
		schedule: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		bo:       newRetryBackoff(),
	}

	last, err := log.Last(ctx, cfg.RoomID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		e.seq = last.Sequence + 1
		e.prevHash = last.ChainHash()
		e.windowStart = last.WindowEnd
		metrics.ReceiptChainHeight.WithLabelValues(cfg.RoomID).Set(float64(last.Sequence))
	} else {
		e.prevHash = GenesisHash
		e.windowStart = uint64(clk.Now())
	}
	return e, nil
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0 // unbounded attempts
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// SetSnapshotFunc wires the room's meter snapshot. Must be set before the
// first window closes.
func (e *Engine) SetSnapshotFunc(fn SnapshotFunc) {
	e.mu.Lock()
	e.snapshot = fn
	e.mu.Unlock()
}

// SetSink wires the receipt consumer; call before traffic starts.
func (e *Engine) SetSink(s Sink) {
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
}

// SetStallFunc registers the callback fired when the pending bound is
// exceeded and the room must lock out new publishers.
func (e *Engine) SetStallFunc(fn func()) {
	e.mu.Lock()
	e.onStall = fn
	e.mu.Unlock()
}

// Run drives window closes off a wall ticker until ctx ends. Tests bypass
// Run and call CloseWindow directly against a virtual clock.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.WindowDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Close()
			return
		case <-ticker.C:
			e.CloseWindow()
		}
	}
}

// CloseWindow snapshots the meter, splits the window on the entry bound,
// queues the parts, and attempts emission. A window with no traffic emits
// nothing; the open window simply keeps extending so the chain never
// carries gaps.
func (e *Engine) CloseWindow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.snapshot == nil {
		return
	}

	now := uint64(e.clk.Now())
	if now <= e.windowStart {
		return
	}
	entries := e.snapshot()
	if len(entries) == 0 {
		return
	}

	start, end := e.windowStart, now
	e.windowStart = end

	chunks := splitEntries(entries, e.cfg.MaxEntriesPerReceipt)
	splitOf := uint64(0)
	if len(chunks) > 1 {
		splitOf = start
	}
	for _, c := range chunks {
		e.pending = append(e.pending, &pendingWindow{start: start, end: end, splitOf: splitOf, entries: c})
	}

	if len(e.pending) > e.cfg.PendingBound && !e.stalled {
		e.stalled = true
		e.logger.Error("Receipt queue bound exceeded, room stalled",
			zap.String("roomID", e.cfg.RoomID),
			zap.Int("pending", len(e.pending)),
		)
		metrics.DiagnosticsTotal.WithLabelValues(core.DiagReceiptsStalled).Inc()
		e.publishDiagnostic(core.DiagReceiptsStalled, map[string]string{"pending": strconv.Itoa(len(e.pending))})
		if e.onStall != nil {
			stall := e.onStall
			e.mu.Unlock()
			stall()
			e.mu.Lock()
		}
	}

	e.tryEmitLocked()
}

func splitEntries(entries []Entry, max int) [][]Entry {
	if max <= 0 || len(entries) <= max {
		return [][]Entry{entries}
	}
	var out [][]Entry
	for len(entries) > max {
		out = append(out, entries[:max])
		entries = entries[max:]
	}
	return append(out, entries)
}

// TryEmit attempts to drain the pending queue now; the retry timer calls it.
func (e *Engine) TryEmit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retryScheduled = false
	e.tryEmitLocked()
}

func (e *Engine) tryEmitLocked() {
	for len(e.pending) > 0 {
		w := e.pending[0]
		r := &Receipt{
			ReceiptID:       e.clk.NewID(clock.KindReceipt),
			RoomID:          e.cfg.RoomID,
			Sequence:        e.seq,
			WindowStart:     w.start,
			WindowEnd:       w.end,
			SplitOfWindow:   w.splitOf,
			Entries:         w.entries,
			PrevReceiptHash: e.prevHash,
			SignerKeyID:     e.cfg.SignerKeyID,
		}
		digest := r.ComputePayloadHash()

		sig, err := e.signer.Sign(e.cfg.SignerKeyID, digest[:])
		if err != nil {
			e.scheduleRetryLocked("sign", err)
			return
		}
		r.Signature = encodeSignature(sig)

		if err := e.log.Append(context.Background(), r); err != nil {
			e.scheduleRetryLocked("append", err)
			return
		}

		e.prevHash = r.ChainHash()
		e.seq = r.Sequence + 1
		e.pending = e.pending[1:]
		e.bo = newRetryBackoff()

		metrics.ReceiptsEmittedTotal.Inc()
		metrics.ReceiptChainHeight.WithLabelValues(e.cfg.RoomID).Set(float64(r.Sequence))
		e.logger.Info("Receipt emitted",
			zap.String("roomID", e.cfg.RoomID),
			zap.String("receiptID", r.ReceiptID),
			zap.Uint64("sequence", r.Sequence),
			zap.Int("entries", len(r.Entries)),
		)
		if e.sink != nil {
			e.sink.Emit(r.Clone())
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:      events.ReceiptEmitted,
				RoomID:    e.cfg.RoomID,
				ReceiptID: r.ReceiptID,
				Sequence:  r.Sequence,
				At:        e.clk.Now(),
			})
		}
	}
}

func (e *Engine) scheduleRetryLocked(stage string, err error) {
	delay := e.bo.NextBackOff()
	metrics.ReceiptSignRetriesTotal.Inc()
	e.logger.Warn("Receipt emission failed, retrying",
		zap.String("roomID", e.cfg.RoomID),
		zap.String("stage", stage),
		zap.Duration("retryIn", delay),
		zap.Error(err),
	)
	e.publishDiagnostic(core.DiagReceiptSignRetry, map[string]string{"stage": stage, "error": err.Error()})
	if !e.retryScheduled && !e.closed {
		e.retryScheduled = true
		e.schedule(delay, e.TryEmit)
	}
}

func (e *Engine) publishDiagnostic(kind string, fields map[string]string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:   events.Diagnostic,
		RoomID: e.cfg.RoomID,
		Kind:   kind,
		Fields: fields,
		At:     e.clk.Now(),
	})
}

// Stalled reports whether the receipts-stalled gate is tripped.
func (e *Engine) Stalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stalled
}

// ClearStall resumes publisher admission after operator intervention. The
// pending queue itself keeps retrying regardless of the gate.
func (e *Engine) ClearStall() {
	e.mu.Lock()
	e.stalled = false
	e.mu.Unlock()
	e.TryEmit()
}

// PendingWindows reports the queue depth, for observability.
func (e *Engine) PendingWindows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close performs a final window close and one emission attempt. If the
// queue cannot drain the room terminates stalled rather than losing bytes.
func (e *Engine) Close() {
	e.CloseWindow()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tryEmitLocked()
	if len(e.pending) > 0 {
		e.stalled = true
	}
	e.closed = true
}

