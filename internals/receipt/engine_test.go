package receipt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/clock"
)

type memLog struct {
	rows map[string][]*Receipt
	fail bool
}

func newMemLog() *memLog { return &memLog{rows: make(map[string][]*Receipt)} }

func (l *memLog) Append(_ context.Context, r *Receipt) error {
	if l.fail {
		return errors.New("store down")
	}
	l.rows[r.RoomID] = append(l.rows[r.RoomID], r.Clone())
	return nil
}

func (l *memLog) Last(_ context.Context, roomID string) (*Receipt, error) {
	rows := l.rows[roomID]
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[len(rows)-1].Clone(), nil
}

func (l *memLog) List(_ context.Context, roomID string, fromSeq uint64) ([]*Receipt, error) {
	rows := l.rows[roomID]
	if fromSeq > uint64(len(rows)) {
		return nil, nil
	}
	return rows[fromSeq:], nil
}

type captureSink struct{ receipts []*Receipt }

func (s *captureSink) Emit(r *Receipt) { s.receipts = append(s.receipts, r) }

type flakySigner struct {
	inner    *Keyring
	failures int
}

func (f *flakySigner) Sign(keyID string, payload []byte) ([]byte, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("hsm unavailable")
	}
	return f.inner.Sign(keyID, payload)
}

func newTestEngine(t *testing.T, clk clock.Clock, log Log, signer interface {
	Sign(string, []byte) ([]byte, error)
}, maxEntries int) (*Engine, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	e, err := NewEngine(context.Background(), Config{
		RoomID:               "rm_1",
		WindowDuration:       10 * time.Second,
		MaxEntriesPerReceipt: maxEntries,
		SignerKeyID:          "k1",
	}, clk, signer, log, sink, nil, zap.NewNop())
	require.NoError(t, err)
	// scheduled retries are dropped; tests call TryEmit themselves so they
	// stay deterministic
	e.schedule = func(d time.Duration, fn func()) {}
	return e, sink
}

func keyringWithKey(t *testing.T) *Keyring {
	t.Helper()
	k := NewKeyring()
	_, err := k.Generate("k1")
	require.NoError(t, err)
	return k
}

func TestWindowDurationBounds(t *testing.T) {
	clk := clock.NewVirtual(0)
	k := keyringWithKey(t)
	for _, d := range []time.Duration{500 * time.Millisecond, 301 * time.Second} {
		_, err := NewEngine(context.Background(), Config{RoomID: "r", WindowDuration: d, SignerKeyID: "k1"},
			clk, k, newMemLog(), nil, nil, zap.NewNop())
		assert.Error(t, err, "duration %s", d)
	}
}

func TestSingleWindowReceipt(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	e, sink := newTestEngine(t, clk, log, keyringWithKey(t), 0)

	var entries []Entry
	e.SetSnapshotFunc(func() []Entry { return entries })

	entries = []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 1000000}}
	clk.Advance(10 * time.Second)
	e.CloseWindow()

	require.Len(t, sink.receipts, 1)
	r := sink.receipts[0]
	assert.Equal(t, uint64(0), r.Sequence)
	assert.Equal(t, GenesisHash, r.PrevReceiptHash)
	assert.Equal(t, []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 1000000}}, r.Entries)
	assert.Equal(t, uint64(0), r.WindowStart)
	assert.Equal(t, uint64(10*time.Second), r.WindowEnd)

	require.NoError(t, VerifyChain(log.rows["rm_1"], e.signer.(*Keyring)))
}

func TestEmptyWindowExtendsInsteadOfEmitting(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	e, sink := newTestEngine(t, clk, log, keyringWithKey(t), 0)

	var entries []Entry
	e.SetSnapshotFunc(func() []Entry { return entries })

	clk.Advance(10 * time.Second)
	e.CloseWindow()
	assert.Empty(t, sink.receipts)

	entries = []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 5}}
	clk.Advance(10 * time.Second)
	e.CloseWindow()

	require.Len(t, sink.receipts, 1)
	// the quiet first window folded into this one
	assert.Equal(t, uint64(0), sink.receipts[0].WindowStart)
	assert.Equal(t, uint64(20*time.Second), sink.receipts[0].WindowEnd)
}

func TestSequencesContiguousAndChained(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	e, sink := newTestEngine(t, clk, log, keyringWithKey(t), 0)

	n := 0
	e.SetSnapshotFunc(func() []Entry {
		n++
		return []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: uint64(n)}}
	})

	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second)
		e.CloseWindow()
	}

	require.Len(t, sink.receipts, 5)
	for i, r := range sink.receipts {
		assert.Equal(t, uint64(i), r.Sequence)
		if i > 0 {
			assert.Equal(t, sink.receipts[i-1].ChainHash(), r.PrevReceiptHash)
			assert.Equal(t, sink.receipts[i-1].WindowEnd, r.WindowStart)
		}
	}
	require.NoError(t, VerifyChain(log.rows["rm_1"], e.signer.(*Keyring)))
}

func TestRestartContinuesChain(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	k := keyringWithKey(t)
	e1, sink1 := newTestEngine(t, clk, log, k, 0)
	e1.SetSnapshotFunc(func() []Entry {
		return []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 7}}
	})
	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Second)
		e1.CloseWindow()
	}
	require.Len(t, sink1.receipts, 3)

	// restart: a fresh engine over the same persisted log
	e2, sink2 := newTestEngine(t, clk, log, k, 0)
	e2.SetSnapshotFunc(func() []Entry {
		return []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 9}}
	})
	clk.Advance(10 * time.Second)
	e2.CloseWindow()

	require.Len(t, sink2.receipts, 1)
	r := sink2.receipts[0]
	assert.Equal(t, uint64(3), r.Sequence)
	assert.Equal(t, sink1.receipts[2].ChainHash(), r.PrevReceiptHash)
	assert.Equal(t, sink1.receipts[2].WindowEnd, r.WindowStart)
	require.NoError(t, VerifyChain(log.rows["rm_1"], k))
}

func TestReceiptSplitSharesWindow(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	e, sink := newTestEngine(t, clk, log, keyringWithKey(t), 2)

	full := []Entry{
		{ParticipantID: "a", TrackID: "T1", BytesOut: 1},
		{ParticipantID: "b", TrackID: "T1", BytesOut: 2},
		{ParticipantID: "c", TrackID: "T1", BytesOut: 3},
		{ParticipantID: "d", TrackID: "T2", BytesOut: 4},
		{ParticipantID: "e", TrackID: "T2", BytesOut: 5},
	}
	e.SetSnapshotFunc(func() []Entry { return full })

	clk.Advance(10 * time.Second)
	e.CloseWindow()

	require.Len(t, sink.receipts, 3)
	var joined []Entry
	for i, r := range sink.receipts {
		assert.Equal(t, uint64(i), r.Sequence)
		assert.Equal(t, sink.receipts[0].WindowStart, r.WindowStart)
		assert.Equal(t, sink.receipts[0].WindowEnd, r.WindowEnd)
		assert.Equal(t, r.WindowStart, r.SplitOfWindow)
		joined = append(joined, r.Entries...)
	}
	assert.Equal(t, full, joined)
	require.NoError(t, VerifyChain(log.rows["rm_1"], e.signer.(*Keyring)))
}

func TestSigningFailureRetriesWithoutGaps(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	signer := &flakySigner{inner: keyringWithKey(t), failures: 3}
	sink := &captureSink{}
	e, err := NewEngine(context.Background(), Config{
		RoomID:      "rm_1",
		SignerKeyID: "k1",
	}, clk, signer, log, sink, nil, zap.NewNop())
	require.NoError(t, err)
	e.schedule = func(d time.Duration, fn func()) {}

	e.SetSnapshotFunc(func() []Entry {
		return []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 10}}
	})

	clk.Advance(10 * time.Second)
	e.CloseWindow()
	assert.Empty(t, sink.receipts, "window held while signing is down")
	assert.Equal(t, 1, e.PendingWindows())

	e.TryEmit() // still failing
	e.TryEmit() // still failing
	e.TryEmit() // signer recovered
	require.Len(t, sink.receipts, 1)
	assert.Equal(t, uint64(0), sink.receipts[0].Sequence)
	assert.Equal(t, 0, e.PendingWindows())
}

func TestPendingBoundTripsStall(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	signer := &flakySigner{inner: keyringWithKey(t), failures: 1 << 30}
	sink := &captureSink{}
	e, err := NewEngine(context.Background(), Config{
		RoomID:       "rm_1",
		SignerKeyID:  "k1",
		PendingBound: 3,
	}, clk, signer, log, sink, nil, zap.NewNop())
	require.NoError(t, err)
	e.schedule = func(d time.Duration, fn func()) {}

	e.SetSnapshotFunc(func() []Entry {
		return []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 1}}
	})
	stalled := false
	e.SetStallFunc(func() { stalled = true })

	for i := 0; i < 4; i++ {
		clk.Advance(10 * time.Second)
		e.CloseWindow()
	}
	assert.True(t, e.Stalled())
	assert.True(t, stalled)

	// signer recovers; operator clears the stall and the queue drains in order
	signer.failures = 0
	e.ClearStall()
	assert.False(t, e.Stalled())
	require.Len(t, sink.receipts, 4)
	for i, r := range sink.receipts {
		assert.Equal(t, uint64(i), r.Sequence)
	}
}

func TestAppendFailureAlsoRetries(t *testing.T) {
	clk := clock.NewVirtual(0)
	log := newMemLog()
	log.fail = true
	e, sink := newTestEngine(t, clk, log, keyringWithKey(t), 0)
	e.SetSnapshotFunc(func() []Entry {
		return []Entry{{ParticipantID: "bob", TrackID: "T1", BytesOut: 1}}
	})

	clk.Advance(10 * time.Second)
	e.CloseWindow()
	assert.Empty(t, sink.receipts)

	log.fail = false
	e.TryEmit()
	require.Len(t, sink.receipts, 1)
}
