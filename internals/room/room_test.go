package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/clock"
	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/events"
	"github.com/mycelia-live/sfu-core/internals/media"
	"github.com/mycelia-live/sfu-core/internals/queue"
	"github.com/mycelia-live/sfu-core/internals/receipt"
	"github.com/mycelia-live/sfu-core/internals/rights"
	"github.com/mycelia-live/sfu-core/internals/session"
	"github.com/mycelia-live/sfu-core/internals/state"
)

var vp9 = media.CodecDescriptor{MimeType: "video/VP9", ClockRate: 90000}

type captureTransport struct {
	mu   sync.Mutex
	sent map[string]int
}

func (c *captureTransport) Send(sessionID string, pkt media.Packet) error {
	c.mu.Lock()
	c.sent[sessionID] += pkt.Size
	c.mu.Unlock()
	return nil
}

func (c *captureTransport) bytes(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[sessionID]
}

type captureIndex struct {
	mu        sync.Mutex
	published map[string]string // trackID -> cid
	withdrawn map[string]string // trackID -> reason
}

func newCaptureIndex() *captureIndex {
	return &captureIndex{published: make(map[string]string), withdrawn: make(map[string]string)}
}

func (c *captureIndex) Publish(_ context.Context, roomID, trackID, cid string, _ rights.Rights) error {
	c.mu.Lock()
	c.published[trackID] = cid
	c.mu.Unlock()
	return nil
}

func (c *captureIndex) Withdraw(_ context.Context, roomID, trackID, reason string) error {
	c.mu.Lock()
	c.withdrawn[trackID] = reason
	c.mu.Unlock()
	return nil
}

func (c *captureIndex) publishedCID(trackID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cid, ok := c.published[trackID]
	return cid, ok
}

type failingSigner struct{ fail bool }

func (f *failingSigner) Sign(keyID string, payload []byte) ([]byte, error) {
	if f.fail {
		return nil, errors.New("signer offline")
	}
	return []byte("sig"), nil
}

type testEnv struct {
	clk   *clock.Virtual
	store *state.Memory
	index *captureIndex
	tr    *captureTransport
	kr    *receipt.Keyring
	bus   *events.Bus
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	kr := receipt.NewKeyring()
	_, err := kr.Generate("k1")
	require.NoError(t, err)
	return &testEnv{
		clk:   clock.NewVirtual(0),
		store: state.NewMemory(),
		index: newCaptureIndex(),
		tr:    &captureTransport{sent: make(map[string]int)},
		kr:    kr,
		bus:   events.NewBus(1024, zap.NewNop()),
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		Clock:     e.clk,
		Store:     e.store,
		Index:     e.index,
		Transport: e.tr,
		Signer:    e.kr,
		Logger:    zap.NewNop(),
	}
}

func (e *testEnv) newRoom(t *testing.T, id string, opts Options) *Room {
	t.Helper()
	if opts.OwnerID == "" {
		opts.OwnerID = "admin"
	}
	if opts.DefaultRights == "" {
		opts.DefaultRights = rights.Original
	}
	d := e.deps()
	d.Bus = e.bus
	rm, err := New(context.Background(), id, opts, d)
	require.NoError(t, err)
	t.Cleanup(rm.Close)
	return rm
}

func ctxShort() context.Context {
	return context.Background()
}

func kindOf(t *testing.T, err error) core.Kind {
	t.Helper()
	var e *core.Error
	require.True(t, errors.As(err, &e), "expected typed error, got %v", err)
	return e.Kind
}

// activate walks one cid through submit -> approve -> promote.
func activate(t *testing.T, rm *Room, pubSession, cid string, rt rights.Rights) string {
	t.Helper()
	candID, err := rm.SubmitTrack(ctxShort(), pubSession, cid, rt, vp9, nil)
	require.NoError(t, err)
	require.NoError(t, rm.Moderate(ctxShort(), "admin", candID, queue.DecisionApprove, ""))
	trackID, err := rm.Promote(ctxShort(), "admin", candID)
	require.NoError(t, err)
	return trackID
}

func TestSinglePublisherSingleSubscriberWindow(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{Name: "demo", SignerKeyID: "k1", WindowDuration: 10 * time.Second})

	pub, err := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	require.NoError(t, err)
	subID, err := rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	require.NoError(t, err)

	trackID := activate(t, rm, pub, "QmA", rights.Original)

	// 1,000,000 bytes of egress to bob inside the window
	for i := 0; i < 1000; i++ {
		rm.HandlePacket(media.Packet{SessionID: pub, TrackID: trackID, Size: 1000})
	}
	require.Equal(t, 1_000_000, env.tr.bytes(subID))

	env.clk.Advance(10 * time.Second)
	rm.Engine().CloseWindow()

	receipts, err := env.store.List(context.Background(), "R1", 0)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	r := receipts[0]
	assert.Equal(t, uint64(0), r.Sequence)
	require.Len(t, r.Entries, 1)
	assert.Equal(t, receipt.Entry{ParticipantID: "bob", TrackID: trackID, BytesOut: 1_000_000}, r.Entries[0])
	require.NoError(t, receipt.VerifyChain(receipts, env.kr))

	// directory publication happened for Original rights
	require.Eventually(t, func() bool {
		cid, ok := env.index.publishedCID(trackID)
		return ok && cid == "QmA"
	}, time.Second, 10*time.Millisecond)
}

func TestLicensedGating(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1", LicensedAllowed: true})

	pub, _ := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	subID, _ := rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})

	t1 := activate(t, rm, pub, "QmA", rights.Original)
	t2 := activate(t, rm, pub, "QmL", rights.Licensed)

	rm.HandlePacket(media.Packet{SessionID: pub, TrackID: t1, Size: 500})
	rm.HandlePacket(media.Packet{SessionID: pub, TrackID: t2, Size: 500})

	assert.Equal(t, 500, env.tr.bytes(subID), "licensed bytes withheld without license_ack")

	// no directory publish for the licensed track, ever
	_, published := env.index.publishedCID(t2)
	assert.False(t, published)

	// once the owner grants the token, bytes flow
	require.NoError(t, rm.GrantLicenseAck(ctxShort(), "admin", subID, "QmL"))
	rm.HandlePacket(media.Packet{SessionID: pub, TrackID: t2, Size: 500})
	assert.Equal(t, 1000, env.tr.bytes(subID))

	env.clk.Advance(10 * time.Second)
	rm.Engine().CloseWindow()
	receipts, _ := env.store.List(context.Background(), "R1", 0)
	require.Len(t, receipts, 1)
	for _, e := range receipts[0].Entries {
		if e.TrackID == t2 {
			assert.Equal(t, uint64(500), e.BytesOut, "only post-grant licensed bytes")
		}
	}
}

func TestLeaveIsIdempotentForMeterAndReceipts(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})

	pub, _ := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	subID, _ := rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	trackID := activate(t, rm, pub, "QmA", rights.Original)

	rm.HandlePacket(media.Packet{SessionID: pub, TrackID: trackID, Size: 1234})

	require.NoError(t, rm.Leave(ctxShort(), subID))
	require.NoError(t, rm.Leave(ctxShort(), subID))

	env.clk.Advance(10 * time.Second)
	rm.Engine().CloseWindow()

	receipts, _ := env.store.List(context.Background(), "R1", 0)
	require.Len(t, receipts, 1)
	require.Len(t, receipts[0].Entries, 1)
	assert.Equal(t, uint64(1234), receipts[0].Entries[0].BytesOut,
		"departing subscriber's bytes land exactly once")
}

func TestStopTrackDrainsIntoWindowAndWithdraws(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})

	pub, _ := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	trackID := activate(t, rm, pub, "QmA", rights.Original)

	rm.HandlePacket(media.Packet{SessionID: pub, TrackID: trackID, Size: 777})
	require.NoError(t, rm.StopTrack(ctxShort(), trackID))

	// stopping twice is a NotFound, not a double drain
	err := rm.StopTrack(ctxShort(), trackID)
	assert.Equal(t, core.KindNotFound, kindOf(t, err))

	env.clk.Advance(10 * time.Second)
	rm.Engine().CloseWindow()
	receipts, _ := env.store.List(context.Background(), "R1", 0)
	require.Len(t, receipts, 1)
	assert.Equal(t, uint64(777), receipts[0].Entries[0].BytesOut)

	require.Eventually(t, func() bool {
		env.index.mu.Lock()
		defer env.index.mu.Unlock()
		return env.index.withdrawn[trackID] == "stopped"
	}, time.Second, 10*time.Millisecond)
}

func TestPublisherLeavingStopsItsTracks(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})

	pub, _ := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	subID, _ := rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	trackID := activate(t, rm, pub, "QmA", rights.Original)

	rm.HandlePacket(media.Packet{SessionID: pub, TrackID: trackID, Size: 100})
	require.NoError(t, rm.Leave(ctxShort(), pub))

	// the track is gone from the forwarding set
	rm.HandlePacket(media.Packet{SessionID: pub, TrackID: trackID, Size: 100})
	assert.Equal(t, 100, env.tr.bytes(subID))

	tracks, err := rm.Tracks(ctxShort())
	require.NoError(t, err)
	assert.Empty(t, tracks)
}

func TestJoinFailures(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1", MaxSessions: 1})

	_, err := rm.Join(ctxShort(), "alice", session.Role("stagehand"), media.SubscriberCaps{})
	assert.Equal(t, core.KindRoleForbidden, kindOf(t, err))

	_, err = rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	require.NoError(t, err)
	_, err = rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	assert.Equal(t, core.KindCapacityExceeded, kindOf(t, err))
}

func TestModerationAuthz(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})

	pub, _ := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	candID, err := rm.SubmitTrack(ctxShort(), pub, "QmA", rights.Original, vp9, nil)
	require.NoError(t, err)

	err = rm.Moderate(ctxShort(), "mallory", candID, queue.DecisionApprove, "")
	assert.Equal(t, core.KindNotModerator, kindOf(t, err))

	_, err = rm.Promote(ctxShort(), "mallory", candID)
	assert.Equal(t, core.KindNotModerator, kindOf(t, err))

	require.NoError(t, rm.AddModerator(ctxShort(), "admin", "mallory"))
	require.NoError(t, rm.Moderate(ctxShort(), "mallory", candID, queue.DecisionApprove, ""))
}

func TestSubmitRequiresPublisher(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})

	subID, _ := rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	_, err := rm.SubmitTrack(ctxShort(), subID, "QmA", rights.Original, vp9, nil)
	assert.Equal(t, core.KindNotPublisher, kindOf(t, err))

	_, err = rm.SubmitTrack(ctxShort(), "se_missing", "QmA", rights.Original, vp9, nil)
	assert.Equal(t, core.KindNotFound, kindOf(t, err))
}

func TestExpiredDeadlineDoesNotMutate(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rm.Join(expired, "alice", session.Publisher, media.SubscriberCaps{})
	assert.Equal(t, core.KindDeadlineExceeded, kindOf(t, err))

	n, err := rm.Sessions(ctxShort())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReceiptsStalledLocksOutPublishers(t *testing.T) {
	env := newEnv(t)
	signer := &failingSigner{fail: true}
	d := env.deps()
	d.Signer = signer
	d.Bus = env.bus
	rm, err := New(context.Background(), "R1", Options{
		OwnerID:             "admin",
		DefaultRights:       rights.Original,
		SignerKeyID:         "k1",
		PendingReceiptBound: 1,
	}, d)
	require.NoError(t, err)
	t.Cleanup(rm.Close)

	pub, _ := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	trackID := activate(t, rm, pub, "QmA", rights.Original)

	// two windows of traffic with a dead signer exceed the bound of one
	for i := 0; i < 2; i++ {
		rm.HandlePacket(media.Packet{SessionID: pub, TrackID: trackID, Size: 100})
		env.clk.Advance(10 * time.Second)
		rm.Engine().CloseWindow()
	}
	require.True(t, rm.Stalled())

	_, err = rm.Join(ctxShort(), "carol", session.Publisher, media.SubscriberCaps{})
	assert.Equal(t, core.KindReceiptsStalled, kindOf(t, err))
	_, err = rm.SubmitTrack(ctxShort(), pub, "QmB", rights.Original, vp9, nil)
	assert.Equal(t, core.KindReceiptsStalled, kindOf(t, err))

	// subscribers are still admitted while publishers are locked out
	_, err = rm.Join(ctxShort(), "dave", session.Subscriber, media.SubscriberCaps{})
	assert.NoError(t, err)

	// operator fixes the signer and clears the stall; the queue drains
	signer.fail = false
	require.NoError(t, rm.ClearReceiptsStall(ctxShort()))
	assert.False(t, rm.Stalled())

	_, err = rm.Join(ctxShort(), "erin", session.Publisher, media.SubscriberCaps{})
	assert.NoError(t, err)

	receipts, _ := env.store.List(context.Background(), "R1", 0)
	assert.Len(t, receipts, 2, "held windows emitted in order after recovery")
}

func TestRestartContinuesReceiptChain(t *testing.T) {
	env := newEnv(t)
	rm := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})

	pub, _ := rm.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	rm.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	trackID := activate(t, rm, pub, "QmA", rights.Original)

	for i := 0; i < 3; i++ {
		rm.HandlePacket(media.Packet{SessionID: pub, TrackID: trackID, Size: 10})
		env.clk.Advance(10 * time.Second)
		rm.Engine().CloseWindow()
	}
	rm.Close()

	// resurrect the room over the same store
	rm2 := env.newRoom(t, "R1", Options{SignerKeyID: "k1"})
	pub2, _ := rm2.Join(ctxShort(), "alice", session.Publisher, media.SubscriberCaps{})
	rm2.Join(ctxShort(), "bob", session.Subscriber, media.SubscriberCaps{})
	track2 := activate(t, rm2, pub2, "QmB", rights.Original)

	rm2.HandlePacket(media.Packet{SessionID: pub2, TrackID: track2, Size: 10})
	env.clk.Advance(10 * time.Second)
	rm2.Engine().CloseWindow()

	receipts, _ := env.store.List(context.Background(), "R1", 0)
	require.Len(t, receipts, 4)
	assert.Equal(t, uint64(3), receipts[3].Sequence)
	assert.Equal(t, receipts[2].ChainHash(), receipts[3].PrevReceiptHash)
	require.NoError(t, receipt.VerifyChain(receipts, env.kr))
}
