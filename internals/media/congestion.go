package media

import (
	"sync"

	"github.com/pion/rtcp"
	"go.uber.org/zap"
)

// CongestionState summarises the receiver reports for one subscriber. The
// scheduler downgrades a subscriber one layer while Congested is set and
// pauses the track once the condition has held for longer than its pause
// threshold.
type CongestionState struct {
	FractionLost float64
	JitterMs     float64
	Congested    bool
}

const congestedLossThreshold = 0.05

// FeedbackMonitor folds RTCP receiver reports into a per-subscriber
// congestion signal. Adapted from the media processor's RTCP handling: the
// transport owns the RTCP session, we only read the reports it surfaces.
type FeedbackMonitor struct {
	mu     sync.RWMutex
	states map[string]*CongestionState // sessionID -> state
	logger *zap.Logger
}

func NewFeedbackMonitor(logger *zap.Logger) *FeedbackMonitor {
	return &FeedbackMonitor{
		states: make(map[string]*CongestionState),
		logger: logger,
	}
}

// ProcessReceiverReport updates the congestion state for a subscriber from
// an RTCP receiver report delivered by its transport.
func (f *FeedbackMonitor) ProcessReceiverReport(sessionID string, rr *rtcp.ReceiverReport) CongestionState {
	var lost float64
	var jitter float64
	for _, rep := range rr.Reports {
		l := float64(rep.FractionLost) / 256.0
		if l > lost {
			lost = l
		}
		j := float64(rep.Jitter) / 90.0 // 90kHz video clock -> ms
		if j > jitter {
			jitter = j
		}
	}

	f.mu.Lock()
	st, ok := f.states[sessionID]
	if !ok {
		st = &CongestionState{}
		f.states[sessionID] = st
	}
	st.FractionLost = lost
	st.JitterMs = jitter
	st.Congested = lost > congestedLossThreshold
	out := *st
	f.mu.Unlock()

	if out.Congested {
		f.logger.Debug("Subscriber congested",
			zap.String("sessionID", sessionID),
			zap.Float64("fractionLost", lost),
			zap.Float64("jitterMs", jitter),
		)
	}
	return out
}

// State returns the last known congestion state for a subscriber.
func (f *FeedbackMonitor) State(sessionID string) (CongestionState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.states[sessionID]
	if !ok {
		return CongestionState{}, false
	}
	return *st, true
}

// Forget drops the state for a departed subscriber.
func (f *FeedbackMonitor) Forget(sessionID string) {
	f.mu.Lock()
	delete(f.states, sessionID)
	f.mu.Unlock()
}
