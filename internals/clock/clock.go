package clock

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDKind selects the prefix used when minting identifiers.
type IDKind string

const (
	KindRoom      IDKind = "rm"
	KindSession   IDKind = "se"
	KindTrack     IDKind = "tr"
	KindCandidate IDKind = "ca"
	KindReceipt   IDKind = "rc"
)

// Clock supplies monotonic timestamps and mints identifiers. Everything in
// the core reads time through a Clock so tests can substitute a virtual one.
type Clock interface {
	// Now returns nanoseconds on a monotonic, non-decreasing timeline.
	Now() int64
	// NewID mints an identifier unique across the process lifetime.
	NewID(kind IDKind) string
}

// System is the production clock. Now is anchored at process start and
// advances with the runtime's monotonic reading, so it never goes backwards
// even if wall time is stepped.
type System struct {
	epoch     int64
	started   time.Time
	mu        sync.Mutex
	last      int64
}

func NewSystem() *System {
	now := time.Now()
	return &System{
		epoch:   now.UnixNano(),
		started: now,
	}
}

func (s *System) Now() int64 {
	n := s.epoch + int64(time.Since(s.started))
	s.mu.Lock()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	s.mu.Unlock()
	return n
}

func (s *System) NewID(kind IDKind) string {
	return string(kind) + "_" + uuid.New().String()
}

// Virtual is a test clock. Time only moves when Advance is called, and IDs
// are sequential so test expectations stay readable.
type Virtual struct {
	mu  sync.Mutex
	now int64
	seq map[IDKind]int
}

func NewVirtual(start int64) *Virtual {
	return &Virtual{now: start, seq: make(map[IDKind]int)}
}

func (v *Virtual) Now() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now += int64(d)
	v.mu.Unlock()
}

// Set jumps the clock forward to t. Moving backwards panics: the rest of
// the system assumes a non-decreasing timeline.
func (v *Virtual) Set(t int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t < v.now {
		panic("clock: virtual clock moved backwards")
	}
	v.now = t
}

func (v *Virtual) NewID(kind IDKind) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq[kind]++
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('_')
	n := v.seq[kind]
	// zero-padded so lexicographic order matches mint order
	digits := [8]byte{}
	for i := 7; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	b.Write(digits[:])
	return b.String()
}
