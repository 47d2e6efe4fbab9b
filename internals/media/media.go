// Package media holds the opaque view of RTP traffic the core works with:
// a declared codec descriptor per track, simulcast layer descriptors, and a
// packet wrapper tagged with routing metadata. Codec implementations live
// outside the core; packets are never decoded here.
package media

import (
	"strings"

	"github.com/pion/rtp"
)

// CodecDescriptor declares what a publisher is sending. The core only
// matches it against subscriber support, it never inspects payloads.
type CodecDescriptor struct {
	MimeType  string `json:"mimeType"` // e.g. "video/AV1", "audio/opus"
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// Kind returns "audio" or "video" from the mime type prefix.
func (c CodecDescriptor) Kind() string {
	if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		return "audio"
	}
	return "video"
}

// Layer describes one simulcast/SVC quality layer of a track. RID naming
// follows the usual h/m/l convention but is opaque to the core.
type Layer struct {
	RID        string `json:"rid"`
	BitrateBps uint64 `json:"bitrateBps"`
}

// Packet is one ingress RTP packet tagged with where it came from and which
// layer it belongs to. Size is the full marshalled wire size, which is what
// the meter and the receipts account in.
type Packet struct {
	SessionID string
	TrackID   string
	RID       string // "" for non-simulcast tracks
	Size      int
	Payload   []byte
	SeqNo     uint16
	Timestamp uint32
	Marker    bool
}

// FromRTP derives the core's packet view from a parsed RTP packet.
func FromRTP(sessionID, trackID, rid string, p *rtp.Packet) Packet {
	return Packet{
		SessionID: sessionID,
		TrackID:   trackID,
		RID:       rid,
		Size:      p.MarshalSize(),
		Payload:   p.Payload,
		SeqNo:     p.SequenceNumber,
		Timestamp: p.Timestamp,
		Marker:    p.Marker,
	}
}

// SubscriberCaps is the per-subscriber capability descriptor the scheduler
// consults: bitrate budget and codec support. License tokens live on the
// session, not here.
type SubscriberCaps struct {
	MaxBitrateBps uint64   `json:"maxBitrateBps"`
	Codecs        []string `json:"codecs"`
}

// Supports reports whether the subscriber can decode the given codec. An
// empty codec list means "anything" so trivial subscribers keep working.
func (c SubscriberCaps) Supports(codec CodecDescriptor) bool {
	if len(c.Codecs) == 0 {
		return true
	}
	for _, m := range c.Codecs {
		if strings.EqualFold(m, codec.MimeType) {
			return true
		}
	}
	return false
}
