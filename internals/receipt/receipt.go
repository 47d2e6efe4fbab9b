// Package receipt produces the signed, chained per-room record of egress
// bytes. Receipts are append-only; the canonical serialization is bit-exact
// so independent verifiers reproduce every hash and signature check.
package receipt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// GenesisHash anchors sequence 0 of every room chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one (participant, track) egress row. Entries aggregate egress
// bytes only; ingress never appears in a receipt.
type Entry struct {
	ParticipantID string `json:"participantId"`
	TrackID       string `json:"trackId"`
	BytesOut      uint64 `json:"bytesOut"`
}

// Receipt is the wire envelope. Field order in the canonical form follows
// the struct order below; SplitOfWindow is 0 for unsplit receipts and the
// shared windowStart for every part of a split window.
type Receipt struct {
	ReceiptID       string  `json:"receiptId"`
	RoomID          string  `json:"roomId"`
	Sequence        uint64  `json:"sequence"`
	WindowStart     uint64  `json:"windowStart"`
	WindowEnd       uint64  `json:"windowEnd"`
	SplitOfWindow   uint64  `json:"splitOfWindow"`
	Entries         []Entry `json:"entries"`
	PrevReceiptHash string  `json:"prevReceiptHash"`
	PayloadHash     string  `json:"payloadHash"`
	SignerKeyID     string  `json:"signerKeyId"`
	Signature       string  `json:"signature"`
}

// appendJSONString writes a canonical JSON string: NFC-normalised UTF-8,
// escaped by encoding/json so escaping is never implementation-defined.
func appendJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(norm.NFC.String(s))
	buf.Write(b)
}

func appendUint(buf *bytes.Buffer, v uint64) {
	buf.WriteString(strconv.FormatUint(v, 10))
}

// payloadBytes is the canonical serialization of the fields covered by
// payloadHash: everything up to and including prevReceiptHash, in struct
// order, no whitespace, no omitted fields.
func (r *Receipt) payloadBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"receiptId":`)
	appendJSONString(&buf, r.ReceiptID)
	buf.WriteString(`,"roomId":`)
	appendJSONString(&buf, r.RoomID)
	buf.WriteString(`,"sequence":`)
	appendUint(&buf, r.Sequence)
	buf.WriteString(`,"windowStart":`)
	appendUint(&buf, r.WindowStart)
	buf.WriteString(`,"windowEnd":`)
	appendUint(&buf, r.WindowEnd)
	buf.WriteString(`,"splitOfWindow":`)
	appendUint(&buf, r.SplitOfWindow)
	buf.WriteString(`,"entries":[`)
	for i, e := range r.Entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"participantId":`)
		appendJSONString(&buf, e.ParticipantID)
		buf.WriteString(`,"trackId":`)
		appendJSONString(&buf, e.TrackID)
		buf.WriteString(`,"bytesOut":`)
		appendUint(&buf, e.BytesOut)
		buf.WriteByte('}')
	}
	buf.WriteString(`],"prevReceiptHash":`)
	appendJSONString(&buf, r.PrevReceiptHash)
	buf.WriteByte('}')
	return buf.Bytes()
}

// ComputePayloadHash fills PayloadHash from the canonical payload bytes and
// returns the raw digest, which is what the signature covers.
func (r *Receipt) ComputePayloadHash() [32]byte {
	sum := sha256.Sum256(r.payloadBytes())
	r.PayloadHash = hex.EncodeToString(sum[:])
	return sum
}

// ChainHash is the link value the next receipt stores in prevReceiptHash:
// H(payloadHash ∥ signature) over their canonical string forms.
func (r *Receipt) ChainHash() string {
	h := sha256.New()
	h.Write([]byte(r.PayloadHash))
	h.Write([]byte(r.Signature))
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalCanonical serializes the full envelope, canonical rules applied to
// every field. Serialising, parsing, and re-serialising a receipt yields an
// identical byte sequence.
func (r *Receipt) MarshalCanonical() []byte {
	payload := r.payloadBytes()
	var buf bytes.Buffer
	buf.Write(payload[:len(payload)-1]) // strip closing brace
	buf.WriteString(`,"payloadHash":`)
	appendJSONString(&buf, r.PayloadHash)
	buf.WriteString(`,"signerKeyId":`)
	appendJSONString(&buf, r.SignerKeyID)
	buf.WriteString(`,"signature":`)
	appendJSONString(&buf, r.Signature)
	buf.WriteByte('}')
	return buf.Bytes()
}

// ParseCanonical decodes a canonical envelope. A nil entries array decodes
// to the empty array so re-serialisation is stable.
func ParseCanonical(data []byte) (*Receipt, error) {
	var r Receipt
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("parse receipt: %w", err)
	}
	if r.Entries == nil {
		r.Entries = []Entry{}
	}
	return &r, nil
}

// Clone returns a deep copy; engine internals hand out copies so consumers
// can't mutate the chain.
func (r *Receipt) Clone() *Receipt {
	c := *r
	c.Entries = append([]Entry(nil), r.Entries...)
	return &c
}
