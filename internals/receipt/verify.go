package receipt

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/mycelia-live/sfu-core/internals/core"
)

func encodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifySignature checks one receipt's payload hash and detached signature.
func VerifySignature(r *Receipt, v core.Verifier) error {
	probe := r.Clone()
	digest := probe.ComputePayloadHash()
	if probe.PayloadHash != r.PayloadHash {
		return fmt.Errorf("receipt %s: payload hash mismatch", r.ReceiptID)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("receipt %s: signature not base64: %w", r.ReceiptID, err)
	}
	if !v.Verify(r.SignerKeyID, digest[:], sig) {
		return fmt.Errorf("receipt %s: signature invalid for key %s", r.ReceiptID, r.SignerKeyID)
	}
	return nil
}

// VerifyChain replays a room's receipt list and checks everything an
// independent verifier needs: contiguous sequence numbers, half-open
// windows, window adjacency (splits of one window share it), hash links
// anchored at the genesis zero, and every signature.
func VerifyChain(receipts []*Receipt, v core.Verifier) error {
	prevHash := GenesisHash
	for i, r := range receipts {
		if r.Sequence != uint64(i) {
			return fmt.Errorf("sequence gap: receipt %d carries sequence %d", i, r.Sequence)
		}
		if r.WindowEnd <= r.WindowStart {
			return fmt.Errorf("receipt %d: windowEnd %d <= windowStart %d", i, r.WindowEnd, r.WindowStart)
		}
		if _, err := hex.DecodeString(r.PrevReceiptHash); err != nil || len(r.PrevReceiptHash) != 64 {
			return fmt.Errorf("receipt %d: malformed prevReceiptHash", i)
		}
		if r.PrevReceiptHash != prevHash {
			return fmt.Errorf("receipt %d: broken chain link", i)
		}
		if i > 0 {
			prev := receipts[i-1]
			sameWindow := r.WindowStart == prev.WindowStart && r.WindowEnd == prev.WindowEnd &&
				r.SplitOfWindow == r.WindowStart && prev.SplitOfWindow == prev.WindowStart
			if !sameWindow && r.WindowStart != prev.WindowEnd {
				return fmt.Errorf("receipt %d: window not adjacent to predecessor", i)
			}
		}
		if err := VerifySignature(r, v); err != nil {
			return err
		}
		prevHash = r.ChainHash()
	}
	return nil
}
