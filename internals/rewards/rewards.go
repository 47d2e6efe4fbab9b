// Package rewards turns a window of distribution receipts into provisional
// per-participant share allocations. Calculate is pure and deterministic:
// exact rational arithmetic, no clock, no RNG, no I/O — two verifiers over
// the same receipts always produce identical shares.
package rewards

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/receipt"
)

type Reason string

const (
	Uploader Reason = "uploader"
	Seeder   Reason = "seeder"
)

// ProvisionalShare is a computed, non-settled allocation. Shares for one
// calculation sum exactly to the policy's total reward when no dust
// threshold is set.
type ProvisionalShare struct {
	ParticipantID string
	Share         *big.Rat
	Reason        Reason
	TrackID       string
}

// TrackMeta is the ActiveTrack metadata the calculator needs alongside
// receipts: who uploaded each track.
type TrackMeta struct {
	TrackID       string
	ContributorID string
}

// Policy enumerates every parameter of a calculation; there are no hidden
// defaults beyond what NewPolicy fills in.
type Policy struct {
	UploaderFraction *big.Rat // in [0,1]; seeder fraction is the complement
	TotalReward      *big.Rat
	MinShareEpsilon  *big.Rat // shares below this coalesce into the track's uploader share
}

// NewPolicy validates and builds a policy. A nil epsilon means no dust
// coalescing.
func NewPolicy(uploaderFraction, totalReward, minShareEpsilon *big.Rat) (Policy, error) {
	if uploaderFraction == nil || uploaderFraction.Sign() < 0 || uploaderFraction.Cmp(big.NewRat(1, 1)) > 0 {
		return Policy{}, fmt.Errorf("uploader fraction must be within [0,1]")
	}
	if totalReward == nil || totalReward.Sign() < 0 {
		return Policy{}, fmt.Errorf("total reward must be non-negative")
	}
	if minShareEpsilon != nil && minShareEpsilon.Sign() < 0 {
		return Policy{}, fmt.Errorf("min share epsilon must be non-negative")
	}
	if minShareEpsilon == nil {
		minShareEpsilon = new(big.Rat)
	}
	return Policy{
		UploaderFraction: uploaderFraction,
		TotalReward:      totalReward,
		MinShareEpsilon:  minShareEpsilon,
	}, nil
}

// DefaultUploaderFraction is the 0.7 / 0.3 uploader/seeder split.
func DefaultUploaderFraction() *big.Rat { return big.NewRat(7, 10) }

type trackTally struct {
	trackID    string
	uploader   string
	bytesTotal uint64
	bySeeder   map[string]uint64
	seeders    []string // insertion-free deterministic ordering
}

// Calculate maps receipts plus track metadata to shares. Tracks with no
// metadata are discarded and reported as missing-track-metadata
// diagnostics; their bytes influence nothing.
func Calculate(receipts []*receipt.Receipt, tracks map[string]TrackMeta, p Policy) ([]ProvisionalShare, []core.Diagnostic) {
	tallies := make(map[string]*trackTally)
	var diags []core.Diagnostic
	missing := make(map[string]bool)

	for _, r := range receipts {
		for _, e := range r.Entries {
			meta, ok := tracks[e.TrackID]
			if !ok {
				if !missing[e.TrackID] {
					missing[e.TrackID] = true
					diags = append(diags, core.Diagnostic{
						Kind:   core.DiagMissingTrackMeta,
						RoomID: r.RoomID,
						Fields: map[string]string{"trackId": e.TrackID},
					})
				}
				continue
			}
			t, ok := tallies[e.TrackID]
			if !ok {
				t = &trackTally{
					trackID:  e.TrackID,
					uploader: meta.ContributorID,
					bySeeder: make(map[string]uint64),
				}
				tallies[e.TrackID] = t
			}
			if _, seen := t.bySeeder[e.ParticipantID]; !seen {
				t.seeders = append(t.seeders, e.ParticipantID)
			}
			t.bySeeder[e.ParticipantID] += e.BytesOut
			t.bytesTotal += e.BytesOut
		}
	}

	trackIDs := make([]string, 0, len(tallies))
	var grandTotal uint64
	for id, t := range tallies {
		if t.bytesTotal == 0 {
			continue
		}
		trackIDs = append(trackIDs, id)
		grandTotal += t.bytesTotal
	}
	if grandTotal == 0 {
		return nil, diags
	}
	sort.Strings(trackIDs)

	seederFraction := new(big.Rat).Sub(big.NewRat(1, 1), p.UploaderFraction)
	grand := new(big.Rat).SetUint64(grandTotal)

	var shares []ProvisionalShare
	for _, id := range trackIDs {
		t := tallies[id]
		pool := new(big.Rat).Mul(p.TotalReward, new(big.Rat).Quo(new(big.Rat).SetUint64(t.bytesTotal), grand))

		uploaderShare := new(big.Rat).Mul(p.UploaderFraction, pool)
		seederPool := new(big.Rat).Mul(seederFraction, pool)
		trackBytes := new(big.Rat).SetUint64(t.bytesTotal)

		dust := new(big.Rat)
		sort.Strings(t.seeders)
		for _, pid := range t.seeders {
			s := new(big.Rat).Mul(seederPool, new(big.Rat).Quo(new(big.Rat).SetUint64(t.bySeeder[pid]), trackBytes))
			if s.Sign() == 0 {
				continue
			}
			if p.MinShareEpsilon.Sign() > 0 && s.Cmp(p.MinShareEpsilon) < 0 {
				dust.Add(dust, s)
				continue
			}
			shares = append(shares, ProvisionalShare{
				ParticipantID: pid,
				Share:         s,
				Reason:        Seeder,
				TrackID:       id,
			})
		}

		uploaderShare.Add(uploaderShare, dust)
		if uploaderShare.Sign() > 0 {
			shares = append(shares, ProvisionalShare{
				ParticipantID: t.uploader,
				Share:         uploaderShare,
				Reason:        Uploader,
				TrackID:       id,
			})
		}
	}

	sort.SliceStable(shares, func(i, j int) bool {
		a, b := shares[i], shares[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.TrackID < b.TrackID
	})
	return shares, diags
}

// Sum adds all share amounts; with a zero epsilon it equals the policy's
// total reward exactly.
func Sum(shares []ProvisionalShare) *big.Rat {
	total := new(big.Rat)
	for _, s := range shares {
		total.Add(total, s.Share)
	}
	return total
}
