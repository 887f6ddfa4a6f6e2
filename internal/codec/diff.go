package codec

import (
	"slices"
	"sort"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

// Snapshot is a set of local patterns keyed by ID.
type Snapshot = map[string]patterns.ViewingPattern

// #region compute-diff
// ComputeDiff returns the changes that turn before into after. Patterns whose
// rates, uses or recency differ are reported as updated. Output is ordered
// by ID.
func ComputeDiff(before, after Snapshot, version uint64) PatternDelta {
	d := PatternDelta{Version: version}
	for _, id := range sortedKeys(after) {
		p := after[id]
		prev, ok := before[id]
		switch {
		case !ok:
			d.Created = append(d.Created, p)
		case changed(prev, p):
			d.Updated = append(d.Updated, p)
		}
	}
	for _, id := range sortedKeys(before) {
		if _, ok := after[id]; !ok {
			d.Deleted = append(d.Deleted, id)
		}
	}
	return d
}

func changed(a, b patterns.ViewingPattern) bool {
	return a.SuccessRate != b.SuccessRate ||
		a.AverageReward != b.AverageReward ||
		a.TotalUses != b.TotalUses ||
		!a.LastUsedAt.Equal(b.LastUsedAt) ||
		!slices.Equal(a.Tags, b.Tags)
}

// #endregion compute-diff

// #region apply-diff
// ApplyDiff applies d to base in place. Applying the same delta twice
// leaves base as applying it once.
func ApplyDiff(base Snapshot, d PatternDelta) {
	for _, p := range d.Created {
		base[p.ID] = p
	}
	for _, p := range d.Updated {
		base[p.ID] = p
	}
	for _, id := range d.Deleted {
		delete(base, id)
	}
}

// Replica is a receiver-side copy that ignores deltas it has already seen.
type Replica struct {
	Patterns Snapshot
	Version  uint64
}

// NewReplica returns an empty replica.
func NewReplica() *Replica {
	return &Replica{Patterns: Snapshot{}}
}

// Apply applies d when d.Version is newer than the replica and reports
// whether anything was applied.
func (r *Replica) Apply(d PatternDelta) bool {
	if d.Version <= r.Version {
		return false
	}
	if r.Patterns == nil {
		r.Patterns = Snapshot{}
	}
	ApplyDiff(r.Patterns, d)
	r.Version = d.Version
	return true
}

// #endregion apply-diff

// #region global-diff
// DiffGlobal returns the changes that turn before into after, keyed by signature.
func DiffGlobal(before, after map[string]patterns.GlobalPattern, version uint64) GlobalDelta {
	d := GlobalDelta{Version: version}
	for _, sig := range sortedKeys(after) {
		if prev, ok := before[sig]; !ok || prev != after[sig] {
			d.Upserted = append(d.Upserted, after[sig])
		}
	}
	for _, sig := range sortedKeys(before) {
		if _, ok := after[sig]; !ok {
			d.Removed = append(d.Removed, sig)
		}
	}
	return d
}

// ApplyGlobal applies d to base in place.
func ApplyGlobal(base map[string]patterns.GlobalPattern, d GlobalDelta) {
	for _, g := range d.Upserted {
		base[g.Signature] = g
	}
	for _, sig := range d.Removed {
		delete(base, sig)
	}
}

// #endregion global-diff

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
