package patterns

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// #region config
// Config bounds the store.
type Config struct {
	MaxPatterns  int    // evict above this many local patterns
	MinSyncUses  uint64 // patterns with fewer uses are never synced
	MaxRevisions int    // journal entries kept in memory before the oldest drop
	PriorCap     uint32 // cap on contributors counted when blending global data
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxPatterns:  10000,
		MinSyncUses:  10,
		MaxRevisions: 4096,
		PriorCap:     50,
	}
}

// #endregion config

// #region store
type globalView struct {
	version  uint64
	patterns map[string]GlobalPattern
}

// Store holds local viewing patterns and the read-only global view.
// Local reads and writes take a short lock; the global view is swapped
// atomically and read without locking.
type Store struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	local     map[string]ViewingPattern // by ID
	version   uint64
	revisions []Revision
	seq       uint64

	global atomic.Pointer[globalView]
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	s := &Store{
		cfg:   cfg,
		now:   time.Now,
		local: make(map[string]ViewingPattern),
	}
	s.global.Store(&globalView{patterns: map[string]GlobalPattern{}})
	return s
}

// SetClock overrides the time source used for outcomes without a timestamp.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// #endregion store

// #region record
// Record folds an outcome into its pattern using running means and returns
// the new pattern value. Patterns over capacity are evicted afterwards.
func (s *Store) Record(o Outcome) ViewingPattern {
	at := o.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC() // matches what the codec and the database give back
	success := 0.0
	if o.Success {
		success = 1
	}
	reward := math.Max(-1, math.Min(1, o.Reward))
	if math.IsNaN(reward) {
		reward = 0
	}

	sig := Signature(o.ContextSummary, o.ItemID)
	id := PatternID(sig)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.local[id]
	var p ViewingPattern
	if !ok {
		p = ViewingPattern{
			ID:             id,
			ContextSummary: o.ContextSummary,
			ItemID:         o.ItemID,
			Tags:           append([]string(nil), o.Tags...),
			SuccessRate:    success,
			TotalUses:      1,
			AverageReward:  reward,
			LastUsedAt:     at,
		}
	} else {
		n := float64(old.TotalUses)
		p = old
		p.SuccessRate = clamp((old.SuccessRate*n+success)/(n+1), 0, 1)
		p.AverageReward = clamp((old.AverageReward*n+reward)/(n+1), -1, 1)
		p.TotalUses = old.TotalUses + 1
		if at.After(old.LastUsedAt) {
			p.LastUsedAt = at
		}
		if len(o.Tags) > 0 {
			p.Tags = append([]string(nil), o.Tags...)
		}
	}
	s.local[id] = p
	s.version++
	s.journal(Revision{Kind: RevisionUpsert, PatternID: id, Pattern: p, At: at})

	s.evictLocked(s.cfg.MaxPatterns)
	return p
}

// #endregion record

// #region select
// SelectForSync returns up to maxCount patterns with successRate ≥ threshold
// and at least MinSyncUses uses, best first. Ties prefer the most recently
// used pattern, then the lower ID.
func (s *Store) SelectForSync(threshold float64, maxCount int) []ViewingPattern {
	if maxCount <= 0 {
		return nil
	}
	s.mu.RLock()
	out := make([]ViewingPattern, 0, maxCount)
	for _, p := range s.local {
		if p.SuccessRate >= threshold && p.TotalUses >= s.cfg.MinSyncUses {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.After(b.LastUsedAt)
		}
		return a.ID < b.ID
	})
	if len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}

// #endregion select

// #region evict
// EvictIfOverCapacity removes the lowest-quality patterns until at most limit
// remain and returns the evicted IDs.
func (s *Store) EvictIfOverCapacity(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(limit)
}

func (s *Store) evictLocked(limit int) []string {
	if limit < 0 || len(s.local) <= limit {
		return nil
	}
	all := make([]ViewingPattern, 0, len(s.local))
	for _, p := range s.local {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		qa, qb := all[i].Quality(), all[j].Quality()
		if qa != qb {
			return qa < qb
		}
		if !all[i].LastUsedAt.Equal(all[j].LastUsedAt) {
			return all[i].LastUsedAt.Before(all[j].LastUsedAt)
		}
		return all[i].ID < all[j].ID
	})
	n := len(s.local) - limit
	evicted := make([]string, 0, n)
	at := s.now()
	for _, p := range all[:n] {
		delete(s.local, p.ID)
		evicted = append(evicted, p.ID)
		s.journal(Revision{Kind: RevisionEvict, PatternID: p.ID, At: at})
	}
	s.version++
	return evicted
}

// #endregion evict

// #region reads
// Snapshot returns a copy of the local patterns keyed by ID.
func (s *Store) Snapshot() map[string]ViewingPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ViewingPattern, len(s.local))
	for id, p := range s.local {
		out[id] = p
	}
	return out
}

// Get returns one pattern by ID.
func (s *Store) Get(id string) (ViewingPattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.local[id]
	return p, ok
}

// Len returns the number of local patterns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.local)
}

// Version is the local version counter, bumped on every change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Restore replaces local patterns, typically at startup. Revisions are
// not journaled for restored patterns.
func (s *Store) Restore(ps []ViewingPattern, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = make(map[string]ViewingPattern, len(ps))
	for _, p := range ps {
		s.local[p.ID] = p
	}
	s.version = version
}

// #endregion reads

// #region journal
func (s *Store) journal(r Revision) {
	s.seq++
	r.Seq = s.seq
	s.revisions = append(s.revisions, r)
	if keep := s.cfg.MaxRevisions; keep > 0 && len(s.revisions) > keep {
		s.revisions = append([]Revision(nil), s.revisions[len(s.revisions)-keep:]...)
	}
}

// Revisions returns journal entries with Seq > since.
func (s *Store) Revisions(since uint64) []Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.revisions), func(i int) bool { return s.revisions[i].Seq > since })
	return append([]Revision(nil), s.revisions[i:]...)
}

// TrimRevisions drops journal entries with Seq ≤ upTo once they are durable.
func (s *Store) TrimRevisions(upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.revisions), func(i int) bool { return s.revisions[i].Seq > upTo })
	s.revisions = append([]Revision(nil), s.revisions[i:]...)
}

// ResumeJournal continues sequence numbering after seq, the last entry
// already persisted by a previous run.
func (s *Store) ResumeJournal(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.seq {
		s.seq = seq
	}
}

// #endregion journal

// #region global
// GlobalView returns the current global patterns and their version. The map
// must be treated as read-only.
func (s *Store) GlobalView() (map[string]GlobalPattern, uint64) {
	v := s.global.Load()
	return v.patterns, v.version
}

// GlobalVersion returns the version of the current global view.
func (s *Store) GlobalVersion() uint64 {
	return s.global.Load().version
}

// ReplaceGlobal swaps in a new global view in one step. The map is owned
// by the store afterwards.
func (s *Store) ReplaceGlobal(view map[string]GlobalPattern, version uint64) error {
	for {
		cur := s.global.Load()
		if version < cur.version {
			return fmt.Errorf("replace global %d < %d: %w", version, cur.version, ErrVersionRegression)
		}
		if view == nil {
			view = map[string]GlobalPattern{}
		}
		if s.global.CompareAndSwap(cur, &globalView{version: version, patterns: view}) {
			return nil
		}
	}
}

// Blended returns the success rate for a signature mixing local evidence
// with the global prior: (n·local + k·global) / (n + k), k = min(contributors, PriorCap).
func (s *Store) Blended(signature string) (float64, bool) {
	g, hasGlobal := s.global.Load().patterns[signature]

	s.mu.RLock()
	l, hasLocal := s.local[PatternID(signature)]
	s.mu.RUnlock()

	switch {
	case !hasLocal && !hasGlobal:
		return 0, false
	case !hasGlobal:
		return l.SuccessRate, true
	}

	k := float64(g.ContributorCount)
	if s.cfg.PriorCap > 0 && g.ContributorCount > s.cfg.PriorCap {
		k = float64(s.cfg.PriorCap)
	}
	if k == 0 {
		k = 1
	}
	var n, local float64
	if hasLocal {
		n, local = float64(l.TotalUses), l.SuccessRate
	}
	return (n*local + k*g.SuccessRate) / (n + k), true
}

// #endregion global

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
