package bandit

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// #region user-state
type userState struct {
	d           int
	a           []float64
	b           []float64
	updates     uint64
	lastUpdated time.Time

	// cached on first score after an update
	dirty    bool
	inv      []float64
	theta    []float64
	singular bool
}

func newUserState(d int) *userState {
	return &userState{
		d:     d,
		a:     identity(d),
		b:     make([]float64, d),
		dirty: true,
	}
}

func (s *userState) refresh() {
	s.dirty = false
	inv, err := invert(s.a, s.d)
	if err != nil {
		s.inv, s.theta, s.singular = nil, nil, true
		return
	}
	s.inv = inv
	s.theta = mulVec(inv, s.d, s.b)
	s.singular = false
}

// #endregion user-state

// #region engine
// Engine holds one ridge-regression state per user and scores items with an
// upper confidence bound. Safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	users map[string]*userState
	now   func() time.Time
	log   *slog.Logger

	updates   atomic.Uint64
	fallbacks atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for lastUpdated.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		users: make(map[string]*userState),
		now:   time.Now,
		log:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// stateFor returns the user's state at dimension d, creating or resetting it.
// Caller holds e.mu.
func (e *Engine) stateFor(userID string, d int) *userState {
	st, ok := e.users[userID]
	if ok && st.d == d {
		return st
	}
	if ok {
		e.log.Debug("bandit dimension changed, resetting state",
			"user", userID, "old_dim", st.d, "new_dim", d)
	}
	st = newUserState(d)
	e.users[userID] = st
	return st
}

// #endregion engine

// #region score
// Score returns xᵀθ + α·sqrt(xᵀA⁻¹x) for x = ctx ‖ item.
func (e *Engine) Score(userID string, ctxVec, itemVec []float64) float64 {
	return e.Estimate(userID, ctxVec, itemVec).Score
}

// Estimate is Score with its mean and exploration terms.
func (e *Engine) Estimate(userID string, ctxVec, itemVec []float64) Estimate {
	x := concat(ctxVec, itemVec)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate(e.stateFor(userID, len(x)), x)
}

func (e *Engine) estimate(st *userState, x []float64) Estimate {
	if st.dirty {
		st.refresh()
	}
	if st.singular {
		e.fallbacks.Add(1)
		bonus := e.cfg.Alpha * norm(x)
		return Estimate{Score: bonus, Bonus: bonus, Fallback: true}
	}
	mean := dot(x, st.theta)
	q := quadForm(st.inv, st.d, x)
	if q < 0 {
		q = 0
	}
	bonus := e.cfg.Alpha * math.Sqrt(q)
	return Estimate{Score: mean + bonus, Mean: mean, Bonus: bonus}
}

// Rank scores every candidate against the context and sorts by score
// descending, ties by ID.
func (e *Engine) Rank(userID string, ctxVec []float64, candidates []Candidate) []Ranked {
	out := make([]Ranked, 0, len(candidates))
	e.mu.Lock()
	for _, c := range candidates {
		x := concat(ctxVec, c.Vec)
		out = append(out, Ranked{ID: c.ID, Estimate: e.estimate(e.stateFor(userID, len(x)), x)})
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// #endregion score

// #region update
// Update applies A += xxᵀ and b += r·x. The reward is clamped to [-1, 1].
func (e *Engine) Update(userID string, ctxVec, itemVec []float64, reward float64) error {
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return fmt.Errorf("update %s: reward %v: %w", userID, reward, ErrInvalidInput)
	}
	x := concat(ctxVec, itemVec)
	if len(x) == 0 || !allFinite(x) {
		return fmt.Errorf("update %s: feature vector: %w", userID, ErrInvalidInput)
	}
	reward = math.Max(-1, math.Min(1, reward))

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(userID, len(x))
	d := st.d
	for i := 0; i < d; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		row := st.a[i*d : i*d+d]
		for j := 0; j < d; j++ {
			row[j] += xi * x[j]
		}
		st.b[i] += reward * xi
	}
	st.updates++
	st.lastUpdated = e.now()
	st.dirty = true
	e.updates.Add(1)
	return nil
}

// #endregion update

// #region persistence
// Export returns value copies of every user state, ordered by user ID.
func (e *Engine) Export() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Snapshot, 0, len(e.users))
	for id, st := range e.users {
		out = append(out, Snapshot{
			UserID:      id,
			Dim:         st.d,
			A:           append([]float64(nil), st.a...),
			B:           append([]float64(nil), st.b...),
			Updates:     st.updates,
			LastUpdated: st.lastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Restore replaces all user states with the given snapshots. Snapshots are
// validated for shape, finiteness and symmetry before anything is replaced.
func (e *Engine) Restore(snaps []Snapshot) error {
	users := make(map[string]*userState, len(snaps))
	for _, s := range snaps {
		if err := validateSnapshot(s); err != nil {
			return fmt.Errorf("restore %s: %w", s.UserID, err)
		}
		users[s.UserID] = &userState{
			d:           s.Dim,
			a:           append([]float64(nil), s.A...),
			b:           append([]float64(nil), s.B...),
			updates:     s.Updates,
			lastUpdated: s.LastUpdated,
			dirty:       true,
		}
	}
	e.mu.Lock()
	e.users = users
	e.mu.Unlock()
	return nil
}

func validateSnapshot(s Snapshot) error {
	if s.UserID == "" || s.Dim <= 0 {
		return fmt.Errorf("empty user or dimension %d: %w", s.Dim, ErrInvalidInput)
	}
	if len(s.A) != s.Dim*s.Dim || len(s.B) != s.Dim {
		return fmt.Errorf("shape A=%d b=%d for d=%d: %w", len(s.A), len(s.B), s.Dim, ErrInvalidInput)
	}
	if !allFinite(s.A) || !allFinite(s.B) {
		return fmt.Errorf("non-finite state: %w", ErrInvalidInput)
	}
	d := s.Dim
	for i := 0; i < d; i++ {
		for j := i + 1; j < d; j++ {
			if math.Abs(s.A[i*d+j]-s.A[j*d+i]) > 1e-9 {
				return fmt.Errorf("A not symmetric at (%d,%d): %w", i, j, ErrInvalidInput)
			}
		}
	}
	return nil
}

// Reset drops the state for one user.
func (e *Engine) Reset(userID string) {
	e.mu.Lock()
	delete(e.users, userID)
	e.mu.Unlock()
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.users)
	e.mu.Unlock()
	return Stats{Users: n, Updates: e.updates.Load(), Fallbacks: e.fallbacks.Load()}
}

// #endregion persistence

func concat(a, b []float64) []float64 {
	x := make([]float64, 0, len(a)+len(b))
	x = append(x, a...)
	return append(x, b...)
}
