package patterns

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrVersionRegression is returned when a global view older than the
// current one is offered.
var ErrVersionRegression = errors.New("global version regression")

// #region viewing-pattern
// ViewingPattern is a learned (context bucket, item) aggregate. Values are
// replaced on update, never mutated in place.
type ViewingPattern struct {
	ID             string
	ContextSummary string
	ItemID         string
	Tags           []string
	SuccessRate    float64 // [0, 1]
	TotalUses      uint64
	AverageReward  float64 // [-1, 1]
	LastUsedAt     time.Time
}

// Signature is the cross-node key of the pattern.
func (p ViewingPattern) Signature() string {
	return Signature(p.ContextSummary, p.ItemID)
}

// Quality is the eviction score successRate × log(1 + totalUses).
func (p ViewingPattern) Quality() float64 {
	return p.SuccessRate * math.Log1p(float64(p.TotalUses))
}

// #endregion viewing-pattern

// #region outcome
// Outcome is one observed interaction folded into a pattern.
type Outcome struct {
	ContextSummary string
	ItemID         string
	Tags           []string
	Success        bool
	Reward         float64
	At             time.Time
}

// #endregion outcome

// #region global-pattern
// GlobalPattern is an aggregate received from the aggregator. Read-only on
// the node.
type GlobalPattern struct {
	Signature        string
	Category         string
	SuccessRate      float64
	AverageReward    float64
	ContributorCount uint32
	TotalUses        uint64
}

// #endregion global-pattern

// #region revision
// RevisionKind labels a journal entry.
type RevisionKind string

const (
	RevisionUpsert RevisionKind = "upsert"
	RevisionEvict  RevisionKind = "evict"
)

// Revision is one append-only journal entry of a local pattern change.
type Revision struct {
	Seq       uint64
	Kind      RevisionKind
	PatternID string
	Pattern   ViewingPattern // zero for evictions
	At        time.Time
}

// #endregion revision

// #region ids
// patternNamespace scopes pattern UUIDs so every node derives the same ID
// for the same signature.
var patternNamespace = uuid.MustParse("5d8e6c1a-3f0b-4a57-9a43-2b1f7d0e9c61")

// Signature joins a context bucket and item id into the pattern key.
func Signature(contextSummary, itemID string) string {
	return strings.ToLower(strings.TrimSpace(contextSummary)) + "/" + itemID
}

// PatternID returns the deterministic ID for a signature.
func PatternID(signature string) string {
	return uuid.NewSHA1(patternNamespace, []byte(signature)).String()
}

// #endregion ids
