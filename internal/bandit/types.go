package bandit

import (
	"errors"
	"time"
)

var (
	// ErrSingularMatrix is returned when A cannot be inverted.
	ErrSingularMatrix = errors.New("singular matrix")
	// ErrInvalidInput is returned for non-finite rewards or feature vectors.
	ErrInvalidInput = errors.New("invalid bandit input")
)

// #region config
// Config holds engine tuning.
type Config struct {
	Alpha float64 // exploration coefficient
}

// DefaultConfig returns α = 0.7.
func DefaultConfig() Config {
	return Config{Alpha: 0.7}
}

// #endregion config

// #region estimate
// Estimate is a score with its breakdown.
type Estimate struct {
	Score    float64 // Mean + Bonus
	Mean     float64 // xᵀθ
	Bonus    float64 // α·sqrt(xᵀA⁻¹x)
	Fallback bool    // A was singular; θ = 0 and A⁻¹ taken as I
}

// Candidate is an item to rank, already encoded.
type Candidate struct {
	ID  string
	Vec []float64
}

// Ranked is a scored candidate.
type Ranked struct {
	ID string
	Estimate
}

// #endregion estimate

// #region snapshot
// Snapshot is a value copy of one user's state, used for persistence.
type Snapshot struct {
	UserID      string
	Dim         int
	A           []float64 // row-major d×d
	B           []float64
	Updates     uint64
	LastUpdated time.Time
}

// Stats summarizes engine activity.
type Stats struct {
	Users     int
	Updates   uint64
	Fallbacks uint64
}

// #endregion snapshot
