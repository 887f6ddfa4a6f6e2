package codec

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

var (
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("decode error")
	// ErrInvalidDelta is returned when a delta cannot be encoded.
	ErrInvalidDelta = errors.New("invalid delta")
)

// #region pattern-delta
// PatternDelta is the set of local pattern changes since the last
// acknowledged sync.
type PatternDelta struct {
	Version uint64
	Created []patterns.ViewingPattern
	Updated []patterns.ViewingPattern
	Deleted []string
}

// Empty reports whether the delta carries no changes.
func (d PatternDelta) Empty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Len is the number of changes in the delta.
func (d PatternDelta) Len() int {
	return len(d.Created) + len(d.Updated) + len(d.Deleted)
}

// #endregion pattern-delta

// #region global-delta
// GlobalDelta is the aggregator's change set to a node's global view.
type GlobalDelta struct {
	Version  uint64
	Upserted []patterns.GlobalPattern
	Removed  []string // signatures
}

// Empty reports whether the delta carries no changes.
func (d GlobalDelta) Empty() bool {
	return len(d.Upserted) == 0 && len(d.Removed) == 0
}

// #endregion global-delta

// #region decode-error
// DecodeError reports malformed or corrupt input. Nothing from a payload
// that fails to decode is applied.
type DecodeError struct {
	Payload string // "delta" or "global"
	Stage   string // "decompress", "parse" or "validate"
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s: %v", e.Payload, e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) true for any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// #endregion decode-error
