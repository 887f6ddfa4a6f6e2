package features

import "github.com/danielpatrickdp/edgesync/go-node/internal/wire"

// #region layout
// Fixed slots in each half of the joint vector, before the tag block.
const (
	contextFixedSlots = 6
	itemFixedSlots    = 6
	contentTypeSlots  = 3
)

// Layout controls the shape of encoded vectors.
type Layout struct {
	TagSlots int // hashed genre slots appended to both context and item vectors
}

// DefaultLayout returns the 4-tag-slot layout (d = 20 joint).
func DefaultLayout() Layout {
	return Layout{TagSlots: 4}
}

// ContextDim is the length of an encoded context vector.
func (l Layout) ContextDim() int { return contextFixedSlots + l.TagSlots }

// ItemDim is the length of an encoded item vector.
func (l Layout) ItemDim() int { return itemFixedSlots + l.TagSlots }

// JointDim is the bandit dimension d.
func (l Layout) JointDim() int { return l.ContextDim() + l.ItemDim() }

// #endregion layout

// #region user-context
// UserContext describes the viewing situation at recommendation time. The
// zero value is midnight on a Sunday; use UnknownContext when the caller
// has no context.
type UserContext struct {
	HourOfDay       int      // 0-23, anything else encodes as unknown
	DayOfWeek       int      // 0 = Sunday ... 6 = Saturday, anything else unknown
	SessionMinutes  float64  // time spent in the current session
	PreferredGenres []string // recent or declared genre affinity
}

// Unknown marks an hour or day the caller does not know.
const Unknown = -1

// UnknownContext returns the neutral context: no daypart, no weekday.
func UnknownContext() UserContext {
	return UserContext{HourOfDay: Unknown, DayOfWeek: Unknown}
}

// #endregion user-context

// Item is the catalog metadata the encoder reads.
type Item = wire.ContentRef
