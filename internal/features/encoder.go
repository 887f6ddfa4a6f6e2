package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
)

// #region encoder
// Encoder maps user contexts and catalog items to fixed-length vectors.
// It is stateless after construction and safe for concurrent use.
type Encoder struct {
	layout Layout
}

// NewEncoder validates the layout and returns an encoder.
func NewEncoder(layout Layout) (*Encoder, error) {
	if layout.TagSlots < 1 {
		return nil, fmt.Errorf("feature layout: tag slots %d: %w", layout.TagSlots, config.ErrConfigInvalid)
	}
	return &Encoder{layout: layout}, nil
}

// Layout returns the encoder's layout.
func (e *Encoder) Layout() Layout {
	return e.layout
}

// #endregion encoder

// #region encode-context
// EncodeContext produces the context half of the joint vector:
//
//	[0..3]  daypart one-hot (night, morning, afternoon, evening)
//	[4]     weekend flag, 0.5 when the day is unknown
//	[5]     tanh(sessionMinutes / 60)
//	[6..]   hashed preferred genres, L2-normalized
func (e *Encoder) EncodeContext(ctx UserContext) []float64 {
	v := make([]float64, e.layout.ContextDim())

	if slot, ok := daypart(ctx.HourOfDay); ok {
		v[slot] = 1
	}

	switch {
	case ctx.DayOfWeek == 0 || ctx.DayOfWeek == 6:
		v[4] = 1
	case ctx.DayOfWeek >= 1 && ctx.DayOfWeek <= 5:
		v[4] = 0
	default:
		v[4] = 0.5
	}

	if ctx.SessionMinutes > 0 && !math.IsInf(ctx.SessionMinutes, 0) {
		v[5] = math.Tanh(ctx.SessionMinutes / 60)
	} else if math.IsInf(ctx.SessionMinutes, 1) {
		v[5] = 1
	}

	e.hashTags(v[contextFixedSlots:], ctx.PreferredGenres)
	return v
}

// #endregion encode-context

// #region encode-item
// EncodeItem produces the item half of the joint vector:
//
//	[0..2]  content-type bucket
//	[3]     tanh(popularity / 100)
//	[4]     rating / 10, 0.5 when missing
//	[5]     tanh(durationMinutes / 120)
//	[6..]   hashed genres, L2-normalized
func (e *Encoder) EncodeItem(item Item) []float64 {
	v := make([]float64, e.layout.ItemDim())

	if ct := strings.ToLower(strings.TrimSpace(item.ContentType)); ct != "" {
		v[xxhash.Sum64String(ct)%contentTypeSlots] = 1
	}

	if finite(item.Popularity) && item.Popularity > 0 {
		v[3] = math.Tanh(item.Popularity / 100)
	}

	if !finite(item.Rating) || item.Rating == 0 {
		v[4] = 0.5
	} else {
		v[4] = clamp01(item.Rating / 10)
	}

	if finite(item.DurationMinutes) && item.DurationMinutes > 0 {
		v[5] = math.Tanh(item.DurationMinutes / 120)
	}

	e.hashTags(v[itemFixedSlots:], item.Genres)
	return v
}

// #endregion encode-item

// Joint concatenates the encoded context and item.
func (e *Encoder) Joint(ctx UserContext, item Item) []float64 {
	c := e.EncodeContext(ctx)
	i := e.EncodeItem(item)
	return append(c, i...)
}

// #region context-summary
var dayparts = [4]string{"night", "morning", "afternoon", "evening"}

// ContextSummary buckets a context into the coarse key used in pattern
// signatures, e.g. "evening/weekend".
func ContextSummary(ctx UserContext) string {
	part := "anytime"
	if slot, ok := daypart(ctx.HourOfDay); ok {
		part = dayparts[slot]
	}
	day := "anyday"
	switch {
	case ctx.DayOfWeek == 0 || ctx.DayOfWeek == 6:
		day = "weekend"
	case ctx.DayOfWeek >= 1 && ctx.DayOfWeek <= 5:
		day = "weekday"
	}
	return part + "/" + day
}

// #endregion context-summary

// #region helpers
func daypart(hour int) (int, bool) {
	if hour < 0 || hour > 23 {
		return 0, false
	}
	return hour / 6, true
}

// hashTags accumulates tag hits into dst and L2-normalizes the block.
func (e *Encoder) hashTags(dst []float64, tags []string) {
	slots := uint64(len(dst))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		dst[xxhash.Sum64String(tag)%slots]++
	}
	var sum float64
	for _, x := range dst {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range dst {
		dst[i] /= norm
	}
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// #endregion helpers
