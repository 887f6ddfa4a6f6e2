package wire

import "fmt"

// ProtocolVersion is the sync envelope version this node speaks.
const ProtocolVersion uint32 = 1

// #region status
// Status is the aggregator's verdict on a sync request.
type Status int32

const (
	StatusSuccess     Status = 0
	StatusPartial     Status = 1
	StatusError       Status = 2
	StatusRateLimited Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	case StatusError:
		return "error"
	case StatusRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= StatusSuccess && s <= StatusRateLimited
}

// #endregion status

// #region content-ref
// ContentRef is catalog metadata for a single item.
type ContentRef struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	ContentType     string   `json:"content_type"`
	Genres          []string `json:"genres"`
	Popularity      float64  `json:"popularity"`
	Rating          float64  `json:"rating"` // 0-10, 0 means unknown
	DurationMinutes float64  `json:"duration_minutes"`
}

// #endregion content-ref

// #region envelopes
// SyncRequest is pushed by a node once per sync attempt.
type SyncRequest struct {
	ProtocolVersion uint32
	DeviceID        string
	CompressedDelta []byte
	LocalVersion    uint64
	TimestampUnixMs uint64
}

// SyncResponse carries the aggregator's global patterns back to the node.
type SyncResponse struct {
	CompressedPatterns []byte
	ServerVersion      uint64
	NewContentRefs     []ContentRef
	Status             Status
	Message            string // optional
}

// #endregion envelopes
