package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when an envelope cannot be parsed.
var ErrMalformed = errors.New("malformed envelope")

// #region field-numbers
const (
	reqProtocolVersion protowire.Number = 1
	reqDeviceID        protowire.Number = 2
	reqCompressedDelta protowire.Number = 3
	reqLocalVersion    protowire.Number = 4
	reqTimestamp       protowire.Number = 5

	respPatterns      protowire.Number = 1
	respServerVersion protowire.Number = 2
	respContentRefs   protowire.Number = 3
	respStatus        protowire.Number = 4
	respMessage       protowire.Number = 5

	refID          protowire.Number = 1
	refTitle       protowire.Number = 2
	refContentType protowire.Number = 3
	refGenres      protowire.Number = 4
	refPopularity  protowire.Number = 5
	refRating      protowire.Number = 6
	refDuration    protowire.Number = 7
)

// #endregion field-numbers

// #region request
// MarshalRequest encodes a request in protobuf wire format.
func MarshalRequest(r *SyncRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, reqProtocolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ProtocolVersion))
	b = protowire.AppendTag(b, reqDeviceID, protowire.BytesType)
	b = protowire.AppendString(b, r.DeviceID)
	b = protowire.AppendTag(b, reqCompressedDelta, protowire.BytesType)
	b = protowire.AppendBytes(b, r.CompressedDelta)
	b = protowire.AppendTag(b, reqLocalVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, r.LocalVersion)
	b = protowire.AppendTag(b, reqTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, r.TimestampUnixMs)
	return b
}

// UnmarshalRequest decodes a request. Unknown fields are skipped.
func UnmarshalRequest(b []byte) (*SyncRequest, error) {
	r := &SyncRequest{}
	err := Walk(b, func(num protowire.Number, typ protowire.Type, v Field) error {
		switch num {
		case reqProtocolVersion:
			if err := v.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			if v.U > math.MaxUint32 {
				return fmt.Errorf("%w: protocol version overflow", ErrMalformed)
			}
			r.ProtocolVersion = uint32(v.U)
		case reqDeviceID:
			if err := v.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			r.DeviceID = string(v.B)
		case reqCompressedDelta:
			if err := v.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			r.CompressedDelta = append([]byte(nil), v.B...)
		case reqLocalVersion:
			if err := v.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			r.LocalVersion = v.U
		case reqTimestamp:
			if err := v.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			r.TimestampUnixMs = v.U
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal sync request: %w", err)
	}
	return r, nil
}

// #endregion request

// #region response
// MarshalResponse encodes a response in protobuf wire format.
func MarshalResponse(r *SyncResponse) []byte {
	var b []byte
	b = protowire.AppendTag(b, respPatterns, protowire.BytesType)
	b = protowire.AppendBytes(b, r.CompressedPatterns)
	b = protowire.AppendTag(b, respServerVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ServerVersion)
	for i := range r.NewContentRefs {
		b = protowire.AppendTag(b, respContentRefs, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalContentRef(&r.NewContentRefs[i]))
	}
	b = protowire.AppendTag(b, respStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	if r.Message != "" {
		b = protowire.AppendTag(b, respMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	return b
}

// UnmarshalResponse decodes a response. Unknown fields are skipped.
func UnmarshalResponse(b []byte) (*SyncResponse, error) {
	r := &SyncResponse{}
	err := Walk(b, func(num protowire.Number, typ protowire.Type, v Field) error {
		switch num {
		case respPatterns:
			if err := v.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			r.CompressedPatterns = append([]byte(nil), v.B...)
		case respServerVersion:
			if err := v.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			r.ServerVersion = v.U
		case respContentRefs:
			if err := v.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			ref, err := unmarshalContentRef(v.B)
			if err != nil {
				return err
			}
			r.NewContentRefs = append(r.NewContentRefs, ref)
		case respStatus:
			if err := v.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			if v.U > math.MaxInt32 {
				return fmt.Errorf("%w: unknown status %d", ErrMalformed, v.U)
			}
			st := Status(int32(v.U))
			if !st.Valid() {
				return fmt.Errorf("%w: unknown status %d", ErrMalformed, v.U)
			}
			r.Status = st
		case respMessage:
			if err := v.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			r.Message = string(v.B)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal sync response: %w", err)
	}
	return r, nil
}

// #endregion response

// #region content-ref
func marshalContentRef(c *ContentRef) []byte {
	var b []byte
	b = protowire.AppendTag(b, refID, protowire.BytesType)
	b = protowire.AppendString(b, c.ID)
	if c.Title != "" {
		b = protowire.AppendTag(b, refTitle, protowire.BytesType)
		b = protowire.AppendString(b, c.Title)
	}
	if c.ContentType != "" {
		b = protowire.AppendTag(b, refContentType, protowire.BytesType)
		b = protowire.AppendString(b, c.ContentType)
	}
	for _, g := range c.Genres {
		b = protowire.AppendTag(b, refGenres, protowire.BytesType)
		b = protowire.AppendString(b, g)
	}
	b = appendDouble(b, refPopularity, c.Popularity)
	b = appendDouble(b, refRating, c.Rating)
	b = appendDouble(b, refDuration, c.DurationMinutes)
	return b
}

func unmarshalContentRef(b []byte) (ContentRef, error) {
	var c ContentRef
	err := Walk(b, func(num protowire.Number, typ protowire.Type, v Field) error {
		switch num {
		case refID, refTitle, refContentType, refGenres:
			if err := v.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			s := string(v.B)
			switch num {
			case refID:
				c.ID = s
			case refTitle:
				c.Title = s
			case refContentType:
				c.ContentType = s
			default:
				c.Genres = append(c.Genres, s)
			}
		case refPopularity, refRating, refDuration:
			if err := v.Want(typ, protowire.Fixed64Type); err != nil {
				return err
			}
			f := math.Float64frombits(v.U)
			switch num {
			case refPopularity:
				c.Popularity = f
			case refRating:
				c.Rating = f
			default:
				c.DurationMinutes = f
			}
		}
		return nil
	})
	if err != nil {
		return ContentRef{}, err
	}
	if c.ID == "" {
		return ContentRef{}, fmt.Errorf("%w: content ref without id", ErrMalformed)
	}
	return c, nil
}

func appendDouble(b []byte, num protowire.Number, f float64) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

// #endregion content-ref

// #region walker
// Field holds a decoded field payload: U for varint and fixed64, B for bytes.
type Field struct {
	U uint64
	B []byte
}

// Want returns ErrMalformed when the field's wire type is not want.
func (v Field) Want(got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("%w: wire type %d, want %d", ErrMalformed, got, want)
	}
	return nil
}

// Walk calls fn for each top-level field of b. Groups and fixed32 fields are
// skipped without a callback.
func Walk(b []byte, fn func(protowire.Number, protowire.Type, Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var v Field
		switch typ {
		case protowire.VarintType:
			v.U, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.U, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.B, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

// #endregion walker
