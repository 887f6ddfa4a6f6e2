package codec

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// MaxDecodedSize bounds the decompressed size of any payload.
const MaxDecodedSize = 1 << 20

// #region field-numbers
const (
	deltaVersion protowire.Number = 1
	deltaCreated protowire.Number = 2
	deltaUpdated protowire.Number = 3
	deltaDeleted protowire.Number = 4

	patID          protowire.Number = 1
	patContext     protowire.Number = 2
	patItem        protowire.Number = 3
	patTags        protowire.Number = 4
	patSuccessRate protowire.Number = 5
	patTotalUses   protowire.Number = 6
	patAvgReward   protowire.Number = 7
	patLastUsed    protowire.Number = 8

	globalVersion  protowire.Number = 1
	globalUpserted protowire.Number = 2
	globalRemoved  protowire.Number = 3

	gpSignature    protowire.Number = 1
	gpCategory     protowire.Number = 2
	gpSuccessRate  protowire.Number = 3
	gpAvgReward    protowire.Number = 4
	gpContributors protowire.Number = 5
	gpTotalUses    protowire.Number = 6
)

// #endregion field-numbers

// #region zstd
type coders struct {
	push *zstd.Encoder
	pull *zstd.Encoder
	dec  *zstd.Decoder
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var getCoders = sync.OnceValues(func() (*coders, error) {
	push, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd push encoder: %w", err)
	}
	pull, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd pull encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxDecodedSize),
		zstd.WithDecoderMaxWindow(MaxDecodedSize),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &coders{push: push, pull: pull, dec: dec}, nil
})

func decompress(payload string, b []byte) ([]byte, error) {
	c, err := getCoders()
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, &DecodeError{Payload: payload, Stage: "decompress", Err: errors.New("empty payload")}
	}
	raw, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, &DecodeError{Payload: payload, Stage: "decompress", Err: err}
	}
	if len(raw) > MaxDecodedSize {
		return nil, &DecodeError{Payload: payload, Stage: "decompress", Err: fmt.Errorf("%d bytes exceeds limit", len(raw))}
	}
	return raw, nil
}

// #endregion zstd

// #region pattern-delta
// EncodeDelta serializes and compresses a local pattern delta.
func EncodeDelta(d PatternDelta) ([]byte, error) {
	raw, err := MarshalDelta(d)
	if err != nil {
		return nil, err
	}
	c, err := getCoders()
	if err != nil {
		return nil, err
	}
	return c.push.EncodeAll(raw, nil), nil
}

// DecodeDelta decompresses and parses a delta. Malformed input returns a
// *DecodeError.
func DecodeDelta(b []byte) (PatternDelta, error) {
	raw, err := decompress("delta", b)
	if err != nil {
		return PatternDelta{}, err
	}
	return UnmarshalDelta(raw)
}

// MarshalDelta serializes a delta without compression.
func MarshalDelta(d PatternDelta) ([]byte, error) {
	var b []byte
	if d.Version != 0 {
		b = protowire.AppendTag(b, deltaVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, d.Version)
	}
	for _, group := range []struct {
		num protowire.Number
		ps  []patterns.ViewingPattern
	}{{deltaCreated, d.Created}, {deltaUpdated, d.Updated}} {
		for i := range group.ps {
			if err := validatePattern(group.ps[i]); err != nil {
				return nil, fmt.Errorf("encode delta: %w: %v", ErrInvalidDelta, err)
			}
			b = protowire.AppendTag(b, group.num, protowire.BytesType)
			b = protowire.AppendBytes(b, marshalPattern(&group.ps[i]))
		}
	}
	for _, id := range d.Deleted {
		if id == "" {
			return nil, fmt.Errorf("encode delta: %w: empty deleted id", ErrInvalidDelta)
		}
		b = protowire.AppendTag(b, deltaDeleted, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b, nil
}

// UnmarshalDelta parses an uncompressed delta.
func UnmarshalDelta(raw []byte) (PatternDelta, error) {
	var d PatternDelta
	seen := make(map[string]struct{})
	err := wire.Walk(raw, func(num protowire.Number, typ protowire.Type, f wire.Field) error {
		switch num {
		case deltaVersion:
			if err := f.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			d.Version = f.U
		case deltaCreated, deltaUpdated:
			if err := f.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			p, err := unmarshalPattern(f.B)
			if err != nil {
				return err
			}
			if _, dup := seen[p.ID]; dup {
				return fmt.Errorf("duplicate pattern %s", p.ID)
			}
			seen[p.ID] = struct{}{}
			if num == deltaCreated {
				d.Created = append(d.Created, p)
			} else {
				d.Updated = append(d.Updated, p)
			}
		case deltaDeleted:
			if err := f.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			if len(f.B) == 0 {
				return errors.New("empty deleted id")
			}
			d.Deleted = append(d.Deleted, string(f.B))
		}
		return nil
	})
	if err != nil {
		return PatternDelta{}, &DecodeError{Payload: "delta", Stage: "parse", Err: err}
	}
	return d, nil
}

// #endregion pattern-delta

// #region pattern
// The pattern ID is omitted when it is derivable from the signature.
func marshalPattern(p *patterns.ViewingPattern) []byte {
	var b []byte
	if p.ID != patterns.PatternID(p.Signature()) {
		b = protowire.AppendTag(b, patID, protowire.BytesType)
		b = protowire.AppendString(b, p.ID)
	}
	b = protowire.AppendTag(b, patContext, protowire.BytesType)
	b = protowire.AppendString(b, p.ContextSummary)
	b = protowire.AppendTag(b, patItem, protowire.BytesType)
	b = protowire.AppendString(b, p.ItemID)
	for _, t := range p.Tags {
		b = protowire.AppendTag(b, patTags, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	b = protowire.AppendTag(b, patSuccessRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.SuccessRate))
	b = protowire.AppendTag(b, patTotalUses, protowire.VarintType)
	b = protowire.AppendVarint(b, p.TotalUses)
	b = protowire.AppendTag(b, patAvgReward, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.AverageReward))
	if !p.LastUsedAt.IsZero() {
		b = protowire.AppendTag(b, patLastUsed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(p.LastUsedAt.UnixNano()))
	}
	return b
}

func unmarshalPattern(raw []byte) (patterns.ViewingPattern, error) {
	var p patterns.ViewingPattern
	err := wire.Walk(raw, func(num protowire.Number, typ protowire.Type, f wire.Field) error {
		switch num {
		case patID, patContext, patItem, patTags:
			if err := f.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			s := string(f.B)
			switch num {
			case patID:
				p.ID = s
			case patContext:
				p.ContextSummary = s
			case patItem:
				p.ItemID = s
			default:
				p.Tags = append(p.Tags, s)
			}
		case patSuccessRate, patAvgReward:
			if err := f.Want(typ, protowire.Fixed64Type); err != nil {
				return err
			}
			if num == patSuccessRate {
				p.SuccessRate = math.Float64frombits(f.U)
			} else {
				p.AverageReward = math.Float64frombits(f.U)
			}
		case patTotalUses:
			if err := f.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			p.TotalUses = f.U
		case patLastUsed:
			if err := f.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			p.LastUsedAt = time.Unix(0, protowire.DecodeZigZag(f.U)).UTC()
		}
		return nil
	})
	if err != nil {
		return patterns.ViewingPattern{}, err
	}
	if p.ID == "" {
		p.ID = patterns.PatternID(p.Signature())
	}
	if err := validatePattern(p); err != nil {
		return patterns.ViewingPattern{}, err
	}
	return p, nil
}

func validatePattern(p patterns.ViewingPattern) error {
	switch {
	case p.ID == "" || p.ItemID == "":
		return errors.New("pattern without id or item")
	case !inRange(p.SuccessRate, 0, 1):
		return fmt.Errorf("pattern %s: success rate %v out of range", p.ID, p.SuccessRate)
	case !inRange(p.AverageReward, -1, 1):
		return fmt.Errorf("pattern %s: average reward %v out of range", p.ID, p.AverageReward)
	}
	return nil
}

// #endregion pattern

// #region global
// EncodeGlobal serializes and compresses a global delta.
func EncodeGlobal(d GlobalDelta) ([]byte, error) {
	raw, err := MarshalGlobal(d)
	if err != nil {
		return nil, err
	}
	c, err := getCoders()
	if err != nil {
		return nil, err
	}
	return c.pull.EncodeAll(raw, nil), nil
}

// DecodeGlobal decompresses and parses a global delta.
func DecodeGlobal(b []byte) (GlobalDelta, error) {
	raw, err := decompress("global", b)
	if err != nil {
		return GlobalDelta{}, err
	}
	return UnmarshalGlobal(raw)
}

// MarshalGlobal serializes a global delta without compression.
func MarshalGlobal(d GlobalDelta) ([]byte, error) {
	var b []byte
	if d.Version != 0 {
		b = protowire.AppendTag(b, globalVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, d.Version)
	}
	for i := range d.Upserted {
		g := &d.Upserted[i]
		if err := validateGlobal(*g); err != nil {
			return nil, fmt.Errorf("encode global: %w: %v", ErrInvalidDelta, err)
		}
		var m []byte
		m = protowire.AppendTag(m, gpSignature, protowire.BytesType)
		m = protowire.AppendString(m, g.Signature)
		if g.Category != "" {
			m = protowire.AppendTag(m, gpCategory, protowire.BytesType)
			m = protowire.AppendString(m, g.Category)
		}
		m = protowire.AppendTag(m, gpSuccessRate, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, math.Float64bits(g.SuccessRate))
		m = protowire.AppendTag(m, gpAvgReward, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, math.Float64bits(g.AverageReward))
		m = protowire.AppendTag(m, gpContributors, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(g.ContributorCount))
		m = protowire.AppendTag(m, gpTotalUses, protowire.VarintType)
		m = protowire.AppendVarint(m, g.TotalUses)

		b = protowire.AppendTag(b, globalUpserted, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, sig := range d.Removed {
		if sig == "" {
			return nil, fmt.Errorf("encode global: %w: empty removed signature", ErrInvalidDelta)
		}
		b = protowire.AppendTag(b, globalRemoved, protowire.BytesType)
		b = protowire.AppendString(b, sig)
	}
	return b, nil
}

// UnmarshalGlobal parses an uncompressed global delta.
func UnmarshalGlobal(raw []byte) (GlobalDelta, error) {
	var d GlobalDelta
	seen := make(map[string]struct{})
	err := wire.Walk(raw, func(num protowire.Number, typ protowire.Type, f wire.Field) error {
		switch num {
		case globalVersion:
			if err := f.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			d.Version = f.U
		case globalUpserted:
			if err := f.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			g, err := unmarshalGlobalPattern(f.B)
			if err != nil {
				return err
			}
			if _, dup := seen[g.Signature]; dup {
				return fmt.Errorf("duplicate signature %s", g.Signature)
			}
			seen[g.Signature] = struct{}{}
			d.Upserted = append(d.Upserted, g)
		case globalRemoved:
			if err := f.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			if len(f.B) == 0 {
				return errors.New("empty removed signature")
			}
			d.Removed = append(d.Removed, string(f.B))
		}
		return nil
	})
	if err != nil {
		return GlobalDelta{}, &DecodeError{Payload: "global", Stage: "parse", Err: err}
	}
	return d, nil
}

func unmarshalGlobalPattern(raw []byte) (patterns.GlobalPattern, error) {
	var g patterns.GlobalPattern
	err := wire.Walk(raw, func(num protowire.Number, typ protowire.Type, f wire.Field) error {
		switch num {
		case gpSignature, gpCategory:
			if err := f.Want(typ, protowire.BytesType); err != nil {
				return err
			}
			if num == gpSignature {
				g.Signature = string(f.B)
			} else {
				g.Category = string(f.B)
			}
		case gpSuccessRate, gpAvgReward:
			if err := f.Want(typ, protowire.Fixed64Type); err != nil {
				return err
			}
			if num == gpSuccessRate {
				g.SuccessRate = math.Float64frombits(f.U)
			} else {
				g.AverageReward = math.Float64frombits(f.U)
			}
		case gpContributors:
			if err := f.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			if f.U > math.MaxUint32 {
				return fmt.Errorf("contributor count %d overflows", f.U)
			}
			g.ContributorCount = uint32(f.U)
		case gpTotalUses:
			if err := f.Want(typ, protowire.VarintType); err != nil {
				return err
			}
			g.TotalUses = f.U
		}
		return nil
	})
	if err != nil {
		return patterns.GlobalPattern{}, err
	}
	if err := validateGlobal(g); err != nil {
		return patterns.GlobalPattern{}, err
	}
	return g, nil
}

func validateGlobal(g patterns.GlobalPattern) error {
	switch {
	case g.Signature == "":
		return errors.New("global pattern without signature")
	case !inRange(g.SuccessRate, 0, 1):
		return fmt.Errorf("global %s: success rate %v out of range", g.Signature, g.SuccessRate)
	case !inRange(g.AverageReward, -1, 1):
		return fmt.Errorf("global %s: average reward %v out of range", g.Signature, g.AverageReward)
	}
	return nil
}

// #endregion global

// Ratio returns raw/compressed, or 0 when compressed is empty.
func Ratio(raw, compressed int) float64 {
	if compressed == 0 {
		return 0
	}
	return float64(raw) / float64(compressed)
}

func inRange(x, lo, hi float64) bool {
	return !math.IsNaN(x) && x >= lo && x <= hi
}
