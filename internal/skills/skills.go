// Package skills implements the builtin task-handling skills a worker
// registers at startup: string reversal, scalar doubling, element-wise
// vector sum, and fused multiply-add. Each mirrors the semantics of the
// original switch-based task processor and the later per-skill handler
// classes it was split into, adapted to plain byte-slice payloads.
package skills

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-task-mesh/task-mesh/internal/skill"
)

const (
	StringReverseSkillID    uint32 = 1
	DoubleNumberSkillID     uint32 = 2
	VectorMathSkillID       uint32 = 3
	FusedMultiplyAddSkillID uint32 = 4
)

// RegisterAll registers every builtin skill with reg. Go has no static
// constructors, so this must be called explicitly before a worker starts
// accepting tasks.
func RegisterAll(reg *skill.Registry) {
	reg.Register(skill.Descriptor{
		ID:              StringReverseSkillID,
		Name:            "string-reverse",
		Description:     "reverses the payload interpreted as UTF-8 text",
		Version:         "1.0.0",
		Handler:         stringReverse,
		TypicalReqSize:  64,
		TypicalRespSize: 64,
	})
	reg.Register(skill.Descriptor{
		ID:              DoubleNumberSkillID,
		Name:            "double-number",
		Description:     "doubles a little-endian int64 with overflow protection",
		Version:         "1.0.0",
		Handler:         doubleNumber,
		TypicalReqSize:  8,
		TypicalRespSize: 8,
	})
	reg.Register(skill.Descriptor{
		ID:              VectorMathSkillID,
		Name:            "vector-math",
		Description:     "element-wise sum of two equal-length float64 vectors",
		Version:         "1.0.0",
		Handler:         vectorMath,
		TypicalReqSize:  256,
		TypicalRespSize: 128,
	})
	reg.Register(skill.Descriptor{
		ID:              FusedMultiplyAddSkillID,
		Name:            "fused-multiply-add",
		Description:     "computes a*b+c over three float64 operands",
		Version:         "1.0.0",
		Handler:         fusedMultiplyAdd,
		TypicalReqSize:  24,
		TypicalRespSize: 8,
	})
}

// stringReverse reverses the payload by Unicode code point, matching the
// original's std::reverse over the raw byte sequence of a UTF-8 string
// closely enough for ASCII/typical payloads while avoiding corrupting
// multi-byte runes.
func stringReverse(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
	runes := []rune(string(payload))
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return []byte(string(runes)), nil
}

// doubleNumber parses payload as a little-endian int64, doubles it, and
// returns the result in the same encoding. An operand whose doubled value
// would overflow int64 returns an error instead of wrapping, matching the
// original's overflow-to-error behavior for its narrower int range.
func doubleNumber(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
	if len(payload) != 8 {
		return nil, fmt.Errorf("%w: double-number requires an 8-byte int64 payload, got %d", skill.ErrHandlerFailed, len(payload))
	}
	n := int64(binary.LittleEndian.Uint64(payload))
	if n > math.MaxInt64/2 || n < math.MinInt64/2 {
		return nil, fmt.Errorf("%w: doubling %d would overflow int64", skill.ErrHandlerFailed, n)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(n*2))
	return out, nil
}

// vectorMath treats payload as two equal-length float64 vectors packed
// consecutively and returns their element-wise sum.
func vectorMath(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
	if len(payload)%16 != 0 {
		return nil, fmt.Errorf("%w: vector-math payload must hold two equal-length float64 vectors", skill.ErrHandlerFailed)
	}
	n := len(payload) / 16
	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		a := math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
		b := math.Float64frombits(binary.LittleEndian.Uint64(payload[(n+i)*8:]))
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(a+b))
	}
	return out, nil
}

// fusedMultiplyAdd reads three little-endian float64 operands (a, b, c)
// and returns a*b + c.
func fusedMultiplyAdd(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
	if len(payload) != 24 {
		return nil, fmt.Errorf("%w: fused-multiply-add requires 24 bytes (three float64 operands), got %d", skill.ErrHandlerFailed, len(payload))
	}
	a := math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8]))
	b := math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
	c := math.Float64frombits(binary.LittleEndian.Uint64(payload[16:24]))
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, math.Float64bits(a*b+c))
	return out, nil
}
