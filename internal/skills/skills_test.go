package skills

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-task-mesh/task-mesh/internal/skill"
)

func newTestRegistry() *skill.Registry {
	reg := skill.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	RegisterAll(reg)
	return reg
}

func TestStringReverseDispatch(t *testing.T) {
	reg := newTestRegistry()
	out, err := reg.Dispatch(context.Background(), StringReverseSkillID, 1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "olleh", string(out))
}

func TestStringReverseHandlesMultiByteRunes(t *testing.T) {
	reg := newTestRegistry()
	out, err := reg.Dispatch(context.Background(), StringReverseSkillID, 1, []byte("héllo"))
	require.NoError(t, err)
	assert.Equal(t, "olléh", string(out))
}

func TestDoubleNumber(t *testing.T) {
	reg := newTestRegistry()
	in := make([]byte, 8)
	binary.LittleEndian.PutUint64(in, uint64(21))
	out, err := reg.Dispatch(context.Background(), DoubleNumberSkillID, 1, in)
	require.NoError(t, err)
	assert.Equal(t, int64(42), int64(binary.LittleEndian.Uint64(out)))
}

func TestDoubleNumberOverflowReturnsError(t *testing.T) {
	reg := newTestRegistry()
	in := make([]byte, 8)
	binary.LittleEndian.PutUint64(in, uint64(math.MaxInt64))
	_, err := reg.Dispatch(context.Background(), DoubleNumberSkillID, 1, in)
	assert.Error(t, err)
}

func TestDoubleNumberRejectsWrongSize(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Dispatch(context.Background(), DoubleNumberSkillID, 1, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestVectorMathElementwiseSum(t *testing.T) {
	reg := newTestRegistry()
	a := []float64{1, 2, 3}
	b := []float64{10, 20, 30}
	payload := make([]byte, 0, 48)
	for _, v := range append(append([]float64{}, a...), b...) {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		payload = append(payload, buf...)
	}

	out, err := reg.Dispatch(context.Background(), VectorMathSkillID, 1, payload)
	require.NoError(t, err)
	require.Len(t, out, 24)
	for i, want := range []float64{11, 22, 33} {
		got := math.Float64frombits(binary.LittleEndian.Uint64(out[i*8:]))
		assert.Equal(t, want, got)
	}
}

func TestVectorMathRejectsUnevenPayload(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Dispatch(context.Background(), VectorMathSkillID, 1, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFusedMultiplyAdd(t *testing.T) {
	reg := newTestRegistry()
	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload[0:8], math.Float64bits(3))
	binary.LittleEndian.PutUint64(payload[8:16], math.Float64bits(4))
	binary.LittleEndian.PutUint64(payload[16:24], math.Float64bits(5))

	out, err := reg.Dispatch(context.Background(), FusedMultiplyAddSkillID, 1, payload)
	require.NoError(t, err)
	got := math.Float64frombits(binary.LittleEndian.Uint64(out))
	assert.Equal(t, float64(17), got)
}

func TestFusedMultiplyAddRejectsWrongSize(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Dispatch(context.Background(), FusedMultiplyAddSkillID, 1, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRegisterAllRegistersFourSkills(t *testing.T) {
	reg := newTestRegistry()
	assert.Equal(t, 4, reg.SkillCount())
	for _, id := range []uint32{StringReverseSkillID, DoubleNumberSkillID, VectorMathSkillID, FusedMultiplyAddSkillID} {
		assert.True(t, reg.HasSkill(id))
	}
}
