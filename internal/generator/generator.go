// Package generator produces synthetic tasks for the pool on a direct
// in-process call. It has no Kafka source; externally submitted task
// requests reach the pool through internal/ingest.
package generator

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/go-task-mesh/task-mesh/internal/skills"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// Generator produces batches of synthetic tasks cycling through the
// builtin skill IDs, mirroring the original's round-robin task_type
// assignment.
type Generator struct {
	nextID  atomic.Uint32
	stopped atomic.Bool
}

// New creates a Generator whose task IDs start at 1.
func New() *Generator {
	return &Generator{}
}

// Stop prevents further task generation; already-returned batches are
// unaffected.
func (g *Generator) Stop() { g.stopped.Store(true) }

var skillCycle = []uint32{
	skills.StringReverseSkillID,
	skills.DoubleNumberSkillID,
	skills.VectorMathSkillID,
	skills.FusedMultiplyAddSkillID,
}

// MakeTasks returns up to count freshly minted tasks, or fewer/none if
// Stop has been called mid-batch.
func (g *Generator) MakeTasks(count uint32) []wire.Task {
	if g.stopped.Load() || count == 0 {
		return nil
	}

	out := make([]wire.Task, 0, count)
	for i := uint32(0); i < count; i++ {
		if g.stopped.Load() {
			break
		}
		taskID := g.nextID.Add(1)
		skillID := skillCycle[i%uint32(len(skillCycle))]
		out = append(out, wire.Task{
			TaskID:  taskID,
			SkillID: skillID,
			Payload: payloadFor(taskID, skillID),
		})
	}
	return out
}

// payloadFor builds a plausible payload for each builtin skill so
// synthetic load exercises the same code paths real submissions would.
func payloadFor(taskID, skillID uint32) []byte {
	switch skillID {
	case skills.DoubleNumberSkillID:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(int64(taskID)))
		return out
	case skills.VectorMathSkillID:
		return float64VectorPayload([]float64{float64(taskID), 1, 2}, []float64{1, float64(taskID), 3})
	case skills.FusedMultiplyAddSkillID:
		return fmaPayload(float64(taskID), 2, 1)
	default:
		return []byte("synthetic task payload " + strconv.FormatUint(uint64(taskID), 10))
	}
}

func float64VectorPayload(a, b []float64) []byte {
	out := make([]byte, 0, (len(a)+len(b))*8)
	for _, v := range append(append([]float64{}, a...), b...) {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		out = append(out, buf...)
	}
	return out
}

func fmaPayload(a, b, c float64) []byte {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint64(out[0:8], math.Float64bits(a))
	binary.LittleEndian.PutUint64(out[8:16], math.Float64bits(b))
	binary.LittleEndian.PutUint64(out[16:24], math.Float64bits(c))
	return out
}
