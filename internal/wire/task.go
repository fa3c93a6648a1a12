package wire

import "time"

// Task is the unit of work dispatched from manager to worker: a triple of
// (task_id, skill_id, payload). TaskID 0 is the invalid sentinel returned
// to a pool consumer after shutdown; it must never appear on the wire.
type Task struct {
	TaskID    uint32
	SkillID   uint32
	Payload   []byte
	CreatedAt time.Time
}

// IsValid reports whether t carries a real, dispatchable task as opposed
// to the pool-shutdown sentinel.
func (t Task) IsValid() bool {
	return t.TaskID != 0
}

// Age returns how long ago the task was created.
func (t Task) Age() time.Duration {
	return time.Since(t.CreatedAt)
}

// Header returns the wire header view of t, computed from its fields.
func (t Task) Header() Header {
	return Header{TaskID: t.TaskID, BodySize: uint32(len(t.Payload)), SkillID: t.SkillID}
}

// Clone returns a deep copy of t so that a requeued task cannot alias a
// buffer the caller continues to mutate.
func (t Task) Clone() Task {
	payload := make([]byte, len(t.Payload))
	copy(payload, t.Payload)
	return Task{TaskID: t.TaskID, SkillID: t.SkillID, Payload: payload, CreatedAt: t.CreatedAt}
}
