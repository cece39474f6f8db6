package domain

import (
	"encoding/json"
	"time"
)

// ArtifactType enumerates the payload shapes an artifact update event can
// carry. Decoding an event does not check the value against this list.
type ArtifactType string

const (
	ArtifactContextPack ArtifactType = "context_pack"
	ArtifactPlan        ArtifactType = "plan"
	ArtifactStepResult  ArtifactType = "step_result"
	ArtifactFinal       ArtifactType = "final"
)

// EventKind discriminates the two payload shapes an Event can carry.
type EventKind string

const (
	EventStatusUpdate   EventKind = "status"
	EventArtifactUpdate EventKind = "artifact"
)

// StatusPayload is the payload of a status-update event.
type StatusPayload struct {
	State   RunState               `json:"state"`
	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// ArtifactPayload is the payload of an artifact-update event.
type ArtifactPayload struct {
	ArtifactType ArtifactType    `json:"artifact_type"`
	Artifact     json.RawMessage `json:"artifact"`
}

// EventPayload is the discriminated union of a status update or an artifact
// update. Exactly one of Status/Artifact is non-nil.
type EventPayload struct {
	Kind     EventKind        `json:"kind"`
	Status   *StatusPayload   `json:"status,omitempty"`
	Artifact *ArtifactPayload `json:"artifact,omitempty"`
}

// Event is an immutable, hash-chained record appended to a run's log.
// Seq is 1..N without gaps per run; Hash is an HMAC over Canonical
// chained to PrevHash; events are append-only.
type Event struct {
	RunID     string       `json:"run_id"`
	Seq       int64        `json:"seq"`
	Canonical []byte       `json:"canonical"`
	PrevHash  string       `json:"prev_hash"`
	Hash      string       `json:"hash"`
	KeyID     string       `json:"key_id"`
	TS        time.Time    `json:"ts"`
	Payload   EventPayload `json:"-"`
}

// WireEvent is the shape streamed to subscribers over SSE: one of
// TaskStatusUpdateEvent / TaskArtifactUpdateEvent, with the reconnect
// cursor carried as "_seq".
type WireEvent struct {
	Type         string                 `json:"type"`
	TS           time.Time              `json:"ts"`
	TaskID       string                 `json:"task_id"`
	RunID        string                 `json:"run_id"`
	State        RunState               `json:"state,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
	ArtifactType ArtifactType           `json:"artifact_type,omitempty"`
	Artifact     json.RawMessage        `json:"artifact,omitempty"`
	Seq          int64                  `json:"_seq"`
}

const (
	WireTypeStatus   = "TaskStatusUpdateEvent"
	WireTypeArtifact = "TaskArtifactUpdateEvent"
)

// ToWire converts a persisted Event into its SSE frame shape, given the
// run's task_id (events themselves do not carry it to keep the chained
// payload minimal).
func (e *Event) ToWire(taskID string) WireEvent {
	w := WireEvent{TS: e.TS, TaskID: taskID, RunID: e.RunID, Seq: e.Seq}
	switch e.Payload.Kind {
	case EventStatusUpdate:
		w.Type = WireTypeStatus
		if e.Payload.Status != nil {
			w.State = e.Payload.Status.State
			w.Message = e.Payload.Status.Message
			w.Meta = e.Payload.Status.Meta
		}
	case EventArtifactUpdate:
		w.Type = WireTypeArtifact
		if e.Payload.Artifact != nil {
			w.ArtifactType = e.Payload.Artifact.ArtifactType
			w.Artifact = e.Payload.Artifact.Artifact
		}
	}
	return w
}
