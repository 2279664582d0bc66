// Package audit converts lifecycle transitions into fire-and-forget events
// for an external sink. Emission is at-most-once: a sink failure is logged
// and discarded, never propagated back to fail the operation it describes.
package audit

import (
	"log"
	"time"

	"github.com/minhtuancn/server-monitor-sub002/internal/logutil"
)

// Actions recorded by the execution core.
const (
	ActionCredentialCreated = "credential_created"
	ActionCredentialDeleted = "credential_deleted"
	ActionTaskSubmitted     = "task_submitted"
	ActionTaskStarted       = "task_started"
	ActionTaskSucceeded     = "task_succeeded"
	ActionTaskFailed        = "task_failed"
	ActionTaskTimeout       = "task_timeout"
	ActionTaskCancelled     = "task_cancelled"
	ActionSessionOpened     = "session_opened"
	ActionSessionClosed     = "session_closed"
	ActionSessionTimeout    = "session_timeout"
	ActionSessionError      = "session_error"
)

// Target types referenced by events.
const (
	TargetCredential = "credential"
	TargetTask       = "task"
	TargetSession    = "session"
)

// Event is one lifecycle notification.
type Event struct {
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Metadata   string    `json:"metadata,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives emitted events. The default sink writes database rows; a
// deployment may fan out to webhooks or log shippers behind this interface.
type Sink interface {
	Emit(Event) error
}

// Emitter stamps and forwards events to its sink, swallowing sink errors.
type Emitter struct {
	sink  Sink
	nowFn func() time.Time // injectable clock for testing
}

func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink, nowFn: time.Now}
}

// SetNowFunc sets the clock function used for testing.
func (e *Emitter) SetNowFunc(fn func() time.Time) {
	e.nowFn = fn
}

// Emit records one event. It never returns an error and never blocks the
// caller on sink trouble; failures are logged locally and dropped.
func (e *Emitter) Emit(actor, action, targetType, targetID, metadata string) {
	if e == nil || e.sink == nil {
		return
	}
	ev := Event{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   logutil.SanitizeForLog(metadata),
		Timestamp:  e.nowFn(),
	}
	if err := e.sink.Emit(ev); err != nil {
		log.Printf("[audit] emit failed (dropped): action=%s target=%s/%s: %v",
			action, targetType, targetID, err)
		return
	}
	log.Printf("[audit] %s actor=%s target=%s/%s %s",
		action, logutil.SanitizeForLog(actor), targetType, targetID, ev.Metadata)
}
