// File: api/schemas/run.go
package schemas

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning        RunStatus = "Running"
	StatusWaitingForUser RunStatus = "WaitingForUser"
	StatusSucceeded      RunStatus = "Succeeded"
	StatusFailed         RunStatus = "Failed"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// RunState is the observable state of one execution of a definition.
type RunState struct {
	RunID         string     `json:"runId"`
	CertificateID string     `json:"certificateId"`
	StepIndex     int        `json:"stepIndex"`
	StepCount     int        `json:"stepCount"`
	Status        RunStatus  `json:"status"`
	Protocol      string     `json:"protocol,omitempty"`
	Message       string     `json:"message,omitempty"`
	LastError     *ErrorInfo `json:"lastError,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r RunState) Clone() RunState {
	cp := r
	if r.LastError != nil {
		e := *r.LastError
		cp.LastError = &e
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// EventType classifies progress notifications.
type EventType string

const (
	EventStepCompleted  EventType = "step_completed"
	EventToast          EventType = "toast"
	EventWaitingForUser EventType = "waiting_for_user"
	EventResumed        EventType = "resumed"
	EventSucceeded      EventType = "succeeded"
	EventFailed         EventType = "failed"
)

// ProgressEvent is emitted by the engine as a run advances.
type ProgressEvent struct {
	RunID         string     `json:"runId"`
	CertificateID string     `json:"certificateId"`
	Type          EventType  `json:"type"`
	StepIndex     int        `json:"stepIndex"`
	Action        ActionKind `json:"action,omitempty"`
	Message       string     `json:"message,omitempty"`
	Status        RunStatus  `json:"status"`
	At            time.Time  `json:"at"`
}
