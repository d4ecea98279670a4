package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	Topic() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicWave = "wave"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskSucceeded = "task.succeeded"
	EventTypeTaskExhausted = "task.exhausted"
	EventTypeWaveStarted   = "wave.started"
	EventTypeWaveCompleted = "wave.completed"
	EventTypeRunProgress   = "run.progress"
	EventTypeRunCompleted  = "run.completed"
)

// TaskStartedEvent is published at the start of every attempt.
type TaskStartedEvent struct {
	RunID     string
	ID        string
	Name      string
	Role      string
	Wave      int
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }
func (e TaskStartedEvent) Topic() string     { return TopicTask }

// TaskRetryingEvent is published when a failed attempt will be retried.
type TaskRetryingEvent struct {
	RunID     string
	ID        string
	Attempt   int // The attempt that failed
	Err       string
	Delay     time.Duration
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }
func (e TaskRetryingEvent) Topic() string     { return TopicTask }

// TaskSucceededEvent is published when a task succeeds.
type TaskSucceededEvent struct {
	RunID     string
	ID        string
	Output    string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskSucceededEvent) EventType() string { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) TaskID() string    { return e.ID }
func (e TaskSucceededEvent) Topic() string     { return TopicTask }

// TaskExhaustedEvent is published when a task has used up its attempts.
type TaskExhaustedEvent struct {
	RunID     string
	ID        string
	Attempts  int
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskExhaustedEvent) EventType() string { return EventTypeTaskExhausted }
func (e TaskExhaustedEvent) TaskID() string    { return e.ID }
func (e TaskExhaustedEvent) Topic() string     { return TopicTask }

// WaveStartedEvent is published before the tasks of a wave are started.
type WaveStartedEvent struct {
	RunID     string
	Wave      int
	TaskIDs   []string
	Timestamp time.Time
}

func (e WaveStartedEvent) EventType() string { return EventTypeWaveStarted }
func (e WaveStartedEvent) TaskID() string    { return "" }
func (e WaveStartedEvent) Topic() string     { return TopicWave }

// WaveCompletedEvent is published once every task of a wave is terminal.
type WaveCompletedEvent struct {
	RunID     string
	Wave      int
	Total     int
	Succeeded int
	Retried   int
	Exhausted int
	Duration  time.Duration
	Timestamp time.Time
}

func (e WaveCompletedEvent) EventType() string { return EventTypeWaveCompleted }
func (e WaveCompletedEvent) TaskID() string    { return "" }
func (e WaveCompletedEvent) Topic() string     { return TopicWave }

// RunProgressEvent is published when task statuses change.
type RunProgressEvent struct {
	RunID     string
	Total     int
	Pending   int
	Running   int
	Failed    int
	Succeeded int
	Exhausted int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }
func (e RunProgressEvent) Topic() string     { return TopicRun }

// RunCompletedEvent is published once, when a run ends for any reason.
type RunCompletedEvent struct {
	RunID     string
	Outcome   string
	Total     int
	Succeeded int
	Exhausted int
	Err       string // Schedule or cancellation error, if any
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunCompletedEvent) EventType() string { return EventTypeRunCompleted }
func (e RunCompletedEvent) TaskID() string    { return "" }
func (e RunCompletedEvent) Topic() string     { return TopicRun }
