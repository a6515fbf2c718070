package models

// State of a queued task.
type State string

const (
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCanceled  State = "CANCELED"
	StateCompleted State = "COMPLETED"
	StateError     State = "ERROR"
	StateExceeded  State = "EXCEEDED"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateCanceled, StateCompleted, StateError, StateExceeded:
		return true
	}
	return false
}

func (s State) Valid() bool {
	return s == StateRunning || s == StatePaused || s.Terminal()
}

// QueueSummary is what callers see of a registration; it never carries the
// tenant or the encrypted task.
type QueueSummary struct {
	ID              string `json:"id"`
	State           State  `json:"state"`
	StatusCode      int    `json:"statusCode"`
	EstimateStartAt int64  `json:"estimateStartAt"`
	EstimateExecAt  int64  `json:"estimateExecAt"`
	EstimateEndAt   int64  `json:"estimateEndAt"`
	CurrentlyRetry  bool   `json:"currentlyRetry"`
	CurrentlyRepeat bool   `json:"currentlyRepeat"`
}

// QueueRecord is persisted in the QUEUE partition.
type QueueRecord struct {
	QueueSummary
	TenantID string
	Metadata string // encrypted TaskDefinition
}

// ConfigRecord is persisted in the CONFIG partition and holds the running counters.
// RetryCount/RepeatCount count backoff steps, FinalizeRetry/FinalizeRepeat count
// attempts that were actually fired.
type ConfigRecord struct {
	ExecutionAt    int64
	ExecutionDelay int64
	EstimateExecAt int64
	EstimateEndAt  int64

	RetryCount          int64
	RetryLimit          int64
	FinalizeRetry       int64
	IsRetryTerminated   bool
	EstimateNextRetryAt int64

	RepeatCount          int64
	RepeatLimit          int64
	FinalizeRepeat       int64
	IsRepeatTerminated   bool
	EstimateNextRepeatAt int64
}

// QueueView is the read model returned for a single task.
type QueueView struct {
	QueueSummary
	Config  TaskConfig  `json:"config"`
	Updates QueueUpdate `json:"updates"`
}

type QueueUpdate struct {
	IsRepeatTerminated bool       `json:"isRepeatTerminated"`
	IsRetryTerminated  bool       `json:"isRetryTerminated"`
	OnComplete         OnComplete `json:"onComplete"`
	OnError            OnError    `json:"onError"`
	RepeatCount        int64      `json:"repeatCount"`
	RepeatLimit        int64      `json:"repeatLimit"`
	RetryCount         int64      `json:"retryCount"`
	RetryLimit         int64      `json:"retryLimit"`
}

type OnComplete struct {
	EstimateNextRepeatAt int64 `json:"estimateNextRepeatAt"`
}

type OnError struct {
	EstimateNextRetryAt int64 `json:"estimateNextRetryAt"`
}
