package models

// Timeline labels.
const (
	LabelSubscribe   = "Subscribe"
	LabelUnsubscribe = "Unsubscribe"
	LabelPause       = "Pause"
	LabelResume      = "Resume"
	LabelRepeat      = "Repeat"
	LabelRetry       = "Retry"
	LabelError       = "Error"
	LabelComplete    = "Complete"
	LabelExceeded    = "Exceeded"
	LabelAlert       = "Alert"
)

// TimelineEntry is one element of the append-only audit list of a task.
type TimelineEntry struct {
	Label       string           `json:"label" bson:"label"`
	Description string           `json:"description,omitempty" bson:"description,omitempty"`
	CreatedAt   int64            `json:"createdAt" bson:"created_at"`
	Metadata    map[string]int64 `json:"metadata,omitempty" bson:"metadata,omitempty"`
}
