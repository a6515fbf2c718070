package models

import "time"

// Archive of a task that reached a terminal state. Redis keys expire after the
// retention window, the archive keeps the history.
type Archive struct {
	ID              string          `json:"id,omitempty" bson:"_id,omitempty"`
	QueueID         string          `json:"queue_id" bson:"queue_id"`                   // Task id
	TenantID        string          `json:"tenant_id" bson:"tenant_id"`                 // Owner
	State           State           `json:"state" bson:"state"`                         // CANCELED, COMPLETED, ERROR or EXCEEDED
	StatusCode      int             `json:"status_code" bson:"status_code"`             // Last classified status code
	EstimateStartAt int64           `json:"estimate_start_at" bson:"estimate_start_at"` // Registration time (ms)
	EstimateEndAt   int64           `json:"estimate_end_at" bson:"estimate_end_at"`     // Termination time (ms)
	FinalizeRetry   int64           `json:"finalize_retry" bson:"finalize_retry"`       // Retries fired
	FinalizeRepeat  int64           `json:"finalize_repeat" bson:"finalize_repeat"`     // Repeats fired
	Timeline        []TimelineEntry `json:"timeline" bson:"timeline"`                   // Full audit trail
	ArchivedAt      time.Time       `json:"archived_at" bson:"archived_at"`             // Archive timestamp
}
