package models

// Tenant owns tasks and a queue quota. Stored as a hash keyed by its id.
type Tenant struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	CreatedAt        int64  `json:"createdAt"`
	TaskInQueue      int64  `json:"taskInQueue"`      // RUNNING or PAUSED tasks
	TaskInQueueLimit int64  `json:"taskInQueueLimit"` // admission quota
}
