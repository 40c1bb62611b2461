package job

import "time"

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// Message is the queue payload handed from the backend to a worker process.
type Message struct {
	JobID      string    `json:"job_id"`
	SourceLink string    `json:"source_link"`
	Filename   string    `json:"filename"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
