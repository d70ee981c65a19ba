package domain

import "time"

// Job is one queued batch run for a user
type Job struct {
	ID               string
	Email            string
	LicenseKey       string
	Mode             Mode
	PromptsURL       string // presigned URL or storage key of the prompt file
	Status           JobStatus
	CancelRequested  bool
	CompletedPrompts int
	TotalPrompts     int
	Error            string
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// LogEntry represents one progress line of a job
type LogEntry struct {
	ID        int
	JobID     string
	Timestamp time.Time
	Message   string
}

// Batch records the outcome of one processed slice of a job's prompts
type Batch struct {
	ID         int
	JobID      string
	Number     int
	Prompts    int
	Failed     int
	StartedAt  *time.Time
	FinishedAt *time.Time
}
