package domain

// JobStatus represents the lifecycle state of a queued job
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobStarted  JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// Active returns true while the job is waiting or running
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobStarted
}
