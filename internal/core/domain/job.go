package domain

type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusLoaded   JobStatus = "loaded"
	JobStatusCanceled JobStatus = "canceled"
	JobStatusFailed   JobStatus = "failed"
)

// Job tracks the key fetch for one version. Token is minted per attempt and is
// the only staleness signal: every commit point re-checks it.
type Job struct {
	Version  Version
	Token    string
	Status   JobStatus
	Attempts int
}

// Settled reports whether the job reached a terminal state for its token.
func (j Job) Settled() bool {
	return j.Status != JobStatusPending
}
