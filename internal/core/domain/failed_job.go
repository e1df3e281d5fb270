package domain

// FailedJob is a key fetch that exhausted its retries and awaits recovery.
type FailedJob struct {
	ID          string  `json:"id"`
	Version     Version `json:"version"`
	BlockNumber uint64  `json:"block_number"`
	Error       string  `json:"error_msg"`
	RetryCount  int     `json:"retry_count"`
	LastAttempt int64   `json:"last_attempt"`
	CreatedAt   int64   `json:"created_at"`
}
