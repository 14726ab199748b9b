package models

// Job asks the worker pool to answer one question.
type Job struct {
	JobID            string `json:"job_id"`
	Question         string `json:"question"`
	Context          string `json:"context"`
	UseKnowledgeBase bool   `json:"use_knowledge_base"`
	SessionID        string `json:"session_id,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// JobResult is a worker's reply to a Job. A non-empty Error marks a
// failed job; Answer is then meaningless.
type JobResult struct {
	JobID          string  `json:"job_id"`
	Answer         string  `json:"answer"`
	Confidence     float64 `json:"confidence,omitempty"`
	Source         string  `json:"source,omitempty"`
	Error          string  `json:"error,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
}

// Failed reports whether the worker could not produce an answer.
func (r JobResult) Failed() bool {
	return r.Error != "" || r.Answer == ""
}
