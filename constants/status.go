package constants

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // created, waiting for a worker
	JobStatusProcessing JobStatus = "processing" // fetch / OCR in progress
	JobStatusExtracting JobStatus = "extracting" // LLM extraction in progress (extract jobs only)
	JobStatusCompleted  JobStatus = "completed"  // terminal success
	JobStatusFailed     JobStatus = "failed"     // terminal for the current attempt
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusExtracting,
	JobStatusCompleted,
	JobStatusFailed,
}

// transitions maps a status to the statuses it may move to.
// failed -> processing only happens when the queue starts another attempt.
var transitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusPending: {
		JobStatusProcessing: {},
		JobStatusFailed:     {},
	},
	JobStatusProcessing: {
		JobStatusProcessing: {},
		JobStatusExtracting: {},
		JobStatusCompleted:  {},
		JobStatusFailed:     {},
	},
	JobStatusExtracting: {
		JobStatusCompleted: {},
		JobStatusFailed:    {},
	},
	JobStatusCompleted: {
		JobStatusCompleted: {},
	},
	JobStatusFailed: {
		JobStatusProcessing: {},
		JobStatusFailed:     {},
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal is true for completed and failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// JobType selects the pipeline a job runs through.
type JobType string

const (
	JobTypeParse   JobType = "parse"   // OCR only
	JobTypeExtract JobType = "extract" // OCR + structured extraction
)

// Valid reports whether t is parse or extract.
func (t JobType) Valid() bool {
	return t == JobTypeParse || t == JobTypeExtract
}
