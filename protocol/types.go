package protocol

import "time"

// StudyState is the lifecycle state of a study.
type StudyState string

const (
	// StudyForming accepts joins until all n slots are filled.
	StudyForming StudyState = "forming"

	// StudyActive has its combined key finalized; datasets and jobs
	// are accepted.
	StudyActive StudyState = "active"
)

// JobState is the workflow state of a computation request.
type JobState string

const (
	JobPendingApproval    JobState = "pending_approval"
	JobComputing          JobState = "computing"
	JobAwaitingDecryption JobState = "awaiting_decryption"
	JobCompleted          JobState = "completed"
	JobRejected           JobState = "rejected"
	JobFailed             JobState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobRejected, JobFailed:
		return true
	}
	return false
}

// Study is the root entity of the protocol. Thresholds and the
// algorithm allowlist live in the write-once Config; the combined
// public key and fingerprint are set exactly once, when the n-th key
// share is folded.
type Study struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	Config      StudyConfig
	State       StudyState

	CombinedPublicKey    []byte
	PublicKeyFingerprint string

	CreatedAt time.Time
}

// Participant is one institution's membership in a study. An
// institution joins a given study at most once.
type Participant struct {
	StudyID     string
	Institution string // institution identity, email-equivalent
	Name        string
	KeyShare    []byte
	JoinedAt    time.Time
}

// Dataset is an institution's committed ciphertext bundle. Immutable
// after creation; a re-upload is a new Dataset.
type Dataset struct {
	ID             string
	StudyID        string
	Owner          string
	Name           string
	Ciphertext     []byte
	CommitmentHash string
	CommittedAt    time.Time
}
