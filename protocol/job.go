package protocol

import (
	"slices"
	"time"
)

// Job is one computation request and its workflow state. All mutating
// methods are pure state-machine transitions: they validate the current
// state, apply the change, and return typed errors without side
// effects. Callers hold the study lock and pair each successful
// transition with an audit append.
type Job struct {
	ID              string
	StudyID         string
	Requester       string
	Algorithm       string
	SelectedColumns []string
	Params          map[string]any

	State      JobState
	RejectedBy string

	// Approvals maps institution identity to approval time. At most
	// one entry per institution.
	Approvals map[string]time.Time

	// Shares maps institution identity to its submitted decryption
	// share. Only institutions present in Approvals may appear here.
	Shares map[string][]byte

	EncryptedResult  []byte
	ResultCommitment string
	Result           []byte
	FailureReason    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob validates the request against the study's allowlist and
// creates a job in pending_approval.
func NewJob(id string, study *Study, requester, algorithm string, columns []string, params map[string]any) (*Job, error) {
	if !study.Config.AlgorithmAllowed(algorithm) {
		return nil, Validationf("algorithm %q not permitted for study %s", algorithm, study.ID)
	}
	now := time.Now().UTC()
	return &Job{
		ID:              id,
		StudyID:         study.ID,
		Requester:       requester,
		Algorithm:       algorithm,
		SelectedColumns: slices.Clone(columns),
		Params:          params,
		State:           JobPendingApproval,
		Approvals:       make(map[string]time.Time),
		Shares:          make(map[string][]byte),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Approve records one approval for the institution. A duplicate
// approval is a no-op, never double-counted. When approvals reach
// thresholdN — full consent — the job transitions to computing and
// quorum is true; the caller then submits the engine invocation.
func (j *Job) Approve(institution string, thresholdN int) (duplicate, quorum bool, err error) {
	if j.State != JobPendingApproval {
		return false, false, Conflictf("job %s is %s, approvals are only accepted while pending_approval", j.ID, j.State)
	}
	if _, ok := j.Approvals[institution]; ok {
		return true, false, nil
	}

	j.Approvals[institution] = time.Now().UTC()
	j.UpdatedAt = time.Now().UTC()

	if len(j.Approvals) >= thresholdN {
		j.State = JobComputing
		return false, true, nil
	}
	return false, false, nil
}

// Reject moves the job to the terminal rejected state. A single reject
// is final regardless of how many approvals were already collected.
func (j *Job) Reject(institution string) error {
	if j.State != JobPendingApproval {
		return Conflictf("job %s is %s, only a pending_approval job can be rejected", j.ID, j.State)
	}
	j.State = JobRejected
	j.RejectedBy = institution
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// FinishComputation records the engine's encrypted result and moves the
// job to awaiting_decryption.
func (j *Job) FinishComputation(encrypted []byte, commitment string) error {
	if j.State != JobComputing {
		return Conflictf("job %s is %s, expected computing", j.ID, j.State)
	}
	j.EncryptedResult = encrypted
	j.ResultCommitment = commitment
	j.State = JobAwaitingDecryption
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// FailComputation records the engine failure reason and moves the job
// to the terminal failed state. Retries are a caller decision: a failed
// job is resubmitted as a new job, never restarted.
func (j *Job) FailComputation(reason string) error {
	if j.State != JobComputing {
		return Conflictf("job %s is %s, expected computing", j.ID, j.State)
	}
	j.FailureReason = reason
	j.State = JobFailed
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SubmitShare records a decryption share. Valid only while
// awaiting_decryption, only from institutions that approved the job
// (approval is an explicit precondition, checked before share state is
// touched), and at most once per institution. quorum is true once
// thresholdT distinct shares are present; the caller then invokes the
// share combiner.
func (j *Job) SubmitShare(institution string, share []byte, thresholdT int) (quorum bool, err error) {
	if j.State != JobAwaitingDecryption {
		return false, Conflictf("job %s is %s, shares are only accepted while awaiting_decryption", j.ID, j.State)
	}
	if _, ok := j.Approvals[institution]; !ok {
		return false, Conflictf("institution %s has not approved job %s and cannot submit a decryption share", institution, j.ID)
	}
	if _, ok := j.Shares[institution]; ok {
		return false, Conflictf("institution %s already submitted a decryption share for job %s", institution, j.ID)
	}

	j.Shares[institution] = share
	j.UpdatedAt = time.Now().UTC()
	return len(j.Shares) >= thresholdT, nil
}

// SharesInOrder returns the submitted shares sorted by institution
// identity, so the combiner sees a deterministic order.
func (j *Job) SharesInOrder() [][]byte {
	institutions := make([]string, 0, len(j.Shares))
	for inst := range j.Shares {
		institutions = append(institutions, inst)
	}
	slices.Sort(institutions)

	shares := make([][]byte, 0, len(institutions))
	for _, inst := range institutions {
		shares = append(shares, j.Shares[inst])
	}
	return shares
}

// Release records the combined plaintext and completes the job. A job
// can never complete with fewer than thresholdT distinct shares.
func (j *Job) Release(plaintext []byte, thresholdT int) error {
	if j.State != JobAwaitingDecryption {
		return Conflictf("job %s is %s, expected awaiting_decryption", j.ID, j.State)
	}
	if len(j.Shares) < thresholdT {
		return Conflictf("job %s has %d of %d required decryption shares", j.ID, len(j.Shares), thresholdT)
	}
	j.Result = plaintext
	j.State = JobCompleted
	j.UpdatedAt = time.Now().UTC()
	return nil
}
