package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testJob(t *testing.T, thresholdT, thresholdN int) *Job {
	t.Helper()
	s := testStudy(t, thresholdT, thresholdN)
	job, err := NewJob("job-1", s, "inst-0@x.org", "mean", []string{"age"}, nil)
	require.NoError(t, err)
	return job
}

func TestNewJobRejectsDisallowedAlgorithm(t *testing.T) {
	s := testStudy(t, 2, 3)
	_, err := NewJob("job-1", s, "inst-0@x.org", "median", nil, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestApproveRequiresFullConsent(t *testing.T) {
	job := testJob(t, 2, 3)

	_, quorum, err := job.Approve("inst-0@x.org", 3)
	require.NoError(t, err)
	require.False(t, quorum)

	// Two of three approvals meet the decryption threshold but not
	// full consent; the job must stay pending.
	_, quorum, err = job.Approve("inst-1@x.org", 3)
	require.NoError(t, err)
	require.False(t, quorum)
	require.Equal(t, JobPendingApproval, job.State)

	_, quorum, err = job.Approve("inst-2@x.org", 3)
	require.NoError(t, err)
	require.True(t, quorum)
	require.Equal(t, JobComputing, job.State)
}

func TestApproveIsIdempotentPerInstitution(t *testing.T) {
	job := testJob(t, 2, 3)

	duplicate, _, err := job.Approve("inst-0@x.org", 3)
	require.NoError(t, err)
	require.False(t, duplicate)

	duplicate, quorum, err := job.Approve("inst-0@x.org", 3)
	require.NoError(t, err)
	require.True(t, duplicate)
	require.False(t, quorum)
	require.Len(t, job.Approvals, 1)
}

func TestRejectIsTerminalRegardlessOfApprovals(t *testing.T) {
	job := testJob(t, 2, 3)

	_, _, err := job.Approve("inst-0@x.org", 3)
	require.NoError(t, err)
	_, _, err = job.Approve("inst-1@x.org", 3)
	require.NoError(t, err)

	require.NoError(t, job.Reject("inst-2@x.org"))
	require.Equal(t, JobRejected, job.State)
	require.Equal(t, "inst-2@x.org", job.RejectedBy)

	// No transition leaves rejected.
	_, _, err = job.Approve("inst-0@x.org", 3)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	require.ErrorAs(t, job.Reject("inst-1@x.org"), &cerr)
	_, err = job.SubmitShare("inst-0@x.org", []byte("s"), 2)
	require.ErrorAs(t, err, &cerr)
}

func TestComputationOutcomes(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		job := testJob(t, 2, 3)
		job.State = JobComputing
		require.NoError(t, job.FinishComputation([]byte("enc"), "commit"))
		require.Equal(t, JobAwaitingDecryption, job.State)
		require.Equal(t, "commit", job.ResultCommitment)
	})

	t.Run("failure", func(t *testing.T) {
		job := testJob(t, 2, 3)
		job.State = JobComputing
		require.NoError(t, job.FailComputation("columns mismatch"))
		require.Equal(t, JobFailed, job.State)
		require.Equal(t, "columns mismatch", job.FailureReason)
	})

	t.Run("not computing", func(t *testing.T) {
		job := testJob(t, 2, 3)
		var cerr *ConflictError
		require.ErrorAs(t, job.FinishComputation(nil, ""), &cerr)
		require.ErrorAs(t, job.FailComputation("x"), &cerr)
	})
}

func approveAll(t *testing.T, job *Job, institutions ...string) {
	t.Helper()
	for _, inst := range institutions {
		_, _, err := job.Approve(inst, len(institutions))
		require.NoError(t, err)
	}
}

func TestSubmitShareRequiresPriorApproval(t *testing.T) {
	job := testJob(t, 2, 3)
	approveAll(t, job, "inst-0@x.org", "inst-1@x.org", "inst-2@x.org")
	require.NoError(t, job.FinishComputation([]byte("enc"), "c"))

	// inst-3 never approved (and is not even a participant).
	_, err := job.SubmitShare("inst-3@x.org", []byte("s"), 2)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	require.Empty(t, job.Shares)
}

func TestSubmitShareRejectsDuplicates(t *testing.T) {
	job := testJob(t, 2, 3)
	approveAll(t, job, "inst-0@x.org", "inst-1@x.org", "inst-2@x.org")
	require.NoError(t, job.FinishComputation([]byte("enc"), "c"))

	_, err := job.SubmitShare("inst-0@x.org", []byte("s0"), 2)
	require.NoError(t, err)

	_, err = job.SubmitShare("inst-0@x.org", []byte("s0-again"), 2)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, job.Shares, 1)
}

func TestSubmitShareQuorumAtThresholdT(t *testing.T) {
	job := testJob(t, 2, 3)
	approveAll(t, job, "inst-0@x.org", "inst-1@x.org", "inst-2@x.org")
	require.NoError(t, job.FinishComputation([]byte("enc"), "c"))

	quorum, err := job.SubmitShare("inst-0@x.org", []byte("s0"), 2)
	require.NoError(t, err)
	require.False(t, quorum)

	quorum, err = job.SubmitShare("inst-1@x.org", []byte("s1"), 2)
	require.NoError(t, err)
	require.True(t, quorum)
}

func TestReleaseRequiresQuorum(t *testing.T) {
	job := testJob(t, 2, 3)
	approveAll(t, job, "inst-0@x.org", "inst-1@x.org", "inst-2@x.org")
	require.NoError(t, job.FinishComputation([]byte("enc"), "c"))

	var cerr *ConflictError
	require.ErrorAs(t, job.Release([]byte("plain"), 2), &cerr)

	_, err := job.SubmitShare("inst-0@x.org", []byte("s0"), 2)
	require.NoError(t, err)
	_, err = job.SubmitShare("inst-1@x.org", []byte("s1"), 2)
	require.NoError(t, err)

	require.NoError(t, job.Release([]byte("plain"), 2))
	require.Equal(t, JobCompleted, job.State)
	require.Equal(t, []byte("plain"), job.Result)
}

func TestSharesInOrderIsDeterministic(t *testing.T) {
	job := testJob(t, 3, 3)
	approveAll(t, job, "inst-0@x.org", "inst-1@x.org", "inst-2@x.org")
	require.NoError(t, job.FinishComputation([]byte("enc"), "c"))

	for _, inst := range []string{"inst-2@x.org", "inst-0@x.org", "inst-1@x.org"} {
		_, err := job.SubmitShare(inst, []byte(inst), 3)
		require.NoError(t, err)
	}

	shares := job.SharesInOrder()
	require.Equal(t, [][]byte{
		[]byte("inst-0@x.org"),
		[]byte("inst-1@x.org"),
		[]byte("inst-2@x.org"),
	}, shares)
}
