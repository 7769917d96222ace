package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securecollab/mpstudy/crypto"
	"github.com/securecollab/mpstudy/ledger"
	"github.com/securecollab/mpstudy/protocol"
	"github.com/securecollab/mpstudy/testutil"
)

var institutions = []string{"alpha.example.org", "beta.example.org", "gamma.example.org"}

type fixture struct {
	orch     *Orchestrator
	store    *MemoryStore
	engine   *testutil.StubEngine
	combiner *testutil.StubCombiner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	engine := &testutil.StubEngine{}
	combiner := &testutil.StubCombiner{}
	orch, err := NewOrchestrator(&OrchestratorConfig{
		Store:      store,
		Engine:     engine,
		Aggregator: testutil.DigestAggregator{},
		Combiner:   combiner,
		Log:        testutil.Logger(),
	})
	require.NoError(t, err)
	return &fixture{orch: orch, store: store, engine: engine, combiner: combiner}
}

// newStudy creates a t=2, n=3 study in the forming state.
func (f *fixture) newStudy(t *testing.T) *protocol.Study {
	t.Helper()
	study, err := f.orch.CreateStudy(context.Background(), CreateStudyParams{
		Name:              "cross-site cohort",
		Description:       "aggregate statistics over encrypted patient records",
		Creator:           institutions[0],
		ThresholdT:        2,
		ThresholdN:        3,
		AllowedAlgorithms: []string{"secure_mean", "secure_sum"},
	})
	require.NoError(t, err)
	require.Equal(t, protocol.StudyForming, study.State)
	return study
}

// activeStudy creates a study, joins all three institutions, and
// commits one dataset per institution.
func (f *fixture) activeStudy(t *testing.T) *protocol.Study {
	t.Helper()
	study := f.newStudy(t)
	ctx := context.Background()
	for _, inst := range institutions {
		var err error
		study, err = f.orch.JoinStudy(ctx, study.ID, inst, "", testutil.KeyShare(inst))
		require.NoError(t, err)
	}
	require.Equal(t, protocol.StudyActive, study.State)
	for _, inst := range institutions {
		_, err := f.orch.UploadDataset(ctx, study.ID, inst, "records", []byte("ciphertext-"+inst), time.Time{}, "")
		require.NoError(t, err)
	}
	return study
}

func TestStudyActivatesOnFinalJoin(t *testing.T) {
	f := newFixture(t)
	study := f.newStudy(t)
	ctx := context.Background()

	study, err := f.orch.JoinStudy(ctx, study.ID, institutions[0], "Alpha Clinic", testutil.KeyShare(institutions[0]))
	require.NoError(t, err)
	require.Equal(t, protocol.StudyForming, study.State)
	require.Empty(t, study.PublicKeyFingerprint)

	study, err = f.orch.JoinStudy(ctx, study.ID, institutions[1], "", testutil.KeyShare(institutions[1]))
	require.NoError(t, err)
	require.Equal(t, protocol.StudyForming, study.State)

	study, err = f.orch.JoinStudy(ctx, study.ID, institutions[2], "", testutil.KeyShare(institutions[2]))
	require.NoError(t, err)
	require.Equal(t, protocol.StudyActive, study.State)
	require.NotEmpty(t, study.CombinedPublicKey)
	require.Equal(t, crypto.KeyFingerprint(study.CombinedPublicKey), study.PublicKeyFingerprint)

	// Combined key is the fold over all three shares in join order.
	want, _ := testutil.DigestAggregator{}.Fold(nil, testutil.KeyShare(institutions[0]))
	want, _ = testutil.DigestAggregator{}.Fold(want, testutil.KeyShare(institutions[1]))
	want, _ = testutil.DigestAggregator{}.Fold(want, testutil.KeyShare(institutions[2]))
	require.Equal(t, want, study.CombinedPublicKey)
}

func TestJoinRejectsDuplicatesAndOverflow(t *testing.T) {
	f := newFixture(t)
	study := f.newStudy(t)
	ctx := context.Background()

	_, err := f.orch.JoinStudy(ctx, study.ID, institutions[0], "", testutil.KeyShare(institutions[0]))
	require.NoError(t, err)

	var conflict *protocol.ConflictError
	_, err = f.orch.JoinStudy(ctx, study.ID, institutions[0], "", testutil.KeyShare(institutions[0]))
	require.ErrorAs(t, err, &conflict)

	for _, inst := range institutions[1:] {
		_, err = f.orch.JoinStudy(ctx, study.ID, inst, "", testutil.KeyShare(inst))
		require.NoError(t, err)
	}

	_, err = f.orch.JoinStudy(ctx, study.ID, "delta.example.org", "", testutil.KeyShare("delta"))
	require.ErrorAs(t, err, &conflict)
}

func TestUploadDatasetVerifiesCommitment(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	ciphertext := []byte("more encrypted rows")
	ts := time.Now().UTC()
	want := crypto.Commitment(ciphertext, study.PublicKeyFingerprint, ts, institutions[1])

	ds, err := f.orch.UploadDataset(ctx, study.ID, institutions[1], "extra", ciphertext, ts, want)
	require.NoError(t, err)
	require.Equal(t, want, ds.CommitmentHash)
	require.True(t, crypto.VerifyCommitment(ds.CommitmentHash, ciphertext, study.PublicKeyFingerprint, ts, institutions[1]))

	var validation *protocol.ValidationError
	_, err = f.orch.UploadDataset(ctx, study.ID, institutions[1], "bad", ciphertext, ts, strings.Repeat("ab", 32))
	require.ErrorAs(t, err, &validation)
}

func TestUploadDatasetRequiresActiveStudyAndMembership(t *testing.T) {
	f := newFixture(t)
	forming := f.newStudy(t)
	ctx := context.Background()

	var conflict *protocol.ConflictError
	_, err := f.orch.UploadDataset(ctx, forming.ID, institutions[0], "early", []byte("data"), time.Time{}, "")
	require.ErrorAs(t, err, &conflict)

	active := f.activeStudy(t)
	_, err = f.orch.UploadDataset(ctx, active.ID, "stranger.example.org", "x", []byte("data"), time.Time{}, "")
	require.ErrorAs(t, err, &conflict)
}

func TestJobLifecycleFullConsentThenThresholdDecryption(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", []string{"age", "dosage"}, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.JobPendingApproval, job.State)

	// Two approvals meet the decryption threshold but not full consent.
	job, err = f.orch.ApproveJob(ctx, study.ID, job.ID, institutions[0])
	require.NoError(t, err)
	require.Equal(t, protocol.JobPendingApproval, job.State)

	job, err = f.orch.ApproveJob(ctx, study.ID, job.ID, institutions[1])
	require.NoError(t, err)
	require.Equal(t, protocol.JobPendingApproval, job.State)
	require.Zero(t, f.engine.Runs.Load())

	// Third approval is full consent: the engine runs asynchronously.
	job, err = f.orch.ApproveJob(ctx, study.ID, job.ID, institutions[2])
	require.NoError(t, err)
	require.Equal(t, protocol.JobComputing, job.State)
	f.orch.Drain()

	job, err = f.orch.Job(ctx, study.ID, job.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.JobAwaitingDecryption, job.State)
	require.NotEmpty(t, job.EncryptedResult)
	require.Equal(t, crypto.Sum256Hex(job.EncryptedResult), job.ResultCommitment)

	algo, bundles := f.engine.LastRun()
	require.Equal(t, "secure_mean", algo)
	require.Equal(t, 3, bundles)

	// One share is below the t=2 threshold.
	job, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[0], testutil.DecryptionShare(institutions[0]))
	require.NoError(t, err)
	require.Equal(t, protocol.JobAwaitingDecryption, job.State)

	// The second share reaches the threshold and releases the result.
	job, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[1], testutil.DecryptionShare(institutions[1]))
	require.NoError(t, err)
	require.Equal(t, protocol.JobCompleted, job.State)
	require.NotEmpty(t, job.Result)
}

func TestApproveJobIsIdempotentPerInstitution(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_sum", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		job, err = f.orch.ApproveJob(ctx, study.ID, job.ID, institutions[0])
		require.NoError(t, err)
	}
	require.Len(t, job.Approvals, 1)
	require.Equal(t, protocol.JobPendingApproval, job.State)
}

func TestRejectIsFinal(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", nil, nil)
	require.NoError(t, err)

	_, err = f.orch.ApproveJob(ctx, study.ID, job.ID, institutions[0])
	require.NoError(t, err)

	job, err = f.orch.RejectJob(ctx, study.ID, job.ID, institutions[1])
	require.NoError(t, err)
	require.Equal(t, protocol.JobRejected, job.State)
	require.Equal(t, institutions[1], job.RejectedBy)

	var conflict *protocol.ConflictError
	_, err = f.orch.ApproveJob(ctx, study.ID, job.ID, institutions[2])
	require.ErrorAs(t, err, &conflict)
	require.Zero(t, f.engine.Runs.Load())
}

func TestRequestJobRejectsUnknownAlgorithm(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)

	var validation *protocol.ValidationError
	_, err := f.orch.RequestJob(context.Background(), study.ID, institutions[0], "export_raw_rows", nil, nil)
	require.ErrorAs(t, err, &validation)
}

func TestEngineFailureMovesJobToFailed(t *testing.T) {
	f := newFixture(t)
	f.engine.Err = errors.New("circuit depth exceeded")
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", nil, nil)
	require.NoError(t, err)
	for _, inst := range institutions {
		_, err = f.orch.ApproveJob(ctx, study.ID, job.ID, inst)
		require.NoError(t, err)
	}
	f.orch.Drain()

	job, err = f.orch.Job(ctx, study.ID, job.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.JobFailed, job.State)
	require.Contains(t, job.FailureReason, "circuit depth exceeded")

	// A failed job accepts no shares.
	var conflict *protocol.ConflictError
	_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[0], testutil.DecryptionShare(institutions[0]))
	require.ErrorAs(t, err, &conflict)
}

func TestDecryptionShareRules(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", nil, nil)
	require.NoError(t, err)

	// No shares before the computation finishes.
	var conflict *protocol.ConflictError
	_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[0], testutil.DecryptionShare(institutions[0]))
	require.ErrorAs(t, err, &conflict)

	for _, inst := range institutions {
		_, err = f.orch.ApproveJob(ctx, study.ID, job.ID, inst)
		require.NoError(t, err)
	}
	f.orch.Drain()

	// Non-participants are turned away before job state is consulted.
	_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, "stranger.example.org", testutil.DecryptionShare("stranger"))
	require.ErrorAs(t, err, &conflict)

	_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[0], testutil.DecryptionShare(institutions[0]))
	require.NoError(t, err)

	// Duplicate share from the same institution.
	_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[0], testutil.DecryptionShare(institutions[0]))
	require.ErrorAs(t, err, &conflict)
}

func TestCombinerFailureLeavesJobRecoverable(t *testing.T) {
	f := newFixture(t)
	f.combiner.Err = errors.New("share verification failed")
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", nil, nil)
	require.NoError(t, err)
	for _, inst := range institutions {
		_, err = f.orch.ApproveJob(ctx, study.ID, job.ID, inst)
		require.NoError(t, err)
	}
	f.orch.Drain()

	_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[0], testutil.DecryptionShare(institutions[0]))
	require.NoError(t, err)

	var compErr *protocol.ComputationError
	_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[1], testutil.DecryptionShare(institutions[1]))
	require.ErrorAs(t, err, &compErr)

	// The share was recorded and the job is still awaiting decryption,
	// so a later share can complete it once combining works again.
	job, err = f.orch.Job(ctx, study.ID, job.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.JobAwaitingDecryption, job.State)
	require.Len(t, job.Shares, 2)

	f.combiner.Err = nil
	job, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, institutions[2], testutil.DecryptionShare(institutions[2]))
	require.NoError(t, err)
	require.Equal(t, protocol.JobCompleted, job.State)
}

func TestAuditTrailRecordsEveryTransition(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", nil, nil)
	require.NoError(t, err)
	for _, inst := range institutions {
		_, err = f.orch.ApproveJob(ctx, study.ID, job.ID, inst)
		require.NoError(t, err)
	}
	f.orch.Drain()
	for _, inst := range institutions[:2] {
		_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, inst, testutil.DecryptionShare(inst))
		require.NoError(t, err)
	}

	entries, err := f.orch.AuditTrail(ctx, study.ID)
	require.NoError(t, err)

	var actions []string
	for _, e := range entries {
		actions = append(actions, e.ActionType)
	}
	require.Equal(t, []string{
		ActionStudyCreated,
		ActionParticipantJoined, ActionParticipantJoined, ActionParticipantJoined,
		ActionStudyActivated,
		ActionDatasetCommitted, ActionDatasetCommitted, ActionDatasetCommitted,
		ActionComputationRequest,
		ActionJobApproved, ActionJobApproved, ActionJobApproved,
		ActionComputationStarted,
		ActionComputationFinished,
		ActionShareSubmitted, ActionShareSubmitted,
		ActionResultReleased,
	}, actions)

	report, err := f.orch.VerifyAuditChain(ctx, study.ID)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, len(entries), report.Entries)
	require.Nil(t, report.BrokenAt)
}

func TestProtocolReportExcludesSensitiveMaterial(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", nil, nil)
	require.NoError(t, err)
	for _, inst := range institutions {
		_, err = f.orch.ApproveJob(ctx, study.ID, job.ID, inst)
		require.NoError(t, err)
	}
	f.orch.Drain()
	for _, inst := range institutions[:2] {
		_, err = f.orch.SubmitDecryptionShare(ctx, study.ID, job.ID, inst, testutil.DecryptionShare(inst))
		require.NoError(t, err)
	}

	report, err := f.orch.ProtocolReport(ctx, study.ID)
	require.NoError(t, err)
	require.Equal(t, string(protocol.StudyActive), report.Study.State)
	require.Len(t, report.Participants, 3)
	require.Len(t, report.Datasets, 3)
	require.Len(t, report.Jobs, 1)
	require.Equal(t, string(protocol.JobCompleted), report.Jobs[0].State)
	require.True(t, report.Audit.ChainValid)

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	body := string(raw)

	// Neither ciphertexts, key shares, decryption shares, nor the
	// released plaintext may appear in the report in any encoding.
	sensitive := [][]byte{[]byte("plain:")}
	for _, inst := range institutions {
		sensitive = append(sensitive,
			[]byte("ciphertext-"+inst),
			testutil.KeyShare(inst),
			testutil.DecryptionShare(inst))
	}
	for _, secret := range sensitive {
		require.NotContains(t, body, string(secret))
		require.NotContains(t, body, fmt.Sprintf("%x", secret))
	}
}

// txCheckStore wraps a Store and records every mutation or audit
// append that runs outside a WithTx unit of work.
type txCheckStore struct {
	Store

	mu      sync.Mutex
	inTx    bool
	outside []string
}

func (s *txCheckStore) WithTx(fn func(tx Store) error) error {
	s.mu.Lock()
	s.inTx = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inTx = false
		s.mu.Unlock()
	}()
	return s.Store.WithTx(func(Store) error { return fn(s) })
}

func (s *txCheckStore) check(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTx {
		s.outside = append(s.outside, op)
	}
}

func (s *txCheckStore) CreateStudy(st *protocol.Study) error {
	s.check("CreateStudy")
	return s.Store.CreateStudy(st)
}

func (s *txCheckStore) UpdateStudy(st *protocol.Study) error {
	s.check("UpdateStudy")
	return s.Store.UpdateStudy(st)
}

func (s *txCheckStore) AddParticipant(p *protocol.Participant) error {
	s.check("AddParticipant")
	return s.Store.AddParticipant(p)
}

func (s *txCheckStore) AddDataset(d *protocol.Dataset) error {
	s.check("AddDataset")
	return s.Store.AddDataset(d)
}

func (s *txCheckStore) CreateJob(j *protocol.Job) error {
	s.check("CreateJob")
	return s.Store.CreateJob(j)
}

func (s *txCheckStore) UpdateJob(j *protocol.Job) error {
	s.check("UpdateJob")
	return s.Store.UpdateJob(j)
}

func (s *txCheckStore) AppendEntry(e *ledger.Entry) error {
	s.check("AppendEntry")
	return s.Store.AppendEntry(e)
}

// Every state transition and its audit append must go through one
// store unit of work, so a failed append can never leave a committed
// transition without its audit entry.
func TestTransitionsCommitWithTheirAuditAppend(t *testing.T) {
	store := &txCheckStore{Store: NewMemoryStore()}
	engine := &testutil.StubEngine{}
	orch, err := NewOrchestrator(&OrchestratorConfig{
		Store:      store,
		Engine:     engine,
		Aggregator: testutil.DigestAggregator{},
		Combiner:   &testutil.StubCombiner{},
		Log:        testutil.Logger(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	study, err := orch.CreateStudy(ctx, CreateStudyParams{
		Name:              "cross-site cohort",
		Creator:           institutions[0],
		ThresholdT:        2,
		ThresholdN:        3,
		AllowedAlgorithms: []string{"secure_mean"},
	})
	require.NoError(t, err)
	for _, inst := range institutions {
		_, err = orch.JoinStudy(ctx, study.ID, inst, "", testutil.KeyShare(inst))
		require.NoError(t, err)
	}
	for _, inst := range institutions {
		_, err = orch.UploadDataset(ctx, study.ID, inst, "records", []byte("ciphertext-"+inst), time.Time{}, "")
		require.NoError(t, err)
	}

	job, err := orch.RequestJob(ctx, study.ID, institutions[0], "secure_mean", nil, nil)
	require.NoError(t, err)
	for _, inst := range institutions {
		_, err = orch.ApproveJob(ctx, study.ID, job.ID, inst)
		require.NoError(t, err)
	}
	orch.Drain()
	for _, inst := range institutions[:2] {
		_, err = orch.SubmitDecryptionShare(ctx, study.ID, job.ID, inst, testutil.DecryptionShare(inst))
		require.NoError(t, err)
	}

	rejected, err := orch.RequestJob(ctx, study.ID, institutions[1], "secure_mean", nil, nil)
	require.NoError(t, err)
	_, err = orch.RejectJob(ctx, study.ID, rejected.ID, institutions[2])
	require.NoError(t, err)

	engine.Err = errors.New("circuit depth exceeded")
	failed, err := orch.RequestJob(ctx, study.ID, institutions[2], "secure_mean", nil, nil)
	require.NoError(t, err)
	for _, inst := range institutions {
		_, err = orch.ApproveJob(ctx, study.ID, failed.ID, inst)
		require.NoError(t, err)
	}
	orch.Drain()

	require.Empty(t, store.outside)
}

func TestConcurrentApprovalsRunEngineOnce(t *testing.T) {
	f := newFixture(t)
	study := f.activeStudy(t)
	ctx := context.Background()

	job, err := f.orch.RequestJob(ctx, study.ID, institutions[0], "secure_sum", nil, nil)
	require.NoError(t, err)

	done := make(chan error, len(institutions)*4)
	for i := 0; i < 4; i++ {
		for _, inst := range institutions {
			go func(inst string) {
				_, err := f.orch.ApproveJob(ctx, study.ID, job.ID, inst)
				done <- err
			}(inst)
		}
	}
	for i := 0; i < len(institutions)*4; i++ {
		err := <-done
		// Late approvals against a computing job are conflicts.
		if err != nil {
			var conflict *protocol.ConflictError
			require.ErrorAs(t, err, &conflict)
		}
	}
	f.orch.Drain()

	require.Equal(t, int64(1), f.engine.Runs.Load())
	got, err := f.orch.Job(ctx, study.ID, job.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.JobAwaitingDecryption, got.State)
}
