package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securecollab/mpstudy/crypto"
	"github.com/securecollab/mpstudy/ledger"
	"github.com/securecollab/mpstudy/metrics"
	"github.com/securecollab/mpstudy/protocol"
)

// Audit action types, one per state transition.
const (
	ActionStudyCreated        = "study_created"
	ActionParticipantJoined   = "participant_joined"
	ActionStudyActivated      = "study_activated"
	ActionDatasetCommitted    = "dataset_committed"
	ActionComputationRequest  = "computation_requested"
	ActionJobApproved         = "job_approved"
	ActionComputationStarted  = "computation_started"
	ActionComputationFinished = "computation_completed"
	ActionComputationFailed   = "computation_failed"
	ActionJobRejected         = "job_rejected"
	ActionShareSubmitted      = "decryption_share_submitted"
	ActionResultReleased      = "result_released"
)

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store      Store
	Engine     protocol.ComputationEngine
	Aggregator protocol.KeyAggregator
	Combiner   protocol.ShareCombiner
	Log        *slog.Logger

	// ComputeTimeout bounds a single Computation Engine invocation.
	// Zero means no timeout.
	ComputeTimeout time.Duration
}

// Orchestrator owns the study lifecycle and routes every externally
// exposed operation to the right sub-component. Mutations to a given
// study — joins, dataset commits, and all job transitions — serialize
// behind a per-study lock, and each transition commits together with
// its hash-chain audit append as one store unit of work.
type Orchestrator struct {
	store      Store
	engine     protocol.ComputationEngine
	aggregator protocol.KeyAggregator
	combiner   protocol.ShareCombiner
	log        *slog.Logger

	computeTimeout time.Duration

	mu         sync.Mutex
	studyLocks map[string]*sync.Mutex

	// In-flight Computation Engine invocations, for Drain.
	inflight sync.WaitGroup
}

// NewOrchestrator validates the wiring and creates an orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator requires a store")
	}
	if cfg.Engine == nil {
		return nil, errors.New("orchestrator requires a computation engine")
	}
	if cfg.Aggregator == nil {
		return nil, errors.New("orchestrator requires a key aggregator")
	}
	if cfg.Combiner == nil {
		return nil, errors.New("orchestrator requires a share combiner")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:          cfg.Store,
		engine:         cfg.Engine,
		aggregator:     cfg.Aggregator,
		combiner:       cfg.Combiner,
		log:            log,
		computeTimeout: cfg.ComputeTimeout,
	}, nil
}

// lockStudy returns the mutex serializing all mutations of one study.
func (o *Orchestrator) lockStudy(studyID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.studyLocks == nil {
		o.studyLocks = make(map[string]*sync.Mutex)
	}
	l, ok := o.studyLocks[studyID]
	if !ok {
		l = &sync.Mutex{}
		o.studyLocks[studyID] = l
	}
	return l
}

// Drain waits for in-flight Computation Engine invocations to settle.
// Called on shutdown; new operations are not blocked.
func (o *Orchestrator) Drain() {
	o.inflight.Wait()
}

// CreateStudyParams carries the write-once study parameters.
type CreateStudyParams struct {
	Name              string
	Description       string
	Creator           string
	ThresholdT        int
	ThresholdN        int
	AllowedAlgorithms []string
}

// CreateStudy validates 1 ≤ t ≤ n, freezes the thresholds and the
// algorithm allowlist, and creates the study in the forming state.
func (o *Orchestrator) CreateStudy(ctx context.Context, params CreateStudyParams) (*protocol.Study, error) {
	if params.Name == "" {
		return nil, protocol.Validationf("study name must not be empty")
	}
	if params.Creator == "" {
		return nil, protocol.Validationf("study creator must not be empty")
	}
	cfg, err := protocol.NewStudyConfig(params.ThresholdT, params.ThresholdN, params.AllowedAlgorithms)
	if err != nil {
		return nil, err
	}

	study := protocol.NewStudy(uuid.NewString(), params.Name, params.Description, params.Creator, cfg)
	err = o.store.WithTx(func(tx Store) error {
		if err := tx.CreateStudy(study); err != nil {
			return fmt.Errorf("persist study: %w", err)
		}
		_, err := ledger.Append(tx, study.ID, ActionStudyCreated, params.Creator, map[string]any{
			"study_id":    study.ID,
			"name":        study.Name,
			"threshold_t": cfg.ThresholdT(),
			"threshold_n": cfg.ThresholdN(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.StudiesCreated.Inc()
	metrics.LedgerAppends.Inc()

	o.log.Info("study created", "studyID", study.ID, "thresholdT", cfg.ThresholdT(), "thresholdN", cfg.ThresholdN())
	return study, nil
}

// JoinStudy admits an institution into a forming study, folds its key
// share into the combined study key, and activates the study exactly
// when the n-th participant has joined.
func (o *Orchestrator) JoinStudy(ctx context.Context, studyID, institution, name string, keyShare []byte) (*protocol.Study, error) {
	if institution == "" {
		return nil, protocol.Validationf("institution identity must not be empty")
	}
	if len(keyShare) == 0 {
		return nil, protocol.Validationf("key share must not be empty")
	}

	lock := o.lockStudy(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.store.Study(studyID)
	if err != nil {
		return nil, err
	}
	roster, err := o.store.Participants(studyID)
	if err != nil {
		return nil, err
	}

	if err := study.Admit(institution, roster); err != nil {
		return nil, err
	}

	participant := &protocol.Participant{
		StudyID:     studyID,
		Institution: institution,
		Name:        name,
		KeyShare:    keyShare,
		JoinedAt:    time.Now().UTC(),
	}
	activated, err := study.FoldShare(o.aggregator, keyShare, len(roster)+1)
	if err != nil {
		return nil, fmt.Errorf("fold key share: %w", err)
	}

	err = o.store.WithTx(func(tx Store) error {
		if err := tx.AddParticipant(participant); err != nil {
			return fmt.Errorf("persist participant: %w", err)
		}
		if err := tx.UpdateStudy(study); err != nil {
			return fmt.Errorf("persist study: %w", err)
		}
		if _, err := ledger.Append(tx, studyID, ActionParticipantJoined, institution, map[string]any{
			"study_id":           studyID,
			"institution":        institution,
			"participants_total": len(roster) + 1,
		}); err != nil {
			return err
		}
		if !activated {
			return nil
		}
		_, err := ledger.Append(tx, studyID, ActionStudyActivated, institution, map[string]any{
			"study_id":               studyID,
			"public_key_fingerprint": study.PublicKeyFingerprint,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.ParticipantsJoined.Inc()
	metrics.LedgerAppends.Inc()

	if activated {
		metrics.StudiesActivated.Inc()
		metrics.LedgerAppends.Inc()
		o.log.Info("study activated", "studyID", studyID, "fingerprint", study.PublicKeyFingerprint)
	}

	return study, nil
}

// UploadDataset commits an institution's ciphertext bundle to an active
// study. The commitment hash binds the ciphertext, the study key
// fingerprint, the timestamp, and the institution, and is reproducible
// by any third party from those inputs alone. If claimedCommitment is
// non-empty it must match the recomputed hash.
func (o *Orchestrator) UploadDataset(ctx context.Context, studyID, institution, name string, ciphertext []byte, ts time.Time, claimedCommitment string) (*protocol.Dataset, error) {
	if len(ciphertext) == 0 {
		return nil, protocol.Validationf("ciphertext must not be empty")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	lock := o.lockStudy(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.store.Study(studyID)
	if err != nil {
		return nil, err
	}
	if study.State != protocol.StudyActive {
		return nil, protocol.Conflictf("study %s is %s, datasets require an active study", studyID, study.State)
	}
	if err := o.requireParticipant(studyID, institution); err != nil {
		return nil, err
	}

	commitment := crypto.Commitment(ciphertext, study.PublicKeyFingerprint, ts, institution)
	if claimedCommitment != "" && claimedCommitment != commitment {
		return nil, protocol.Validationf("claimed commitment does not match recomputed hash")
	}

	dataset := &protocol.Dataset{
		ID:             uuid.NewString(),
		StudyID:        studyID,
		Owner:          institution,
		Name:           name,
		Ciphertext:     ciphertext,
		CommitmentHash: commitment,
		CommittedAt:    ts,
	}
	err = o.store.WithTx(func(tx Store) error {
		if err := tx.AddDataset(dataset); err != nil {
			return fmt.Errorf("persist dataset: %w", err)
		}
		_, err := ledger.Append(tx, studyID, ActionDatasetCommitted, institution, map[string]any{
			"study_id":        studyID,
			"dataset_id":      dataset.ID,
			"dataset_name":    name,
			"commitment_hash": commitment,
			"size_bytes":      len(ciphertext),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.DatasetsCommitted.Inc()
	metrics.LedgerAppends.Inc()

	return dataset, nil
}

// RequestJob creates a computation request in pending_approval. The
// algorithm must be on the study's allowlist.
func (o *Orchestrator) RequestJob(ctx context.Context, studyID, requester, algorithm string, columns []string, params map[string]any) (*protocol.Job, error) {
	lock := o.lockStudy(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.store.Study(studyID)
	if err != nil {
		return nil, err
	}
	if study.State != protocol.StudyActive {
		return nil, protocol.Conflictf("study %s is %s, computations require an active study", studyID, study.State)
	}
	if err := o.requireParticipant(studyID, requester); err != nil {
		return nil, err
	}

	job, err := protocol.NewJob(uuid.NewString(), study, requester, algorithm, columns, params)
	if err != nil {
		return nil, err
	}
	err = o.store.WithTx(func(tx Store) error {
		if err := tx.CreateJob(job); err != nil {
			return fmt.Errorf("persist job: %w", err)
		}
		_, err := ledger.Append(tx, studyID, ActionComputationRequest, requester, map[string]any{
			"study_id":  studyID,
			"job_id":    job.ID,
			"algorithm": algorithm,
			"columns":   columns,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsRequested.Inc()
	metrics.LedgerAppends.Inc()

	return job, nil
}

// ApproveJob records one approval. Duplicate approvals from the same
// institution are no-ops. When all n participants have approved — full
// consent, a stricter bar than the decryption threshold — the job
// enters computing and the Computation Engine is invoked as a
// background unit of work; callers poll the job for the outcome.
func (o *Orchestrator) ApproveJob(ctx context.Context, studyID, jobID, institution string) (*protocol.Job, error) {
	lock := o.lockStudy(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.store.Study(studyID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(studyID, institution); err != nil {
		return nil, err
	}
	job, err := o.loadJob(studyID, jobID)
	if err != nil {
		return nil, err
	}

	duplicate, quorum, err := job.Approve(institution, study.Config.ThresholdN())
	if err != nil {
		return nil, err
	}
	if duplicate {
		return job, nil
	}

	err = o.store.WithTx(func(tx Store) error {
		if err := tx.UpdateJob(job); err != nil {
			return fmt.Errorf("persist job: %w", err)
		}
		if _, err := ledger.Append(tx, studyID, ActionJobApproved, institution, map[string]any{
			"study_id":  studyID,
			"job_id":    jobID,
			"approvals": len(job.Approvals),
			"required":  study.Config.ThresholdN(),
		}); err != nil {
			return err
		}
		if !quorum {
			return nil
		}
		_, err := ledger.Append(tx, studyID, ActionComputationStarted, institution, map[string]any{
			"study_id":  studyID,
			"job_id":    jobID,
			"algorithm": job.Algorithm,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerAppends.Inc()

	if quorum {
		metrics.LedgerAppends.Inc()

		datasets, err := o.store.Datasets(studyID)
		if err != nil {
			return nil, err
		}
		ciphertexts := make([][]byte, 0, len(datasets))
		for _, d := range datasets {
			ciphertexts = append(ciphertexts, d.Ciphertext)
		}

		o.inflight.Add(1)
		go o.runComputation(studyID, jobID, job.Algorithm, job.Params, ciphertexts)
	}

	return job, nil
}

// runComputation is the asynchronous Computation Engine invocation for
// one job. It runs to completion or failure; there is no cancellation
// and no automatic retry.
func (o *Orchestrator) runComputation(studyID, jobID, algorithm string, params map[string]any, ciphertexts [][]byte) {
	defer o.inflight.Done()

	ctx := context.Background()
	if o.computeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.computeTimeout)
		defer cancel()
	}

	encrypted, runErr := o.engine.Run(ctx, ciphertexts, algorithm, params)

	lock := o.lockStudy(studyID)
	lock.Lock()
	defer lock.Unlock()

	job, err := o.loadJob(studyID, jobID)
	if err != nil {
		o.log.Error("computation finished for unknown job", "studyID", studyID, "jobID", jobID, "err", err)
		return
	}

	if runErr != nil {
		if err := job.FailComputation(runErr.Error()); err != nil {
			o.log.Error("could not fail job", "jobID", jobID, "err", err)
			return
		}
		err := o.store.WithTx(func(tx Store) error {
			if err := tx.UpdateJob(job); err != nil {
				return fmt.Errorf("persist job: %w", err)
			}
			_, err := ledger.Append(tx, studyID, ActionComputationFailed, job.Requester, map[string]any{
				"study_id": studyID,
				"job_id":   jobID,
				"reason":   runErr.Error(),
			})
			return err
		})
		if err != nil {
			o.log.Error("could not persist failed job", "jobID", jobID, "err", err)
			return
		}
		metrics.JobsFailed.Inc()
		metrics.LedgerAppends.Inc()
		o.log.Warn("computation failed", "studyID", studyID, "jobID", jobID, "err", runErr)
		return
	}

	resultCommitment := crypto.Sum256Hex(encrypted)
	if err := job.FinishComputation(encrypted, resultCommitment); err != nil {
		o.log.Error("could not finish job", "jobID", jobID, "err", err)
		return
	}
	err = o.store.WithTx(func(tx Store) error {
		if err := tx.UpdateJob(job); err != nil {
			return fmt.Errorf("persist job: %w", err)
		}
		_, err := ledger.Append(tx, studyID, ActionComputationFinished, job.Requester, map[string]any{
			"study_id":          studyID,
			"job_id":            jobID,
			"result_commitment": resultCommitment,
		})
		return err
	})
	if err != nil {
		o.log.Error("could not persist finished job", "jobID", jobID, "err", err)
		return
	}
	metrics.LedgerAppends.Inc()
	o.log.Info("computation completed", "studyID", studyID, "jobID", jobID, "resultCommitment", resultCommitment)
}

// RejectJob moves a pending job to the terminal rejected state. A
// single participant's reject is final; there is no majority override.
func (o *Orchestrator) RejectJob(ctx context.Context, studyID, jobID, institution string) (*protocol.Job, error) {
	lock := o.lockStudy(studyID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := o.store.Study(studyID); err != nil {
		return nil, err
	}
	if err := o.requireParticipant(studyID, institution); err != nil {
		return nil, err
	}
	job, err := o.loadJob(studyID, jobID)
	if err != nil {
		return nil, err
	}

	if err := job.Reject(institution); err != nil {
		return nil, err
	}
	err = o.store.WithTx(func(tx Store) error {
		if err := tx.UpdateJob(job); err != nil {
			return fmt.Errorf("persist job: %w", err)
		}
		_, err := ledger.Append(tx, studyID, ActionJobRejected, institution, map[string]any{
			"study_id": studyID,
			"job_id":   jobID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsRejected.Inc()
	metrics.LedgerAppends.Inc()

	return job, nil
}

// SubmitDecryptionShare records one participant's decryption share for
// a job awaiting decryption. Approval is a prerequisite and duplicates
// are rejected. Once t distinct shares are present, the external
// ShareCombiner produces the plaintext and the job completes.
func (o *Orchestrator) SubmitDecryptionShare(ctx context.Context, studyID, jobID, institution string, share []byte) (*protocol.Job, error) {
	if len(share) == 0 {
		return nil, protocol.Validationf("decryption share must not be empty")
	}

	lock := o.lockStudy(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.store.Study(studyID)
	if err != nil {
		return nil, err
	}
	if err := o.requireParticipant(studyID, institution); err != nil {
		return nil, err
	}
	job, err := o.loadJob(studyID, jobID)
	if err != nil {
		return nil, err
	}

	thresholdT := study.Config.ThresholdT()
	quorum, err := job.SubmitShare(institution, share, thresholdT)
	if err != nil {
		return nil, err
	}

	// The share is committed as its own unit of work before combining,
	// so a combiner failure still leaves it recorded.
	err = o.store.WithTx(func(tx Store) error {
		if err := tx.UpdateJob(job); err != nil {
			return fmt.Errorf("persist job: %w", err)
		}
		_, err := ledger.Append(tx, studyID, ActionShareSubmitted, institution, map[string]any{
			"study_id": studyID,
			"job_id":   jobID,
			"shares":   len(job.Shares),
			"required": thresholdT,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerAppends.Inc()

	if !quorum {
		return job, nil
	}

	plaintext, err := o.combiner.Combine(ctx, job.EncryptedResult, job.SharesInOrder(), thresholdT)
	if err != nil {
		// The share itself was recorded; the job stays in
		// awaiting_decryption so late shares can still complete it.
		return nil, &protocol.ComputationError{Reason: "combining decryption shares", Err: err}
	}
	if err := job.Release(plaintext, thresholdT); err != nil {
		return nil, err
	}
	err = o.store.WithTx(func(tx Store) error {
		if err := tx.UpdateJob(job); err != nil {
			return fmt.Errorf("persist job: %w", err)
		}
		_, err := ledger.Append(tx, studyID, ActionResultReleased, institution, map[string]any{
			"study_id":          studyID,
			"job_id":            jobID,
			"result_commitment": job.ResultCommitment,
			"shares":            len(job.Shares),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsCompleted.Inc()
	metrics.LedgerAppends.Inc()
	o.log.Info("result released", "studyID", studyID, "jobID", jobID)

	return job, nil
}

// requireParticipant checks that the institution joined the study.
func (o *Orchestrator) requireParticipant(studyID, institution string) error {
	roster, err := o.store.Participants(studyID)
	if err != nil {
		return err
	}
	for _, p := range roster {
		if p.Institution == institution {
			return nil
		}
	}
	return protocol.Conflictf("institution %s is not a participant of study %s", institution, studyID)
}

// loadJob fetches a job and checks it belongs to the study.
func (o *Orchestrator) loadJob(studyID, jobID string) (*protocol.Job, error) {
	job, err := o.store.Job(jobID)
	if err != nil {
		return nil, err
	}
	if job.StudyID != studyID {
		return nil, protocol.NotFound("job", jobID)
	}
	return job, nil
}

// Study returns one study by id.
func (o *Orchestrator) Study(ctx context.Context, studyID string) (*protocol.Study, error) {
	return o.store.Study(studyID)
}

// Studies lists all studies.
func (o *Orchestrator) Studies(ctx context.Context) ([]*protocol.Study, error) {
	return o.store.Studies()
}

// Participants returns a study's roster in join order.
func (o *Orchestrator) Participants(ctx context.Context, studyID string) ([]*protocol.Participant, error) {
	if _, err := o.store.Study(studyID); err != nil {
		return nil, err
	}
	return o.store.Participants(studyID)
}

// Job returns one job of a study.
func (o *Orchestrator) Job(ctx context.Context, studyID, jobID string) (*protocol.Job, error) {
	if _, err := o.store.Study(studyID); err != nil {
		return nil, err
	}
	return o.loadJob(studyID, jobID)
}

// AuditTrail returns the study's audit chain in sequence order.
func (o *Orchestrator) AuditTrail(ctx context.Context, studyID string) ([]*ledger.Entry, error) {
	if _, err := o.store.Study(studyID); err != nil {
		return nil, err
	}
	return o.store.Entries(studyID)
}

// VerifyAuditChain re-verifies the study's chain and reports the
// result. A broken chain is returned as a report, never repaired.
func (o *Orchestrator) VerifyAuditChain(ctx context.Context, studyID string) (ledger.Report, error) {
	entries, err := o.AuditTrail(ctx, studyID)
	if err != nil {
		return ledger.Report{}, err
	}
	return ledger.VerifyReport(entries), nil
}
