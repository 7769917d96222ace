package services

import (
	"context"
	"time"

	"github.com/securecollab/mpstudy/crypto"
	"github.com/securecollab/mpstudy/ledger"
)

// ProtocolReport is the read-only view of a study's protocol state. It
// is safe to hand to any party by construction: every field is derived
// from data that never holds plaintext or private key material —
// datasets appear as commitment hashes, key shares as fingerprints,
// results as commitments.
type ProtocolReport struct {
	Study        StudyView         `json:"study"`
	Participants []ParticipantView `json:"participants"`
	Datasets     []DatasetView     `json:"datasets"`
	Jobs         []JobView         `json:"jobs"`
	Audit        AuditSummary      `json:"audit"`
}

// StudyView is the public projection of a study.
type StudyView struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Description          string   `json:"description,omitempty"`
	State                string   `json:"state"`
	ThresholdT           int      `json:"threshold_t"`
	ThresholdN           int      `json:"threshold_n"`
	AllowedAlgorithms    []string `json:"allowed_algorithms"`
	PublicKeyFingerprint string   `json:"public_key_fingerprint,omitempty"`
	CreatedBy            string   `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
}

// ParticipantView lists an institution's membership. The key share is
// reduced to its fingerprint.
type ParticipantView struct {
	Institution         string    `json:"institution"`
	Name                string    `json:"name,omitempty"`
	KeyShareFingerprint string    `json:"key_share_fingerprint"`
	JoinedAt            time.Time `json:"joined_at"`
}

// DatasetView identifies a committed dataset by its commitment hash
// only; the ciphertext itself is not part of the report.
type DatasetView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Owner          string    `json:"owner"`
	CommitmentHash string    `json:"commitment_hash"`
	CommittedAt    time.Time `json:"committed_at"`
}

// JobView summarizes one computation request.
type JobView struct {
	ID               string    `json:"id"`
	Requester        string    `json:"requester"`
	Algorithm        string    `json:"algorithm"`
	State            string    `json:"state"`
	Approvals        int       `json:"approvals"`
	DecryptionShares int       `json:"decryption_shares"`
	ResultCommitment string    `json:"result_commitment,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	RejectedBy       string    `json:"rejected_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AuditSummary condenses the study's chain: length, head and tail
// hashes, and the verification verdict.
type AuditSummary struct {
	Entries     int    `json:"entries"`
	GenesisHash string `json:"genesis_hash,omitempty"`
	HeadHash    string `json:"head_hash,omitempty"`
	ChainValid  bool   `json:"chain_valid"`
}

// ProtocolReport assembles the full read-only view of a study.
func (o *Orchestrator) ProtocolReport(ctx context.Context, studyID string) (*ProtocolReport, error) {
	study, err := o.store.Study(studyID)
	if err != nil {
		return nil, err
	}
	roster, err := o.store.Participants(studyID)
	if err != nil {
		return nil, err
	}
	datasets, err := o.store.Datasets(studyID)
	if err != nil {
		return nil, err
	}
	jobs, err := o.store.Jobs(studyID)
	if err != nil {
		return nil, err
	}
	entries, err := o.store.Entries(studyID)
	if err != nil {
		return nil, err
	}

	report := &ProtocolReport{
		Study: StudyView{
			ID:                   study.ID,
			Name:                 study.Name,
			Description:          study.Description,
			State:                string(study.State),
			ThresholdT:           study.Config.ThresholdT(),
			ThresholdN:           study.Config.ThresholdN(),
			AllowedAlgorithms:    study.Config.AllowedAlgorithms(),
			PublicKeyFingerprint: study.PublicKeyFingerprint,
			CreatedBy:            study.CreatedBy,
			CreatedAt:            study.CreatedAt,
		},
		Participants: make([]ParticipantView, 0, len(roster)),
		Datasets:     make([]DatasetView, 0, len(datasets)),
		Jobs:         make([]JobView, 0, len(jobs)),
	}

	for _, p := range roster {
		report.Participants = append(report.Participants, ParticipantView{
			Institution:         p.Institution,
			Name:                p.Name,
			KeyShareFingerprint: crypto.KeyFingerprint(p.KeyShare),
			JoinedAt:            p.JoinedAt,
		})
	}
	for _, d := range datasets {
		report.Datasets = append(report.Datasets, DatasetView{
			ID:             d.ID,
			Name:           d.Name,
			Owner:          d.Owner,
			CommitmentHash: d.CommitmentHash,
			CommittedAt:    d.CommittedAt,
		})
	}
	for _, j := range jobs {
		report.Jobs = append(report.Jobs, JobView{
			ID:               j.ID,
			Requester:        j.Requester,
			Algorithm:        j.Algorithm,
			State:            string(j.State),
			Approvals:        len(j.Approvals),
			DecryptionShares: len(j.Shares),
			ResultCommitment: j.ResultCommitment,
			FailureReason:    j.FailureReason,
			RejectedBy:       j.RejectedBy,
			CreatedAt:        j.CreatedAt,
			UpdatedAt:        j.UpdatedAt,
		})
	}

	report.Audit = AuditSummary{
		Entries:    len(entries),
		ChainValid: ledger.VerifyChain(entries),
	}
	if len(entries) > 0 {
		report.Audit.GenesisHash = entries[0].EntryHash
		report.Audit.HeadHash = entries[len(entries)-1].EntryHash
	}

	return report, nil
}
