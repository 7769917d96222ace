package protocol

import (
	"time"

	"github.com/securecollab/mpstudy/crypto"
)

// NewStudy creates a study in the forming state. cfg must come from
// NewStudyConfig; there is no way to alter thresholds or the allowlist
// afterwards.
func NewStudy(id, name, description, createdBy string, cfg StudyConfig) *Study {
	return &Study{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		Config:      cfg,
		State:       StudyForming,
		CreatedAt:   time.Now().UTC(),
	}
}

// Admit checks whether the institution may join given the current
// roster. It enforces the at-most-once membership invariant and the
// participant_count ≤ threshold_n bound; the n+1-th join always fails.
func (s *Study) Admit(institution string, roster []*Participant) error {
	if s.State != StudyForming {
		return Conflictf("study %s is %s and no longer accepts participants", s.ID, s.State)
	}
	for _, p := range roster {
		if p.Institution == institution {
			return Conflictf("institution %s already joined study %s", institution, s.ID)
		}
	}
	if len(roster) >= s.Config.ThresholdN() {
		return Conflictf("study %s is full (%d of %d slots taken)", s.ID, len(roster), s.Config.ThresholdN())
	}
	return nil
}

// FoldShare incorporates an admitted participant's key share into the
// combined study key. joined is the roster size including the new
// participant. When the n-th share is folded the combined key and its
// fingerprint are finalized and the study flips to active — exactly
// then, never before.
func (s *Study) FoldShare(aggregator KeyAggregator, share []byte, joined int) (activated bool, err error) {
	combined, err := aggregator.Fold(s.CombinedPublicKey, share)
	if err != nil {
		return false, err
	}
	s.CombinedPublicKey = combined

	if joined == s.Config.ThresholdN() {
		s.PublicKeyFingerprint = crypto.KeyFingerprint(combined)
		s.State = StudyActive
		return true, nil
	}
	return false, nil
}
