package protocol

import "slices"

// StudyConfig carries the parameters fixed at study creation: the
// participant slot count n, the decryption quorum t, and the algorithm
// allowlist. The fields are unexported and there are no setters, so the
// configuration is structurally immutable once constructed.
type StudyConfig struct {
	thresholdT        int
	thresholdN        int
	allowedAlgorithms []string
}

// NewStudyConfig validates 1 ≤ t ≤ n and freezes the allowlist.
func NewStudyConfig(thresholdT, thresholdN int, allowedAlgorithms []string) (StudyConfig, error) {
	if thresholdN < 1 {
		return StudyConfig{}, Validationf("threshold_n must be at least 1, got %d", thresholdN)
	}
	if thresholdT < 1 || thresholdT > thresholdN {
		return StudyConfig{}, Validationf("threshold_t must satisfy 1 <= t <= n, got t=%d n=%d", thresholdT, thresholdN)
	}
	return StudyConfig{
		thresholdT:        thresholdT,
		thresholdN:        thresholdN,
		allowedAlgorithms: slices.Clone(allowedAlgorithms),
	}, nil
}

// ThresholdN returns the total participant slot count.
func (c StudyConfig) ThresholdN() int { return c.thresholdN }

// ThresholdT returns the decryption quorum.
func (c StudyConfig) ThresholdT() int { return c.thresholdT }

// AllowedAlgorithms returns a copy of the allowlist.
func (c StudyConfig) AllowedAlgorithms() []string {
	return slices.Clone(c.allowedAlgorithms)
}

// AlgorithmAllowed reports whether the algorithm is on the allowlist.
func (c StudyConfig) AlgorithmAllowed(algorithm string) bool {
	return slices.Contains(c.allowedAlgorithms, algorithm)
}
