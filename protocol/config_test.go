package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStudyConfigValidatesThresholds(t *testing.T) {
	cases := []struct {
		name string
		t, n int
		ok   bool
	}{
		{"t equals n", 3, 3, true},
		{"t below n", 2, 3, true},
		{"single party", 1, 1, true},
		{"t above n", 4, 3, false},
		{"zero t", 0, 3, false},
		{"zero n", 1, 0, false},
		{"negative", -1, -1, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewStudyConfig(tc.t, tc.n, []string{"mean"})
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestStudyConfigAllowlistIsFrozen(t *testing.T) {
	algorithms := []string{"mean", "variance"}
	cfg, err := NewStudyConfig(2, 3, algorithms)
	require.NoError(t, err)

	// Neither mutating the caller's slice nor the returned copy may
	// leak into the config.
	algorithms[0] = "exfiltrate"
	got := cfg.AllowedAlgorithms()
	got[1] = "exfiltrate"

	require.True(t, cfg.AlgorithmAllowed("mean"))
	require.True(t, cfg.AlgorithmAllowed("variance"))
	require.False(t, cfg.AlgorithmAllowed("exfiltrate"))
}

func TestAlgorithmAllowedEmptyAllowlist(t *testing.T) {
	cfg, err := NewStudyConfig(1, 1, nil)
	require.NoError(t, err)
	require.False(t, cfg.AlgorithmAllowed("mean"))
}

func TestValidationErrorIsDistinguishable(t *testing.T) {
	_, err := NewStudyConfig(5, 2, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	var cerr *ConflictError
	require.False(t, errors.As(err, &cerr))
}
