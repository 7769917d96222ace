package protocol

import "context"

// ComputationEngine runs a homomorphic computation over the combined
// ciphertexts of a study. The engine is an external collaborator: this
// package only decides when it is invoked and what happens to the job
// on success or failure. Invocations can take seconds and are treated
// as run-to-completion-or-fail; there is no cancellation beyond ctx.
type ComputationEngine interface {
	// Run evaluates the algorithm over the ciphertext bundles and
	// returns the still-encrypted result payload.
	Run(ctx context.Context, ciphertexts [][]byte, algorithm string, params map[string]any) ([]byte, error)
}

// KeyAggregator folds participant key shares into a combined study
// public key. The cryptographic math is out of scope; the protocol only
// guarantees that Fold is called once per accepted share and that the
// key is finalized after all n shares have been folded.
type KeyAggregator interface {
	// Fold incorporates a new share. existing is nil for the first
	// share of a study.
	Fold(existing []byte, share []byte) ([]byte, error)
}

// ShareCombiner combines t-of-n decryption shares with an encrypted
// result payload to recover the plaintext.
type ShareCombiner interface {
	Combine(ctx context.Context, encrypted []byte, shares [][]byte, threshold int) ([]byte, error)
}
