package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/securecollab/mpstudy/crypto"
	"github.com/securecollab/mpstudy/protocol"
)

// sealPrefix marks payloads produced by LocalCrypto.
var sealPrefix = []byte("mpstudy-sealed:")

// LocalCrypto is an in-process stand-in for an external compute
// service, used by single-node deployments and demos. It implements
// all three collaborator contracts with deterministic constructions:
// Run produces a "sealed" JSON summary of the inputs, Fold chains key
// shares through SHA3, and Combine strips the seal once the share
// threshold is met. It provides no cryptographic protection.
type LocalCrypto struct{}

var (
	_ protocol.ComputationEngine = LocalCrypto{}
	_ protocol.KeyAggregator     = LocalCrypto{}
	_ protocol.ShareCombiner     = LocalCrypto{}
)

type localResult struct {
	Algorithm    string         `json:"algorithm"`
	Params       map[string]any `json:"params,omitempty"`
	Inputs       int            `json:"inputs"`
	InputDigests []string       `json:"input_digests"`
}

// Run summarizes the ciphertext bundles and seals the summary.
func (LocalCrypto) Run(ctx context.Context, ciphertexts [][]byte, algorithm string, params map[string]any) ([]byte, error) {
	if len(ciphertexts) == 0 {
		return nil, fmt.Errorf("no ciphertext bundles to compute over")
	}
	res := localResult{
		Algorithm:    algorithm,
		Params:       params,
		Inputs:       len(ciphertexts),
		InputDigests: make([]string, 0, len(ciphertexts)),
	}
	for _, ct := range ciphertexts {
		res.InputDigests = append(res.InputDigests, crypto.Sum256Hex(ct))
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return append(slices.Clone(sealPrefix), payload...), nil
}

// Fold chains key shares: the first share seeds the aggregate, each
// further share is hashed into it.
func (LocalCrypto) Fold(existing []byte, share []byte) ([]byte, error) {
	if len(share) == 0 {
		return nil, fmt.Errorf("empty key share")
	}
	if existing == nil {
		return slices.Clone(share), nil
	}
	return []byte(crypto.Sum256Hex(existing, share)), nil
}

// Combine unseals the encrypted payload once threshold shares are
// present.
func (LocalCrypto) Combine(ctx context.Context, encrypted []byte, shares [][]byte, threshold int) ([]byte, error) {
	if len(shares) < threshold {
		return nil, fmt.Errorf("need %d decryption shares, got %d", threshold, len(shares))
	}
	if !bytes.HasPrefix(encrypted, sealPrefix) {
		return nil, fmt.Errorf("payload was not sealed by this engine")
	}
	return slices.Clone(bytes.TrimPrefix(encrypted, sealPrefix)), nil
}
