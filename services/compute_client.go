package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/securecollab/mpstudy/protocol"
)

// ComputeClient talks to an external computation service over HTTP. It
// implements the ComputationEngine, KeyAggregator, and ShareCombiner
// collaborator contracts, so a single compute service endpoint backs
// homomorphic evaluation, key aggregation, and threshold decryption.
type ComputeClient struct {
	baseURL string
	client  *http.Client
}

// NewComputeClient creates a client for the compute service at baseURL.
func NewComputeClient(baseURL string) *ComputeClient {
	return &ComputeClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

var (
	_ protocol.ComputationEngine = (*ComputeClient)(nil)
	_ protocol.KeyAggregator     = (*ComputeClient)(nil)
	_ protocol.ShareCombiner     = (*ComputeClient)(nil)
)

type computeRequest struct {
	Algorithm   string         `json:"algorithm"`
	Params      map[string]any `json:"params,omitempty"`
	Ciphertexts [][]byte       `json:"ciphertexts"`
}

type computeResponse struct {
	EncryptedResult []byte `json:"encrypted_result"`
}

// Run submits the ciphertext bundles for evaluation and returns the
// encrypted result payload.
func (c *ComputeClient) Run(ctx context.Context, ciphertexts [][]byte, algorithm string, params map[string]any) ([]byte, error) {
	var resp computeResponse
	err := c.post(ctx, "/api/v1/compute", &computeRequest{
		Algorithm:   algorithm,
		Params:      params,
		Ciphertexts: ciphertexts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.EncryptedResult, nil
}

type foldRequest struct {
	Existing []byte `json:"existing,omitempty"`
	Share    []byte `json:"share"`
}

type foldResponse struct {
	Combined []byte `json:"combined"`
}

// Fold incorporates a key share into the running aggregate.
func (c *ComputeClient) Fold(existing []byte, share []byte) ([]byte, error) {
	var resp foldResponse
	err := c.post(context.Background(), "/api/v1/keys/fold", &foldRequest{
		Existing: existing,
		Share:    share,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Combined, nil
}

type combineRequest struct {
	Encrypted []byte   `json:"encrypted"`
	Shares    [][]byte `json:"shares"`
	Threshold int      `json:"threshold"`
}

type combineResponse struct {
	Plaintext []byte `json:"plaintext"`
}

// Combine recovers the plaintext result from the encrypted payload and
// at least threshold decryption shares.
func (c *ComputeClient) Combine(ctx context.Context, encrypted []byte, shares [][]byte, threshold int) ([]byte, error) {
	var resp combineResponse
	err := c.post(ctx, "/api/v1/keys/combine", &combineRequest{
		Encrypted: encrypted,
		Shares:    shares,
		Threshold: threshold,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Plaintext, nil
}

func (c *ComputeClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("compute service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("compute service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding compute service response: %w", err)
	}
	return nil
}
