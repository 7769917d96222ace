package testutil

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/securecollab/mpstudy/crypto"
	"github.com/securecollab/mpstudy/protocol"
)

// RandomBytes generates length random bytes.
func RandomBytes(length int) []byte {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// KeyShare returns a deterministic key share for an institution, so
// tests can reproduce fold results.
func KeyShare(institution string) []byte {
	return []byte("share:" + institution)
}

// DecryptionShare returns a deterministic decryption share.
func DecryptionShare(institution string) []byte {
	return []byte("decrypt:" + institution)
}

var (
	_ protocol.ComputationEngine = (*StubEngine)(nil)
	_ protocol.KeyAggregator     = DigestAggregator{}
	_ protocol.ShareCombiner     = (*StubCombiner)(nil)
)

// StubEngine implements protocol.ComputationEngine with a canned result
// or error. Runs counts invocations.
type StubEngine struct {
	Result []byte
	Err    error
	Runs   atomic.Int64

	mu          sync.Mutex
	lastAlgo    string
	lastBundles int
}

func (e *StubEngine) Run(ctx context.Context, ciphertexts [][]byte, algorithm string, params map[string]any) ([]byte, error) {
	e.Runs.Inc()
	e.mu.Lock()
	e.lastAlgo = algorithm
	e.lastBundles = len(ciphertexts)
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Result != nil {
		return e.Result, nil
	}
	return []byte(fmt.Sprintf("encrypted(%s,%d)", algorithm, len(ciphertexts))), nil
}

// LastRun reports the algorithm and bundle count of the most recent
// invocation.
func (e *StubEngine) LastRun() (algorithm string, bundles int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAlgo, e.lastBundles
}

// DigestAggregator folds key shares by hashing the running aggregate
// with the new share. Order-sensitive and deterministic.
type DigestAggregator struct{}

func (DigestAggregator) Fold(existing []byte, share []byte) ([]byte, error) {
	if existing == nil {
		return share, nil
	}
	return []byte(crypto.Sum256Hex(existing, share)), nil
}

// StubCombiner implements protocol.ShareCombiner with a canned
// plaintext or error.
type StubCombiner struct {
	Plaintext []byte
	Err       error
}

func (c *StubCombiner) Combine(ctx context.Context, encrypted []byte, shares [][]byte, threshold int) ([]byte, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("need %d shares, got %d", threshold, len(shares))
	}
	if c.Plaintext != nil {
		return c.Plaintext, nil
	}
	return append([]byte("plain:"), encrypted...), nil
}

// Logger returns a logger suitable for tests.
func Logger() *slog.Logger {
	return slog.Default()
}
