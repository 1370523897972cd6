package prover

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

// Fake is an in-process Prover for tests and dry runs. Proof bytes are a
// deterministic function of the inputs.
type Fake struct {
	Err   error
	Delay time.Duration

	mu    sync.Mutex
	calls int
	last  Inputs
}

func (f *Fake) Prove(ctx context.Context, in Inputs) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.last = in
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	doc, err := EncodeInputs(in)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(doc)
	return append([]byte("fakeproof:"), sum[:]...), nil
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) LastInputs() Inputs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
