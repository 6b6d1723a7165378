package connectortest

import (
	"fmt"
	"sync"

	"github.com/ssargent/skalddb/pkg/connector"
)

// Faulty wraps a connector and fails WriteBatch on demand with
// ErrIOFailure, without forwarding the batch.
type Faulty struct {
	connector.Connector

	mu      sync.Mutex
	failAt  int // fail the n-th WriteBatch from now, 0 = never
	batches int
}

// NewFaulty wraps inner.
func NewFaulty(inner connector.Connector) *Faulty {
	return &Faulty{Connector: inner}
}

// FailNext makes the next WriteBatch fail.
func (f *Faulty) FailNext() { f.FailAfter(0) }

// FailAfter lets n batches through and fails the one after.
func (f *Faulty) FailAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt = n + 1
}

// Batches returns how many batches were forwarded.
func (f *Faulty) Batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *Faulty) WriteBatch(writes []connector.Write) error {
	f.mu.Lock()
	if f.failAt > 0 {
		f.failAt--
		if f.failAt == 0 {
			f.mu.Unlock()
			return fmt.Errorf("%w: injected fault", connector.ErrIOFailure)
		}
	}
	f.batches++
	f.mu.Unlock()
	return f.Connector.WriteBatch(writes)
}
