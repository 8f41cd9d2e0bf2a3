package server

import (
	"errors"
	"sync"
)

// ErrBusy is returned by Gate.TryRun while another run holds the gate.
var ErrBusy = errors.New("another run is in progress")

// Gate admits one lifecycle run at a time. The zero value is ready to use.
type Gate struct {
	mu sync.Mutex
}

// TryRun calls fn unless a run is already in progress. It never waits.
func (g *Gate) TryRun(fn func() error) error {
	if !g.mu.TryLock() {
		return ErrBusy
	}
	defer g.mu.Unlock()
	return fn()
}
