package kneader

import (
	"context"
	"sync"
)

// PauseGate is the run/pause signal the mixing loop waits on once per iteration.
type PauseGate struct {
	mu      sync.Mutex
	paused  bool
	resumed bool
	epoch   uint64
	open    chan struct{}
}

func NewPauseGate() *PauseGate {
	open := make(chan struct{})
	close(open)
	return &PauseGate{open: open}
}

// Pause closes the gate. Every call bumps the epoch, even when already paused.
func (p *PauseGate) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.open = make(chan struct{})
	}
	p.epoch++
}

// Resume opens the gate. markResumed tells the mixing loop to recompute its end time.
func (p *PauseGate) Resume(markResumed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.open)
	}
	if markResumed {
		p.resumed = true
	}
}

func (p *PauseGate) Wait(ctx context.Context) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (p *PauseGate) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// TakeResumed reports and clears the resume-from-pause flag.
func (p *PauseGate) TakeResumed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.resumed
	p.resumed = false
	return r
}

func (p *PauseGate) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}
