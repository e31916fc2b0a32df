package lx

import (
	"fmt"
	"sync"

	"github.com/luxfi/log"
)

// Committer persists the state reached at a height.
type Committer interface {
	Commit(height uint64, snap *Snapshot) error
}

// Sequencer serializes every call into an Engine. Each successful Execute
// advances the height by one and hands the new state to the Committer.
type Sequencer struct {
	mu        sync.Mutex
	engine    *Engine
	height    uint64
	committer Committer
	log       log.Logger
}

// NewSequencer wraps engine, which is at height. committer may be nil.
func NewSequencer(engine *Engine, height uint64, committer Committer) *Sequencer {
	return &Sequencer{
		engine:    engine,
		height:    height,
		committer: committer,
		log:       engine.logger.New("component", "sequencer"),
	}
}

// Execute runs fn with exclusive access to the engine. A failed fn leaves
// the height unchanged. A failed commit is returned, but the execution and
// its height stand.
func (s *Sequencer) Execute(fn func(*Engine) error) error {
	_, err := s.Apply(fn)
	return err
}

// Apply is Execute, also returning the height fn's execution was assigned.
// The height is zero when fn fails.
func (s *Sequencer) Apply(fn func(*Engine) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.engine); err != nil {
		return 0, err
	}
	s.height++
	if s.committer == nil {
		return s.height, nil
	}
	snap := s.engine.Snapshot()
	snap.Height = s.height
	if err := s.committer.Commit(s.height, snap); err != nil {
		s.log.Error("failed to commit state", "height", s.height, "error", err)
		return s.height, fmt.Errorf("commit height %d: %w", s.height, err)
	}
	return s.height, nil
}

// Read runs fn with exclusive access and no commit.
func (s *Sequencer) Read(fn func(*Engine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.engine)
}

// Height is the number of committed executions.
func (s *Sequencer) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}
