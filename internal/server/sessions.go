package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kon-rad/tviz"
)

// Sessions holds the Loggers of runs opened through this server.
type Sessions struct {
	mu      sync.Mutex
	loggers map[string]*tviz.Logger
}

func NewSessions() *Sessions {
	return &Sessions{loggers: make(map[string]*tviz.Logger)}
}

func (s *Sessions) Add(l *tviz.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggers[l.RunID()] = l
}

func (s *Sessions) Get(runID string) (*tviz.Logger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loggers[runID]
	return l, ok
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loggers)
}

// Close ends one run. The session is dropped only once its Logger closed.
func (s *Sessions) Close(runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loggers[runID]
	if !ok {
		return false, nil
	}
	if err := l.Close(); err != nil {
		return true, err
	}
	delete(s.loggers, runID)
	return true, nil
}

// CloseAll ends every open run and reports every failure.
func (s *Sessions) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var joined error
	for id, l := range s.loggers {
		if err := ctx.Err(); err != nil {
			return errors.Join(joined, err)
		}
		if err := l.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("close run %s: %w", id, err))
			continue
		}
		delete(s.loggers, id)
	}
	return joined
}
