package notify

import (
	"context"
	"sync"
)

// MemorySink records notices in memory. Test double.
type MemorySink struct {
	mu      sync.Mutex
	notices []FailureNotice
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Emit(_ context.Context, notice FailureNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, notice)
	return nil
}

// Notices returns a copy of everything emitted so far.
func (s *MemorySink) Notices() []FailureNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailureNotice, len(s.notices))
	copy(out, s.notices)
	return out
}
