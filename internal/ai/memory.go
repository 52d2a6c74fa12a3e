package ai

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// processedMemoryCap bounds the save_memory dedup set; oldest ids age out
// first so long sessions stay flat.
const processedMemoryCap = 256

// processedSet is a bounded FIFO membership set keyed by call id.
type processedSet struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]bool
	order []string
}

func newProcessedSet(capacity int) *processedSet {
	if capacity <= 0 {
		capacity = processedMemoryCap
	}
	return &processedSet{cap: capacity, seen: make(map[string]bool)}
}

// Add records id and reports whether it was new.
func (s *processedSet) Add(id string) bool {
	if s == nil {
		return false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[id] {
		return false
	}
	s.seen[id] = true
	s.order = append(s.order, id)
	for len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	return true
}

func randomCallSuffix() string {
	return uuid.NewString()
}
