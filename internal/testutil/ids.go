package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates ids "<prefix>-1", "<prefix>-2", ...
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario produces byte-identical traces because connection ids
// no longer depend on UUID randomness.
//
// Thread-safety: Generate is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "test".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "test"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
