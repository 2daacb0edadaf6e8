package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs returns an ID generator producing "prefix-1", "prefix-2",
// and so on. The same scenario run twice produces identical IDs, which
// keeps diffs and golden files stable.
//
// Thread-safe.
func SequenceIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
