package workflow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counters := map[string]int{"a": 0, "b": 0}
	var guard sync.Mutex
	for i := 0; i < 50; i++ {
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := k.Lock(id)
				defer unlock()
				guard.Lock()
				n := counters[id]
				guard.Unlock()
				guard.Lock()
				counters[id] = n + 1
				guard.Unlock()
			}()
		}
	}
	wg.Wait()
	require.Equal(t, 50, counters["a"])
	require.Equal(t, 50, counters["b"])

	k.mutex.Lock()
	defer k.mutex.Unlock()
	require.Empty(t, k.locks)
}
