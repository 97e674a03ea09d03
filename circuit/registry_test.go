package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryGetIsStable(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	var wg sync.WaitGroup
	breakers := make([]*Breaker, 16)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = r.Get("validator")
		}(i)
	}
	wg.Wait()
	for _, b := range breakers {
		require.Same(t, breakers[0], b)
	}
	require.Equal(t, []string{"validator"}, r.Tools())
}

func TestRegistryOverrides(t *testing.T) {
	r := NewRegistry(RegistryOptions{
		Config: Config{FailureThreshold: 4, Cooldown: 30 * time.Second},
		Tools: map[string]Config{
			"graph": {FailureThreshold: 2},
		},
	})
	require.Equal(t, 4, r.Get("extractor").config.FailureThreshold)
	graph := r.Get("graph").config
	require.Equal(t, 2, graph.FailureThreshold)
	require.Equal(t, 30*time.Second, graph.Cooldown)
}

func TestRegistryStatusAndReset(t *testing.T) {
	clock := newFakeClock()
	var mutex sync.Mutex
	changes := map[string]int{}
	r := NewRegistry(RegistryOptions{
		Config: Config{FailureThreshold: 1, Cooldown: time.Minute},
		Now:    clock.Now,
		OnStateChange: func(tool string, from, to State) {
			mutex.Lock()
			defer mutex.Unlock()
			changes[tool]++
		},
	})
	ctx := context.Background()

	require.Error(t, r.Call(ctx, "extractor", failing))
	require.NoError(t, r.Call(ctx, "validator", succeeding))

	status := r.Status()
	require.Len(t, status, 2)
	require.Equal(t, StateOpen, status["extractor"].State)
	require.Equal(t, StateClosed, status["validator"].State)

	require.ErrorIs(t, r.Reset("nope"), ErrUnknownTool)

	require.NoError(t, r.Reset("extractor"))
	require.Equal(t, StateClosed, r.Get("extractor").State())

	require.Error(t, r.Call(ctx, "extractor", failing))
	require.Error(t, r.Call(ctx, "validator", failing))
	require.NoError(t, r.Reset(""))
	for _, s := range r.Status() {
		require.Equal(t, StateClosed, s.State)
		require.Equal(t, 0, s.FailureCount)
	}
	require.Equal(t, 4, changes["extractor"])
	require.Equal(t, 2, changes["validator"])
}

func TestRegistryCallWith(t *testing.T) {
	r := NewRegistry(RegistryOptions{Config: Config{FailureThreshold: 1}})
	never := func(error) bool { return false }
	require.ErrorIs(t, r.CallWith(context.Background(), "audit", never, failing), errBoom)
	require.Equal(t, StateClosed, r.Get("audit").State())
}
