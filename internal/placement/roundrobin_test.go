package placement

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundRobin_CyclesThroughNodes(t *testing.T) {
	r := NewRoundRobin()
	nodes := []string{"n0", "n1", "n2"}

	a0 := r.Next(nodes)
	assert.Equal(t, Assignment{Primary: "n0", Replica: "n1"}, a0)

	a1 := r.Next(nodes)
	assert.Equal(t, Assignment{Primary: "n1", Replica: "n2"}, a1)

	a2 := r.Next(nodes)
	assert.Equal(t, Assignment{Primary: "n2", Replica: "n0"}, a2)

	a3 := r.Next(nodes)
	assert.Equal(t, Assignment{Primary: "n0", Replica: "n1"}, a3)
}

func TestRoundRobin_PrimaryAndReplicaAlwaysDistinct(t *testing.T) {
	r := NewRoundRobin()
	nodes := []string{"n0", "n1"}
	for i := 0; i < 10; i++ {
		a := r.Next(nodes)
		assert.NotEqual(t, a.Primary, a.Replica)
	}
}

func TestRoundRobin_ConcurrentCallsAdvanceMonotonically(t *testing.T) {
	r := NewRoundRobin()
	nodes := []string{"n0", "n1", "n2", "n3"}

	var wg sync.WaitGroup
	seen := make(chan Assignment, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- r.Next(nodes)
		}()
	}
	wg.Wait()
	close(seen)

	count := 0
	for a := range seen {
		assert.NotEqual(t, a.Primary, a.Replica)
		count++
	}
	assert.Equal(t, 100, count)
}
