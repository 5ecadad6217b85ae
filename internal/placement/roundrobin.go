// Package placement implements the replicated writer's chunk-to-node
// assignment: a process-wide rolling counter that walks a snapshot of
// live nodes so that each chunk's primary and replica are always two
// distinct nodes.
package placement

import "sync/atomic"

// RoundRobin is a monotonic, concurrency-safe counter. Concurrent uploads
// may interleave increments; correctness only requires that the counter
// advances and that atomicity of each increment is preserved, not that
// any particular upload observes contiguous values.
type RoundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin returns a counter starting at zero.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Assignment is the (primary, replica) pair chosen for one chunk.
type Assignment struct {
	Primary string
	Replica string
}

// Next assigns the next chunk in sequence to two distinct nodes drawn from
// aliveNodes (which must have length >= 2), advancing the internal
// counter by one. aliveNodes is a caller-held snapshot: the same slice
// should be used for every chunk within one upload so that indices stay
// consistent across the whole transfer.
func (r *RoundRobin) Next(aliveNodes []string) Assignment {
	l := uint64(len(aliveNodes))
	idx := r.next.Add(1) - 1

	primary := aliveNodes[idx%l]
	replica := aliveNodes[(idx+1)%l]
	return Assignment{Primary: primary, Replica: replica}
}
