// Package registry derives the live-set of configured storage nodes from
// heartbeat timestamps recorded in the external KV store. Storage nodes
// write their own liveness; the coordinator only ever reads it.
package registry

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
)

// Registry knows the statically configured pool of node URLs and can
// classify each as alive or dead by reading its heartbeat key.
//
// The configuration order of Nodes is preserved by AliveNodes so that
// round-robin placement over the result is deterministic across calls
// with the same live-set.
type Registry struct {
	kv              kvstore.Client
	nodes           []string
	heartbeatDeadMS int64
}

// New returns a Registry over the statically configured node URLs, using
// metadata.HeartbeatDeadMS as the liveness window. Override it with
// WithHeartbeatDeadline.
func New(kv kvstore.Client, nodeURLs []string) *Registry {
	nodes := make([]string, len(nodeURLs))
	copy(nodes, nodeURLs)
	return &Registry{kv: kv, nodes: nodes, heartbeatDeadMS: metadata.HeartbeatDeadMS}
}

// WithHeartbeatDeadline overrides how stale a node's last heartbeat may be
// before AliveNodes treats it as dead. d <= 0 is ignored.
func (r *Registry) WithHeartbeatDeadline(d time.Duration) *Registry {
	if d > 0 {
		r.heartbeatDeadMS = d.Milliseconds()
	}
	return r
}

// Nodes returns the full configured node pool, in configuration order,
// regardless of liveness.
func (r *Registry) Nodes() []string {
	out := make([]string, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// NodeID derives the stable identifier used as the heartbeat KV key for a
// node URL. Hashing (rather than using the URL verbatim) keeps the key
// short and avoids KV key characters that the raw URL might contain.
func NodeID(nodeURL string) string {
	sum := sha1.Sum([]byte(nodeURL))
	return hex.EncodeToString(sum[:])[:16]
}

// AliveNodes returns, in configuration order, the node URLs whose last
// heartbeat is within the registry's heartbeat deadline of now. A node
// with no heartbeat key at all (unknown) is treated as not alive.
func (r *Registry) AliveNodes(ctx context.Context) ([]string, error) {
	alive := make([]string, 0, len(r.nodes))
	now := time.Now().UnixMilli()

	for _, url := range r.nodes {
		ok, err := r.isAlive(ctx, url, now)
		if err != nil {
			return nil, err
		}
		if ok {
			alive = append(alive, url)
		}
	}
	return alive, nil
}

func (r *Registry) isAlive(ctx context.Context, nodeURL string, nowMS int64) (bool, error) {
	raw, err := r.kv.Get(ctx, metadata.KVKeyNode(NodeID(nodeURL)))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	lastSeen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// A corrupt heartbeat value is treated as "not alive" rather than
		// as a hard error, so one bad write doesn't take the whole
		// registry read offline.
		return false, nil
	}

	return nowMS-lastSeen < r.heartbeatDeadMS, nil
}

// Heartbeat writes the current time as nodeURL's liveness timestamp. It is
// exposed here for the storage-node simulator (cmd/node) and for tests;
// the coordinator itself never calls it.
func Heartbeat(ctx context.Context, kv kvstore.Client, nodeURL string) error {
	return kv.Set(ctx, metadata.KVKeyNode(NodeID(nodeURL)), strconv.FormatInt(time.Now().UnixMilli(), 10))
}
