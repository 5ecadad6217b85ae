// Package rebalancer implements the coordinator's background repair loop:
// on a fixed tick, and only while this process holds the master lease,
// scan every file's metadata for under-replicated chunks and
// re-replicate them onto a node that doesn't already hold a copy.
package rebalancer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
	"github.com/dreamware/cryovault/internal/metrics"
	"github.com/dreamware/cryovault/internal/nodeclient"
	"github.com/dreamware/cryovault/internal/registry"
)

// DefaultInterval is how often the rebalancer scans for under-replicated
// chunks.
const DefaultInterval = 10 * time.Second

// Rebalancer runs the repair scan on a ticker. It is a no-op on every
// tick where AmILeader reports false, so every coordinator process can
// run one without causing duplicate repairs.
type Rebalancer struct {
	kv        kvstore.Client
	registry  *registry.Registry
	amILeader func() bool
	metrics   *metrics.Metrics
	log       *logrus.Entry
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Rebalancer. amILeader is consulted on every tick; m may be
// nil to disable instrumentation.
func New(kv kvstore.Client, reg *registry.Registry, amILeader func() bool, m *metrics.Metrics, log *logrus.Entry) *Rebalancer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Rebalancer{
		kv:        kv,
		registry:  reg,
		amILeader: amILeader,
		metrics:   m,
		log:       log,
		interval:  DefaultInterval,
	}
}

// WithInterval overrides the scan period, for tests.
func (r *Rebalancer) WithInterval(d time.Duration) *Rebalancer {
	r.interval = d
	return r
}

// Start runs the scan loop in a new goroutine until Stop is called or ctx
// is canceled.
func (r *Rebalancer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.tick(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels the scan loop and waits for the in-flight tick, if any, to
// finish.
func (r *Rebalancer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Rebalancer) tick(ctx context.Context) {
	if r.amILeader == nil || !r.amILeader() {
		return
	}

	keys, err := r.kv.Keys(ctx, metadata.FilePrefix)
	if err != nil {
		r.log.WithError(err).Error("rebalancer: listing file records failed")
		return
	}

	aliveNodes, err := r.registry.AliveNodes(ctx)
	if err != nil {
		r.log.WithError(err).Error("rebalancer: listing alive nodes failed")
		return
	}

	for _, key := range keys {
		r.repairFile(ctx, key, aliveNodes)
	}
}

func (r *Rebalancer) repairFile(ctx context.Context, key string, aliveNodes []string) {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		r.log.WithError(err).WithField("key", key).Warn("rebalancer: reading file record failed")
		return
	}

	var record metadata.FileRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		r.log.WithError(err).WithField("key", key).Error("rebalancer: corrupt file record")
		return
	}

	changed := false
	for i, chunk := range record.Chunks {
		if !chunk.UnderReplicated() {
			continue
		}

		target := firstEligibleTarget(aliveNodes, chunk.Nodes)
		if target == "" {
			r.log.WithField("chunkId", chunk.ChunkID).Warn("rebalancer: no eligible target node for under-replicated chunk")
			continue
		}
		source := chunk.Nodes[0]

		data, err := nodeclient.Fetch(ctx, source, chunk.ChunkID)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"chunkId": chunk.ChunkID, "source": source}).Warn("rebalancer: fetch from source failed")
			continue
		}
		if err := nodeclient.Store(ctx, target, chunk.ChunkID, data); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"chunkId": chunk.ChunkID, "target": target}).Warn("rebalancer: store to target failed")
			continue
		}

		record.Chunks[i].Nodes = append(record.Chunks[i].Nodes, target)
		changed = true

		if r.metrics != nil {
			r.metrics.RebalanceRepairs.Inc()
		}
		r.log.WithFields(logrus.Fields{
			"chunkId": chunk.ChunkID,
			"source":  source,
			"target":  target,
		}).Info("rebalancer: repaired under-replicated chunk")
	}

	if !changed {
		return
	}

	payload, err := json.Marshal(record)
	if err != nil {
		r.log.WithError(err).WithField("key", key).Error("rebalancer: marshaling repaired record failed")
		return
	}
	if err := r.kv.Set(ctx, key, string(payload)); err != nil {
		r.log.WithError(err).WithField("key", key).Error("rebalancer: writing repaired record failed")
	}
}

// firstEligibleTarget returns the first node in aliveNodes that is not
// already listed in existing, preserving aliveNodes order. It never
// removes dead nodes from existing — that is the rebalancer's job only
// in the forward direction.
func firstEligibleTarget(aliveNodes, existing []string) string {
	for _, n := range aliveNodes {
		if !slices.Contains(existing, n) {
			return n
		}
	}
	return ""
}
