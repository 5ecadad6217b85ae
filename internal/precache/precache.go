// Package precache implements the coordinator's predictive pre-cache loop:
// poll every known node's orbital status, and for any node whose blackout
// window is imminent, reconstruct every file that has a chunk replica on
// that node — while it still can — so the file stays servable once the
// node goes dark.
package precache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cryovault/internal/cache"
	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
	"github.com/dreamware/cryovault/internal/metrics"
	"github.com/dreamware/cryovault/internal/nodeclient"
	"github.com/dreamware/cryovault/internal/reader"
	"github.com/dreamware/cryovault/internal/registry"
)

// DefaultInterval is how often the loop polls node orbital status.
const DefaultInterval = 3 * time.Second

// DefaultThresholdMs is how far out a blackout must be to still count as
// imminent.
const DefaultThresholdMs = 4000

// Loop polls orbital status on a ticker and triggers reconstructions.
type Loop struct {
	kv        kvstore.Client
	registry  *registry.Registry
	reader    *reader.Reader
	cache     *cache.FileCache
	amILeader func() bool
	metrics   *metrics.Metrics
	log       *logrus.Entry

	interval  time.Duration
	threshold int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pre-cache Loop. The reader passed in should be constructed
// with a nil cache (the loop manages the cache itself and always writes
// through fileCache on success, never on an ordinary cache-hit path).
func New(kv kvstore.Client, reg *registry.Registry, rdr *reader.Reader, fileCache *cache.FileCache, amILeader func() bool, m *metrics.Metrics, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{
		kv:        kv,
		registry:  reg,
		reader:    rdr,
		cache:     fileCache,
		amILeader: amILeader,
		metrics:   m,
		log:       log,
		interval:  DefaultInterval,
		threshold: DefaultThresholdMs,
	}
}

// WithInterval overrides the poll period, for tests.
func (l *Loop) WithInterval(d time.Duration) *Loop {
	l.interval = d
	return l
}

// WithThreshold overrides the imminence threshold in milliseconds, for
// tests.
func (l *Loop) WithThreshold(ms int64) *Loop {
	l.threshold = ms
	return l
}

// Start runs the poll loop in a new goroutine until Stop is called or ctx
// is canceled.
func (l *Loop) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.tick(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels the poll loop and waits for the in-flight tick to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loop) tick(ctx context.Context) {
	if l.amILeader == nil || !l.amILeader() {
		return
	}

	for _, nodeURL := range l.registry.Nodes() {
		status, err := nodeclient.OrbitalStatusOf(ctx, nodeURL)
		if err != nil {
			l.log.WithError(err).WithField("node", nodeURL).Warn("precache: orbital status check failed")
			continue
		}
		if status.IsInBlackout || status.NextBlackoutInMs >= l.threshold {
			continue
		}

		l.log.WithFields(logrus.Fields{
			"node":      nodeURL,
			"inMs":      status.NextBlackoutInMs,
			"threshold": l.threshold,
		}).Info("precache: blackout imminent, pre-caching affected files")

		l.evacuate(ctx, nodeURL)
	}
}

func (l *Loop) evacuate(ctx context.Context, nodeURL string) {
	keys, err := l.kv.Keys(ctx, metadata.FilePrefix)
	if err != nil {
		l.log.WithError(err).Error("precache: listing file records failed")
		return
	}

	avoid := map[string]bool{nodeURL: true}

	for _, key := range keys {
		raw, err := l.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var record metadata.FileRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}

		if !hasNode(record, nodeURL) {
			continue
		}
		if !everyChunkHasAnotherReplica(record, nodeURL) {
			l.log.WithFields(logrus.Fields{"fileId": record.FileID, "node": nodeURL}).
				Warn("precache: file has a chunk whose only replica is the node going dark, skipping")
			continue
		}

		filename, data, err := l.reader.Download(ctx, record.FileID, avoid)
		if err != nil {
			l.log.WithError(err).WithField("fileId", record.FileID).Warn("precache: reconstruction failed")
			continue
		}

		l.cache.Set(cache.Entry{FileID: record.FileID, Filename: filename, Data: data})
		if l.metrics != nil {
			l.metrics.PreCacheMoves.Inc()
		}
	}
}

func hasNode(record metadata.FileRecord, nodeURL string) bool {
	for _, c := range record.Chunks {
		if c.HasNode(nodeURL) {
			return true
		}
	}
	return false
}

func everyChunkHasAnotherReplica(record metadata.FileRecord, nodeURL string) bool {
	for _, c := range record.Chunks {
		if !c.HasNode(nodeURL) {
			continue
		}
		others := 0
		for _, n := range c.Nodes {
			if n != nodeURL {
				others++
			}
		}
		if others == 0 {
			return false
		}
	}
	return true
}
