// Package lease implements the coordinator's fenced leader election: a
// single named lock key in the external KV store, acquired and renewed on
// a fixed tick so that at most one coordinator process believes itself to
// be the leader at any instant (within the guarantees of the KV's own
// consistency model).
package lease

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
)

// Default timing constants. The 2s tick against a 5s TTL tolerates
// exactly one missed tick before the lease is allowed to lapse.
const (
	DefaultTick = 2 * time.Second
	DefaultTTL  = 5 * time.Second
)

// Lease periodically attempts to acquire or renew a single named lock key,
// exposing a cheap, lock-free AmILeader check to request handlers and
// background loops.
//
// Writes that require leadership must call AmILeader at the entry of each
// request; a process may lose leadership mid-operation, in which case
// partial side effects on storage nodes are an accepted consequence.
type Lease struct {
	kv       kvstore.Client
	log      *logrus.Entry
	masterID string
	lockKey  string
	tick     time.Duration
	ttl      time.Duration

	isLeader atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Lease for masterID, ready to Start. masterID should be
// stable for the lifetime of the process (e.g. hostname:pid or a random
// UUID chosen once at startup) so that a renewal can recognize its own
// prior acquisition.
func New(kv kvstore.Client, masterID string, log *logrus.Entry) *Lease {
	return &Lease{
		kv:       kv,
		log:      log.WithField("component", "lease"),
		masterID: masterID,
		lockKey:  metadata.MasterLockKey,
		tick:     DefaultTick,
		ttl:      DefaultTTL,
	}
}

// WithTiming overrides the default tick/TTL, primarily for tests that
// cannot wait multiple seconds for a lease to flip.
func (l *Lease) WithTiming(tick, ttl time.Duration) *Lease {
	l.tick = tick
	l.ttl = ttl
	return l
}

// Start begins the periodic acquire/renew loop in a new goroutine. Stop
// must be called to release the goroutine; it does not release the lock
// key itself (the key simply expires once renewal stops).
func (l *Lease) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx)
}

// Stop cancels the acquire/renew loop and waits for it to exit.
func (l *Lease) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}

// AmILeader returns the lease's current belief about leadership. It is a
// plain atomic load and never blocks; a stale read (a just-lost leader
// answering true for one more request) is an accepted consequence of the
// tick/TTL margin.
func (l *Lease) AmILeader() bool {
	return l.isLeader.Load()
}

// MasterID returns the identifier this process uses when attempting to
// acquire the lease.
func (l *Lease) MasterID() string {
	return l.masterID
}

func (l *Lease) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	l.tryAcquireOrRenew(ctx)
	for {
		select {
		case <-ticker.C:
			l.tryAcquireOrRenew(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tryAcquireOrRenew implements the single tick: if not
// currently leader, attempt SET-if-absent; if currently leader, confirm
// the lock key still names this process and refresh its TTL.
func (l *Lease) tryAcquireOrRenew(ctx context.Context) {
	if !l.isLeader.Load() {
		l.acquire(ctx)
		return
	}
	l.renew(ctx)
}

func (l *Lease) acquire(ctx context.Context) {
	ok, err := l.kv.SetIfAbsent(ctx, l.lockKey, l.masterID, l.ttl)
	if err != nil {
		// KV errors during acquire are ignored; retried next tick.
		l.log.WithError(err).Debug("lease acquire attempt failed, retrying next tick")
		return
	}
	if ok {
		l.isLeader.Store(true)
		l.log.WithField("masterId", l.masterID).Info("acquired leadership")
	}
}

func (l *Lease) renew(ctx context.Context) {
	val, err := l.kv.Get(ctx, l.lockKey)
	if err != nil {
		// KV errors during renew treat leadership as lost.
		l.isLeader.Store(false)
		l.log.WithError(err).Warn("lease renewal failed reading lock key, dropping leadership")
		return
	}
	if val != l.masterID {
		l.isLeader.Store(false)
		l.log.WithField("holder", val).Warn("lock key held by another master, dropping leadership")
		return
	}
	if err := l.kv.Expire(ctx, l.lockKey, l.ttl); err != nil {
		l.isLeader.Store(false)
		l.log.WithError(err).Warn("lease TTL refresh failed, dropping leadership")
	}
}
