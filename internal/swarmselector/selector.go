// Package swarmselector scores known peers and narrows them down to the
// session budget when the candidate list grows past it. Grounded on the
// teacher's rcrowley/go-metrics EWMA usage in session/torrent.go
// (downloadSpeed/uploadSpeed), applied here to a per-peer throughput
// signal instead of a torrent-wide one.
package swarmselector

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

const (
	throughputAlpha = 0.1
	reliabilityAlpha = 0.05

	weightThroughput  = 0.4
	weightReliability = 0.3
	weightSuccessRatio = 0.2
	weightLatency      = 0.1

	blacklistFailureThreshold  = 10
	blacklistReliabilityCeiling = 0.3

	// jitterFraction is the maximum fraction of a peer's score randomly
	// added or subtracted before ranking, to keep selection from
	// converging onto the same top-N peers forever.
	jitterFraction = 0.05
)

// ID identifies a peer for scoring purposes; an endpoint string
// (host:port) when no peer-id was offered.
type ID string

type peerStats struct {
	throughput  metrics.EWMA
	reliability float64 // 0..1, EWMA-smoothed verification success

	successes int
	failures  int

	responseCount int
	totalResponse time.Duration

	blacklisted bool
}

func newPeerStats() *peerStats {
	return &peerStats{
		throughput:  metrics.NewEWMA(throughputAlpha),
		reliability: 1, // optimistic prior: unproven peers aren't penalized yet
	}
}

// Selector maintains rolling per-peer scores across the life of a swarm.
type Selector struct {
	mu    sync.Mutex
	peers map[ID]*peerStats
	rng   *rand.Rand
}

// New returns an empty Selector.
func New() *Selector {
	return &Selector{
		peers: make(map[ID]*peerStats),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Selector) statsFor(id ID) *peerStats {
	st, ok := s.peers[id]
	if !ok {
		st = newPeerStats()
		s.peers[id] = st
	}
	return st
}

// RecordBlock feeds n bytes received from id into its throughput signal.
func (s *Selector) RecordBlock(id ID, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFor(id).throughput.Update(n)
}

// RecordResponseTime feeds one request-to-reply latency sample.
func (s *Selector) RecordResponseTime(id ID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(id)
	st.totalResponse += d
	st.responseCount++
}

// RecordVerification updates id's reliability trend and success/failure
// counters following a piece verification outcome.
func (s *Selector) RecordVerification(id ID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(id, ok)
}

// RecordFailure counts a non-verification failure against id (a timeout,
// protocol violation, or dropped connection) without touching the
// reliability trend.
func (s *Selector) RecordFailure(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(id)
	st.failures++
	s.maybeBlacklistLocked(st)
}

func (s *Selector) record(id ID, ok bool) {
	st := s.statsFor(id)
	sample := 0.0
	if ok {
		sample = 1.0
		st.successes++
	} else {
		st.failures++
	}
	st.reliability = st.reliability*(1-reliabilityAlpha) + sample*reliabilityAlpha
	s.maybeBlacklistLocked(st)
}

func (s *Selector) maybeBlacklistLocked(st *peerStats) {
	if st.failures > blacklistFailureThreshold && st.reliability < blacklistReliabilityCeiling {
		st.blacklisted = true
	}
}

// Tick advances every tracked peer's throughput EWMA by one sampling
// period; call every five seconds, the tick interval go-metrics' EWMA
// assumes when converting counts to a per-second rate.
func (s *Selector) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.peers {
		st.throughput.Tick()
	}
}

// Remove drops a peer's tracked state once it disconnects.
func (s *Selector) Remove(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// Blacklisted reports whether id has crossed the failure/reliability
// threshold and should not be reconnected.
func (s *Selector) Blacklisted(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.peers[id]
	return ok && st.blacklisted
}

// score computes the composite 0..1-ish score for st. Caller holds s.mu.
func score(st *peerStats) float64 {
	throughputScore := normalizeThroughput(st.throughput.Rate())

	total := st.successes + st.failures
	successRatio := 1.0 // unproven peers default to neutral, not penalized
	if total > 0 {
		successRatio = float64(st.successes) / float64(total)
	}

	latencyScore := 1.0
	if st.responseCount > 0 {
		avg := st.totalResponse / time.Duration(st.responseCount)
		latencyScore = 1.0 / (1.0 + avg.Seconds())
	}

	return weightThroughput*throughputScore +
		weightReliability*st.reliability +
		weightSuccessRatio*successRatio +
		weightLatency*latencyScore
}

// normalizeThroughput squashes a bytes/sec rate into (0, 1).
func normalizeThroughput(bytesPerSec float64) float64 {
	const halfSaturation = 64 * 1024 // 64 KiB/s scores 0.5
	return bytesPerSec / (bytesPerSec + halfSaturation)
}

// Select ranks candidates by composite score (skipping blacklisted
// entries), applies uniform jitter to avoid permanently converging on the
// same top-N set, and returns at most budget of them, highest-scoring
// first.
func (s *Selector) Select(candidates []ID, budget int) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		id    ID
		score float64
	}
	var ranked []scored
	for _, id := range candidates {
		st, ok := s.peers[id]
		if ok && st.blacklisted {
			continue
		}
		sc := 1.0 // peers with no history yet are treated as promising
		if ok {
			sc = score(st)
		}
		jitter := (s.rng.Float64()*2 - 1) * jitterFraction * sc
		ranked = append(ranked, scored{id: id, score: sc + jitter})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if budget <= 0 || budget > len(ranked) {
		budget = len(ranked)
	}
	out := make([]ID, budget)
	for i := 0; i < budget; i++ {
		out[i] = ranked[i].id
	}
	return out
}
