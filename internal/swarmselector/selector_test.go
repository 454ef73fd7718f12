package swarmselector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnknownPeerIsNeverBlacklisted(t *testing.T) {
	s := New()
	require.False(t, s.Blacklisted("a"))
}

func TestBlacklistAfterManyFailuresAndLowReliability(t *testing.T) {
	s := New()
	// 24 failures: failures > 10, and reliability 0.95^24 ≈ 0.29 < 0.3.
	for i := 0; i < 24; i++ {
		s.RecordVerification("a", false)
	}
	require.True(t, s.Blacklisted("a"))
}

func TestManyFailuresAloneDoesNotBlacklistAHighReliabilityPeer(t *testing.T) {
	s := New()
	// lots of successes keep reliability high even with a few counted failures
	for i := 0; i < 30; i++ {
		s.RecordVerification("a", true)
	}
	for i := 0; i < 11; i++ {
		s.RecordFailure("a")
	}
	require.False(t, s.Blacklisted("a"))
}

func TestSelectPrefersHigherThroughputPeer(t *testing.T) {
	s := New()
	for i := 0; i < 20; i++ {
		s.RecordBlock("fast", 1<<20)
		s.RecordBlock("slow", 1<<10)
		s.Tick()
	}
	s.RecordVerification("fast", true)
	s.RecordVerification("slow", true)

	top := s.Select([]ID{"fast", "slow"}, 1)
	require.Equal(t, []ID{"fast"}, top)
}

func TestSelectExcludesBlacklistedPeers(t *testing.T) {
	s := New()
	for i := 0; i < 24; i++ {
		s.RecordVerification("bad", false)
	}
	s.RecordVerification("good", true)

	out := s.Select([]ID{"bad", "good"}, 5)
	require.Equal(t, []ID{"good"}, out)
}

func TestSelectRespectsBudget(t *testing.T) {
	s := New()
	out := s.Select([]ID{"a", "b", "c"}, 2)
	require.Len(t, out, 2)
}

func TestRecordResponseTimeAffectsScore(t *testing.T) {
	s := New()
	s.RecordResponseTime("slow", 2*time.Second)
	s.RecordResponseTime("fast", 10*time.Millisecond)

	top := s.Select([]ID{"slow", "fast"}, 1)
	require.Equal(t, []ID{"fast"}, top)
}

func TestRemoveDropsTrackedState(t *testing.T) {
	s := New()
	s.RecordVerification("a", true)
	s.Remove("a")
	require.False(t, s.Blacklisted("a"))
}
