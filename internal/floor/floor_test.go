package floor

import (
	"testing"
	"time"
)

// TestRequestGrantsUpToConcurrentLimit mirrors the floor test scenario from
// spec §8: three clients request 1080p60 in the same channel sequentially
// (all granted: 5+5=10 used leaves exactly 5 remaining, which still covers
// a third 1080p60 request), then a fourth is denied for hitting the
// concurrency cap.
func TestRequestGrantsUpToConcurrentLimit(t *testing.T) {
	c := New()
	now := time.Now()

	d1 := c.Request("general", "a", "alice", Q1080p60, now)
	if !d1.Granted || d1.Quality != Q1080p60 {
		t.Fatalf("first request = %+v, want granted 1080p60", d1)
	}
	d2 := c.Request("general", "b", "bob", Q1080p60, now)
	if !d2.Granted || d2.Quality != Q1080p60 {
		t.Fatalf("second request = %+v, want granted 1080p60", d2)
	}
	d3 := c.Request("general", "c", "carol", Q1080p60, now)
	if !d3.Granted || d3.Quality != Q1080p60 {
		t.Fatalf("third request = %+v, want granted 1080p60", d3)
	}

	d4 := c.Request("general", "d", "dave", Q480p30, now)
	if d4.Granted {
		t.Fatalf("fourth request should be denied at the concurrency cap: %+v", d4)
	}
	if d4.Reason != "maximum reached" {
		t.Fatalf("Reason = %q, want %q", d4.Reason, "maximum reached")
	}
}

func TestRequestGrantsExactFitAtRemainingBudget(t *testing.T) {
	c := New()
	now := time.Now()

	c.Request("general", "a", "alice", Q1080p60, now) // 5.0 used
	c.Request("general", "b", "bob", Q1080p60, now)    // 10.0 used, 5.0 remaining

	d := c.Request("general", "c", "carol", Q1080p60, now)
	if !d.Granted || d.Quality != Q1080p60 {
		t.Fatalf("expected exact-fit grant at 1080p60, got %+v", d)
	}
}

func TestStopFreesBudgetForSubsequentRequest(t *testing.T) {
	c := New()
	now := time.Now()

	c.Request("general", "a", "alice", Q1080p60, now)
	c.Request("general", "b", "bob", Q1080p60, now)
	c.Request("general", "c", "carol", Q1080p60, now)

	denied := c.Request("general", "d", "dave", Q480p30, now)
	if denied.Granted {
		t.Fatalf("expected denial at capacity")
	}

	c.Stop("general", "a")
	granted := c.Request("general", "d", "dave", Q480p30, now)
	if !granted.Granted {
		t.Fatalf("expected grant after Stop freed a slot: %+v", granted)
	}
}

func TestStatsReflectsActiveShares(t *testing.T) {
	c := New()
	now := time.Now()
	c.Request("general", "a", "alice", Q720p30, now)

	stats := c.Stats("general", now)
	if stats.Count != 1 {
		t.Fatalf("Count = %d, want 1", stats.Count)
	}
	if stats.Used != Bitrate(Q720p30) {
		t.Fatalf("Used = %v, want %v", stats.Used, Bitrate(Q720p30))
	}
	if stats.Remaining != bandwidthBudgetMbps-Bitrate(Q720p30) {
		t.Fatalf("Remaining = %v, want %v", stats.Remaining, bandwidthBudgetMbps-Bitrate(Q720p30))
	}
}

func TestExpiredSharesArePruned(t *testing.T) {
	c := New()
	start := time.Now()
	c.Request("general", "a", "alice", Q480p30, start)

	future := start.Add(maxShareDuration + time.Minute)
	stats := c.Stats("general", future)
	if stats.Count != 0 {
		t.Fatalf("expected expired share to be pruned, Count = %d", stats.Count)
	}

	// A fresh request after expiry should see the full budget again.
	d := c.Request("general", "b", "bob", Q1080p60, future)
	if !d.Granted || d.Quality != Q1080p60 {
		t.Fatalf("expected full-budget grant after pruning, got %+v", d)
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	c := New()
	now := time.Now()
	c.Request("a", "x", "x", Q1080p60, now)
	c.Request("a", "y", "y", Q1080p60, now)
	c.Request("a", "z", "z", Q1080p60, now)

	// Channel "b" has its own budget and concurrency slots.
	d := c.Request("b", "w", "w", Q1080p60, now)
	if !d.Granted {
		t.Fatalf("expected independent channel budget, got %+v", d)
	}
}
