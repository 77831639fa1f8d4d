package audit

import "testing"

func TestRingFIFOEviction(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Entry{ClientIP: "1.2.3.4", Status: 200})
	}
	if r.Len() != 3 {
		t.Fatalf("expected ring to cap at 3 entries, got %d", r.Len())
	}
	entries, total := r.Query(0, 10, Filter{})
	if total != 3 || len(entries) != 3 {
		t.Fatalf("expected 3 surviving entries, got total=%d len=%d", total, len(entries))
	}
	// The two oldest entries (IDs 1 and 2) should have been evicted; the
	// surviving IDs are 3, 4, 5.
	if entries[0].ID != 3 {
		t.Fatalf("expected oldest surviving entry to have ID 3, got %d", entries[0].ID)
	}
}

func TestRingQueryFiltersByIPAndRuleID(t *testing.T) {
	r := NewRing(10)
	r.Append(Entry{ClientIP: "1.1.1.1", RuleID: "rule-1"})
	r.Append(Entry{ClientIP: "2.2.2.2", RuleID: "rule-2"})
	r.Append(Entry{ClientIP: "1.1.1.1", RuleID: "rule-2"})

	entries, total := r.Query(0, 10, Filter{IP: "1.1.1.1"})
	if total != 2 || len(entries) != 2 {
		t.Fatalf("expected 2 entries for IP filter, got %d/%d", len(entries), total)
	}

	entries, total = r.Query(0, 10, Filter{RuleID: "rule-2"})
	if total != 2 || len(entries) != 2 {
		t.Fatalf("expected 2 entries for rule_id filter, got %d/%d", len(entries), total)
	}
}

func TestRingQueryPagination(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append(Entry{ClientIP: "1.2.3.4"})
	}
	entries, total := r.Query(2, 2, Filter{})
	if total != 5 || len(entries) != 2 {
		t.Fatalf("expected page of 2 out of 5 total, got %d/%d", len(entries), total)
	}
}

func TestStatsSnapshotReflectsIncrements(t *testing.T) {
	s := NewStats()
	s.IncRequests()
	s.IncRequests()
	s.IncBlocked("bot")
	s.IncRateLimited()
	s.IncBotsDetected()
	s.IncChallengesIssued()
	s.IncChallengesSolved()

	snap := s.Snapshot()
	if snap.TotalRequests != 2 {
		t.Fatalf("expected 2 total requests, got %d", snap.TotalRequests)
	}
	if snap.BlockedRequests != 1 || snap.RateLimitedRequests != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.BotsDetected != 1 || snap.ChallengesIssued != 1 || snap.ChallengesSolved != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
