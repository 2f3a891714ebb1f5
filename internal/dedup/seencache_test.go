package dedup

import "testing"

func TestCheckAndMarkFirstSeenThenDuplicate(t *testing.T) {
	c, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if seen := c.CheckAndMark("pkt-1"); seen {
		t.Fatalf("expected first check to report not-seen")
	}
	if seen := c.CheckAndMark("pkt-1"); !seen {
		t.Fatalf("expected second check to report already-seen")
	}
	if c.Len() != 1 {
		t.Fatalf("want len 1, got %d", c.Len())
	}
}

func TestEvictionBoundedByMaxEntries(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Mark("a")
	c.Mark("b")
	c.Mark("c") // evicts "a"
	if c.Len() != 2 {
		t.Fatalf("want len 2, got %d", c.Len())
	}
	if c.Contains("a") {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Fatalf("expected b and c to remain cached")
	}
}

func TestDuplicateFloodProducesSingleFirstSeen(t *testing.T) {
	c, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	firstSeenCount := 0
	for i := 0; i < 5; i++ {
		if !c.CheckAndMark("flood-1") {
			firstSeenCount++
		}
	}
	if firstSeenCount != 1 {
		t.Fatalf("want exactly 1 first-seen result across 5 receives, got %d", firstSeenCount)
	}
}
