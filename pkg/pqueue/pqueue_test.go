// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pqueue

import "testing"

func TestPopReturnsHighestScoreFirst(t *testing.T) {
	q := New()
	q.Push(Item{Score: 1, ID: 1})
	q.Push(Item{Score: 5, ID: 2})
	q.Push(Item{Score: 3, ID: 3})

	first, ok := q.Pop()
	if !ok || first.ID != 2 {
		t.Fatalf("expected id 2 (score 5) first, got %+v ok=%v", first, ok)
	}
	second, ok := q.Pop()
	if !ok || second.ID != 3 {
		t.Fatalf("expected id 3 (score 3) second, got %+v", second)
	}
}

func TestPushRejectsDuplicateID(t *testing.T) {
	q := New()
	q.Push(Item{Score: 1, ID: 1})
	q.Push(Item{Score: 99, ID: 1})

	if q.Len() != 1 {
		t.Fatalf("expected duplicate push to be dropped, len=%d", q.Len())
	}
}

func TestPopOnEmptyQueueReturnsFalse(t *testing.T) {
	q := New()
	_, ok := q.Pop()
	if ok {
		t.Fatal("expected Pop on empty queue to return ok=false")
	}
}

func TestContainsReflectsPendingState(t *testing.T) {
	q := New()
	q.Push(Item{Score: 1, ID: 7})
	if !q.Contains(7) {
		t.Fatal("expected id 7 to be pending")
	}
	q.Pop()
	if q.Contains(7) {
		t.Fatal("expected id 7 no longer pending after pop")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	q := New()
	q.Push(Item{Score: 1, ID: 1, Depth: 0})
	q.Push(Item{Score: 5, ID: 2, Depth: 1})
	q.Push(Item{Score: 3, ID: 3, Depth: 2})

	snap := q.Snapshot()
	restored := Restore(snap)

	if restored.Len() != 3 {
		t.Fatalf("expected 3 items restored, got %d", restored.Len())
	}
	first, ok := restored.Pop()
	if !ok || first.ID != 2 {
		t.Fatalf("expected restored heap property to surface id 2 first, got %+v", first)
	}
	if !restored.Contains(3) {
		t.Fatal("expected id 3 still pending after one pop")
	}
}
