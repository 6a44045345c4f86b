package engine

import (
	"sync"
	"testing"
	"time"

	"releaseflow/internal/domain"
)

func TestReopenIfCompleted(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rel := domain.Release{Completed: true, CompletedAt: &at, LastCompletedAt: &at}
	if !reopenIfCompleted(&rel) {
		t.Fatalf("completed release should reopen")
	}
	if rel.Completed || rel.CompletedAt != nil || rel.LastCompletedAt == nil {
		t.Fatalf("unexpected state after reopen: %+v", rel)
	}
	if reopenIfCompleted(&rel) {
		t.Fatalf("open release must not reopen again")
	}
}

func TestKeyedLocksSerializeAndRelease(t *testing.T) {
	k := newKeyedLocks()
	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("release:1")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("lock allowed %d holders", maxInside)
	}
	if k.size() != 0 {
		t.Fatalf("idle keys should be dropped, have %d", k.size())
	}
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	unlockB()
	unlockA()
}
