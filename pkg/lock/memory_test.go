package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

// newTestManager returns a memory manager with a controllable clock.
func newTestManager(start time.Time) (*MemoryManager, *time.Time) {
	m := NewMemoryManager()
	current := start
	m.now = func() time.Time { return current }
	return m, &current
}

func TestMemoryManager_TryAcquire(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Now())

	owner, ok, err := m.TryAcquire(ctx, "refresh:cust=1:type=CAMPAIGN", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected first acquire to succeed")
	}
	if owner == "" {
		t.Error("Expected a non-empty owner token")
	}

	// Same key is now held.
	_, ok, err = m.TryAcquire(ctx, "refresh:cust=1:type=CAMPAIGN", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if ok {
		t.Error("Expected acquire of a held lock to fail")
	}

	// A different key is unaffected.
	_, ok, err = m.TryAcquire(ctx, "refresh:cust=1:type=AD_GROUP", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Error("Expected acquire of a different key to succeed")
	}
}

func TestMemoryManager_TryAcquire_Concurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	const goroutines = 50
	var wg sync.WaitGroup
	winners := make(chan string, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if owner, ok, err := m.TryAcquire(ctx, "refresh:cust=1:type=CAMPAIGN", time.Minute); err == nil && ok {
				winners <- owner
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("Expected exactly one winner, got %d", count)
	}
}

func TestMemoryManager_Release(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Now())

	owner, ok, _ := m.TryAcquire(ctx, "key", time.Minute)
	if !ok {
		t.Fatal("Acquire failed")
	}

	// A forged token must not release.
	released, err := m.Release(ctx, "key", "not-the-owner")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released {
		t.Error("Expected release with a forged token to be refused")
	}
	if refreshing, _ := m.IsRefreshing(ctx, "key"); !refreshing {
		t.Error("Lock should still be held after refused release")
	}

	// The real owner releases.
	released, err = m.Release(ctx, "key", owner)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !released {
		t.Error("Expected release with the correct token to succeed")
	}

	// Releasing a now-absent lock is a no-op.
	released, _ = m.Release(ctx, "key", owner)
	if released {
		t.Error("Expected release of an absent lock to report false")
	}
}

func TestMemoryManager_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Now())

	ownerA, ok, _ := m.TryAcquire(ctx, "key", time.Minute)
	if !ok {
		t.Fatal("Acquire failed")
	}

	// Just before expiry the lock still blocks.
	*clock = clock.Add(59 * time.Second)
	if _, ok, _ := m.TryAcquire(ctx, "key", time.Minute); ok {
		t.Error("Expected acquire to fail before TTL expiry")
	}

	// At expiry the lock is gone and a new owner can take it.
	*clock = clock.Add(time.Second)
	ownerB, ok, _ := m.TryAcquire(ctx, "key", time.Minute)
	if !ok {
		t.Fatal("Expected acquire to succeed after TTL expiry")
	}
	if ownerA == ownerB {
		t.Error("Expected a fresh owner token after expiry")
	}

	// The dead holder's token must not release the new holder's lock.
	if released, _ := m.Release(ctx, "key", ownerA); released {
		t.Error("Stale owner token released the new lock")
	}
}

func TestMemoryManager_KeyBackoff(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Now())

	if err := m.SetBackoff(ctx, "key", 30*time.Second, false); err != nil {
		t.Fatalf("SetBackoff failed: %v", err)
	}

	if _, ok, _ := m.TryAcquire(ctx, "key", time.Minute); ok {
		t.Error("Expected acquire to fail during key backoff")
	}
	if _, ok, _ := m.TryAcquire(ctx, "other", time.Minute); !ok {
		t.Error("Expected an unrelated key to acquire during key backoff")
	}

	*clock = clock.Add(31 * time.Second)
	if _, ok, _ := m.TryAcquire(ctx, "key", time.Minute); !ok {
		t.Error("Expected acquire to succeed after backoff elapsed")
	}
}

func TestMemoryManager_GlobalBackoff(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Now())

	if err := m.SetBackoff(ctx, "whatever", 2*time.Minute, true); err != nil {
		t.Fatalf("SetBackoff failed: %v", err)
	}

	for _, key := range []string{"a", "b", "c"} {
		if _, ok, _ := m.TryAcquire(ctx, key, time.Minute); ok {
			t.Errorf("Expected acquire of %q to fail during global backoff", key)
		}
	}

	*clock = clock.Add(2*time.Minute + time.Second)
	if _, ok, _ := m.TryAcquire(ctx, "a", time.Minute); !ok {
		t.Error("Expected acquire to succeed after global backoff elapsed")
	}
}

func TestMemoryManager_ForceRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Now())

	if _, ok, _ := m.TryAcquire(ctx, "key", time.Minute); !ok {
		t.Fatal("Acquire failed")
	}

	if err := m.ForceRelease(ctx, "key"); err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}
	if refreshing, _ := m.IsRefreshing(ctx, "key"); refreshing {
		t.Error("Lock should be gone after force release")
	}

	// Force releasing an absent key is fine.
	if err := m.ForceRelease(ctx, "absent"); err != nil {
		t.Errorf("ForceRelease of absent key failed: %v", err)
	}
}

func TestMemoryManager_RefreshAge(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Now())

	if _, _, err := m.TryAcquire(ctx, "key", 5*time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	*clock = clock.Add(90 * time.Second)
	age, ok, err := m.RefreshAge(ctx, "key")
	if err != nil {
		t.Fatalf("RefreshAge failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected an in-flight refresh")
	}
	if age != 90*time.Second {
		t.Errorf("Expected age 90s, got %s", age)
	}

	if _, ok, _ := m.RefreshAge(ctx, "absent"); ok {
		t.Error("Expected no refresh age for an absent key")
	}
}

func TestMemoryManager_Status(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Now())

	m.TryAcquire(ctx, "b", time.Minute)
	m.TryAcquire(ctx, "a", time.Minute)
	m.SetBackoff(ctx, "c", 30*time.Second, false)
	m.SetBackoff(ctx, "", time.Minute, true)

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Locks) != 2 {
		t.Fatalf("Expected 2 locks, got %d", len(status.Locks))
	}
	if status.Locks[0].Key != "a" || status.Locks[1].Key != "b" {
		t.Errorf("Expected locks sorted by key, got %v, %v", status.Locks[0].Key, status.Locks[1].Key)
	}
	if len(status.Backoffs) != 2 {
		t.Fatalf("Expected 2 backoffs, got %d", len(status.Backoffs))
	}
	if status.Backoffs[0].Key != GlobalBackoffKey {
		t.Errorf("Expected the global backoff first, got %q", status.Backoffs[0].Key)
	}

	// Expired entries disappear from status.
	*clock = clock.Add(2 * time.Minute)
	status, _ = m.Status(ctx)
	if len(status.Locks) != 0 || len(status.Backoffs) != 0 {
		t.Errorf("Expected empty status after expiry, got %d locks, %d backoffs",
			len(status.Locks), len(status.Backoffs))
	}
}
