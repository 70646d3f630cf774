package batch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/labflow/internal/workflow"
	"github.com/pitabwire/labflow/model"
)

func testBatchResult() workflow.BatchResult {
	return workflow.BatchResult{Success: true, Count: 3}
}

// --- MemoryIdempotencyStore ---

func TestMemoryIdempotencyStore_CheckNotFound(t *testing.T) {
	store := NewMemoryIdempotencyStore()

	result, found, err := store.Check(context.Background(), "idem:batch:mark_processed:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestMemoryIdempotencyStore_StoreAndCheck(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := "idem:batch:mark_processed:key1"

	if err := store.Store(ctx, key, "hash-abc", testBatchResult(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if result.Count != 3 || !result.Success {
		t.Errorf("result = %+v", result)
	}
}

func TestMemoryIdempotencyStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := "idem:batch:mark_processed:key1"

	_ = store.Store(ctx, key, "hash-abc", testBatchResult(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-different")
	if !found {
		t.Error("found = false, want true")
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if envErr.Code != model.ErrConflict {
		t.Errorf("code = %s, want %s", envErr.Code, model.ErrConflict)
	}
}

func TestMemoryIdempotencyStore_ExpiredEntryRemovedOnCheck(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := "idem:batch:mark_processed:key1"

	_ = store.Store(ctx, key, "hash-abc", testBatchResult(), 1*time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, found, _ := store.Check(ctx, key, "hash-abc")
	if found {
		t.Error("found = true for expired entry")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

// --- RedisIdempotencyStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestRedisIdempotencyStore_CheckNotFound(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)

	result, found, err := store.Check(context.Background(), "idem:batch:x:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || result != nil {
		t.Errorf("found = %v, result = %+v, want miss", found, result)
	}
}

func TestRedisIdempotencyStore_StoreAndCheck(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := "idem:batch:mark_reviewed:key1"

	if err := store.Store(ctx, key, "hash-abc", testBatchResult(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if *result != testBatchResult() {
		t.Errorf("result = %+v, want %+v", *result, testBatchResult())
	}
}

func TestRedisIdempotencyStore_ConflictOnHashMismatch(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := "idem:batch:mark_reviewed:key1"

	_ = store.Store(ctx, key, "hash-abc", testBatchResult(), 5*time.Minute)
	_, _, err := store.Check(ctx, key, "hash-other")
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestRedisIdempotencyStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := "idem:batch:mark_reviewed:key1"

	_ = store.Store(ctx, key, "hash-abc", testBatchResult(), 10*time.Second)

	// Fast-forward miniredis time past TTL.
	mr.FastForward(11 * time.Second)

	_, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true after TTL expiry")
	}
}

func TestRedisIdempotencyStore_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck error: %v", err)
	}
	mr.Close()
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck succeeded against a closed server")
	}
}

func TestFormatIdempotencyKey(t *testing.T) {
	got := FormatIdempotencyKey("mark_processed", "abc-123")
	want := "idem:batch:mark_processed:abc-123"
	if got != want {
		t.Errorf("FormatIdempotencyKey = %q, want %q", got, want)
	}
}
