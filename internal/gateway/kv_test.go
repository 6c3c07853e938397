package gateway

import (
	"context"
	"testing"
	"time"
)

func TestMemoryKV_PutGetDel(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	if err := kv.Put(ctx, "factor:credit_spreads:latest", []byte("0.7"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, ok, err := kv.Get(ctx, "factor:credit_spreads:latest")
	if err != nil || !ok {
		t.Fatalf("expected key to be found, ok=%v err=%v", ok, err)
	}
	if string(val) != "0.7" {
		t.Errorf("expected value 0.7, got %s", val)
	}

	if err := kv.Del(ctx, "factor:credit_spreads:latest"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "factor:credit_spreads:latest"); ok {
		t.Error("expected key to be gone after Del")
	}
}

func TestMemoryKV_TTLExpiry(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	if err := kv.Put(ctx, "price:v1:SPY:5:adj", []byte("x"), time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := kv.Get(ctx, "price:v1:SPY:5:adj"); ok {
		t.Error("expected expired entry to no longer be retrievable")
	}
}

func TestMemoryKV_KeysByPrefix(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	kv.Put(ctx, "factor:credit_spreads:latest", []byte("a"), 0)
	kv.Put(ctx, "factor:vix_term:latest", []byte("b"), 0)
	kv.Put(ctx, "bias:composite:latest", []byte("c"), 0)

	keys, err := kv.Keys(ctx, PrefixFactorLatest)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 factor keys, got %d (%v)", len(keys), keys)
	}
}

func TestMemoryLog_AppendAndSince(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	seq1, err := log.Append(ctx, "bias.changed", []byte("first"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := log.Append(ctx, "bias.changed", []byte("second"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq2 != seq1+1 {
		t.Errorf("expected monotonically increasing sequence, got %d then %d", seq1, seq2)
	}

	entries, err := log.Since(ctx, "bias.changed", seq1)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "second" {
		t.Fatalf("expected exactly the entry after seq1, got %+v", entries)
	}
}

func TestMemoryLog_LastN(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	for _, payload := range []string{"a", "b", "c"} {
		if _, err := log.Append(ctx, "topic", []byte(payload)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	last, err := log.LastN(ctx, "topic", 2)
	if err != nil {
		t.Fatalf("LastN: %v", err)
	}
	if len(last) != 2 || string(last[0].Payload) != "b" || string(last[1].Payload) != "c" {
		t.Fatalf("expected last 2 entries [b c], got %+v", last)
	}
}
