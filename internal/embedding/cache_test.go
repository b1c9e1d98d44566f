package embedding

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTieredCacheRoundTripWithoutRedis(t *testing.T) {
	c, err := NewTieredCache(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	vec := []float32{0.1, -0.5, 3.25}
	c.Put(ctx, "g1", "m1", vec)

	// Ristretto admits asynchronously.
	deadline := time.Now().Add(time.Second)
	for {
		got, ok := c.Get(ctx, "g1", "m1")
		if ok {
			if len(got) != len(vec) || got[2] != 3.25 {
				t.Fatalf("got %v, want %v", got, vec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("vector never became readable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := c.Get(ctx, "g2", "m1"); ok {
		t.Error("vector leaked across group key")
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 1e-7}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, in[i], out[i])
		}
	}

	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("odd-length payload accepted")
	}
}
