package modulecache

import (
	"context"
	"testing"
	"time"

	"github.com/tetratelabs/wazero"
)

// emptyWasmModule is the minimal valid WASM binary: just the magic number
// and version, declaring no sections at all.
var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestRuntime(t *testing.T) (context.Context, wazero.Runtime) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return ctx, rt
}

func TestGetCompilesAndCaches(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	c, err := New(rt, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(ctx)

	m1, err := c.Get(ctx, emptyWasmModule)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after first Get", c.Len())
	}

	m2, err := c.Get(ctx, emptyWasmModule)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Fatal("Get with identical bytes should return the same warm compiled module")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after a repeated Get", c.Len())
	}
}

func TestGetEvictsOnCapacity(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	c, err := New(rt, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(ctx)

	other := append([]byte(nil), emptyWasmModule...)
	// A second byte-identical-shape-but-different module would collide on
	// the same content hash, so exercise capacity eviction by forcing the
	// second insertion to be a genuinely different set of bytes: appending
	// a custom section (id 0) with a one-byte name-length payload is still
	// a structurally valid (if minimal) WASM module addition.
	other = append(other, 0x00, 0x01, 0x00)

	if _, err := c.Get(ctx, emptyWasmModule); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, other); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (capacity-bounded LRU)", c.Len())
	}
}

func TestExpiredEntryIsRecompiled(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	c, err := New(rt, 4, time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(ctx)

	m1, err := c.Get(ctx, emptyWasmModule)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	m2, err := c.Get(ctx, emptyWasmModule)
	if err != nil {
		t.Fatal(err)
	}
	_ = m1
	_ = m2 // wazero may legitimately return an equivalent handle; Len() is the load-bearing assertion
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after expiry-triggered recompilation", c.Len())
	}
}

func TestClosePurgesWarmSet(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	c, err := New(rt, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, emptyWasmModule); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after Close, want 0", c.Len())
	}
}
