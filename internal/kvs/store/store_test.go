package store

import (
	"testing"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
)

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	h := New(Config{Budget: 1 << 20}, handle.New())

	hd, err := h.Alloc(1024)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got := h.Size(); got != 1024 {
		t.Fatalf("size = %d, want 1024", got)
	}

	buf, err := h.Map(hd)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(buf) != 1024 {
		t.Fatalf("mapped len = %d, want 1024", len(buf))
	}
	copy(buf, []byte("hello"))

	buf2, err := h.Map(hd)
	if err != nil {
		t.Fatalf("second map: %v", err)
	}
	if string(buf2[:5]) != "hello" {
		t.Fatalf("concurrent map did not return same region")
	}

	if err := h.Free(hd); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := h.Size(); got != 0 {
		t.Fatalf("size after free = %d, want 0", got)
	}
	if err := h.Free(hd); kvserrors.KindOf(err) != kvserrors.KindInvalidArgument {
		t.Fatalf("double free should be InvalidArgument, got %v", err)
	}
}

func TestHeapOutOfMemory(t *testing.T) {
	h := New(Config{Budget: 4096}, handle.New())
	if _, err := h.Alloc(1 << 20); kvserrors.KindOf(err) != kvserrors.KindStoreOutOfMemory {
		t.Fatalf("expected StoreOutOfMemory, got %v", err)
	}
}

func TestHeapSpillsBeyondThreshold(t *testing.T) {
	dir := t.TempDir()
	spiller, err := NewDiskSpiller(dir)
	if err != nil {
		t.Fatalf("new spiller: %v", err)
	}
	defer spiller.Close()

	h := New(Config{Budget: 1 << 20, SpillThreshold: 128, Spill: spiller}, handle.New())

	hd1, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("alloc1: %v", err)
	}
	hd2, err := h.Alloc(256) // pushes resident total past threshold -> spills
	if err != nil {
		t.Fatalf("alloc2: %v", err)
	}

	buf1, err := h.Map(hd1)
	if err != nil {
		t.Fatalf("map1: %v", err)
	}
	copy(buf1, []byte("resident"))

	buf2, err := h.Map(hd2)
	if err != nil {
		t.Fatalf("map2: %v", err)
	}
	copy(buf2, []byte("spilled-data"))

	if err := h.Unmap(hd2); err != nil {
		t.Fatalf("unmap2: %v", err)
	}
	buf2again, err := h.Map(hd2)
	if err != nil {
		t.Fatalf("remap2: %v", err)
	}
	if string(buf2again[:12]) != "spilled-data" {
		t.Fatalf("spilled allocation did not round-trip: %q", buf2again[:12])
	}
}

func TestHeapInvalidAllocSize(t *testing.T) {
	h := New(Config{Budget: 1024}, handle.New())
	if _, err := h.Alloc(0); kvserrors.KindOf(err) != kvserrors.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument for zero size, got %v", err)
	}
}
