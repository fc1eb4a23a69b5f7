// Package store implements the bounded content store of spec §4.1: a
// fixed-budget allocator that optionally spills allocations beyond a
// configured in-memory threshold to a pluggable SpillBackend (local disk
// or Azure Blob), while presenting callers with an opaque handle that is
// valid from alloc until free.
package store

import (
	"fmt"
	"sync"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
)

// fragmentationSafetyFactor matches spec §4.1: NoMemory is returned if the
// remaining budget minus this multiple of the largest frame seen so far,
// minus a fixed overhead, cannot satisfy the request.
const fragmentationSafetyFactor = 1.8

// fixedOverhead is a conservative per-heap bookkeeping allowance.
const fixedOverhead = 4096

// SpillBackend persists allocation bytes outside the in-memory arena. It is
// the pluggable half of the "optional disk spill" behavior in spec §4.1 —
// any implementation (local disk, object storage) is interchangeable.
type SpillBackend interface {
	Write(id string, data []byte) error
	Read(id string) ([]byte, error)
	Delete(id string) error
}

type allocation struct {
	mem     []byte // non-nil while resident in memory
	spilled bool
	spillID string
	size    int
	mapped  bool
}

// Heap is a fixed-budget content store. The zero value is not usable; use New.
type Heap struct {
	mu             sync.Mutex
	budget         int64
	used           int64
	largestFrame   int64
	spillThreshold int64
	spill          SpillBackend
	regs           *handle.Registry
	allocs         map[handle.Handle]*allocation
	nextSpillID    uint64
}

// Config configures a new Heap.
type Config struct {
	// Budget is the total number of bytes the heap may account for,
	// across resident and spilled allocations.
	Budget int64
	// SpillThreshold is the resident-bytes watermark beyond which new
	// allocations are written to Spill instead of kept in memory. Zero
	// disables spilling (Spill must then be nil).
	SpillThreshold int64
	// Spill is the optional backend used once SpillThreshold is exceeded.
	Spill SpillBackend
}

func (c *Config) applyDefaults() {
	if c.Budget <= 0 {
		c.Budget = 128 * 1024 * 1024
	}
	if c.SpillThreshold <= 0 {
		c.SpillThreshold = c.Budget
	}
}

// New creates a Heap bound to cfg and sharing the given handle registry
// (typically the owning Client's registry — the store is "owned by the
// client and shared by weak reference from each stream", spec §3).
func New(cfg Config, regs *handle.Registry) *Heap {
	cfg.applyDefaults()
	return &Heap{
		budget:         cfg.Budget,
		spillThreshold: cfg.SpillThreshold,
		spill:          cfg.Spill,
		regs:           regs,
		allocs:         make(map[handle.Handle]*allocation),
	}
}

// Size returns the strict sum of live allocation sizes (resident + spilled).
func (h *Heap) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Alloc reserves size bytes and returns an opaque handle, or
// StoreOutOfMemory if the budget (minus the fragmentation safety factor
// and fixed overhead) cannot satisfy the request.
func (h *Heap) Alloc(size int) (handle.Handle, error) {
	if size <= 0 {
		return handle.Invalid, kvserrors.NewKind(kvserrors.KindInvalidArgument, "store.alloc", fmt.Errorf("non-positive size %d", size))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if int64(size) > h.largestFrame {
		h.largestFrame = int64(size)
	}
	safety := int64(float64(h.largestFrame) * fragmentationSafetyFactor)
	remaining := h.budget - h.used
	if remaining-safety-fixedOverhead < int64(size) {
		return handle.Invalid, kvserrors.NewKind(kvserrors.KindStoreOutOfMemory, "store.alloc",
			fmt.Errorf("need %d bytes, %d remaining after safety factor %d and overhead %d", size, remaining, safety, fixedOverhead))
	}

	a := &allocation{size: size}
	if h.used+int64(size) > h.spillThreshold && h.spill != nil {
		a.spillID = fmt.Sprintf("alloc-%d", h.nextSpillID)
		h.nextSpillID++
		if err := h.spill.Write(a.spillID, make([]byte, size)); err != nil {
			return handle.Invalid, kvserrors.NewKind(kvserrors.KindStoreOutOfMemory, "store.alloc", fmt.Errorf("spill write: %w", err))
		}
		a.spilled = true
	} else {
		a.mem = make([]byte, size)
	}
	h.used += int64(size)

	hd := h.regs.Put(handle.TagAllocation, a)
	h.allocs[hd] = a
	return hd, nil
}

// Free releases the allocation backing hd. Repeated frees of the same
// handle are rejected with InvalidArgument (the handle is no longer valid
// after the first Free).
func (h *Heap) Free(hd handle.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.allocs[hd]
	if !ok {
		return kvserrors.NewKind(kvserrors.KindInvalidArgument, "store.free", fmt.Errorf("unknown handle %d", hd))
	}
	if a.spilled {
		_ = h.spill.Delete(a.spillID)
	}
	delete(h.allocs, hd)
	h.regs.Delete(hd)
	h.used -= int64(a.size)
	return nil
}

// Map returns the bytes backing hd, fetching them from the spill backend on
// first access if the allocation was spilled. Concurrent Map calls for the
// same handle observe the same region (the resident slice is cached on the
// allocation).
func (h *Heap) Map(hd handle.Handle) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.allocs[hd]
	if !ok {
		return nil, kvserrors.NewKind(kvserrors.KindInvalidArgument, "store.map", fmt.Errorf("unknown handle %d", hd))
	}
	if a.spilled {
		if a.mem == nil {
			data, err := h.spill.Read(a.spillID)
			if err != nil {
				return nil, kvserrors.NewKind(kvserrors.KindStoreOutOfMemory, "store.map", fmt.Errorf("spill read: %w", err))
			}
			a.mem = data
		}
	}
	a.mapped = true
	return a.mem, nil
}

// Unmap marks hd as no longer actively mapped. For a spilled allocation it
// writes the cached bytes back to the spill backend and drops them, so the
// next Map re-reads them; it is otherwise a bookkeeping no-op, since the Go
// runtime's GC makes explicit unmapping of resident memory unnecessary.
func (h *Heap) Unmap(hd handle.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.allocs[hd]
	if !ok {
		return kvserrors.NewKind(kvserrors.KindInvalidArgument, "store.unmap", fmt.Errorf("unknown handle %d", hd))
	}
	a.mapped = false
	if a.spilled && a.mem != nil {
		if err := h.spill.Write(a.spillID, a.mem); err != nil {
			return kvserrors.NewKind(kvserrors.KindStoreOutOfMemory, "store.unmap", fmt.Errorf("spill write: %w", err))
		}
		a.mem = nil // next Map re-reads from the backend
	}
	return nil
}

// WriteAt copies src into the allocation's bytes at offset, growing nothing
// (the allocation's size is fixed at Alloc time). Used by packagers that
// write frame bytes directly into store-owned memory instead of a scratch
// buffer, avoiding a copy.
func (h *Heap) WriteAt(hd handle.Handle, offset int, src []byte) error {
	buf, err := h.Map(hd)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(src) > len(buf) {
		return kvserrors.NewKind(kvserrors.KindInvalidArgument, "store.writeAt", fmt.Errorf("out of bounds: off=%d len=%d cap=%d", offset, len(src), len(buf)))
	}
	copy(buf[offset:], src)
	return nil
}
