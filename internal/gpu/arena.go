package gpu

import (
	"slices"
	"sync"
	"sync/atomic"
)

// handle identifies a tracked device resource. A handle is only valid while
// its generation equals the arena's current generation; closing the arena
// bumps the generation so every outstanding handle goes stale at once.
type handle struct {
	id  uint64
	gen uint32
}

// resourceKind names what a tracked entry is, for logs.
type resourceKind string

const (
	kindBuffer     resourceKind = "buffer"
	kindTexture    resourceKind = "texture"
	kindPipeline   resourceKind = "pipeline"
	kindBindGroup  resourceKind = "bind-group"
	kindSubmission resourceKind = "submission"
)

type arenaEntry struct {
	kind    resourceKind
	label   string
	destroy func()
}

// arena tracks every resource created from a Context so that teardown can
// destroy them before the device, children first.
type arena struct {
	mu     sync.Mutex
	gen    uint32
	closed bool
	live   map[uint64]arenaEntry

	// ID generation. IDs grow monotonically, so reverse ID order is reverse
	// creation order.
	nextID atomic.Uint64
}

func newArena() *arena {
	a := &arena{gen: 1, live: make(map[uint64]arenaEntry)}
	a.nextID.Store(1)
	return a
}

// track registers a resource. It returns a zero handle and false when the
// arena is already closed; the caller must then destroy the resource itself.
func (a *arena) track(kind resourceKind, label string, destroy func()) (handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return handle{}, false
	}
	id := a.nextID.Add(1) - 1
	a.live[id] = arenaEntry{kind: kind, label: label, destroy: destroy}
	return handle{id: id, gen: a.gen}, true
}

// alive reports whether h still refers to a live resource.
func (a *arena) alive(h handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || h.gen != a.gen {
		return false
	}
	_, ok := a.live[h.id]
	return ok
}

// release destroys the resource behind h. Releasing a stale or already
// released handle is a no-op and returns false.
func (a *arena) release(h handle) bool {
	a.mu.Lock()
	if h.gen != a.gen {
		a.mu.Unlock()
		return false
	}
	e, ok := a.live[h.id]
	if ok {
		delete(a.live, h.id)
	}
	a.mu.Unlock()

	if ok && e.destroy != nil {
		e.destroy()
	}
	return ok
}

// releaseAll destroys every live resource, newest first, and invalidates all
// outstanding handles. It returns the number of resources destroyed.
func (a *arena) releaseAll() int {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.live))
	for id := range a.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	slices.Reverse(ids)
	entries := make([]arenaEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, a.live[id])
	}
	a.live = make(map[uint64]arenaEntry)
	a.gen++
	a.closed = true
	a.mu.Unlock()

	for _, e := range entries {
		slogger().Debug("gpu: releasing leaked resource", "kind", string(e.kind), "label", e.label)
		if e.destroy != nil {
			e.destroy()
		}
	}
	return len(entries)
}

// count returns the number of live resources.
func (a *arena) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
