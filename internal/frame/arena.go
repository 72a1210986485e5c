package frame

import (
	"fmt"
	"sync"

	"github.com/smazurov/campipe/internal/camera"
)

// Handle addresses an arena slot. The generation changes every time the slot
// is reused, so a stale handle never resolves to a newer frame.
type Handle struct {
	Index      uint32
	Generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Index, h.Generation)
}

// ReleaseFunc receives the buffers still attached to a frame whose last
// reference was dropped.
type ReleaseFunc func(count uint32, bufs []camera.Buffer)

// Arena is a fixed pool of Frame slots.
type Arena struct {
	mu        sync.Mutex
	slots     []*Frame
	free      []uint32
	onRelease ReleaseFunc
	live      int
}

// NewArena creates an arena with size slots. onRelease may be nil.
func NewArena(size int, onRelease ReleaseFunc) *Arena {
	a := &Arena{
		slots:     make([]*Frame, size),
		free:      make([]uint32, 0, size),
		onRelease: onRelease,
	}
	for i := size - 1; i >= 0; i-- {
		a.slots[i] = &Frame{arena: a, handle: Handle{Index: uint32(i)}}
		a.free = append(a.free, uint32(i))
	}
	return a
}

// SetReleaseFunc replaces the release callback.
func (a *Arena) SetReleaseFunc(fn ReleaseFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRelease = fn
}

// Alloc takes a free slot for frame count. The returned frame carries one
// reference owned by the caller.
func (a *Arena) Alloc(count uint32) (*Frame, error) {
	a.mu.Lock()
	if len(a.free) == 0 {
		size := len(a.slots)
		a.mu.Unlock()
		return nil, camera.NewError(camera.ErrExhausted, "frame arena exhausted", map[string]any{
			"size":        size,
			"frame_count": count,
		})
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.live++
	f := a.slots[idx]
	a.mu.Unlock()

	f.reset(count)
	f.refs.Store(1)
	return f, nil
}

// Get resolves a handle. Stale handles and released frames report false.
func (a *Arena) Get(h Handle) (*Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.Index) >= len(a.slots) {
		return nil, false
	}
	f := a.slots[h.Index]
	if f.handle.Generation != h.Generation || f.refs.Load() <= 0 {
		return nil, false
	}
	return f, true
}

// Live returns the number of allocated frames.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Size returns the slot count.
func (a *Arena) Size() int {
	return len(a.slots)
}

func (a *Arena) recycle(f *Frame) {
	bufs := f.takeAll()
	count := f.count

	a.mu.Lock()
	fn := a.onRelease
	f.handle.Generation++
	a.free = append(a.free, f.handle.Index)
	a.live--
	a.mu.Unlock()

	if fn != nil && len(bufs) > 0 {
		fn(count, bufs)
	}
}
