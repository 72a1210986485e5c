package simnode

import (
	"sync"

	"github.com/smazurov/campipe/internal/camera"
)

// MemoryPool is a fixed set of heap-backed buffers.
type MemoryPool struct {
	mu      sync.Mutex
	bufs    []camera.Buffer
	free    []int
	out     []bool
	gets    int
	puts    int
	badPuts int
}

// NewMemoryPool allocates count single-plane buffers of planeSize bytes.
func NewMemoryPool(count int, planeSize uint32) *MemoryPool {
	p := &MemoryPool{
		bufs: make([]camera.Buffer, count),
		free: make([]int, 0, count),
		out:  make([]bool, count),
	}
	for i := 0; i < count; i++ {
		p.bufs[i] = camera.Buffer{
			Index:  i,
			Planes: []camera.Plane{{FD: -1, Length: planeSize, Data: make([]byte, planeSize)}},
		}
	}
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// GetBuffer implements camera.BufferPool.
func (p *MemoryPool) GetBuffer() (camera.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return camera.NoBuffer, camera.NewError(camera.ErrExhausted, "buffer pool exhausted", map[string]any{"size": len(p.bufs)})
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.out[idx] = true
	p.gets++
	b := p.bufs[idx]
	b.Planes = append([]camera.Plane(nil), b.Planes...)
	return b, nil
}

// PutBuffer implements camera.BufferPool. Returning a buffer that is not
// out is an INVALID_STATE error and leaves the pool unchanged.
func (p *MemoryPool) PutBuffer(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.bufs) || !p.out[index] {
		p.badPuts++
		return camera.NewError(camera.ErrInvalidState, "buffer not taken from pool", map[string]any{"index": index})
	}
	p.out[index] = false
	p.free = append(p.free, index)
	p.puts++
	return nil
}

// Size returns the number of buffers.
func (p *MemoryPool) Size() int {
	return len(p.bufs)
}

// Outstanding returns the number of buffers handed out and not returned.
func (p *MemoryPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs) - len(p.free)
}

// PoolStats counts pool traffic.
type PoolStats struct {
	Gets    int `json:"gets"`
	Puts    int `json:"puts"`
	BadPuts int `json:"bad_puts"`
}

// Stats returns the traffic counters.
func (p *MemoryPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Gets: p.gets, Puts: p.puts, BadPuts: p.badPuts}
}
