//go:build linux && (amd64 || arm64)

package hwnode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/pkg/linuxav/v4l2"
)

// Node adapts a v4l2 node to camera.NodeHandle. The negotiated format is
// applied once the queue direction is known in SetBufferType.
type Node struct {
	dev  *v4l2.Node
	num  int
	name string
	opts Options

	mu     sync.Mutex
	format camera.Format
	kind   camera.BufferKind
	memory camera.MemoryKind
	count  int
}

// NewOpener returns a camera.NodeOpener for /dev/videoN nodes.
func NewOpener(opts Options) camera.NodeOpener {
	opts.defaults()
	return func(num int, name string) (camera.NodeHandle, error) {
		dev, err := v4l2.Open(num)
		if err != nil {
			return nil, camera.DriverError("open", num, err)
		}
		opts.Logger.Debug("Opened video node", "node", num, "name", name)
		return &Node{dev: dev, num: num, name: name, opts: opts}, nil
	}
}

// Probe lists the multi-planar video nodes on the system.
func Probe() ([]DeviceInfo, error) {
	devs, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceInfo{
			Num:     d.Num,
			Path:    d.DevicePath,
			Card:    d.DeviceName,
			Driver:  d.Driver,
			Capture: d.Capture(),
			Output:  d.Output(),
		})
	}
	return out, nil
}

func (n *Node) Num() int     { return n.num }
func (n *Node) Name() string { return n.name }

func (n *Node) fail(op string, err error) error {
	return camera.DriverError(op, n.num, fmt.Errorf("%s: %w", n.name, err))
}

func (n *Node) SetInput(inputID uint32) error {
	if err := n.dev.SetInput(inputID); err != nil {
		return n.fail("set_input", err)
	}
	return nil
}

func (n *Node) SetFormat(f camera.Format) error {
	if f.PixelFormat == 0 || f.Width == 0 || f.Height == 0 || f.PlaneCount < 1 {
		return n.fail("set_format", fmt.Errorf("invalid format %s %dx%d", camera.PixFmtName(f.PixelFormat), f.Width, f.Height))
	}
	n.mu.Lock()
	n.format = f
	n.mu.Unlock()
	return nil
}

func (n *Node) SetBufferType(count int, kind camera.BufferKind, memory camera.MemoryKind) error {
	n.mu.Lock()
	f := n.format
	n.mu.Unlock()
	if f.PixelFormat == 0 {
		return n.fail("set_buffer_type", errors.New("format not set"))
	}

	got, err := n.dev.SetFormat(kind == camera.BufferOutput, v4l2.Format{
		PixelFormat: f.PixelFormat,
		Width:       f.Width,
		Height:      f.Height,
		Planes:      f.PlaneCount,
		FullRange:   f.ColorRange == camera.ColorRangeFull,
	})
	if err != nil {
		return n.fail("set_buffer_type", err)
	}
	if got.PixelFormat != f.PixelFormat || got.Planes != f.PlaneCount {
		return n.fail("set_buffer_type", fmt.Errorf("driver chose %s with %d planes",
			camera.PixFmtName(got.PixelFormat), got.Planes))
	}
	if got.Width != f.Width || got.Height != f.Height {
		n.opts.Logger.Warn("Driver adjusted node size", "node", n.num,
			"want", fmt.Sprintf("%dx%d", f.Width, f.Height), "got", fmt.Sprintf("%dx%d", got.Width, got.Height))
	}

	n.mu.Lock()
	n.kind = kind
	n.memory = memory
	n.count = count
	n.mu.Unlock()
	return nil
}

func toMemory(m camera.MemoryKind) v4l2.Memory {
	switch m {
	case camera.MemoryMMap:
		return v4l2.MemoryMMap
	case camera.MemoryUserPtr:
		return v4l2.MemoryUserPtr
	default:
		return v4l2.MemoryDMABuf
	}
}

func (n *Node) ReqBuffers() (int, error) {
	n.mu.Lock()
	count, memory := n.count, n.memory
	n.mu.Unlock()
	granted, err := n.dev.RequestBuffers(count, toMemory(memory))
	if err != nil {
		return 0, n.fail("req_buffers", err)
	}
	return granted, nil
}

func (n *Node) Enqueue(b camera.Buffer) error {
	vb := v4l2.Buffer{Index: b.Index, Planes: make([]v4l2.Plane, len(b.Planes))}
	for i, p := range b.Planes {
		vb.Planes[i] = v4l2.Plane{FD: p.FD, Length: p.Length, BytesUsed: p.BytesUsed}
	}
	if err := n.dev.Queue(vb); err != nil {
		return n.fail("enqueue", err)
	}
	return nil
}

// Dequeue polls the driver in PollInterval slices until a buffer completes
// or ctx ends. Only index and plane usage are reported; the caller owns the
// plane memory.
func (n *Node) Dequeue(ctx context.Context) (camera.Buffer, error) {
	for {
		if err := ctx.Err(); err != nil {
			return camera.NoBuffer, err
		}
		vb, err := n.dev.Dequeue(n.opts.PollInterval)
		if errors.Is(err, v4l2.ErrTimeout) {
			continue
		}
		if err != nil {
			return camera.NoBuffer, n.fail("dequeue", err)
		}
		b := camera.Buffer{Index: vb.Index, Planes: make([]camera.Plane, len(vb.Planes))}
		for i, p := range vb.Planes {
			b.Planes[i] = camera.Plane{FD: p.FD, Length: p.Length, BytesUsed: p.BytesUsed}
		}
		return b, nil
	}
}

func (n *Node) Start() error {
	if err := n.dev.StreamOn(); err != nil {
		return n.fail("start", err)
	}
	return nil
}

func (n *Node) Stop() error {
	if err := n.dev.StreamOff(); err != nil {
		return n.fail("stop", err)
	}
	return nil
}

func (n *Node) Close() error {
	if _, err := n.dev.RequestBuffers(0, toMemory(n.memory)); err != nil {
		n.opts.Logger.Debug("Failed to free node buffers", "node", n.num, "error", err)
	}
	if err := n.dev.Close(); err != nil {
		return n.fail("close", err)
	}
	return nil
}
