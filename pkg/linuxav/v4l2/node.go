//go:build linux && (amd64 || arm64)

package v4l2

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

// ErrTimeout is returned by Dequeue when no buffer completed in time.
var ErrTimeout = errors.New("v4l2: dequeue timed out")

// ErrClosed is returned by operations on a closed node.
var ErrClosed = errors.New("v4l2: node closed")

// Memory is how buffer memory is shared with the driver.
type Memory uint32

// Memory kinds.
const (
	MemoryMMap    Memory = memoryMMap
	MemoryUserPtr Memory = memoryUserPtr
	MemoryDMABuf  Memory = memoryDMABuf
)

// Format is a multi-planar image format.
type Format struct {
	PixelFormat uint32
	Width       uint32
	Height      uint32
	Planes      int
	FullRange   bool
	// PlaneSizes are filled in by the driver on SetFormat.
	PlaneSizes []uint32
}

// Plane is one plane of a queued buffer.
type Plane struct {
	FD        int
	Length    uint32
	BytesUsed uint32
}

// Buffer is a buffer exchanged with the driver.
type Buffer struct {
	Index    int
	Planes   []Plane
	Sequence uint32
}

// Node is an opened multi-planar video node. Queue and Dequeue may be
// called from different goroutines.
type Node struct {
	num int

	mu      sync.Mutex
	fd      int
	output  bool
	memory  Memory
	planes  int
	granted int
}

// Open opens /dev/videoN.
func Open(num int) (*Node, error) {
	fd, err := open(DevicePath(num))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", DevicePath(num), err)
	}
	return &Node{num: num, fd: fd, memory: MemoryDMABuf, planes: 1}, nil
}

// Num returns the node number.
func (n *Node) Num() int {
	return n.num
}

func (n *Node) bufType() uint32 {
	if n.output {
		return bufTypeVideoOutputMplane
	}
	return bufTypeVideoCaptureMplane
}

func (n *Node) handle() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fd < 0 {
		return -1, ErrClosed
	}
	return n.fd, nil
}

// SetInput routes the node to its source.
func (n *Node) SetInput(inputID uint32) error {
	fd, err := n.handle()
	if err != nil {
		return err
	}
	v := int32(inputID)
	if err := ioctl(fd, vidiocSInput, unsafe.Pointer(&v)); err != nil {
		return fmt.Errorf("VIDIOC_S_INPUT %#x: %w", inputID, err)
	}
	return nil
}

// SetControl writes a driver control.
func (n *Node) SetControl(id uint32, value int32) error {
	fd, err := n.handle()
	if err != nil {
		return err
	}
	c := v4l2Control{id: id, value: value}
	if err := ioctl(fd, vidiocSCtrl, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("VIDIOC_S_CTRL %#x: %w", id, err)
	}
	return nil
}

// SetFormat negotiates f on the output (consuming) or capture queue and
// returns the format the driver accepted.
func (n *Node) SetFormat(output bool, f Format) (Format, error) {
	fd, err := n.handle()
	if err != nil {
		return Format{}, err
	}
	if f.Planes < 1 || f.Planes > maxPlanes {
		return Format{}, fmt.Errorf("invalid plane count %d", f.Planes)
	}

	n.mu.Lock()
	n.output = output
	typ := n.bufType()
	n.mu.Unlock()

	var v v4l2Format
	v.typ = typ
	pix := v.pixMp()
	pix.width = f.Width
	pix.height = f.Height
	pix.pixelformat = f.PixelFormat
	pix.field = fieldNone
	pix.numPlanes = uint8(f.Planes)
	pix.quantization = quantizationLimited
	if f.FullRange {
		pix.quantization = quantizationFull
	}
	if err := ioctl(fd, vidiocSFmt, unsafe.Pointer(&v)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_S_FMT %s %dx%d: %w", FormatFourCC(f.PixelFormat), f.Width, f.Height, err)
	}

	got := Format{
		PixelFormat: pix.pixelformat,
		Width:       pix.width,
		Height:      pix.height,
		Planes:      int(pix.numPlanes),
		FullRange:   pix.quantization == quantizationFull,
	}
	for i := 0; i < got.Planes && i < maxPlanes; i++ {
		got.PlaneSizes = append(got.PlaneSizes, pix.planeFmt[i].sizeimage)
	}

	n.mu.Lock()
	n.planes = got.Planes
	n.mu.Unlock()
	return got, nil
}

// RequestBuffers allocates count driver buffer slots and returns the number
// granted. A count of 0 frees them.
func (n *Node) RequestBuffers(count int, memory Memory) (int, error) {
	fd, err := n.handle()
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.memory = memory
	typ := n.bufType()
	n.mu.Unlock()

	req := v4l2RequestBuffers{count: uint32(count), typ: typ, memory: uint32(memory)}
	if err := ioctl(fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS %d: %w", count, err)
	}
	n.mu.Lock()
	n.granted = int(req.count)
	n.mu.Unlock()
	return int(req.count), nil
}

// Queue hands b to the driver.
func (n *Node) Queue(b Buffer) error {
	fd, err := n.handle()
	if err != nil {
		return err
	}
	n.mu.Lock()
	typ, memory, count, granted := n.bufType(), n.memory, n.planes, n.granted
	n.mu.Unlock()

	if b.Index < 0 || b.Index >= granted {
		return fmt.Errorf("buffer index %d outside %d granted", b.Index, granted)
	}
	if len(b.Planes) < count {
		return fmt.Errorf("buffer has %d planes, format needs %d", len(b.Planes), count)
	}

	planes := make([]v4l2Plane, count)
	for i := range planes {
		planes[i].length = b.Planes[i].Length
		planes[i].bytesused = b.Planes[i].BytesUsed
		if memory == MemoryDMABuf {
			planes[i].m = uint64(uint32(int32(b.Planes[i].FD)))
		}
	}
	buf := v4l2Buffer{
		index:  uint32(b.Index),
		typ:    typ,
		field:  fieldNone,
		memory: uint32(memory),
		m:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
		length: uint32(count),
	}
	err = ioctl(fd, vidiocQbuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(planes)
	if err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", b.Index, err)
	}
	return nil
}

// Dequeue waits up to timeout for a completed buffer.
func (n *Node) Dequeue(timeout time.Duration) (Buffer, error) {
	fd, err := n.handle()
	if err != nil {
		return Buffer{}, err
	}
	n.mu.Lock()
	typ, memory, count, output := n.bufType(), n.memory, n.planes, n.output
	n.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return Buffer{}, ErrTimeout
		}
		ready, err := waitReady(fd, output, left)
		if err != nil {
			return Buffer{}, fmt.Errorf("select: %w", err)
		}
		if !ready {
			return Buffer{}, ErrTimeout
		}

		planes := make([]v4l2Plane, count)
		buf := v4l2Buffer{
			typ:    typ,
			memory: uint32(memory),
			m:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
			length: uint32(count),
		}
		err = ioctl(fd, vidiocDqbuf, unsafe.Pointer(&buf))
		runtime.KeepAlive(planes)
		if errors.Is(err, syscall.EAGAIN) {
			continue
		}
		if err != nil {
			return Buffer{}, fmt.Errorf("VIDIOC_DQBUF: %w", err)
		}

		out := Buffer{Index: int(buf.index), Sequence: buf.sequence, Planes: make([]Plane, count)}
		for i, p := range planes {
			out.Planes[i] = Plane{FD: -1, Length: p.length, BytesUsed: p.bytesused}
			if memory == MemoryDMABuf {
				out.Planes[i].FD = int(int32(uint32(p.m)))
			}
		}
		return out, nil
	}
}

// StreamOn starts the queue.
func (n *Node) StreamOn() error {
	return n.stream(vidiocStreamon, "VIDIOC_STREAMON")
}

// StreamOff stops the queue and returns every queued buffer to userspace.
func (n *Node) StreamOff() error {
	return n.stream(vidiocStreamoff, "VIDIOC_STREAMOFF")
}

func (n *Node) stream(req uint, name string) error {
	fd, err := n.handle()
	if err != nil {
		return err
	}
	n.mu.Lock()
	typ := int32(n.bufType())
	n.mu.Unlock()
	if err := ioctl(fd, req, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Close closes the device file. Closing twice is a no-op.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fd < 0 {
		return nil
	}
	err := close(n.fd)
	n.fd = -1
	return err
}
