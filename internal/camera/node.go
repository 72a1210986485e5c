package camera

import "context"

// ColorRange selects the YUV quantization range of a node.
type ColorRange int

// Color ranges.
const (
	ColorRangeDefault ColorRange = iota
	ColorRangeFull
	ColorRangeLimited
)

// BufferKind is the V4L2 buffer type a node queues.
type BufferKind int

// Buffer kinds.
const (
	BufferCapture BufferKind = iota // node produces data
	BufferOutput                    // node consumes data
)

// MemoryKind is how buffer memory is shared with the driver.
type MemoryKind int

// Memory kinds.
const (
	MemoryDMABuf MemoryKind = iota
	MemoryMMap
	MemoryUserPtr
)

// FourCC packs a V4L2 pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats used by the pipeline.
var (
	PixFmtSBGGR10 = FourCC('B', 'G', '1', '0') // packed 10-bit bayer
	PixFmtSBGGR12 = FourCC('B', 'G', '1', '2')
	PixFmtNV21M   = FourCC('N', 'M', '2', '1') // two-plane YUV 4:2:0
	PixFmtNV12M   = FourCC('N', 'M', '1', '2')
	PixFmtYUYV    = FourCC('Y', 'U', 'Y', 'V')
)

// PixFmtName renders a fourcc as text.
func PixFmtName(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// ParsePixFmt converts a four character code to a pixel format.
func ParsePixFmt(s string) (uint32, bool) {
	if len(s) != 4 {
		return 0, false
	}
	return FourCC(s[0], s[1], s[2], s[3]), true
}

// Format describes the image format negotiated on a node.
type Format struct {
	PixelFormat uint32
	Width       uint32
	Height      uint32
	PlaneCount  int
	ColorRange  ColorRange
}

// Plane is one memory plane of a buffer.
type Plane struct {
	FD        int
	Length    uint32
	BytesUsed uint32
	// Data is the CPU mapping of the plane, when the pool provides one.
	Data []byte
}

// Buffer is a pool buffer as seen by the pipeline.
type Buffer struct {
	Index  int
	Planes []Plane
	// Meta is the capture metadata travelling with the image planes.
	Meta *Metadata
}

// Valid reports whether b refers to a pool slot.
func (b Buffer) Valid() bool {
	return b.Index >= 0
}

// NoBuffer marks an empty buffer slot.
var NoBuffer = Buffer{Index: -1}

// NodeHandle is one opened hardware video node.
// All failures are reported as DRIVER errors; there are no partial successes.
type NodeHandle interface {
	Num() int
	Name() string
	// SetInput routes the node to its source (sensor or upstream node).
	SetInput(inputID uint32) error
	SetFormat(f Format) error
	SetBufferType(count int, kind BufferKind, memory MemoryKind) error
	// ReqBuffers allocates driver-side buffer slots and returns the count granted.
	ReqBuffers() (int, error)
	Enqueue(b Buffer) error
	// Dequeue blocks until a buffer completes or ctx ends.
	Dequeue(ctx context.Context) (Buffer, error)
	Start() error
	Stop() error
	Close() error
}

// NodeOpener opens the video node with the given number.
type NodeOpener func(num int, name string) (NodeHandle, error)

// BufferPool hands out image buffers. Every call is individually thread-safe.
type BufferPool interface {
	GetBuffer() (Buffer, error)
	PutBuffer(index int) error
}
