//go:build linux && (amd64 || arm64)

package v4l2

import (
	"errors"
	"syscall"
	"testing"
	"time"
	"unsafe"
)

// TestErrnoComparison verifies that errors.Is works correctly with wrapped syscall.Errno.
// Node wraps every ioctl failure, and Dequeue relies on errors.Is to spot EAGAIN.
func TestErrnoComparison(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   error
		expected bool
	}{
		{
			name:     "EAGAIN matches EAGAIN",
			err:      syscall.EAGAIN,
			target:   syscall.EAGAIN,
			expected: true,
		},
		{
			name:     "wrapped EINVAL matches EINVAL",
			err:      wrap(syscall.EINVAL),
			target:   syscall.EINVAL,
			expected: true,
		},
		{
			name:     "wrapped EBUSY does not match EINVAL",
			err:      wrap(syscall.EBUSY),
			target:   syscall.EINVAL,
			expected: false,
		},
		{
			name:     "ENOTTY matches ENOTTY",
			err:      syscall.ENOTTY,
			target:   syscall.ENOTTY,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errors.Is(tt.err, tt.target)
			if result != tt.expected {
				t.Errorf("errors.Is(%v, %v) = %v, want %v",
					tt.err, tt.target, result, tt.expected)
			}
		})
	}
}

func wrap(err error) error {
	return &wrapped{err}
}

type wrapped struct{ err error }

func (w *wrapped) Error() string { return "ioctl: " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func TestFormatFourCC(t *testing.T) {
	tests := []struct {
		name     string
		format   uint32
		expected string
	}{
		{name: "NV21M", format: 0x31324d4e, expected: "NM21"},
		{name: "SBGGR10", format: 0x30314742, expected: "BG10"},
		{name: "null bytes", format: 0, expected: "\x00\x00\x00\x00"},
		{name: "mixed bytes", format: 0x01020304, expected: "\x04\x03\x02\x01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := FormatFourCC(tt.format); result != tt.expected {
				t.Errorf("FormatFourCC(0x%08X) = %q, want %q", tt.format, result, tt.expected)
			}
		})
	}
}

func TestParseNodeNum(t *testing.T) {
	tests := []struct {
		in   string
		num  int
		good bool
	}{
		{"video151", 151, true},
		{"/dev/video0", 0, true},
		{"media0", 0, false},
		{"video", 0, false},
		{"video-1", 0, false},
	}
	for _, tt := range tests {
		num, ok := ParseNodeNum(tt.in)
		if ok != tt.good || num != tt.num {
			t.Errorf("ParseNodeNum(%q) = %d, %v, want %d, %v", tt.in, num, ok, tt.num, tt.good)
		}
	}
}

func TestDeviceInfoCaps(t *testing.T) {
	var c v4l2Capability
	copy(c.card[:], "exynos-is\x00junk")
	copy(c.driver[:], "fimc-is")
	c.capabilities = capDeviceCaps | capVideoCaptureMplane | capVideoOutputMplane | capStreaming
	c.deviceCaps = capVideoOutputMplane | capStreaming

	info := deviceInfo(130, &c)
	if info.DeviceName != "exynos-is" || info.Driver != "fimc-is" {
		t.Errorf("names = %q %q", info.DeviceName, info.Driver)
	}
	if info.Capture() || !info.Output() || !info.Streaming() {
		t.Errorf("device caps not preferred: %#x", info.Caps)
	}
	if info.DevicePath != "/dev/video130" {
		t.Errorf("path = %s", info.DevicePath)
	}
}

func TestPixFormatOverlay(t *testing.T) {
	var f v4l2Format
	pix := f.pixMp()
	pix.numPlanes = 2
	pix.quantization = quantizationFull
	if off := uintptr(unsafe.Pointer(&f.fmt[0])) - uintptr(unsafe.Pointer(&f)); off != 8 {
		t.Errorf("format union offset = %d, want 8", off)
	}
	if f.fmt[180] != 2 || f.fmt[183] != quantizationFull {
		t.Errorf("plane count or quantization at wrong offset")
	}
	if off := unsafe.Offsetof(v4l2Buffer{}.m); off != 64 {
		t.Errorf("buffer planes offset = %d, want 64", off)
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	var p [2]int
	if err := syscall.Pipe(p[:]); err != nil {
		t.Skipf("pipe: %v", err)
	}
	defer syscall.Close(p[0])
	defer syscall.Close(p[1])

	ready, err := waitReady(p[0], false, 10*time.Millisecond)
	if err != nil || ready {
		t.Fatalf("empty pipe ready = %v, %v", ready, err)
	}
	if _, err := syscall.Write(p[1], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ready, err = waitReady(p[0], false, time.Second)
	if err != nil || !ready {
		t.Errorf("written pipe ready = %v, %v", ready, err)
	}
	if ready, _ := waitReady(p[1], true, time.Second); !ready {
		t.Error("pipe write end not writable")
	}
}

func TestNodeClosed(t *testing.T) {
	n := &Node{num: 7, fd: -1}
	if err := n.SetInput(1); !errors.Is(err, ErrClosed) {
		t.Errorf("SetInput on closed node = %v", err)
	}
	if _, err := n.Dequeue(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue on closed node = %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
