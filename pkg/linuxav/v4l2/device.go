//go:build linux && (amd64 || arm64)

package v4l2

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unsafe"
)

const sysfsVideo = "/sys/class/video4linux"

// DeviceInfo contains information about a V4L2 video node.
type DeviceInfo struct {
	Num        int // N of /dev/videoN
	DevicePath string
	DeviceName string
	Driver     string
	BusInfo    string
	Caps       uint32
}

// Capture reports a multi-planar capture queue.
func (d DeviceInfo) Capture() bool {
	return d.Caps&(capVideoCaptureMplane|capVideoM2MMplane) != 0
}

// Output reports a multi-planar output queue.
func (d DeviceInfo) Output() bool {
	return d.Caps&(capVideoOutputMplane|capVideoM2MMplane) != 0
}

// Streaming reports streaming I/O support.
func (d DeviceInfo) Streaming() bool {
	return d.Caps&capStreaming != 0
}

// DevicePath returns the device file of node num.
func DevicePath(num int) string {
	return fmt.Sprintf("/dev/video%d", num)
}

// ParseNodeNum extracts N from a "videoN" name or path.
func ParseNodeNum(name string) (int, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "video") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "video"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FindDevices finds all multi-planar streaming video nodes on the system,
// sorted by node number.
func FindDevices() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsVideo)
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		num, ok := ParseNodeNum(entry.Name())
		if !ok {
			continue
		}
		info, err := QueryDevice(num)
		if err != nil {
			slog.With("component", "linuxav").Debug("failed to query video device", "path", DevicePath(num), "error", err)
			continue
		}
		if !info.Capture() && !info.Output() {
			continue
		}
		devices = append(devices, info)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Num < devices[j].Num })
	return devices, nil
}

// QueryDevice opens node num and reads its capabilities.
func QueryDevice(num int) (DeviceInfo, error) {
	path := DevicePath(num)
	fd, err := open(path)
	if err != nil {
		return DeviceInfo{}, err
	}
	defer close(fd)

	var c v4l2Capability
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return DeviceInfo{}, err
	}
	return deviceInfo(num, &c), nil
}

func deviceInfo(num int, c *v4l2Capability) DeviceInfo {
	caps := c.capabilities
	if caps&capDeviceCaps != 0 {
		caps = c.deviceCaps
	}
	return DeviceInfo{
		Num:        num,
		DevicePath: DevicePath(num),
		DeviceName: cstr(c.card[:]),
		Driver:     cstr(c.driver[:]),
		BusInfo:    cstr(c.busInfo[:]),
		Caps:       caps,
	}
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// FormatFourCC renders a pixel format code as its four characters.
func FormatFourCC(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}
