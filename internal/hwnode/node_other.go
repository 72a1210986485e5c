//go:build !linux || !(amd64 || arm64)

package hwnode

import "github.com/smazurov/campipe/internal/camera"

// NewOpener returns an opener that fails every open.
func NewOpener(opts Options) camera.NodeOpener {
	return func(num int, name string) (camera.NodeHandle, error) {
		return nil, camera.DriverError("open", num, ErrUnsupported)
	}
}

// Probe always fails on this platform.
func Probe() ([]DeviceInfo, error) {
	return nil, ErrUnsupported
}
