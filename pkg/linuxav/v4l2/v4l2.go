//go:build linux && (amd64 || arm64)

// Package v4l2 provides pure Go bindings to the multi-planar streaming
// subset of the Video4Linux2 (V4L2) API used by camera ISP video nodes.
//
// This package does not use cgo. Struct layouts are those of 64-bit
// kernels (amd64, arm64).
//
// # Device Enumeration
//
// Use FindDevices to discover the multi-planar video nodes:
//
//	devices, err := v4l2.FindDevices()
//	for _, dev := range devices {
//	    fmt.Printf("video%d: %s (%s)\n", dev.Num, dev.DeviceName, dev.Driver)
//	}
//
// # Streaming
//
// A node is routed, formatted, given buffers and then streamed:
//
//	n, _ := v4l2.Open(151)
//	_ = n.SetInput(routeID)
//	_, _ = n.SetFormat(false, v4l2.Format{PixelFormat: nv21m, Width: 4032, Height: 3024, Planes: 2})
//	granted, _ := n.RequestBuffers(8, v4l2.MemoryDMABuf)
//	_ = n.Queue(buf)
//	_ = n.StreamOn()
//	done, err := n.Dequeue(time.Second)
package v4l2
