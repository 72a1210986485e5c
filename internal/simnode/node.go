// Package simnode provides hardware-free video nodes, a memory buffer pool
// and a deterministic sensor model. It backs the "sim" session backend, the
// simulate command and the end-to-end tests.
package simnode

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/campipe/internal/camera"
)

var errInjected = errors.New("injected fault")

// Node is a simulated video node. Buffers come back from Dequeue in the
// order they were queued, after the configured frame delay.
type Node struct {
	num    int
	name   string
	sensor *Sensor
	delay  time.Duration

	mu        sync.Mutex
	input     uint32
	format    camera.Format
	count     int
	kind      camera.BufferKind
	memory    camera.MemoryKind
	granted   int
	streaming bool
	closed    bool
	ready     []camera.Buffer
	signal    chan struct{}
	faults    map[string]int
	calls     map[string]int
}

func newNode(num int, name string, sensor *Sensor, delay time.Duration) *Node {
	return &Node{
		num:    num,
		name:   name,
		sensor: sensor,
		delay:  delay,
		signal: make(chan struct{}, 1),
		faults: make(map[string]int),
		calls:  make(map[string]int),
	}
}

// Num returns the node number.
func (n *Node) Num() int { return n.num }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// FailNext makes the next count calls of op fail with a DRIVER error.
// Ops: set_input, set_format, set_buffer_type, req_buffers, enqueue,
// dequeue, start, stop.
func (n *Node) FailNext(op string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[op] = count
}

// Calls returns how many times op was invoked, failures included.
func (n *Node) Calls(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

// Input returns the routing word set by SetInput.
func (n *Node) Input() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.input
}

// Format returns the format set by SetFormat.
func (n *Node) Format() camera.Format {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.format
}

// Streaming reports whether the node is started.
func (n *Node) Streaming() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.streaming
}

// Queued returns the number of buffers queued and not yet dequeued.
func (n *Node) Queued() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ready)
}

// Closed reports whether the node was closed.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// begin records a call and returns the injected or state error for op.
// Callers hold n.mu.
func (n *Node) begin(op string) error {
	n.calls[op]++
	if n.closed {
		return camera.DriverError(op, n.num, errors.New("node closed"))
	}
	if left := n.faults[op]; left > 0 {
		n.faults[op] = left - 1
		return camera.DriverError(op, n.num, errInjected)
	}
	return nil
}

// SetInput implements camera.NodeHandle.
func (n *Node) SetInput(inputID uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.begin("set_input"); err != nil {
		return err
	}
	n.input = inputID
	return nil
}

// SetFormat implements camera.NodeHandle.
func (n *Node) SetFormat(f camera.Format) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.begin("set_format"); err != nil {
		return err
	}
	if f.Width == 0 || f.Height == 0 || f.PlaneCount <= 0 {
		return camera.DriverError("set_format", n.num, errors.New("invalid format"))
	}
	n.format = f
	return nil
}

// SetBufferType implements camera.NodeHandle.
func (n *Node) SetBufferType(count int, kind camera.BufferKind, memory camera.MemoryKind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.begin("set_buffer_type"); err != nil {
		return err
	}
	n.count = count
	n.kind = kind
	n.memory = memory
	return nil
}

// ReqBuffers implements camera.NodeHandle.
func (n *Node) ReqBuffers() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.begin("req_buffers"); err != nil {
		return 0, err
	}
	n.granted = n.count
	return n.granted, nil
}

// Enqueue implements camera.NodeHandle.
func (n *Node) Enqueue(b camera.Buffer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.begin("enqueue"); err != nil {
		return err
	}
	if n.granted == 0 {
		return camera.DriverError("enqueue", n.num, errors.New("no buffers requested"))
	}
	if len(n.ready) >= n.granted {
		return camera.DriverError("enqueue", n.num, errors.New("all driver slots queued"))
	}
	n.ready = append(n.ready, b)
	select {
	case n.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue implements camera.NodeHandle. Capture buffers come back filled
// and, when they carry metadata, with the sensor's result block.
func (n *Node) Dequeue(ctx context.Context) (camera.Buffer, error) {
	if n.delay > 0 {
		t := time.NewTimer(n.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return camera.NoBuffer, ctx.Err()
		}
	}
	n.mu.Lock()
	err := n.begin("dequeue")
	n.mu.Unlock()
	if err != nil {
		return camera.NoBuffer, err
	}
	for {
		n.mu.Lock()
		if !n.streaming || n.closed {
			n.mu.Unlock()
			return camera.NoBuffer, camera.DriverError("dequeue", n.num, errors.New("not streaming"))
		}
		if len(n.ready) > 0 {
			b := n.ready[0]
			n.ready = n.ready[1:]
			kind := n.kind
			n.mu.Unlock()
			if kind == camera.BufferCapture {
				for i := range b.Planes {
					b.Planes[i].BytesUsed = b.Planes[i].Length
				}
			}
			if b.Meta != nil && n.sensor != nil {
				n.sensor.Apply(b.Meta)
			}
			return b, nil
		}
		n.mu.Unlock()

		select {
		case <-n.signal:
		case <-ctx.Done():
			return camera.NoBuffer, ctx.Err()
		}
	}
}

// Start implements camera.NodeHandle.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.begin("start"); err != nil {
		return err
	}
	n.streaming = true
	return nil
}

// Stop implements camera.NodeHandle. Queued buffers are dropped.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.begin("stop"); err != nil {
		return err
	}
	n.streaming = false
	n.ready = nil
	return nil
}

// Close implements camera.NodeHandle.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.streaming = false
	n.ready = nil
	return nil
}

// BankOptions configures a Bank.
type BankOptions struct {
	Sensor     *Sensor
	FrameDelay time.Duration
}

// Bank opens simulated nodes and remembers them by name.
type Bank struct {
	opts BankOptions

	mu       sync.Mutex
	nodes    map[string]*Node
	failOpen map[string]bool
}

// NewBank creates an empty node bank.
func NewBank(opts BankOptions) *Bank {
	return &Bank{
		opts:     opts,
		nodes:    make(map[string]*Node),
		failOpen: make(map[string]bool),
	}
}

// Open implements camera.NodeOpener. Opening a node that is already open
// fails the way a busy device does.
func (b *Bank) Open(num int, name string) (camera.NodeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpen[name] {
		return nil, camera.DriverError("open", num, errInjected)
	}
	if n, ok := b.nodes[name]; ok && !n.Closed() {
		return nil, camera.DriverError("open", num, errors.New("device busy"))
	}
	n := newNode(num, name, b.opts.Sensor, b.opts.FrameDelay)
	b.nodes[name] = n
	return n, nil
}

// FailOpen makes every Open of name fail.
func (b *Bank) FailOpen(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen[name] = true
}

// Node returns the most recently opened node called name.
func (b *Bank) Node(name string) (*Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[name]
	return n, ok
}

// OpenNodes returns the sorted names of nodes currently open.
func (b *Bank) OpenNodes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, n := range b.nodes {
		if !n.Closed() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
