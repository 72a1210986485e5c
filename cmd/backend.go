package cmd

import (
	"github.com/smazurov/campipe/internal/camera"
	"github.com/smazurov/campipe/internal/config"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/hwnode"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/session"
	"github.com/smazurov/campipe/internal/simnode"
)

// simPlaneSize is the heap plane of a simulated buffer. Simulated nodes
// only carry the metadata block.
const simPlaneSize = 4096

// Backend is the node layer a session runs on.
type Backend struct {
	Name   string
	Opener camera.NodeOpener
	Pool   *simnode.MemoryPool
	Memory camera.MemoryKind
	// Sensor is the simulated sensor, nil on hardware.
	Sensor *simnode.Sensor
}

// OpenBackend selects the node layer named by the pipeline's [session]
// backend.
func OpenBackend(p config.Pipeline) *Backend {
	if p.Session.Backend == config.BackendV4L2 {
		// Nodes own their MMAP buffers; pool entries only carry indices.
		return &Backend{
			Name:   config.BackendV4L2,
			Opener: hwnode.NewOpener(hwnode.Options{Logger: logging.GetLogger("hwnode")}),
			Pool:   simnode.NewMemoryPool(p.Session.BufferCount, 0),
			Memory: camera.MemoryMMap,
		}
	}
	sensor := simnode.NewSensor(p.Scene())
	bank := simnode.NewBank(simnode.BankOptions{Sensor: sensor})
	return &Backend{
		Name:   config.BackendSim,
		Opener: bank.Open,
		Pool:   simnode.NewMemoryPool(p.Session.PoolSize, simPlaneSize),
		Memory: camera.MemoryDMABuf,
		Sensor: sensor,
	}
}

// NewSession wires a session for p on b.
func (b *Backend) NewSession(p config.Pipeline, bus *events.Bus) (*session.Session, error) {
	deps := session.Deps{
		Opener: b.Opener,
		Pool:   b.Pool,
		Memory: b.Memory,
		Logger: logging.GetLogger("session"),
	}
	if bus != nil {
		deps.Bus = bus
	}
	return session.New(p, deps)
}

// ApplyScene pushes the [sim] table of a reloaded pipeline to the simulated
// sensor.
func (b *Backend) ApplyScene(p config.Pipeline) {
	if b.Sensor != nil {
		b.Sensor.SetScene(p.Scene())
	}
}
