package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/campipe/internal/config"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/session"
)

// SimulateOptions are the flags of the simulate command.
type SimulateOptions struct {
	PipelineFile string
	Captures     int
	Dark         bool
	Flash        string
	Raw          bool
	Warmup       time.Duration
	ShowFlash    bool
	LogLevel     string
}

// CreateSimulateCmd creates the simulate command.
func CreateSimulateCmd() *cobra.Command {
	opts := SimulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated capture session",
		Long: `Starts a session on simulated nodes using the links and calibration of a pipeline file, ` +
			`lets auto exposure settle and performs still captures, running the flash sequence when the ` +
			`simulated scene is dark.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: opts.LogLevel, Format: "text"})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return RunSimulation(ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.PipelineFile, "pipeline", "p", "pipeline.toml", "Pipeline calibration file")
	cmd.Flags().IntVarP(&opts.Captures, "captures", "n", 3, "Number of still captures")
	cmd.Flags().BoolVar(&opts.Dark, "dark", false, "Simulate a scene that needs flash")
	cmd.Flags().StringVar(&opts.Flash, "flash", "auto", "Flash request (off, auto, on, torch)")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "Capture the bayer dump instead of the preview")
	cmd.Flags().DurationVar(&opts.Warmup, "warmup", 300*time.Millisecond, "Streaming time before the first capture")
	cmd.Flags().BoolVar(&opts.ShowFlash, "show-flash", false, "Print flash state transitions")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "warn", "Logging level (debug, info, warn, error)")
	return cmd
}

// RunSimulation runs one simulated session and writes a line per capture
// to out.
func RunSimulation(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	req, ok := flash.ParseRequest(opts.Flash)
	if !ok {
		return fmt.Errorf("unknown flash request %q", opts.Flash)
	}
	p, err := config.LoadPipeline(opts.PipelineFile)
	if err != nil {
		return err
	}
	p.Session.Backend = config.BackendSim
	if opts.Dark {
		p.Sim.Dark = true
	}
	if opts.Raw {
		p.Topology.RequestBayer = true
	}

	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	bus := events.New()
	if opts.ShowFlash {
		unsub := bus.Subscribe(func(e events.FlashStateChangedEvent) {
			printf("flash %s -> %s (gen %d, frame %d)\n", e.From, e.To, e.Generation, e.FrameCount)
		})
		defer unsub()
	}

	backend := OpenBackend(p)
	sess, err := backend.NewSession(p, bus)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	sess.SetFlashRequest(req)

	if err := sess.Start(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(opts.Warmup):
	case <-ctx.Done():
		return ctx.Err()
	}

	failed := 0
	for i := 1; i <= opts.Captures; i++ {
		res, err := sess.Capture(ctx, session.CaptureRequest{Raw: opts.Raw})
		if err != nil {
			failed++
			printf("capture %d: %v\n", i, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		printf("capture %d: frame=%d flash=%t ae=%s af=%s exposure=%s iso=%d took=%s\n",
			i, res.FrameCount, res.Flash, res.Meta.AEState, res.Meta.AFState,
			time.Duration(res.Meta.ExposureTime), res.Meta.Sensitivity, res.Duration.Round(time.Millisecond))
	}

	if err := sess.Stop(); err != nil {
		return err
	}
	snap := sess.Snapshot()
	stats := backend.Pool.Stats()
	printf("links %s, %d frames, %d captures, pool %d/%d returned\n",
		snap.Factory.Links, snap.Factory.Counter, snap.Captures, stats.Puts, stats.Gets)
	if opts.Captures > 0 && failed == opts.Captures {
		return fmt.Errorf("all %d captures failed", failed)
	}
	return nil
}
