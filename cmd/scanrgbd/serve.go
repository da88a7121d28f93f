package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/config"
	"github.com/banshee-data/scanrgbd/internal/monitor"
	"github.com/banshee-data/scanrgbd/internal/recording"
	"github.com/banshee-data/scanrgbd/internal/session"
)

// serveConfig holds the flags of the serve command.
type serveConfig struct {
	ConfigPath  string
	Listen      string
	GRPCListen  string
	DBPath      string
	ExportDir   string
	FinalExport string
	Record      bool
	Label       string
	Linger      bool

	// Synthetic camera
	Frames    uint64
	Interval  time.Duration
	Width     int
	Height    int
	DropEvery uint64
}

func parseServeFlags(args []string) (*serveConfig, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg := &serveConfig{}
	fs.StringVar(&cfg.ConfigPath, "config", "", "Tuning config JSON (defaults built in)")
	fs.StringVar(&cfg.Listen, "listen", ":8080", "HTTP listen address (empty disables)")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", ":50051", "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", "recordings.db", "Recording database path (empty disables recording)")
	fs.StringVar(&cfg.ExportDir, "export-dir", "exports", "Directory for PLY exports")
	fs.StringVar(&cfg.FinalExport, "final-export", "final", "Name of the PLY written on shutdown (empty disables)")
	fs.BoolVar(&cfg.Record, "record", false, "Start recording frames immediately")
	fs.StringVar(&cfg.Label, "label", "", "Label for the recording session")
	fs.BoolVar(&cfg.Linger, "linger", false, "Keep serving after the camera stream ends")
	fs.Uint64Var(&cfg.Frames, "frames", 0, "Stop the synthetic camera after this many frames (0 = unbounded)")
	fs.DurationVar(&cfg.Interval, "interval", 33*time.Millisecond, "Synthetic camera frame interval")
	fs.IntVar(&cfg.Width, "width", 320, "Synthetic colour image width")
	fs.IntVar(&cfg.Height, "height", 240, "Synthetic colour image height")
	fs.Uint64Var(&cfg.DropEvery, "drop-every", 0, "Omit depth from every n-th synthetic frame")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}
	return cfg, nil
}

func handleServe(args []string) {
	cfg, err := parseServeFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// serve runs one accumulation session until the camera stream ends (unless
// Linger is set) or ctx is cancelled, then writes the final export.
func serve(ctx context.Context, cfg *serveConfig) error {
	tuning, err := loadTuning(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}

	var (
		store    *recording.Store
		recorder *recording.Recorder
	)
	if cfg.DBPath != "" {
		store, err = recording.OpenStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open recording store: %w", err)
		}
		defer store.Close()
		recorder = recording.NewRecorder(store, tuning.GetSaveSpan(), nil)
		log.Printf("recording catalog at %s (save span %d)", cfg.DBPath, tuning.GetSaveSpan())
	}

	source := capture.NewSyntheticSource(capture.SyntheticConfig{
		ColorResolution: capture.Resolution{Width: cfg.Width, Height: cfg.Height},
		DepthResolution: capture.Resolution{Width: max(cfg.Width/2, 1), Height: max(cfg.Height/2, 1)},
		Frames:          cfg.Frames,
		DropEvery:       cfg.DropEvery,
		Interval:        cfg.Interval,
		Start:           time.Now(),
	})

	sess, err := session.New(session.Options{
		Source:    source,
		Recorder:  recorder,
		Tuning:    tuning,
		ExportDir: cfg.ExportDir,
	})
	if err != nil {
		if recorder != nil {
			recorder.Close()
		}
		return fmt.Errorf("create session: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			sess.Close()
		}
	}()

	if cfg.Record {
		if _, err := sess.SetRecording(true, cfg.Label); err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
	}

	health := monitor.NewHealth(sess, nil)
	srv, err := monitor.NewServer(monitor.ServerConfig{
		Address: cfg.Listen,
		Session: sess,
		Store:   store,
		Health:  health,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Listen != "" {
		g.Go(func() error { return srv.Start(gctx) })
	}
	if cfg.GRPCListen != "" {
		g.Go(func() error { return monitor.ServeGRPC(gctx, cfg.GRPCListen, health) })
	}
	g.Go(func() error {
		health.Watch(gctx, time.Second)
		return nil
	})
	g.Go(func() error {
		err := sess.Run(gctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err == nil && !cfg.Linger {
			cancel()
		}
		if err == nil && cfg.Linger {
			log.Printf("camera stream ended; serving until interrupted")
		}
		return err
	})

	runErr := g.Wait()
	st := sess.Stats()
	log.Printf("session finished: frames=%d accumulated=%d gated=%d skipped=%d points=%d",
		st.Frames, st.Accumulated, st.Gated, st.Skipped, st.Cloud.Occupancy)

	if cfg.FinalExport != "" && runErr == nil {
		res := <-sess.ExportAsync(cfg.FinalExport)
		if res.Err != nil {
			runErr = fmt.Errorf("final export: %w", res.Err)
		} else {
			log.Printf("wrote %d points to %s", res.Points, res.Path)
		}
	}

	closed = true
	if err := sess.Close(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
