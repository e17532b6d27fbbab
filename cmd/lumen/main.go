package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lumenhost/lumen/internal/bitratectl"
	"github.com/lumenhost/lumen/internal/config"
	"github.com/lumenhost/lumen/internal/encoder"
	"github.com/lumenhost/lumen/internal/input"
	"github.com/lumenhost/lumen/internal/stream"
)

func main() {
	configPath := flag.String("config", "lumen.json", "Path to configuration file")
	basePort := flag.Int("port", 0, "Base port (overrides config)")
	logLevel := flag.String("log", "", "Log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *basePort != 0 {
		cfg.Port = *basePort
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Probe encoders before accepting any session.
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 30*time.Second)
	probeResult, err := encoder.Probe(probeCtx, encoder.List(), encoder.ProbeOptions{
		Deadline:      5 * time.Second,
		IgnoreFailure: cfg.IgnoreEncoderProbeFailure,
	})
	cancelProbe()
	if err != nil {
		logrus.Fatalf("Encoder probing failed: %v", err)
	}

	broadcast, handle, err := stream.StartBroadcast(stream.BroadcastConfig{BasePort: cfg.Port})
	if err != nil {
		logrus.Fatalf("Failed to start broadcast: %v", err)
	}
	defer handle.Release()

	controller := bitratectl.New(cfg.AutoBitrate)
	broadcast.Control.RegisterDefaultHandlers(stream.HandlerDeps{
		Controller:           controller,
		Input:                input.NewHandler(noopInputBackend{}),
		BitrateStatsInterval: cfg.BitrateStatsInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Control server iterate loop.
	g.Go(func() error {
		broadcast.RunControl()
		return nil
	})

	// Session launcher: picks up launch sessions raised by the pairing
	// layer and runs their media threads.
	launcher := &sessionLauncher{
		cfg:        cfg,
		broadcast:  broadcast,
		controller: controller,
		probe:      probeResult,
	}
	g.Go(func() error {
		launcher.run(ctx)
		return nil
	})

	logrus.WithFields(logrus.Fields{
		"port":  cfg.Port,
		"video": cfg.Port + 9,
		"audio": cfg.Port + 11,
	}).Info("lumen host started")

	<-ctx.Done()
	logrus.Info("shutting down")

	// Graceful teardown: terminate and join every session so each one
	// drops its broadcast reference, then release our own.
	broadcast.Control.TerminateSessions(500 * time.Millisecond)
	for _, s := range broadcast.Control.Sessions() {
		s.Join()
		broadcast.Control.RemoveSession(s)
	}
	handle.Release()

	if err := g.Wait(); err != nil {
		logrus.Errorf("Shutdown error: %v", err)
	}
}

// noopInputBackend discards input on hosts without a platform injection
// backend linked in.
type noopInputBackend struct{}

func (noopInputBackend) Keyboard(uint16, bool, uint8)                                      {}
func (noopInputBackend) MouseMoveRel(int16, int16)                                         {}
func (noopInputBackend) MouseMoveAbs(uint16, uint16, uint16, uint16)                       {}
func (noopInputBackend) MouseButton(uint8, bool)                                           {}
func (noopInputBackend) Scroll(int16)                                                      {}
func (noopInputBackend) HScroll(int16)                                                     {}
func (noopInputBackend) Gamepad(int, uint32, uint8, uint8, int16, int16, int16, int16)     {}
func (noopInputBackend) Touch(uint8, uint32, float32, float32, float32)                    {}
func (noopInputBackend) Pen(uint8, uint8, uint8, float32, float32, float32, uint16, uint8) {}
func (noopInputBackend) UTF8Text(string)                                                   {}
