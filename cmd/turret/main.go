package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/control"
	"github.com/banshee-data/turret/internal/detect"
	"github.com/banshee-data/turret/internal/dispatch"
	"github.com/banshee-data/turret/internal/estimator"
	"github.com/banshee-data/turret/internal/link"
	"github.com/banshee-data/turret/internal/mode"
	"github.com/banshee-data/turret/internal/monitor"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
	"github.com/banshee-data/turret/internal/version"
	"github.com/banshee-data/turret/internal/wire"
)

var (
	configPath  = flag.String("config", "config/turret.defaults.json", "Path to turret JSON config")
	devMode     = flag.Bool("dev", false, "Run in dev mode: simulated target, in-memory serial port")
	detectSrc   = flag.String("detect", "stdin", "Detection source: stdin, sim, or a TCP listen address such as :7070")
	port        = flag.String("port", "", "Serial port override (ignored in dev mode)")
	debugListen = flag.String("debug-listen", "", "Debug HTTP listen address override; \"off\" disables it")
	plotDir     = flag.String("plot-dir", "", "Write PNG traces of the trail here on shutdown")
	trace       = flag.Bool("trace", false, "Enable the per-tick trace log stream")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// detectionRunner is what every detection source provides.
type detectionRunner interface {
	Run(ctx context.Context) error
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadTurretConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != "" {
		cfg.SerialPort = port
	}
	if *debugListen != "" {
		cfg.DebugListen = debugListen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	var traceWriter io.Writer
	if *trace {
		traceWriter = os.Stdout
	}
	monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr, Diag: os.Stderr, Trace: traceWriter})

	codec, err := wire.ForName(cfg.GetWireFormat())
	if err != nil {
		log.Fatalf("failed to select wire codec: %v", err)
	}

	clock := timeutil.RealClock{}
	state := control.NewState()
	trail := monitor.NewTrail(cfg.GetTrailLength())

	modeCfg := mode.ConfigFromTurret(cfg)
	machine := mode.NewMachine(modeCfg, mode.StartCommand(cfg, modeCfg.Bounds))
	est := estimator.New(estimator.ConfigFromTurret(cfg), clock)
	loop := control.NewLoop(state, est, machine, clock, cfg.GetControlPeriod(),
		control.WithRecorder(trail),
		control.WithEscalateAfter(cfg.GetEscalateAfterFailures()))

	var opener link.Opener = link.SerialOpener{}
	if *devMode {
		devPort := link.NewTestableSerialPort()
		devPort.Discard = true
		opener = link.NewMockPortOpener(devPort)
	}
	dispatcher := dispatch.New(dispatch.ConfigFromTurret(cfg), opener, codec, state, clock)

	source, err := newDetectionSource(cfg, state, clock)
	if err != nil {
		log.Fatalf("failed to start detection source: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitoring.Opsf("%s starting", version.String())
	monitoring.Opsf("turret: link %s (%s), codec %s, control every %s, dispatch every %s",
		cfg.GetSerialPort(), link.OptionsFromTurret(cfg), codec.Name(), cfg.GetControlPeriod(), cfg.GetDispatchPeriod())

	var wg sync.WaitGroup

	// detection: an unrecoverable failure stops the whole process
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := source.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("turret: detection source failed, shutting down: %v", err)
		}
		cancel()
		log.Print("detection routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("turret: control loop stopped: %v", err)
		}
		log.Print("control routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("turret: dispatcher stopped: %v", err)
		}
		log.Print("dispatch routine terminated")
	}()

	if addr := cfg.GetDebugListen(); addr != "" && addr != "off" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, addr, monitor.New(state, trail, dispatcher, modeCfg.AimCenter, clock))
		}()
	}

	wg.Wait()

	if *plotDir != "" {
		writePlots(*plotDir, trail, modeCfg.AimCenter)
	}
	log.Printf("turret stopped after %s", formatStats(dispatcher.Stats()))
}

func newDetectionSource(cfg *config.TurretConfig, state *control.State, clock timeutil.Clock) (detectionRunner, error) {
	src := *detectSrc
	if *devMode && src == "stdin" {
		src = "sim"
	}
	switch {
	case src == "stdin" || src == "-":
		return detect.NewLineSource("stdin", os.Stdin, state, clock), nil
	case src == "sim":
		center := turret.Vec2{X: cfg.GetAimCenterX(), Y: cfg.GetAimCenterY()}
		return detect.NewSimulatedSource(detect.SimConfig{
			Path:        detect.Lissajous(center, 200, 120, 12*time.Second),
			FramePeriod: 66 * time.Millisecond,
			Latency:     cfg.GetAvgCaptureLatency(),
			Noise:       1.5,
			VisibleFor:  20 * time.Second,
			HiddenFor:   5 * time.Second,
			Seed:        uint64(time.Now().UnixNano()),
		}, state, clock), nil
	case strings.Contains(src, ":"):
		return detect.Listen(src, state, clock)
	}
	return nil, fmt.Errorf("unknown detection source %q", src)
}

func serveDebug(ctx context.Context, addr string, m *monitor.Monitor) {
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/debug/", http.StatusFound)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		monitoring.Opsf("turret: debug pages on http://%s/debug/", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Opsf("turret: debug server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shut down debug server: %v", err)
	}
}

func writePlots(dir string, trail *monitor.Trail, aimCenter turret.Vec2) {
	p, err := monitor.NewPlotter(dir, aimCenter)
	if err != nil {
		log.Printf("failed to create plotter: %v", err)
		return
	}
	files, err := p.GeneratePlots(trail.Samples(), nil)
	if err != nil {
		log.Printf("failed to write plots: %v", err)
		return
	}
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
}

func formatStats(s dispatch.Stats) string {
	return fmt.Sprintf("%d frames sent, %d skipped, %d reconnects", s.Sent, s.Skipped, s.Reconnects)
}
