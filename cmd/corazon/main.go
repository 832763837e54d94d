// Command corazon receives EASI ECG samples, assembles fixed-length windows
// and reports heart rate and heart-rate variability for each one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/cardio.report/internal/config"
	"github.com/banshee-data/cardio.report/internal/ecg/ingest"
	"github.com/banshee-data/cardio.report/internal/ecg/pipeline"
	"github.com/banshee-data/cardio.report/internal/monitoring"
	"github.com/banshee-data/cardio.report/internal/timeutil"
	"github.com/banshee-data/cardio.report/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to pipeline JSON config (default: built-in defaults)")
	listen      = flag.String("listen", "", "UDP listen address, overrides bind_host/bind_port")
	pcapFile    = flag.String("pcap", "", "Replay UDP datagrams from a pcap/pcapng capture instead of listening")
	pcapPort    = flag.Int("pcap-port", 0, "Destination port to replay from the capture (0 = bind_port)")
	serialPort  = flag.String("serial", "", "Read records from a serial device instead of UDP")
	baudRate    = flag.Int("baud", ingest.DefaultBaudRate, "Serial baud rate")
	captureMode = flag.String("mode", string(pipeline.ModeAuto), "Capture mode: auto, manual or paused")
	plotDir     = flag.String("plot-dir", "", "Write a PNG plot of every window to this directory")
	plotHTML    = flag.Bool("plot-html", false, "Also write interactive HTML plots (requires -plot-dir)")
	jsonOut     = flag.Bool("json", false, "Write one JSON result per window to stdout")
	jsonMatrix  = flag.Bool("json-matrix", false, "Include the sample matrix in JSON output")
	debug       = flag.Bool("debug", false, "Enable per-window debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// Source names the ingest path selected by the flags.
type Source string

const (
	SourceUDP    Source = "udp"
	SourcePCAP   Source = "pcap"
	SourceSerial Source = "serial"
)

func selectSource(pcap, serial string) (Source, error) {
	switch {
	case pcap != "" && serial != "":
		return "", errors.New("-pcap and -serial are mutually exclusive")
	case pcap != "":
		return SourcePCAP, nil
	case serial != "":
		return SourceSerial, nil
	}
	return SourceUDP, nil
}

func loadConfig(path string) (*config.PipelineConfig, error) {
	if path == "" {
		return config.DefaultPipelineConfig(), nil
	}
	return config.LoadPipelineConfig(path)
}

// queuePolicy paces replays by the worker so no window is lost; live
// sources keep only the newest window.
func queuePolicy(source Source) pipeline.QueuePolicy {
	if source == SourcePCAP {
		return pipeline.QueueBlock
	}
	return pipeline.QueueDropOldest
}

func buildSinks() []pipeline.Sink {
	sinks := []pipeline.Sink{pipeline.LogSink{}}
	if *jsonOut {
		sinks = append(sinks, pipeline.NewJSONSink(os.Stdout, *jsonMatrix))
	}
	if *plotDir != "" {
		sinks = append(sinks, pipeline.PlotSink{Dir: *plotDir, HTML: *plotHTML})
	}
	return sinks
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *debug {
		monitoring.SetDebugLogger(os.Stderr)
	}

	source, err := selectSource(*pcapFile, *serialPort)
	if err != nil {
		log.Fatal(err)
	}
	mode, err := pipeline.ParseMode(*captureMode)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	rt, err := pipeline.NewRuntime(pipeline.Config{
		Pipeline: cfg,
		State:    pipeline.NewState(mode),
		Sinks:    buildSinks(),
		Queue:    queuePolicy(source),
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	c := rt.Constants
	log.Printf("%s starting: source=%s fs_in=%.3f Hz window=%.1f s n_in=%d n_out=%d fs_out=%.1f Hz mode=%s",
		version.String(), source, c.FSIn, c.WindowSec, c.NIn, c.NOut, c.FSOut, mode)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline worker stopped: %v", err)
		}
		log.Print("pipeline worker terminated")
	}()

	stats := ingest.NewDatagramStats(nil)
	switch source {
	case SourceUDP:
		addr := cfg.GetBindAddress()
		if *listen != "" {
			addr = *listen
		}
		listener := ingest.NewUDPListener(ingest.UDPListenerConfig{
			Address:      addr,
			RcvBuf:       cfg.GetRcvBuf(),
			PollInterval: cfg.GetPollInterval(),
			LogInterval:  cfg.GetStatsInterval(),
			Stats:        stats,
			Sink:         rt,
		})
		if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("UDP listener error: %v", err)
		}

	case SourcePCAP:
		port := *pcapPort
		if port == 0 {
			port = cfg.GetBindPort()
		}
		if _, err := ingest.ReplayPCAP(ctx, *pcapFile, port, rt, stats); err != nil {
			log.Printf("capture replay error: %v", err)
		}
		stats.LogStats()
		waitIdle(ctx, rt, timeutil.RealClock{})

	case SourceSerial:
		src := &ingest.SerialSource{
			Port:    *serialPort,
			Options: ingest.SerialOptions{BaudRate: *baudRate},
			Sink:    rt,
			Stats:   stats,
		}
		if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("serial source error: %v", err)
		}
	}

	stopWorker()
	wg.Wait()

	snap := rt.State().Snapshot()
	log.Printf("windows: assembled=%d processed=%d failed=%d dropped_paused=%d dropped_full=%d",
		snap.Counters.Assembled, snap.Counters.Processed, snap.Counters.Failed,
		snap.Counters.DroppedPaused, snap.Counters.DroppedFull)
}

// waitIdle blocks until the runtime has handled every assembled window or
// ctx is cancelled.
func waitIdle(ctx context.Context, rt *pipeline.Runtime, clock timeutil.Clock) {
	ticker := clock.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !rt.Idle() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}
