package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/cardio.report/internal/ecg/ingest"
	"github.com/banshee-data/cardio.report/internal/ecg/pipeline"
	"github.com/banshee-data/cardio.report/internal/timeutil"
)

func TestFlagDefaults(t *testing.T) {
	if *configFile != "" {
		t.Errorf("config default = %q, want empty", *configFile)
	}
	if *baudRate != ingest.DefaultBaudRate {
		t.Errorf("baud default = %d, want %d", *baudRate, ingest.DefaultBaudRate)
	}
	if *captureMode != "auto" {
		t.Errorf("mode default = %q, want auto", *captureMode)
	}
	if *jsonOut || *plotHTML || *debug {
		t.Error("boolean flags should default to false")
	}
}

func TestSelectSource(t *testing.T) {
	tests := []struct {
		name    string
		pcap    string
		serial  string
		want    Source
		wantErr bool
	}{
		{"default udp", "", "", SourceUDP, false},
		{"pcap", "capture.pcap", "", SourcePCAP, false},
		{"serial", "", "/dev/ttyUSB0", SourceSerial, false},
		{"both", "capture.pcap", "/dev/ttyUSB0", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectSource(tt.pcap, tt.serial)
			if (err != nil) != tt.wantErr {
				t.Fatalf("selectSource() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("selectSource() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("built-in defaults: %v", err)
	}
	if cfg.Constants().NIn != 8534 {
		t.Errorf("NIn = %d, want 8534", cfg.Constants().NIn)
	}

	path := filepath.Join(t.TempDir(), "pipeline.json")
	if err := os.WriteFile(path, []byte(`{"bind_port": 7000}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig(%s): %v", path, err)
	}
	if cfg.GetBindPort() != 7000 {
		t.Errorf("bind port = %d, want 7000", cfg.GetBindPort())
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestQueuePolicy(t *testing.T) {
	tests := []struct {
		source Source
		want   pipeline.QueuePolicy
	}{
		{SourceUDP, pipeline.QueueDropOldest},
		{SourceSerial, pipeline.QueueDropOldest},
		{SourcePCAP, pipeline.QueueBlock},
	}
	for _, tt := range tests {
		if got := queuePolicy(tt.source); got != tt.want {
			t.Errorf("queuePolicy(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestBuildSinksDefault(t *testing.T) {
	sinks := buildSinks()
	if len(sinks) != 1 {
		t.Fatalf("len(sinks) = %d, want 1", len(sinks))
	}
	if _, ok := sinks[0].(pipeline.LogSink); !ok {
		t.Errorf("sinks[0] = %T, want pipeline.LogSink", sinks[0])
	}
}

func TestWaitIdleReturnsImmediatelyWhenIdle(t *testing.T) {
	rt, err := pipeline.NewRuntime(pipeline.Config{})
	if err != nil {
		t.Fatal(err)
	}
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	done := make(chan struct{})
	go func() {
		waitIdle(context.Background(), rt, clock)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitIdle blocked on an idle runtime")
	}
}
