// Command ecg-sim emits synthetic EASI records over UDP in the same shape
// as the acquisition device: newline separated "ES AS AI ALAB" integer
// records, a few per datagram, paced at the device sample rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/banshee-data/cardio.report/internal/config"
	"github.com/banshee-data/cardio.report/internal/ecg/synth"
	"github.com/banshee-data/cardio.report/internal/ecg/window"
	"github.com/banshee-data/cardio.report/internal/timeutil"
)

// MaxRecordsPerDatagram matches the device firmware.
const MaxRecordsPerDatagram = 20

var (
	addr     = flag.String("addr", "127.0.0.1:5005", "Destination UDP address")
	fs       = flag.Float64("fs", config.DefaultPipelineConfig().GetFSIn(), "Sample rate (Hz)")
	bpm      = flag.Float64("bpm", 70, "Heart rate (beats per minute)")
	noise    = flag.Float64("noise", 0.05, "Gaussian noise sigma in beat template units")
	seed     = flag.Uint64("seed", 1, "Noise seed")
	batch    = flag.Int("batch", MaxRecordsPerDatagram, "Records per datagram (1-20)")
	duration = flag.Duration("duration", 0, "Stop after this much signal (0 = run until interrupted)")
	leadOff  = flag.Bool("lead-off", false, "Set the lead-off label on every record")
)

// AppendRecords formats samples as device records.
func AppendRecords(dst []byte, samples []window.Sample) []byte {
	for _, s := range samples {
		dst = strconv.AppendInt(dst, int64(s.ES), 10)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(s.AS), 10)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(s.AI), 10)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(s.ALab), 10)
		dst = append(dst, '\n')
	}
	return dst
}

// Simulator writes one datagram of Batch records per tick.
type Simulator struct {
	Gen   *synth.Generator
	FS    float64
	Batch int
	Total int // samples to send; 0 means unlimited
	Clock timeutil.Clock
}

// Interval is the time covered by one datagram.
func (s *Simulator) Interval() time.Duration {
	return time.Duration(math.Round(float64(s.Batch) / s.FS * float64(time.Second)))
}

// Run sends datagrams to w until ctx is cancelled or Total samples have
// been written. It returns the number of samples sent.
func (s *Simulator) Run(ctx context.Context, w io.Writer) (int, error) {
	if s.Batch < 1 || s.Batch > MaxRecordsPerDatagram {
		return 0, fmt.Errorf("batch must be between 1 and %d, got %d", MaxRecordsPerDatagram, s.Batch)
	}
	if !(s.FS > 0) {
		return 0, fmt.Errorf("sample rate must be positive, got %f", s.FS)
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ticker := clock.NewTicker(s.Interval())
	defer ticker.Stop()

	samples := make([]window.Sample, 0, s.Batch)
	buf := make([]byte, 0, s.Batch*24)
	sent := 0
	for s.Total == 0 || sent < s.Total {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C():
		}

		n := s.Batch
		if s.Total > 0 && s.Total-sent < n {
			n = s.Total - sent
		}
		samples = samples[:0]
		for i := 0; i < n; i++ {
			samples = append(samples, s.Gen.Next())
		}
		buf = AppendRecords(buf[:0], samples)
		if _, err := w.Write(buf); err != nil {
			return sent, fmt.Errorf("send datagram: %w", err)
		}
		sent += n
	}
	return sent, nil
}

func main() {
	flag.Parse()

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := &Simulator{
		Gen:   synth.EASI{FS: *fs, BPM: *bpm, Noise: *noise, Seed: *seed, LeadOff: *leadOff}.NewGenerator(),
		FS:    *fs,
		Batch: *batch,
		Total: int(math.Round(duration.Seconds() * *fs)),
	}
	log.Printf("sending %.0f bpm at %.3f Hz to %s, %d records every %v", *bpm, *fs, *addr, *batch, sim.Interval())

	sent, err := sim.Run(ctx, conn)
	if err != nil && ctx.Err() == nil {
		log.Printf("simulator stopped: %v", err)
	}
	rate := *fs
	log.Printf("sent %d samples (%.1f s of signal)", sent, float64(sent)/rate)
}
