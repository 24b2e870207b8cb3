// Package telemetry tracks the latency/jitter EMAs and packet counters
// described in spec §4.9, and exposes both as Prometheus metrics.
// Ground: the teacher's use of prometheus/client_golang-shaped counters,
// generalized from RTMP connection/byte counters to this protocol's
// per-stage pipeline timings.
package telemetry

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Alpha is the smoothing factor used for every EMA spec §4.9 names.
const Alpha = 0.2

// PipelineTiming carries the microsecond timestamps collected across one
// frame's lifetime, from first packet received to texture-ready.
type PipelineTiming struct {
	FirstPacketUs  int64
	AssemblyDoneUs int64
	DecodeDoneUs   int64
	UploadDoneUs   int64
}

// Counters mirrors the raw counts spec §4.9 asks for.
type Counters struct {
	PacketsReceived uint64
	Fragments       uint64
	FramesCompleted uint64
	Duplicates      uint64
	DroppedStale    uint64
	DroppedTimeout  uint64
	DroppedOverflow uint64
}

// Telemetry aggregates the EMA timings and raw counters for one receiver
// session, plus their Prometheus exposition.
type Telemetry struct {
	targetFPS float64

	mu            sync.Mutex
	assembly      *EMA
	decode        *EMA
	upload        *EMA
	total         *EMA
	frameInterval *EMA
	jitter        *EMA
	lastFrameUs   int64
	haveLastFrame bool
	counters      Counters

	registry *prometheus.Registry
	gEMA     map[string]prometheus.Gauge
	cVec     *prometheus.CounterVec
}

// New creates a Telemetry tracker. targetFPS is used for the jitter
// computation (|interval - 1/target_fps|); pass 0 to disable jitter.
func New(targetFPS float64) *Telemetry {
	t := &Telemetry{
		targetFPS:     targetFPS,
		assembly:      NewEMA(Alpha),
		decode:        NewEMA(Alpha),
		upload:        NewEMA(Alpha),
		total:         NewEMA(Alpha),
		frameInterval: NewEMA(Alpha),
		jitter:        NewEMA(Alpha),
		registry:      prometheus.NewRegistry(),
	}
	t.registerMetrics()
	return t
}

func (t *Telemetry) registerMetrics() {
	t.gEMA = make(map[string]prometheus.Gauge, 6)
	names := []string{"assembly_us", "decode_us", "upload_us", "total_us", "frame_interval_us", "jitter_us"}
	for _, n := range names {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fpv",
			Subsystem: "pipeline",
			Name:      n,
			Help:      "EMA(alpha=0.2) of pipeline stage " + n,
		})
		t.registry.MustRegister(g)
		t.gEMA[n] = g
	}
	t.cVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fpv",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Count of pipeline events by reason.",
	}, []string{"reason"})
	t.registry.MustRegister(t.cVec)
}

// RecordFrame folds one frame's stage timings into the EMAs.
func (t *Telemetry) RecordFrame(timing PipelineTiming) {
	t.mu.Lock()
	defer t.mu.Unlock()

	assembly := float64(timing.AssemblyDoneUs - timing.FirstPacketUs)
	decode := float64(timing.DecodeDoneUs - timing.AssemblyDoneUs)
	upload := float64(timing.UploadDoneUs - timing.DecodeDoneUs)
	total := float64(timing.UploadDoneUs - timing.FirstPacketUs)

	t.gEMA["assembly_us"].Set(t.assembly.Update(assembly))
	t.gEMA["decode_us"].Set(t.decode.Update(decode))
	t.gEMA["upload_us"].Set(t.upload.Update(upload))
	t.gEMA["total_us"].Set(t.total.Update(total))

	if t.haveLastFrame {
		intervalUs := float64(timing.FirstPacketUs - t.lastFrameUs)
		t.gEMA["frame_interval_us"].Set(t.frameInterval.Update(intervalUs))

		if t.targetFPS > 0 {
			targetIntervalUs := 1e6 / t.targetFPS
			jitter := math.Abs(intervalUs - targetIntervalUs)
			t.gEMA["jitter_us"].Set(t.jitter.Update(jitter))
		}
	}
	t.lastFrameUs = timing.FirstPacketUs
	t.haveLastFrame = true

	t.counters.FramesCompleted++
	t.cVec.WithLabelValues("frame_completed").Inc()
}

// IncDropped records a dropped fragment/frame by reason.
func (t *Telemetry) IncDropped(reason string) {
	t.mu.Lock()
	switch reason {
	case "stale":
		t.counters.DroppedStale++
	case "timeout":
		t.counters.DroppedTimeout++
	case "overflow":
		t.counters.DroppedOverflow++
	}
	t.mu.Unlock()
	t.cVec.WithLabelValues("dropped_" + reason).Inc()
}

// IncPacketsReceived records one received packet.
func (t *Telemetry) IncPacketsReceived() {
	t.mu.Lock()
	t.counters.PacketsReceived++
	t.mu.Unlock()
	t.cVec.WithLabelValues("packet_received").Inc()
}

// IncFragments records one received fragment.
func (t *Telemetry) IncFragments() {
	t.mu.Lock()
	t.counters.Fragments++
	t.mu.Unlock()
	t.cVec.WithLabelValues("fragment_received").Inc()
}

// IncDuplicate records one duplicate fragment.
func (t *Telemetry) IncDuplicate() {
	t.mu.Lock()
	t.counters.Duplicates++
	t.mu.Unlock()
	t.cVec.WithLabelValues("duplicate").Inc()
}

// Snapshot returns the current counters and EMA values.
func (t *Telemetry) Snapshot() (Counters, map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	emas := map[string]float64{
		"assembly_us":       t.assembly.Value(),
		"decode_us":         t.decode.Value(),
		"upload_us":         t.upload.Value(),
		"total_us":          t.total.Value(),
		"frame_interval_us": t.frameInterval.Value(),
		"jitter_us":         t.jitter.Value(),
	}
	return t.counters, emas
}

// Registry returns the Prometheus registry metrics are registered on, for
// wiring into an HTTP /metrics handler.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Run logs a snapshot at the given cadence (spec §4.9: "printed at a
// bounded cadence, >=1s") until stopCh is closed. An interval under one
// second is raised to one second.
func (t *Telemetry) Run(interval time.Duration, log *slog.Logger, stopCh <-chan struct{}) {
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			counters, emas := t.Snapshot()
			log.Info("telemetry",
				"packets_received", counters.PacketsReceived,
				"fragments", counters.Fragments,
				"frames_completed", counters.FramesCompleted,
				"duplicates", counters.Duplicates,
				"dropped_stale", counters.DroppedStale,
				"dropped_timeout", counters.DroppedTimeout,
				"dropped_overflow", counters.DroppedOverflow,
				"assembly_us", emas["assembly_us"],
				"decode_us", emas["decode_us"],
				"upload_us", emas["upload_us"],
				"total_us", emas["total_us"],
				"frame_interval_us", emas["frame_interval_us"],
				"jitter_us", emas["jitter_us"],
			)
		}
	}
}
