package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetherfpv/fpv-transport/internal/assembler"
	"github.com/tetherfpv/fpv-transport/internal/decoder"
	"github.com/tetherfpv/fpv-transport/internal/dispatcher"
	"github.com/tetherfpv/fpv-transport/internal/logger"
	"github.com/tetherfpv/fpv-transport/internal/netutil"
	"github.com/tetherfpv/fpv-transport/internal/presenter"
	"github.com/tetherfpv/fpv-transport/internal/session"
	"github.com/tetherfpv/fpv-transport/internal/stun"
	"github.com/tetherfpv/fpv-transport/internal/telemetry"
	"github.com/tetherfpv/fpv-transport/internal/timesource"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fpv-receiver",
		Short:   "Ultra-low-latency FPV video receiver",
		Version: version,
		RunE:    runReceiver,
	}

	cmd.Flags().Int("port", 0, "local UDP port (0 = random)")
	cmd.Flags().Bool("local", false, "local network mode: skip STUN/signaling")
	cmd.Flags().String("log-level", "info", "log level: debug|info|warn|error")
	cmd.Flags().Float64("target-fps", 60, "expected video frame rate, used for jitter telemetry")
	cmd.Flags().Int("recv-buf-size", netutil.DefaultRecvBufferSize, "UDP receive buffer size in bytes")
	cmd.Flags().String("metrics-addr", "", "address to serve Prometheus /metrics on (empty = disabled)")
	cmd.Flags().Duration("telemetry-interval", 2*time.Second, "telemetry log cadence (minimum 1s)")

	viper.SetEnvPrefix("fpv_receiver")
	viper.AutomaticEnv()
	for _, name := range []string{"port", "local", "log-level", "target-fps", "recv-buf-size", "metrics-addr", "telemetry-interval"} {
		viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}

	return cmd
}

func runReceiver(cmd *cobra.Command, args []string) error {
	logger.Init()
	if err := logger.SetLevel(viper.GetString("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	log := logger.Logger().With("component", "fpv-receiver")

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: viper.GetInt("port")})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	if err := netutil.Configure(conn, viper.GetInt("recv-buf-size")); err != nil {
		log.Warn("socket tuning failed, continuing with defaults", "error", err)
	}

	clock := timesource.NewSession()
	asm := assembler.New()
	sess := session.New(clock)
	sess.OnTransition(func(from, to session.State) {
		log.Info("state transition", "from", from.String(), "to", to.String())
	})
	disp := dispatcher.New(conn, asm, clock, log, sess)
	dec := decoder.NewLoopback()
	pres := presenter.NewLoopback()
	tel := telemetry.New(viper.GetFloat64("target-fps"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if viper.GetBool("local") {
		sess.EnterLocalMode()
	} else {
		sess.StartDiscovery()
		go discoverPublicAddress(conn, log, sess)
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		go serveMetrics(addr, tel, log)
	}

	go func() {
		if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("dispatcher stopped", "error", err)
		}
	}()

	go runDecodePipeline(ctx, asm, dec, pres, tel, log)

	interval := viper.GetDuration("telemetry-interval")
	go tel.Run(interval, log, ctx.Done())

	log.Info("receiver started", "local_addr", conn.LocalAddr().String(), "version", version)
	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

func discoverPublicAddress(conn *net.UDPConn, log interface {
	Info(string, ...any)
	Warn(string, ...any)
}, sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), session.StunTimeout)
	defer cancel()
	result, err := stun.Discover(ctx, conn)
	if err != nil {
		log.Warn("stun discovery failed", "error", err)
		return
	}
	log.Info("stun discovery succeeded", "public_addr", result.PublicAddr.String(), "server", result.Server)
	sess.StunSucceeded()
}

// runDecodePipeline drains the assembler's latest-access-unit mailbox and
// feeds each completed frame through decode -> present -> telemetry. The
// mailbox has no blocking wait by design (spec §4.8: no queue), so this
// loop polls it at a cadence well under one video frame interval.
func runDecodePipeline(ctx context.Context, asm *assembler.Assembler, dec decoder.Decoder, pres presenter.Presenter, tel *telemetry.Telemetry, log interface {
	Warn(string, ...any)
}) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			au, ok := asm.TakeLatestAU()
			if !ok {
				continue
			}
			frame, err := dec.Decode(decoder.Input{
				Data:       au.Data,
				FrameID:    au.FrameID,
				TsMs:       au.TsMs,
				IsKeyframe: au.IsKeyframe,
			})
			if err != nil {
				log.Warn("decode failed", "frame_id", au.FrameID, "error", err)
				continue
			}
			uploadDoneUs := au.AssemblyCompleteUs
			if err := pres.Submit(frame); err == nil {
				uploadDoneUs = nowFallback(uploadDoneUs)
			}
			tel.RecordFrame(telemetry.PipelineTiming{
				FirstPacketUs:  au.FirstPacketTimeUs,
				AssemblyDoneUs: au.AssemblyCompleteUs,
				DecodeDoneUs:   au.AssemblyCompleteUs,
				UploadDoneUs:   uploadDoneUs,
			})
		}
	}
}

func nowFallback(previous int64) int64 {
	now := time.Now().UnixMicro()
	if now > previous {
		return now
	}
	return previous
}

func serveMetrics(addr string, tel *telemetry.Telemetry, log interface{ Error(string, ...any) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(tel.Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
