package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cybergarage/go-safecast/safecast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetherfpv/fpv-transport/internal/capture"
	"github.com/tetherfpv/fpv-transport/internal/encoder"
	"github.com/tetherfpv/fpv-transport/internal/logger"
	"github.com/tetherfpv/fpv-transport/internal/netutil"
	"github.com/tetherfpv/fpv-transport/internal/pacer"
	"github.com/tetherfpv/fpv-transport/internal/timesource"
	"github.com/tetherfpv/fpv-transport/internal/wire"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fpv-sender",
		Short:   "Ultra-low-latency FPV video sender",
		Version: version,
		RunE:    runSender,
	}

	cmd.Flags().String("peer", "", "receiver address, host:port (required)")
	cmd.Flags().Int("local-port", 0, "local UDP port (0 = random)")
	cmd.Flags().Uint32("session-id", 1, "session identifier stamped on every outbound message")
	cmd.Flags().Int("width", 1280, "capture width")
	cmd.Flags().Int("height", 720, "capture height")
	cmd.Flags().Float64("fps", 60, "capture/encode frame rate")
	cmd.Flags().String("log-level", "info", "log level: debug|info|warn|error")
	cmd.MarkFlagRequired("peer")

	viper.SetEnvPrefix("fpv_sender")
	viper.AutomaticEnv()
	for _, name := range []string{"peer", "local-port", "session-id", "width", "height", "fps", "log-level"} {
		viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}

	return cmd
}

func runSender(cmd *cobra.Command, args []string) error {
	logger.Init()
	if err := logger.SetLevel(viper.GetString("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	log := logger.Logger().With("component", "fpv-sender")

	peerAddr, err := net.ResolveUDPAddr("udp4", viper.GetString("peer"))
	if err != nil {
		return fmt.Errorf("resolve peer address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: viper.GetInt("local-port")})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	if err := netutil.Configure(conn, 0); err != nil {
		log.Warn("socket tuning failed, continuing with defaults", "error", err)
	}

	sessionID := viper.GetUint32("session-id")
	clock := timesource.NewSession()
	p := pacer.New(conn, peerAddr, sessionID, 1, clock)
	enc := encoder.NewLoopback()
	src := capture.NewSynthetic(viper.GetInt("width"), viper.GetInt("height"), viper.GetFloat64("fps"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runControlLoop(ctx, conn, p, enc, log)
	go runKeepaliveLoop(ctx, p, log)

	var width, height, fpsX10 uint16
	if err := safecast.ToUint16(viper.GetInt("width"), &width); err != nil {
		return fmt.Errorf("width out of range: %w", err)
	}
	if err := safecast.ToUint16(viper.GetInt("height"), &height); err != nil {
		return fmt.Errorf("height out of range: %w", err)
	}
	if err := safecast.ToUint16(int(viper.GetFloat64("fps")*10), &fpsX10); err != nil {
		return fmt.Errorf("fps out of range: %w", err)
	}

	hello := &wire.Hello{
		Width:      width,
		Height:     height,
		FpsX10:     fpsX10,
		AVCProfile: 100,
		AVCLevel:   31,
	}
	if err := p.SendHello(hello); err != nil {
		log.Warn("failed to send hello", "error", err)
	}

	log.Info("sender started", "peer", peerAddr.String(), "local_addr", conn.LocalAddr().String(), "version", version)

	var frameID uint32
	for rawFrame := range src.Frames(ctx) {
		au, err := enc.Encode(rawFrame, frameID)
		if err != nil {
			log.Warn("encode failed", "error", err)
			continue
		}
		frameID++

		sent, err := p.SendAccessUnit(pacer.EncodedAccessUnit{
			FrameID:    au.FrameID,
			Data:       au.Data,
			IsKeyframe: au.IsKeyframe,
			HasSPSPPS:  au.HasSPSPPS,
		})
		if err != nil {
			log.Warn("send access unit abandoned", "frame_id", au.FrameID, "fragments_sent", sent, "error", err)
		}
	}

	log.Info("shutdown signal received")
	return nil
}

// runControlLoop reads IDR_REQUEST/KEEPALIVE/PROBE messages from the peer
// and reacts: an IDR_REQUEST forces the next encode to be a keyframe.
func runControlLoop(ctx context.Context, conn *net.UDPConn, p *pacer.Pacer, enc encoder.Encoder, log *slog.Logger) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		msgType, ok := wire.PeekType(buf[:n])
		if !ok {
			continue
		}
		switch msgType {
		case wire.TypeIDRRequest:
			req, err := wire.ParseIDRRequest(buf[:n])
			if err != nil {
				continue
			}
			log.Info("idr request received", "reason", req.Reason)
			enc.RequestIDR()
		case wire.TypeKeepalive:
			ka, err := wire.ParseKeepalive(buf[:n])
			if err != nil {
				continue
			}
			_ = p.SendKeepalive(ka.TsMs)
		}
	}
}

func runKeepaliveLoop(ctx context.Context, p *pacer.Pacer, log *slog.Logger) {
	ticker := time.NewTicker(pacer.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.SendKeepalive(0); err != nil {
				log.Warn("keepalive send failed", "error", err)
			}
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
