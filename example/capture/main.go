// Command capture is a synthetic capture device. It dials a receiver, waits
// for a session and streams generated camera frames and motion samples at
// the negotiated rates until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Zereker/uplink"
	"github.com/Zereker/uplink/imagecodec"
)

const (
	frameWidth  = 640
	frameHeight = 480
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6666", "receiver address")
	fps := flag.Float64("fps", 30, "camera frames per second")
	keepAlive := flag.Duration("keep-alive", time.Second, "keep-alive interval")
	flag.Parse()

	if *keepAlive <= 0 || *keepAlive >= uplink.DefaultReadTimeout {
		fmt.Fprintf(os.Stderr, "keep-alive must be in (0, %v)\n", uplink.DefaultReadTimeout)
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	codec, err := imagecodec.New()
	if err != nil {
		logger.Fatal("image codec", zap.Error(err))
	}
	defer codec.Close()

	ep := uplink.NewEndpoint(
		uplink.LoggerOption(uplink.NewZapLogger(logger)),
		uplink.ImageCodecOption(codec),
		uplink.OnCustomCommandOption(func(command string) {
			logger.Info("command from receiver", zap.String("command", command))
		}),
		uplink.OnVersionInfoOption(func(v *uplink.VersionInfo) {
			logger.Info("receiver version", zap.Uint16("major", v.Major), zap.Uint16("minor", v.Minor))
		}),
		uplink.OnMessageOption(func(m uplink.Message) error {
			if img, ok := m.(*uplink.FeedbackImage); ok {
				logger.Debug("feedback image", zap.Uint32("width", img.Width), zap.Uint32("height", img.Height))
			}
			return nil
		}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The wire outlives the signal context so the disconnect handshake can run.
	wireCtx, stopWire := context.WithCancel(context.Background())
	defer stopWire()

	wire, err := uplink.Dial(wireCtx, *addr, ep, uplink.KeepAliveOption(*keepAlive))
	if err != nil {
		logger.Fatal("dial", zap.String("addr", *addr), zap.Error(err))
	}
	_ = ep.SendVersionInfo()

	go stream(ctx, ep, rate.Limit(*fps), logger)

	select {
	case <-ctx.Done():
		logger.Info("disconnecting")
		_ = ep.SendCustomCommand("RecordButtonPressed")
		_ = ep.RequestDisconnect()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer waitCancel()
		waitStopped(waitCtx, wire)
	case <-done(wire):
	}

	if err := wire.Wait(); err != nil {
		logger.Error("wire stopped", zap.Error(err))
	}
}

// stream produces frames and motion samples while a session is active.
func stream(ctx context.Context, ep *uplink.Endpoint, fps rate.Limit, logger *zap.Logger) {
	frames := rate.NewLimiter(fps, 1)
	var motion *rate.Limiter

	start := time.Now()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	var session uplink.SessionID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current := ep.CurrentSession()
		if current == uplink.InvalidSessionID {
			continue
		}
		settings := ep.Settings()
		if current != session {
			session = current
			motion = nil
			if settings.SendMotion && settings.MotionRate > 0 {
				motion = rate.NewLimiter(rate.Limit(settings.MotionRate), 1)
			}
			logger.Info("streaming", zap.Int32("session", int32(session)), zap.Bool("motion", motion != nil))
		}

		t := time.Since(start).Seconds()
		if frames.Allow() {
			frame := syntheticFrame(session, settings, t)
			if err := ep.Enqueue(frame); err != nil {
				logger.Warn("camera frame not queued", zap.Error(err))
			}
		}
		if motion != nil && motion.Allow() {
			if err := ep.Enqueue(syntheticMotion(session, t)); err != nil {
				logger.Warn("motion not queued", zap.Error(err))
			}
		}
	}
}

func syntheticFrame(session uplink.SessionID, settings uplink.SessionSettings, t float64) *uplink.CameraFrame {
	frame := &uplink.CameraFrame{Envelope: uplink.Envelope{Session: session}}

	if settings.ColorMode != uplink.ColorModeNone {
		data := make([]byte, frameWidth*frameHeight*3)
		shade := byte(int(t*64) % 256)
		for i := 0; i < len(data); i += 3 {
			data[i], data[i+1], data[i+2] = shade, byte(i/3%frameWidth), byte(i/3/frameWidth)
		}
		frame.ColorImage = uplink.Image{
			Format: uplink.FormatRGB, Width: frameWidth, Height: frameHeight, Timestamp: t, Data: data,
		}
	}

	if settings.DepthMode != uplink.DepthModeNone {
		data := make([]byte, frameWidth*frameHeight*2)
		for i := 0; i < len(data); i += 2 {
			shift := uint16(600 + (i/2)%frameWidth)
			data[i], data[i+1] = byte(shift), byte(shift>>8)
		}
		frame.DepthImage = uplink.Image{
			Format: uplink.FormatShifts, Width: frameWidth, Height: frameHeight, Timestamp: t, Data: data,
		}
	}
	return frame
}

func syntheticMotion(session uplink.SessionID, t float64) *uplink.DeviceMotionEvent {
	angle := t / 2
	return &uplink.DeviceMotionEvent{
		Envelope:     uplink.Envelope{Session: session},
		Timestamp:    t,
		Attitude:     [4]float64{0, math.Sin(angle), 0, math.Cos(angle)},
		RotationRate: uplink.Vector3{Y: 0.5},
		Gravity:      uplink.Vector3{Z: -1},
	}
}

func done(w *uplink.Wire) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_ = w.Wait()
		close(ch)
	}()
	return ch
}

// waitStopped gives the disconnect handshake until ctx expires, then forces
// the wire down.
func waitStopped(ctx context.Context, w *uplink.Wire) {
	select {
	case <-done(w):
	case <-ctx.Done():
		_ = w.Stop()
	}
}
