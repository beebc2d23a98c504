package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Zereker/uplink"
	"github.com/Zereker/uplink/imagecodec"
)

// receiver serves one capture device at a time. It keeps the exposure lock
// toggle as its own state.
type receiver struct {
	cfg      serverConfig
	codec    *imagecodec.Codec
	logger   *zap.Logger
	registry *prometheus.Registry

	mu     sync.Mutex
	locked bool
	frames uint64
}

func (r *receiver) NewEndpoint(conn *net.TCPConn) (*uplink.Endpoint, error) {
	log := r.logger.With(zap.Stringer("remote_addr", conn.RemoteAddr()))

	var ep *uplink.Endpoint
	ep = uplink.NewEndpoint(
		uplink.LoggerOption(uplink.NewZapLogger(log)),
		uplink.ImageCodecOption(r.codec),
		uplink.SessionSettingsOption(r.cfg.Session),
		uplink.MetricsOption("uplink_server", r.registry),
		uplink.OnCustomCommandOption(func(command string) {
			r.onCustomCommand(ep, command)
		}),
		uplink.OnMessageOption(func(m uplink.Message) error {
			return r.onMessage(ep, m)
		}),
	)
	return ep, nil
}

func (r *receiver) OnConnect(ep *uplink.Endpoint) {
	r.logger.Info("capture device connected")

	_ = ep.SendVersionInfo()
	_ = ep.SendCustomCommand("button:clear:*")
	if err := ep.SendSessionSetup(r.cfg.Session); err != nil {
		r.logger.Error("session setup not queued", zap.Error(err))
	}
}

func (r *receiver) OnDisconnect(ep *uplink.Endpoint, err error) {
	stats := ep.Stats().Kind(uplink.KindCameraFrame)
	r.logger.Info("capture device disconnected",
		zap.Error(err),
		zap.Uint64("camera_frames", stats.Received),
		zap.Float64("camera_rate_hz", stats.ReceiveRate))
}

func (r *receiver) onCustomCommand(ep *uplink.Endpoint, command string) {
	switch command {
	case "RecordButtonPressed":
		r.logger.Info("record button pressed")
	case "AutoLevelButtonPressed":
		r.toggleExposure(ep)
	default:
		r.logger.Debug("custom command", zap.String("command", command))
	}
}

func (r *receiver) toggleExposure(ep *uplink.Endpoint) {
	r.mu.Lock()
	r.locked = !r.locked
	locked := r.locked
	r.mu.Unlock()

	settings := ep.Settings()
	if locked {
		settings.ExposureMode = uplink.ExposureLocked
		settings.WhiteBalanceMode = uplink.WhiteBalanceLocked
		r.logger.Info("locked exposure and white balance")
	} else {
		settings.ExposureMode = uplink.ExposureContinuousAuto
		settings.WhiteBalanceMode = uplink.WhiteBalanceContinuousAuto
		r.logger.Info("automatic exposure and white balance")
	}
	if err := ep.SendSessionSetup(settings); err != nil {
		r.logger.Error("session setup not queued", zap.Error(err))
	}
}

// onMessage runs on the receive loop and must not block.
func (r *receiver) onMessage(ep *uplink.Endpoint, m uplink.Message) error {
	switch msg := m.(type) {
	case *uplink.CameraFrame:
		r.mu.Lock()
		r.frames++
		r.mu.Unlock()

		if !msg.ColorImage.IsEmpty() && r.cfg.PingPong {
			feedback := &uplink.FeedbackImage{Envelope: msg.Envelope, Image: msg.ColorImage}
			if err := ep.Enqueue(feedback); err != nil {
				r.logger.Warn("feedback image not queued", zap.Error(err))
			}
		}
	case *uplink.DeviceMotionEvent:
		r.logger.Debug("imu", zap.Float64("timestamp", msg.Timestamp))
	default:
		r.logger.Debug("message", zap.Stringer("kind", m.Kind()))
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	codec, err := imagecodec.New()
	if err != nil {
		logger.Fatal("image codec", zap.Error(err))
	}
	defer codec.Close()

	registry := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("resolve address", zap.Error(err))
	}

	server, err := uplink.New(addr,
		uplink.ServerLoggerOption(uplink.NewZapLogger(logger)),
		uplink.ServerWireOption(uplink.KeepAliveOption(cfg.KeepAlive)),
	)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handler := &receiver{cfg: cfg, codec: codec, logger: logger, registry: registry}
	if err := server.Serve(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", zap.Error(err))
	}
}
