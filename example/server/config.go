package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Zereker/uplink"
)

type channelConfig struct {
	Buffering string `toml:"buffering"`
	Threshold int    `toml:"threshold"`
	Dropping  string `toml:"dropping"`
}

type fileConfig struct {
	Addr          string        `toml:"addr"`
	MetricsAddr   string        `toml:"metrics_addr"`
	KeepAlive     string        `toml:"keep_alive"`
	ColorOnly     bool          `toml:"color_only"`
	SendMotion    bool          `toml:"send_motion"`
	MotionRate    float64       `toml:"motion_rate"`
	ColorCodec    string        `toml:"color_codec"`
	DepthCodec    string        `toml:"depth_codec"`
	FeedbackCodec string        `toml:"feedback_codec"`
	Quality       float64       `toml:"quality"`
	PingPong      bool          `toml:"ping_pong_feedback"`
	FrameChannel  channelConfig `toml:"camera_frame_channel"`
}

type serverConfig struct {
	Addr        string
	MetricsAddr string
	KeepAlive   time.Duration
	PingPong    bool
	Session     uplink.SessionSettings
}

// defaultServerConfig mirrors the reference receiver: VGA color only, JPEG
// color and feedback, compressed depth shifts, motion off.
func defaultServerConfig() serverConfig {
	session := uplink.DefaultSessionSettings()
	session.ColorCameraCodec = uplink.CodecJPEG
	session.DepthCameraCodec = uplink.CodecCompressedShifts
	session.FeedbackImageCodec = uplink.CodecJPEG
	session.CameraFrameChannel = uplink.Bounded(90, uplink.DropRandom)

	return serverConfig{
		Addr:      ":6666",
		KeepAlive: time.Second,
		PingPong:  true,
		Session:   session,
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serverConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("keep_alive") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KeepAlive))
		if err != nil {
			return serverConfig{}, fmt.Errorf("parse keep_alive: %w", err)
		}
		cfg.KeepAlive = d
	}
	if meta.IsDefined("ping_pong_feedback") {
		cfg.PingPong = raw.PingPong
	}

	if meta.IsDefined("color_only") && !raw.ColorOnly {
		cfg.Session.DepthMode = uplink.DepthModeVGA
		cfg.Session.RegistrationMode = uplink.RegistrationRegisteredDepth
		cfg.Session.FrameSyncMode = uplink.FrameSyncDepth
	}
	if meta.IsDefined("send_motion") {
		cfg.Session.SendMotion = raw.SendMotion
	}
	if meta.IsDefined("motion_rate") {
		cfg.Session.MotionRate = float32(raw.MotionRate)
	}
	if meta.IsDefined("quality") {
		cfg.Session.Quality = float32(raw.Quality)
	}

	codecs := []struct {
		key   string
		value string
		dst   *uplink.ImageCodecID
	}{
		{"color_codec", raw.ColorCodec, &cfg.Session.ColorCameraCodec},
		{"depth_codec", raw.DepthCodec, &cfg.Session.DepthCameraCodec},
		{"feedback_codec", raw.FeedbackCodec, &cfg.Session.FeedbackImageCodec},
	}
	for _, c := range codecs {
		if !meta.IsDefined(c.key) {
			continue
		}
		id, err := parseCodec(c.value)
		if err != nil {
			return serverConfig{}, fmt.Errorf("parse %s: %w", c.key, err)
		}
		*c.dst = id
	}

	if meta.IsDefined("camera_frame_channel") {
		ch, err := parseChannel(raw.FrameChannel)
		if err != nil {
			return serverConfig{}, fmt.Errorf("parse camera_frame_channel: %w", err)
		}
		cfg.Session.CameraFrameChannel = ch
	}

	if err := validateServerConfig(cfg); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

func validateServerConfig(cfg serverConfig) error {
	if cfg.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if cfg.KeepAlive <= 0 {
		return fmt.Errorf("keep_alive must be positive")
	}
	if cfg.KeepAlive >= uplink.DefaultReadTimeout {
		return fmt.Errorf("keep_alive must be below the peer read timeout %v", uplink.DefaultReadTimeout)
	}
	if cfg.Session.Quality <= 0 || cfg.Session.Quality > 1 {
		return fmt.Errorf("quality must be in (0, 1]")
	}
	return nil
}

func parseCodec(raw string) (uplink.ImageCodecID, error) {
	for _, id := range []uplink.ImageCodecID{
		uplink.CodecRaw, uplink.CodecJPEG, uplink.CodecPNG,
		uplink.CodecCompressedShifts, uplink.CodecSnappy,
	} {
		if strings.EqualFold(strings.TrimSpace(raw), id.String()) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown codec %q", raw)
}

func parseChannel(raw channelConfig) (uplink.ChannelSettings, error) {
	var ch uplink.ChannelSettings

	switch strings.ToLower(strings.TrimSpace(raw.Buffering)) {
	case "", "single":
		ch.Buffering = uplink.BufferingSingle
	case "bounded":
		ch.Buffering = uplink.BufferingBounded
	default:
		return ch, fmt.Errorf("unknown buffering %q", raw.Buffering)
	}

	switch strings.ToLower(strings.TrimSpace(raw.Dropping)) {
	case "none":
		ch.Dropping = uplink.DropNone
	case "", "drop-oldest", "oldest":
		ch.Dropping = uplink.DropOldest
	case "drop-random", "random":
		ch.Dropping = uplink.DropRandom
	default:
		return ch, fmt.Errorf("unknown dropping %q", raw.Dropping)
	}

	if raw.Threshold < 0 {
		return ch, fmt.Errorf("threshold must not be negative")
	}
	ch.DroppingThreshold = raw.Threshold
	return ch, nil
}
