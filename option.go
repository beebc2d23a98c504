package uplink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// options holds the configuration of an Endpoint.
type options struct {
	logger   Logger
	codec    ImageCodec
	settings SessionSettings

	channels map[Kind]ChannelSettings

	onMessage           func(Message) error
	onCustomCommand     func(command string)
	onSessionSetup      func(*SessionSetup)
	onSessionSetupReply func(*SessionSetupReply)
	onVersionInfo       func(*VersionInfo)

	metricsNamespace  string
	metricsRegisterer prometheus.Registerer
	maxBodyLength     uint32
}

// Option configures an Endpoint.
type Option func(*options)

const defaultMetricsNamespace = "uplink"

// checkOptions fills in defaults for unset endpoint options.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.codec == nil {
		opts.codec = rawCodec{}
	}
	if opts.settings == (SessionSettings{}) {
		opts.settings = DefaultSessionSettings()
	}
	if opts.metricsNamespace == "" {
		opts.metricsNamespace = defaultMetricsNamespace
	}
	if opts.maxBodyLength == 0 {
		opts.maxBodyLength = defaultMaxBodyLength
	}
}

// LoggerOption sets the logger. If not set, the default slog logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ImageCodecOption sets the codec used to compress outgoing and decompress
// incoming pictures. Without it only raw images can be exchanged.
func ImageCodecOption(codec ImageCodec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// SessionSettingsOption sets the settings in force before any session setup.
func SessionSettingsOption(settings SessionSettings) Option {
	return func(o *options) {
		o.settings = settings
	}
}

// ChannelSettingsOption overrides the default channel configuration of kind,
// for both the outgoing and the incoming channel.
func ChannelSettingsOption(kind Kind, settings ChannelSettings) Option {
	return func(o *options) {
		if o.channels == nil {
			o.channels = make(map[Kind]ChannelSettings)
		}
		o.channels[kind] = settings
	}
}

// OnMessageOption sets the handler receiving decoded data messages. A non-nil
// error from cb ends the connection. Without it messages queue in the
// incoming channels and are read with Endpoint.Receive.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnCustomCommandOption sets the handler for application-level commands.
func OnCustomCommandOption(cb func(command string)) Option {
	return func(o *options) {
		o.onCustomCommand = cb
	}
}

// OnSessionSetupOption replaces the default acceptance of session setups.
// The handler may call Endpoint.AcceptSessionSetup itself.
func OnSessionSetupOption(cb func(*SessionSetup)) Option {
	return func(o *options) {
		o.onSessionSetup = cb
	}
}

// OnSessionSetupReplyOption replaces the default handling of setup replies,
// which makes the replied session active on success under the settings
// last passed to SendSessionSetup.
func OnSessionSetupReplyOption(cb func(*SessionSetupReply)) Option {
	return func(o *options) {
		o.onSessionSetupReply = cb
	}
}

// OnVersionInfoOption sets the handler for the peer's version announcement.
func OnVersionInfoOption(cb func(*VersionInfo)) Option {
	return func(o *options) {
		o.onVersionInfo = cb
	}
}

// MetricsOption registers the endpoint's traffic counters with reg under namespace.
func MetricsOption(namespace string, reg prometheus.Registerer) Option {
	return func(o *options) {
		o.metricsNamespace = namespace
		o.metricsRegisterer = reg
	}
}

// MaxFrameSizeOption bounds the body of a single frame in both directions.
func MaxFrameSizeOption(size uint32) Option {
	return func(o *options) {
		o.maxBodyLength = size
	}
}

// wireOptions holds the configuration of a Wire.
type wireOptions struct {
	logger       Logger
	keepAlive    time.Duration
	idleTick     time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	onStop       func(err error)
}

// WireOption configures a Wire.
type WireOption func(*wireOptions)

// DefaultReadTimeout is the read deadline of a wire built without
// ReadTimeoutOption. A keep-alive interval must stay below the peer's read
// timeout or an idle link is dropped.
const DefaultReadTimeout = 5 * time.Second

// Default wire timings.
const (
	defaultKeepAlive    = time.Second
	defaultIdleTick     = 5 * time.Millisecond
	defaultWriteTimeout = 5 * time.Second

	// readTimeoutPerKeepAlive is how many keep-alive intervals a silent peer gets.
	readTimeoutPerKeepAlive = 3
)

func checkWireOptions(opts *wireOptions, ep *Endpoint) {
	if opts.logger == nil {
		opts.logger = ep.logger
	}
	if opts.keepAlive <= 0 {
		opts.keepAlive = defaultKeepAlive
	}
	if opts.idleTick <= 0 {
		opts.idleTick = defaultIdleTick
	}
	if opts.readTimeout <= 0 {
		opts.readTimeout = max(DefaultReadTimeout, readTimeoutPerKeepAlive*opts.keepAlive)
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
}

// KeepAliveOption sets how long the sender may stay silent before it emits
// a KeepAlive frame.
func KeepAliveOption(interval time.Duration) WireOption {
	return func(o *wireOptions) {
		o.keepAlive = interval
	}
}

// IdleTickOption sets how long an idle sender sleeps between drain passes
// when nothing wakes it earlier.
func IdleTickOption(tick time.Duration) WireOption {
	return func(o *wireOptions) {
		o.idleTick = tick
	}
}

// ReadTimeoutOption sets the read deadline applied to streams that support
// deadlines. A peer silent for longer is considered dead.
func ReadTimeoutOption(timeout time.Duration) WireOption {
	return func(o *wireOptions) {
		o.readTimeout = timeout
	}
}

// WriteTimeoutOption sets the write deadline applied to streams that support deadlines.
func WriteTimeoutOption(timeout time.Duration) WireOption {
	return func(o *wireOptions) {
		o.writeTimeout = timeout
	}
}

// WireLoggerOption sets the wire's logger. Defaults to the endpoint's.
func WireLoggerOption(logger Logger) WireOption {
	return func(o *wireOptions) {
		o.logger = logger
	}
}

// OnStopOption sets a callback run once after both loops have exited. err is
// nil for a graceful disconnect or an explicit Stop.
func OnStopOption(cb func(err error)) WireOption {
	return func(o *wireOptions) {
		o.onStop = cb
	}
}
