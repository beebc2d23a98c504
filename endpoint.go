package uplink

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrDisconnected marks the end of a graceful disconnect handshake. It is
// not a failure.
var ErrDisconnected = errors.New("disconnected")

// errDisconnectRequested ends the receive loop after the peer asked to
// disconnect; the sender still has to emit the "disconnected" reply.
var errDisconnectRequested = errors.New("disconnect requested")

// Endpoint owns one outgoing and one incoming channel per message kind and
// applies the session policy to traffic crossing them. Producers call
// Enqueue; a Wire drains the outgoing side and feeds the incoming side.
type Endpoint struct {
	opts   options
	logger Logger
	codec  ImageCodec

	serializer *Serializer
	outgoing   [kindCount]*Channel[Message]
	incoming   [kindCount]*Channel[Message]

	session  SessionTracker
	mu       sync.RWMutex
	settings SessionSettings
	pending  *SessionSettings

	stats *Stats
	wire  atomic.Pointer[Wire]
}

// NewEndpoint creates an endpoint with channels and codec registry built from
// the kind table.
func NewEndpoint(opt ...Option) *Endpoint {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	e := &Endpoint{
		opts:       opts,
		logger:     opts.logger,
		codec:      opts.codec,
		serializer: newRegisteredSerializer(opts.maxBodyLength),
		settings:   opts.settings,
		stats:      newStats(opts.metricsNamespace, opts.metricsRegisterer),
	}

	for _, entry := range kindTable {
		if !entry.kind.Valid() {
			continue
		}
		settings := entry.channel
		if override, ok := opts.channels[entry.kind]; ok {
			settings = override
		}
		e.outgoing[entry.kind] = NewChannel[Message](settings)
		e.incoming[entry.kind] = NewChannel[Message](settings)
	}
	if _, ok := opts.channels[KindCameraFrame]; !ok {
		e.outgoing[KindCameraFrame].Configure(opts.settings.CameraFrameChannel)
	}

	return e
}

// Serializer returns the frame codec with every kind registered.
func (e *Endpoint) Serializer() *Serializer { return e.serializer }

// Stats returns the traffic counters.
func (e *Endpoint) Stats() *Stats { return e.stats }

// Enqueue pushes m into the outgoing channel of its kind and wakes the
// sender. It never blocks. A full channel either evicts a pending message,
// per its dropping strategy, or rejects m with ErrChannelFull.
func (e *Endpoint) Enqueue(m Message) error {
	kind := m.Kind()
	if !kind.Valid() {
		return errors.Wrapf(ErrUnknownMessageKind, "enqueue %s", kind)
	}

	evicted, err := e.outgoing[kind].Push(m)
	if err != nil {
		e.stats.recordDiscard(kind, DiscardDropped)
		return errors.Wrapf(err, "enqueue %s", kind)
	}
	if evicted {
		e.stats.recordDiscard(kind, DiscardDropped)
		e.logger.Debug("outgoing message dropped", "kind", kind)
	}

	e.NotifySender()
	return nil
}

// Receive pops the oldest undelivered incoming message of kind. It is only
// fed when no OnMessage handler is installed.
func (e *Endpoint) Receive(kind Kind) (Message, bool) {
	if !kind.Valid() {
		return nil, false
	}
	return e.incoming[kind].PopBySwap()
}

// SendCustomCommand queues an application-level command.
func (e *Endpoint) SendCustomCommand(command string) error {
	return e.Enqueue(&CustomCommand{Envelope: Envelope{Session: AnySessionID}, Command: command})
}

// RequestDisconnect starts the disconnect handshake.
func (e *Endpoint) RequestDisconnect() error {
	return e.SendCustomCommand(CommandDisconnect)
}

// SendSessionSetup asks the peer to start a session with settings. The
// settings take effect when a successful reply arrives.
func (e *Endpoint) SendSessionSetup(settings SessionSettings) error {
	e.mu.Lock()
	e.pending = &settings
	e.mu.Unlock()
	return e.Enqueue(&SessionSetup{Envelope: Envelope{Session: SystemSessionID}, Settings: settings})
}

// takePendingSettings returns the settings of the last session setup sent,
// or the current ones when none is outstanding.
func (e *Endpoint) takePendingSettings() SessionSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return e.settings
	}
	settings := *e.pending
	e.pending = nil
	return settings
}

// SendVersionInfo announces this package's protocol version.
func (e *Endpoint) SendVersionInfo() error {
	return e.Enqueue(&VersionInfo{
		Envelope: Envelope{Session: SystemSessionID},
		Major:    VersionMajor,
		Minor:    VersionMinor,
	})
}

// CurrentSession returns the active session id.
func (e *Endpoint) CurrentSession() SessionID { return e.session.Current() }

// IsActiveSession reports whether traffic tagged id is live.
func (e *Endpoint) IsActiveSession(id SessionID) bool { return e.session.IsActive(id) }

// Settings returns the settings of the current session.
func (e *Endpoint) Settings() SessionSettings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// BeginSession makes id the active session under settings and reconfigures
// the outgoing camera frame channel accordingly.
func (e *Endpoint) BeginSession(id SessionID, settings SessionSettings) {
	e.mu.Lock()
	e.settings = settings
	e.mu.Unlock()

	if _, ok := e.opts.channels[KindCameraFrame]; !ok {
		e.outgoing[KindCameraFrame].Configure(settings.CameraFrameChannel)
	}
	e.session.Begin(id)
	e.logger.Info("session started", "session", id)
}

// EndSession clears the active session. Pending data of that session becomes stale.
func (e *Endpoint) EndSession() {
	if id := e.session.Current(); id != InvalidSessionID {
		e.session.End()
		e.logger.Info("session ended", "session", id)
	}
}

// AcceptSessionSetup starts a fresh session with the requested settings and
// replies to the peer with its id.
func (e *Endpoint) AcceptSessionSetup(setup *SessionSetup) SessionID {
	id := e.session.Next()
	e.BeginSession(id, setup.Settings)
	reply := &SessionSetupReply{
		Envelope:        Envelope{Session: SystemSessionID},
		RemoteSessionID: id,
		Status:          SetupSuccess,
	}
	if err := e.Enqueue(reply); err != nil {
		e.logger.Error("session setup reply not queued", "session", id, "error", err)
	}
	return id
}

// IsConnected reports whether a running wire serves this endpoint.
func (e *Endpoint) IsConnected() bool {
	w := e.wire.Load()
	return w != nil && w.IsConnected()
}

// Disconnect stops the wire serving this endpoint, if any.
func (e *Endpoint) Disconnect() {
	if w := e.wire.Swap(nil); w != nil {
		_ = w.Stop()
	}
}

// NotifySender wakes the sender loop of the attached wire.
func (e *Endpoint) NotifySender() {
	if w := e.wire.Load(); w != nil {
		w.NotifySender()
	}
}

func (e *Endpoint) attach(w *Wire) { e.wire.Store(w) }

func (e *Endpoint) detach(w *Wire) { e.wire.CompareAndSwap(w, nil) }

// DrainForSend performs one send pass: every outgoing channel is visited in
// priority order and at most one pending message per channel is framed onto
// w. Stale messages and images the session cannot compress are skipped.
// It reports whether anything was written. A non-nil error ends the
// connection; ErrDisconnected means the disconnect handshake completed.
func (e *Endpoint) DrainForSend(w io.Writer) (sent bool, err error) {
	for _, kind := range sendOrder {
		m, ok := e.outgoing[kind].PopBySwap()
		if !ok {
			continue
		}

		var wrote bool
		switch kindTable[kind].class {
		case classControl:
			wrote, err = e.sendControl(w, m)
		case classSimple:
			wrote, err = e.sendSimple(w, m)
		case classCompressible:
			wrote, err = e.sendCompressible(w, m)
		}
		sent = sent || wrote
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// SendKeepAlive writes a KeepAlive frame directly to w.
func (e *Endpoint) SendKeepAlive(w io.Writer) error {
	return e.sendMessage(w, &KeepAlive{Envelope: Envelope{Session: SystemSessionID}})
}

func (e *Endpoint) sendMessage(w io.Writer, m Message) error {
	n, err := e.serializer.WriteMessage(w, m)
	if err != nil {
		return err
	}
	e.stats.recordSent(m.Kind(), n)
	return nil
}

func (e *Endpoint) sendControl(w io.Writer, m Message) (bool, error) {
	if c, ok := m.(*CustomCommand); ok {
		c.SetSessionID(AnySessionID)
		if err := e.sendMessage(w, c); err != nil {
			return false, err
		}
		e.logger.Debug("custom command sent", "command", c.Command)
		if c.Command == CommandDisconnected {
			e.EndSession()
			return true, ErrDisconnected
		}
		return true, nil
	}

	m.SetSessionID(SystemSessionID)
	if err := e.sendMessage(w, m); err != nil {
		return false, err
	}
	e.logger.Debug("control message sent", "kind", m.Kind())
	return true, nil
}

func (e *Endpoint) sendSimple(w io.Writer, m Message) (bool, error) {
	if !e.session.IsActive(m.SessionID()) {
		e.stats.recordDiscard(m.Kind(), DiscardStale)
		e.logger.Warn("message not sent (stale session)", "kind", m.Kind(), "session", m.SessionID())
		return false, nil
	}
	if err := e.sendMessage(w, m); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Endpoint) sendCompressible(w io.Writer, m Message) (bool, error) {
	settings := e.Settings()

	var out Message
	switch msg := m.(type) {
	case *FeedbackImage:
		if !e.canCompress(&msg.Image, settings.FeedbackImageCodec) {
			return e.skipUncompressible(m, settings)
		}
		if !e.session.IsActive(m.SessionID()) {
			break
		}
		img, err := e.compress(msg.Image, settings.FeedbackImageCodec, settings.Quality)
		if err != nil {
			return false, err
		}
		out = &FeedbackImage{Envelope: msg.Envelope, Image: img}

	case *CameraFrame:
		if !e.canCompress(&msg.ColorImage, settings.ColorCameraCodec) ||
			!e.canCompress(&msg.DepthImage, settings.DepthCameraCodec) {
			return e.skipUncompressible(m, settings)
		}
		if !e.session.IsActive(m.SessionID()) {
			break
		}
		color, err := e.compress(msg.ColorImage, settings.ColorCameraCodec, settings.Quality)
		if err != nil {
			return false, err
		}
		depth, err := e.compress(msg.DepthImage, settings.DepthCameraCodec, settings.Quality)
		if err != nil {
			return false, err
		}
		out = &CameraFrame{Envelope: msg.Envelope, ColorImage: color, DepthImage: depth}

	default:
		return false, errors.Wrapf(ErrUnknownMessageKind, "send %s", m.Kind())
	}

	if out == nil {
		e.stats.recordDiscard(m.Kind(), DiscardStale)
		e.logger.Warn("message not sent (stale session)", "kind", m.Kind(), "session", m.SessionID())
		return false, nil
	}
	if err := e.sendMessage(w, out); err != nil {
		return false, err
	}
	e.logger.Debug("message sent", "kind", out.Kind())
	return true, nil
}

func (e *Endpoint) skipUncompressible(m Message, settings SessionSettings) (bool, error) {
	e.stats.recordDiscard(m.Kind(), DiscardCodec)
	e.logger.Debug("current session settings", "settings", settings)
	e.logger.Warn("message not sent (cannot compress)", "kind", m.Kind())
	return false, nil
}

// canCompress treats empty images as always sendable.
func (e *Endpoint) canCompress(img *Image, target ImageCodecID) bool {
	return img.IsEmpty() || e.codec.CanCompress(img.Format, target)
}

func (e *Endpoint) compress(img Image, target ImageCodecID, quality float32) (Image, error) {
	if img.IsEmpty() {
		return img, nil
	}
	out, err := e.codec.Compress(img, target, quality)
	if err != nil {
		return Image{}, errors.Wrapf(ErrCompression, "%s to %s: %v", formatName(img.Format), target, err)
	}
	return out, nil
}

func formatName(f ImageFormat) string {
	switch f {
	case FormatGray:
		return "gray"
	case FormatRGB:
		return "rgb"
	case FormatShifts:
		return "shifts"
	default:
		return "empty"
	}
}
