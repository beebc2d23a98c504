package uplink

import "sync/atomic"

// SessionTracker holds the active session id of one endpoint.
type SessionTracker struct {
	current atomic.Int32
	last    atomic.Int32
}

// Current returns the active session id, InvalidSessionID when none.
func (t *SessionTracker) Current() SessionID {
	return SessionID(t.current.Load())
}

// IsActive reports whether messages tagged id are live. The system and any
// ids always are; otherwise id must equal the current session.
func (t *SessionTracker) IsActive(id SessionID) bool {
	switch id {
	case SystemSessionID, AnySessionID:
		return true
	case InvalidSessionID:
		return false
	default:
		return id == t.Current()
	}
}

// Begin makes id the active session, superseding the previous one.
func (t *SessionTracker) Begin(id SessionID) {
	t.current.Store(int32(id))
	for {
		last := t.last.Load()
		if int32(id) <= last || t.last.CompareAndSwap(last, int32(id)) {
			return
		}
	}
}

// End clears the active session.
func (t *SessionTracker) End() {
	t.current.Store(int32(InvalidSessionID))
}

// Next allocates a fresh positive session id.
func (t *SessionTracker) Next() SessionID {
	for {
		last := t.last.Load()
		next := last + 1
		if next <= 0 {
			next = 1
		}
		if t.last.CompareAndSwap(last, next) {
			return SessionID(next)
		}
	}
}

// Capture modes requested by a session setup. Their interpretation belongs to
// the capture device.
type (
	ColorMode        uint8
	DepthMode        uint8
	RegistrationMode uint8
	FrameSyncMode    uint8
	ExposureMode     uint8
	WhiteBalanceMode uint8
)

const (
	ColorModeNone ColorMode = iota
	ColorModeVGA
	ColorMode720p
	ColorMode1080p
)

const (
	DepthModeNone DepthMode = iota
	DepthModeQVGA
	DepthModeVGA
)

const (
	RegistrationNone RegistrationMode = iota
	RegistrationRegisteredDepth
)

const (
	FrameSyncOff FrameSyncMode = iota
	FrameSyncDepth
	FrameSyncInfrared
)

const (
	ExposureContinuousAuto ExposureMode = iota
	ExposureLocked
)

const (
	WhiteBalanceContinuousAuto WhiteBalanceMode = iota
	WhiteBalanceLocked
)

// SessionSettings are the parameters negotiated by a session setup.
type SessionSettings struct {
	ColorMode        ColorMode
	DepthMode        DepthMode
	RegistrationMode RegistrationMode
	FrameSyncMode    FrameSyncMode
	ExposureMode     ExposureMode
	WhiteBalanceMode WhiteBalanceMode

	SendMotion bool
	MotionRate float32 // Hz

	ColorCameraCodec   ImageCodecID
	DepthCameraCodec   ImageCodecID
	FeedbackImageCodec ImageCodecID
	Quality            float32 // lossy codec quality in (0, 1]

	CameraFrameChannel ChannelSettings
}

// DefaultSessionSettings returns VGA color without depth, raw codecs and a
// latest-only camera frame channel.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		ColorMode:          ColorModeVGA,
		DepthMode:          DepthModeNone,
		MotionRate:         100,
		ColorCameraCodec:   CodecRaw,
		DepthCameraCodec:   CodecRaw,
		FeedbackImageCodec: CodecRaw,
		Quality:            0.8,
		CameraFrameChannel: LatestOnly(),
	}
}

func (s *SessionSettings) encode(w *bodyWriter) {
	w.u8(uint8(s.ColorMode))
	w.u8(uint8(s.DepthMode))
	w.u8(uint8(s.RegistrationMode))
	w.u8(uint8(s.FrameSyncMode))
	w.u8(uint8(s.ExposureMode))
	w.u8(uint8(s.WhiteBalanceMode))
	w.bool(s.SendMotion)
	w.f32(s.MotionRate)
	w.u8(uint8(s.ColorCameraCodec))
	w.u8(uint8(s.DepthCameraCodec))
	w.u8(uint8(s.FeedbackImageCodec))
	w.f32(s.Quality)
	w.u8(uint8(s.CameraFrameChannel.Buffering))
	w.u32(uint32(s.CameraFrameChannel.DroppingThreshold))
	w.u8(uint8(s.CameraFrameChannel.Dropping))
}

func (s *SessionSettings) decode(r *bodyReader) {
	s.ColorMode = ColorMode(r.u8())
	s.DepthMode = DepthMode(r.u8())
	s.RegistrationMode = RegistrationMode(r.u8())
	s.FrameSyncMode = FrameSyncMode(r.u8())
	s.ExposureMode = ExposureMode(r.u8())
	s.WhiteBalanceMode = WhiteBalanceMode(r.u8())
	s.SendMotion = r.bool()
	s.MotionRate = r.f32()
	s.ColorCameraCodec = ImageCodecID(r.u8())
	s.DepthCameraCodec = ImageCodecID(r.u8())
	s.FeedbackImageCodec = ImageCodecID(r.u8())
	s.Quality = r.f32()
	s.CameraFrameChannel.Buffering = BufferingStrategy(r.u8())
	s.CameraFrameChannel.DroppingThreshold = int(r.u32())
	s.CameraFrameChannel.Dropping = DroppingStrategy(r.u8())
}
