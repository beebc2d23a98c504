package uplink

import "fmt"

// Kind tags a message on the wire and selects its channel.
type Kind uint16

// Message kinds. The numbering is part of the wire format.
const (
	KindInvalid Kind = iota
	KindSessionSetup
	KindSessionSetupReply
	KindKeepAlive
	KindVersionInfo
	KindCustomCommand
	KindCameraFrame
	KindImage
	KindGyroscopeEvent
	KindAccelerometerEvent
	KindDeviceMotionEvent
	KindCameraPose
	KindCameraFixedParams
	KindBlob

	kindCount
)

// Valid reports whether k names a known message kind.
func (k Kind) Valid() bool { return k > KindInvalid && k < kindCount }

func (k Kind) String() string {
	if k.Valid() {
		return kindTable[k].name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// SessionID identifies a streaming session.
type SessionID int32

// Reserved session ids.
const (
	// InvalidSessionID means no session. It is never active.
	InvalidSessionID SessionID = 0
	// SystemSessionID tags control and handshake messages.
	SystemSessionID SessionID = -1
	// AnySessionID is accepted by every session.
	AnySessionID SessionID = -2
)

// Message is one unit of protocol traffic. The set of implementations is
// closed: every kind has exactly one concrete type in this package.
type Message interface {
	// Kind returns the immutable kind tag.
	Kind() Kind
	// SessionID returns the session the message belongs to.
	SessionID() SessionID
	// SetSessionID re-tags the message.
	SetSessionID(id SessionID)

	encodeBody(w *bodyWriter)
	decodeBody(r *bodyReader)
}

// Envelope carries the fields shared by every message.
type Envelope struct {
	Session SessionID
}

func (e *Envelope) SessionID() SessionID      { return e.Session }
func (e *Envelope) SetSessionID(id SessionID) { e.Session = id }

// KeepAlive is an empty frame that proves the link is alive.
type KeepAlive struct{ Envelope }

func (*KeepAlive) Kind() Kind            { return KindKeepAlive }
func (*KeepAlive) encodeBody(*bodyWriter) {}
func (*KeepAlive) decodeBody(*bodyReader) {}

// VersionInfo announces the protocol version of a peer.
type VersionInfo struct {
	Envelope
	Major uint16
	Minor uint16
}

// Protocol version spoken by this package.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
)

func (*VersionInfo) Kind() Kind { return KindVersionInfo }

func (m *VersionInfo) encodeBody(w *bodyWriter) {
	w.u16(m.Major)
	w.u16(m.Minor)
}

func (m *VersionInfo) decodeBody(r *bodyReader) {
	m.Major = r.u16()
	m.Minor = r.u16()
}

// CustomCommand carries an application-level command string.
type CustomCommand struct {
	Envelope
	Command string
}

// Commands reserved for the disconnect handshake.
const (
	CommandDisconnect   = "disconnect"
	CommandDisconnected = "disconnected"
)

func (*CustomCommand) Kind() Kind { return KindCustomCommand }

func (m *CustomCommand) encodeBody(w *bodyWriter) { w.string(m.Command) }
func (m *CustomCommand) decodeBody(r *bodyReader) { m.Command = r.string() }

// SessionSetup asks the peer to start a session with the given settings.
type SessionSetup struct {
	Envelope
	Settings SessionSettings
}

func (*SessionSetup) Kind() Kind { return KindSessionSetup }

func (m *SessionSetup) encodeBody(w *bodyWriter) { m.Settings.encode(w) }
func (m *SessionSetup) decodeBody(r *bodyReader) { m.Settings.decode(r) }

// SetupStatus is the outcome of a session setup.
type SetupStatus uint8

const (
	SetupSuccess SetupStatus = iota
	SetupFailure
)

// SessionSetupReply answers a SessionSetup.
type SessionSetupReply struct {
	Envelope
	RemoteSessionID SessionID
	Status          SetupStatus
}

func (*SessionSetupReply) Kind() Kind { return KindSessionSetupReply }

func (m *SessionSetupReply) encodeBody(w *bodyWriter) {
	w.i32(int32(m.RemoteSessionID))
	w.u8(uint8(m.Status))
}

func (m *SessionSetupReply) decodeBody(r *bodyReader) {
	m.RemoteSessionID = SessionID(r.i32())
	m.Status = SetupStatus(r.u8())
}

// ImageFormat describes the pixel layout of raw image data.
type ImageFormat uint8

const (
	FormatEmpty ImageFormat = iota
	// FormatGray is 8-bit luminance.
	FormatGray
	// FormatRGB is packed 8-bit red, green, blue.
	FormatRGB
	// FormatShifts is little-endian uint16 depth shifts.
	FormatShifts
)

// BytesPerPixel returns the raw pixel size of f.
func (f ImageFormat) BytesPerPixel() int {
	switch f {
	case FormatGray:
		return 1
	case FormatRGB:
		return 3
	case FormatShifts:
		return 2
	default:
		return 0
	}
}

// ImageCodecID names the encoding of an image payload.
type ImageCodecID uint8

const (
	CodecRaw ImageCodecID = iota
	CodecJPEG
	CodecPNG
	// CodecCompressedShifts is the lossless depth-shift codec.
	CodecCompressedShifts
	CodecSnappy
)

func (c ImageCodecID) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecJPEG:
		return "jpeg"
	case CodecPNG:
		return "png"
	case CodecCompressedShifts:
		return "compressed-shifts"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("ImageCodecID(%d)", uint8(c))
	}
}

// Image is a color, depth or feedback picture. Data holds raw pixels when
// Codec is CodecRaw and the encoded payload otherwise.
type Image struct {
	Format    ImageFormat
	Codec     ImageCodecID
	Width     uint32
	Height    uint32
	Timestamp float64
	Data      []byte
}

// IsEmpty reports whether the image carries no picture.
func (img *Image) IsEmpty() bool { return img.Format == FormatEmpty || len(img.Data) == 0 }

func (img *Image) encode(w *bodyWriter) {
	w.u8(uint8(img.Format))
	w.u8(uint8(img.Codec))
	w.u32(img.Width)
	w.u32(img.Height)
	w.f64(img.Timestamp)
	w.bytes(img.Data)
}

func (img *Image) decode(r *bodyReader) {
	img.Format = ImageFormat(r.u8())
	img.Codec = ImageCodecID(r.u8())
	img.Width = r.u32()
	img.Height = r.u32()
	img.Timestamp = r.f64()
	img.Data = r.bytes()
}

// FeedbackImage is an Image sent back to the capture device for display.
type FeedbackImage struct {
	Envelope
	Image
}

func (*FeedbackImage) Kind() Kind { return KindImage }

func (m *FeedbackImage) encodeBody(w *bodyWriter) { m.Image.encode(w) }
func (m *FeedbackImage) decodeBody(r *bodyReader) { m.Image.decode(r) }

// CameraFrame pairs a color and a depth picture captured together. Either
// may be empty.
type CameraFrame struct {
	Envelope
	ColorImage Image
	DepthImage Image
}

func (*CameraFrame) Kind() Kind { return KindCameraFrame }

func (m *CameraFrame) encodeBody(w *bodyWriter) {
	m.ColorImage.encode(w)
	m.DepthImage.encode(w)
}

func (m *CameraFrame) decodeBody(r *bodyReader) {
	m.ColorImage.decode(r)
	m.DepthImage.decode(r)
}

// Vector3 is a three-axis sample.
type Vector3 struct {
	X, Y, Z float64
}

func (v *Vector3) encode(w *bodyWriter) {
	w.f64(v.X)
	w.f64(v.Y)
	w.f64(v.Z)
}

func (v *Vector3) decode(r *bodyReader) {
	v.X = r.f64()
	v.Y = r.f64()
	v.Z = r.f64()
}

// GyroscopeEvent is a rotation-rate sample in rad/s.
type GyroscopeEvent struct {
	Envelope
	Timestamp    float64
	RotationRate Vector3
}

func (*GyroscopeEvent) Kind() Kind { return KindGyroscopeEvent }

func (m *GyroscopeEvent) encodeBody(w *bodyWriter) {
	w.f64(m.Timestamp)
	m.RotationRate.encode(w)
}

func (m *GyroscopeEvent) decodeBody(r *bodyReader) {
	m.Timestamp = r.f64()
	m.RotationRate.decode(r)
}

// AccelerometerEvent is an acceleration sample in g.
type AccelerometerEvent struct {
	Envelope
	Timestamp    float64
	Acceleration Vector3
}

func (*AccelerometerEvent) Kind() Kind { return KindAccelerometerEvent }

func (m *AccelerometerEvent) encodeBody(w *bodyWriter) {
	w.f64(m.Timestamp)
	m.Acceleration.encode(w)
}

func (m *AccelerometerEvent) decodeBody(r *bodyReader) {
	m.Timestamp = r.f64()
	m.Acceleration.decode(r)
}

// DeviceMotionEvent is a fused attitude sample.
type DeviceMotionEvent struct {
	Envelope
	Timestamp        float64
	Attitude         [4]float64 // quaternion x, y, z, w
	RotationRate     Vector3
	Gravity          Vector3
	UserAcceleration Vector3
}

func (*DeviceMotionEvent) Kind() Kind { return KindDeviceMotionEvent }

func (m *DeviceMotionEvent) encodeBody(w *bodyWriter) {
	w.f64(m.Timestamp)
	for _, q := range m.Attitude {
		w.f64(q)
	}
	m.RotationRate.encode(w)
	m.Gravity.encode(w)
	m.UserAcceleration.encode(w)
}

func (m *DeviceMotionEvent) decodeBody(r *bodyReader) {
	m.Timestamp = r.f64()
	for i := range m.Attitude {
		m.Attitude[i] = r.f64()
	}
	m.RotationRate.decode(r)
	m.Gravity.decode(r)
	m.UserAcceleration.decode(r)
}

// CameraPose is a tracked camera position and orientation.
type CameraPose struct {
	Envelope
	Timestamp   float64
	Translation [3]float32
	Rotation    [3]float32 // Rodrigues vector
	Status      int32
}

func (*CameraPose) Kind() Kind { return KindCameraPose }

func (m *CameraPose) encodeBody(w *bodyWriter) {
	w.f64(m.Timestamp)
	for _, v := range m.Translation {
		w.f32(v)
	}
	for _, v := range m.Rotation {
		w.f32(v)
	}
	w.i32(m.Status)
}

func (m *CameraPose) decodeBody(r *bodyReader) {
	m.Timestamp = r.f64()
	for i := range m.Translation {
		m.Translation[i] = r.f32()
	}
	for i := range m.Rotation {
		m.Rotation[i] = r.f32()
	}
	m.Status = r.i32()
}

// CameraFixedParams are the depth sensor's factory constants.
type CameraFixedParams struct {
	Envelope
	CMOSAndEmitterDistance float32
	RefPlaneDistance       float32
	PlanePixelSize         float32
}

func (*CameraFixedParams) Kind() Kind { return KindCameraFixedParams }

func (m *CameraFixedParams) encodeBody(w *bodyWriter) {
	w.f32(m.CMOSAndEmitterDistance)
	w.f32(m.RefPlaneDistance)
	w.f32(m.PlanePixelSize)
}

func (m *CameraFixedParams) decodeBody(r *bodyReader) {
	m.CMOSAndEmitterDistance = r.f32()
	m.RefPlaneDistance = r.f32()
	m.PlanePixelSize = r.f32()
}

// Blob is an opaque named payload.
type Blob struct {
	Envelope
	Name string
	Data []byte
}

func (*Blob) Kind() Kind { return KindBlob }

func (m *Blob) encodeBody(w *bodyWriter) {
	w.string(m.Name)
	w.bytes(m.Data)
}

func (m *Blob) decodeBody(r *bodyReader) {
	m.Name = r.string()
	m.Data = r.bytes()
}
