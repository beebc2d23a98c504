package uplink

// kindClass groups kinds by how the endpoint schedules and dispatches them.
type kindClass int

const (
	classControl kindClass = iota
	classSimple
	classCompressible
)

// kindEntry keeps every per-kind rule in one place: name, scheduling class,
// default channel configuration and decode factory.
type kindEntry struct {
	kind       Kind
	name       string
	class      kindClass
	channel    ChannelSettings
	newMessage func() Message
}

// kindTable is indexed by Kind.
var kindTable = [kindCount]kindEntry{
	KindSessionSetup: {
		kind: KindSessionSetup, name: "SessionSetup", class: classControl,
		channel: LatestOnly(), newMessage: func() Message { return new(SessionSetup) },
	},
	KindSessionSetupReply: {
		kind: KindSessionSetupReply, name: "SessionSetupReply", class: classControl,
		channel: LatestOnly(), newMessage: func() Message { return new(SessionSetupReply) },
	},
	KindKeepAlive: {
		kind: KindKeepAlive, name: "KeepAlive", class: classControl,
		channel: LatestOnly(), newMessage: func() Message { return new(KeepAlive) },
	},
	KindVersionInfo: {
		kind: KindVersionInfo, name: "VersionInfo", class: classControl,
		channel: LatestOnly(), newMessage: func() Message { return new(VersionInfo) },
	},
	KindCustomCommand: {
		kind: KindCustomCommand, name: "CustomCommand", class: classControl,
		channel: Unbounded(), newMessage: func() Message { return new(CustomCommand) },
	},
	KindCameraFrame: {
		kind: KindCameraFrame, name: "CameraFrame", class: classCompressible,
		channel: LatestOnly(), newMessage: func() Message { return new(CameraFrame) },
	},
	KindImage: {
		kind: KindImage, name: "Image", class: classCompressible,
		channel: LatestOnly(), newMessage: func() Message { return new(FeedbackImage) },
	},
	KindGyroscopeEvent: {
		kind: KindGyroscopeEvent, name: "GyroscopeEvent", class: classSimple,
		channel: LatestOnly(), newMessage: func() Message { return new(GyroscopeEvent) },
	},
	KindAccelerometerEvent: {
		kind: KindAccelerometerEvent, name: "AccelerometerEvent", class: classSimple,
		channel: LatestOnly(), newMessage: func() Message { return new(AccelerometerEvent) },
	},
	KindDeviceMotionEvent: {
		kind: KindDeviceMotionEvent, name: "DeviceMotionEvent", class: classSimple,
		channel: Unbounded(), newMessage: func() Message { return new(DeviceMotionEvent) },
	},
	KindCameraPose: {
		kind: KindCameraPose, name: "CameraPose", class: classSimple,
		channel: Bounded(30, DropOldest), newMessage: func() Message { return new(CameraPose) },
	},
	KindCameraFixedParams: {
		kind: KindCameraFixedParams, name: "CameraFixedParams", class: classSimple,
		channel: LatestOnly(), newMessage: func() Message { return new(CameraFixedParams) },
	},
	KindBlob: {
		kind: KindBlob, name: "Blob", class: classSimple,
		channel: Unbounded(), newMessage: func() Message { return new(Blob) },
	},
}

// sendOrder is the fixed priority in which outgoing channels are drained:
// control first, then telemetry, then compressible bulk payloads.
var sendOrder = []Kind{
	KindVersionInfo,
	KindCustomCommand,
	KindSessionSetup,
	KindSessionSetupReply,
	KindKeepAlive,

	KindGyroscopeEvent,
	KindAccelerometerEvent,
	KindDeviceMotionEvent,
	KindCameraFixedParams,
	KindCameraPose,
	KindBlob,

	KindImage,
	KindCameraFrame,
}

// NewMessage allocates an empty message of kind k, or nil when k is unknown.
func NewMessage(k Kind) Message {
	if !k.Valid() {
		return nil
	}
	return kindTable[k].newMessage()
}

// DefaultChannelSettings returns the built-in channel configuration for k.
func DefaultChannelSettings(k Kind) ChannelSettings {
	if !k.Valid() {
		return LatestOnly()
	}
	return kindTable[k].channel
}
