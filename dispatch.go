package uplink

import "github.com/pkg/errors"

// Dispatch delivers one decoded incoming message. Control kinds drive the
// session and the disconnect handshake; data kinds are staleness-checked,
// decompressed when needed and handed to the consumer.
//
// A nil result means the connection continues, including when the message
// was discarded. ErrDisconnected means the handshake completed. Any other
// error is fatal for the connection.
func (e *Endpoint) Dispatch(m Message) error {
	return e.dispatch(m, 0)
}

func (e *Endpoint) dispatch(m Message, frameSize int) error {
	kind := m.Kind()
	if !kind.Valid() {
		return errors.Wrapf(ErrUnknownMessageKind, "dispatch %s", kind)
	}
	e.stats.recordReceived(kind, frameSize)

	switch msg := m.(type) {
	case *KeepAlive:
		return nil

	case *CustomCommand:
		return e.receiveCustomCommand(msg)

	case *SessionSetup:
		if !e.isSystemMessage(msg) {
			return nil
		}
		e.logger.Debug("session setup received")
		if cb := e.opts.onSessionSetup; cb != nil {
			cb(msg)
		} else {
			e.AcceptSessionSetup(msg)
		}
		return nil

	case *SessionSetupReply:
		if !e.isSystemMessage(msg) {
			return nil
		}
		e.logger.Debug("session setup reply received", "session", msg.RemoteSessionID, "status", msg.Status)
		if cb := e.opts.onSessionSetupReply; cb != nil {
			cb(msg)
		} else if settings := e.takePendingSettings(); msg.Status == SetupSuccess {
			e.BeginSession(msg.RemoteSessionID, settings)
		}
		return nil

	case *VersionInfo:
		if !e.isSystemMessage(msg) {
			return nil
		}
		e.logger.Debug("version info received", "major", msg.Major, "minor", msg.Minor)
		if cb := e.opts.onVersionInfo; cb != nil {
			cb(msg)
		}
		return nil

	case *FeedbackImage:
		return e.receiveFeedbackImage(msg)

	case *CameraFrame:
		return e.receiveCameraFrame(msg)

	case *GyroscopeEvent, *AccelerometerEvent, *DeviceMotionEvent,
		*CameraPose, *CameraFixedParams, *Blob:
		return e.receiveSimple(m)

	default:
		return errors.Wrapf(ErrUnknownMessageKind, "dispatch %s", kind)
	}
}

func (e *Endpoint) isSystemMessage(m Message) bool {
	if m.SessionID() == SystemSessionID {
		return true
	}
	e.stats.recordDiscard(m.Kind(), DiscardStale)
	e.logger.Warn("control message discarded (not a system message)", "kind", m.Kind(), "session", m.SessionID())
	return false
}

func (e *Endpoint) receiveCustomCommand(msg *CustomCommand) error {
	if !e.session.IsActive(msg.SessionID()) {
		e.stats.recordDiscard(msg.Kind(), DiscardStale)
		e.logger.Warn("custom command discarded (stale session)", "session", msg.SessionID())
		return nil
	}

	e.logger.Debug("custom command received", "command", msg.Command)

	switch msg.Command {
	case CommandDisconnect:
		if err := e.SendCustomCommand(CommandDisconnected); err != nil {
			return errors.Wrap(err, "reply to disconnect")
		}
		return errDisconnectRequested
	case CommandDisconnected:
		e.EndSession()
		return ErrDisconnected
	}

	if cb := e.opts.onCustomCommand; cb != nil {
		cb(msg.Command)
	}
	return nil
}

func (e *Endpoint) receiveSimple(m Message) error {
	if !e.session.IsActive(m.SessionID()) {
		e.discardStale(m)
		return nil
	}
	e.logger.Debug("message received", "kind", m.Kind())
	return e.deliver(m)
}

func (e *Endpoint) receiveFeedbackImage(msg *FeedbackImage) error {
	if !e.canDecompress(&msg.Image) {
		e.discardUndecodable(msg)
		return nil
	}
	if !e.session.IsActive(msg.SessionID()) {
		e.discardStale(msg)
		return nil
	}

	img, err := e.decompress(msg.Image)
	if err != nil {
		return err
	}

	e.logger.Debug("message received", "kind", msg.Kind())
	return e.deliver(&FeedbackImage{Envelope: msg.Envelope, Image: img})
}

func (e *Endpoint) receiveCameraFrame(msg *CameraFrame) error {
	if !e.canDecompress(&msg.ColorImage) || !e.canDecompress(&msg.DepthImage) {
		e.discardUndecodable(msg)
		return nil
	}
	if !e.session.IsActive(msg.SessionID()) {
		e.discardStale(msg)
		return nil
	}

	depth, err := e.decompress(msg.DepthImage)
	if err != nil {
		return err
	}
	color, err := e.decompress(msg.ColorImage)
	if err != nil {
		return err
	}

	e.logger.Debug("message received", "kind", msg.Kind())
	return e.deliver(&CameraFrame{Envelope: msg.Envelope, ColorImage: color, DepthImage: depth})
}

// deliver hands m to the OnMessage handler, or queues it for Receive.
func (e *Endpoint) deliver(m Message) error {
	if cb := e.opts.onMessage; cb != nil {
		if err := cb(m); err != nil {
			return errors.Wrapf(err, "deliver %s", m.Kind())
		}
		return nil
	}

	evicted, err := e.incoming[m.Kind()].Push(m)
	if err != nil || evicted {
		e.stats.recordDiscard(m.Kind(), DiscardDropped)
		e.logger.Debug("incoming message dropped", "kind", m.Kind())
	}
	return nil
}

func (e *Endpoint) discardStale(m Message) {
	e.stats.recordDiscard(m.Kind(), DiscardStale)
	e.logger.Warn("message discarded (stale session)", "kind", m.Kind(), "session", m.SessionID())
}

func (e *Endpoint) discardUndecodable(m Message) {
	e.stats.recordDiscard(m.Kind(), DiscardCodec)
	e.logger.Warn("message discarded (cannot decompress)", "kind", m.Kind(), "session", m.SessionID())
}

// canDecompress treats empty images as always deliverable.
func (e *Endpoint) canDecompress(img *Image) bool {
	return img.IsEmpty() || e.codec.CanDecompress(img.Codec, img.Format)
}

func (e *Endpoint) decompress(img Image) (Image, error) {
	if img.IsEmpty() {
		return img, nil
	}
	out, err := e.codec.Decompress(img)
	if err != nil {
		return Image{}, errors.Wrapf(ErrDecompression, "%s from %s: %v", formatName(img.Format), img.Codec, err)
	}
	return out, nil
}
