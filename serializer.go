package uplink

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Frame codec errors. All of them are fatal for the stream: there is no
// resynchronization after a bad frame.
var (
	// ErrMagicMismatch is returned when a frame does not start with the protocol magic.
	ErrMagicMismatch = errors.New("frame magic mismatch")
	// ErrUnknownMessageKind is returned for a kind with no registered factory.
	ErrUnknownMessageKind = errors.New("unknown message kind")
	// ErrMalformedFrame is returned when a body does not decode to exactly its declared length.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrFrameTooLarge is returned when a declared body length exceeds the limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Magic is the protocol identifier that opens every frame.
var Magic = [4]byte{'s', 'k', 'a', 'n'}

// frameHeaderLen is magic(4) + kind(2) + length(4) + session(4).
const frameHeaderLen = 14

// defaultMaxBodyLength bounds a single frame body (64MB).
const defaultMaxBodyLength = 64 * 1024 * 1024

// Serializer writes and reads frames of the form
//
//	[magic:4][kind:u16][length:u32][session:i32][body:length]
//
// with little-endian integers. Kinds must be registered before they can be decoded.
type Serializer struct {
	magic   [4]byte
	maxBody uint32

	mu        sync.RWMutex
	factories map[Kind]func() Message
}

// NewSerializer creates a serializer with no registered kinds.
// A maxBody of 0 selects the default limit.
func NewSerializer(magic [4]byte, maxBody uint32) *Serializer {
	if maxBody == 0 {
		maxBody = defaultMaxBodyLength
	}
	return &Serializer{
		magic:     magic,
		maxBody:   maxBody,
		factories: make(map[Kind]func() Message),
	}
}

// newRegisteredSerializer registers every kind of the kind table.
func newRegisteredSerializer(maxBody uint32) *Serializer {
	s := NewSerializer(Magic, maxBody)
	for _, entry := range kindTable {
		if entry.kind.Valid() {
			s.Register(entry.kind, entry.newMessage)
		}
	}
	return s
}

// Register associates kind with a constructor used before decoding its body.
func (s *Serializer) Register(kind Kind, factory func() Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[kind] = factory
}

func (s *Serializer) factory(kind Kind) func() Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.factories[kind]
}

// Encode returns the complete frame for m.
func (s *Serializer) Encode(m Message) ([]byte, error) {
	if s.factory(m.Kind()) == nil {
		return nil, errors.Wrapf(ErrUnknownMessageKind, "encode %s", m.Kind())
	}

	body := bodyWriter{buf: make([]byte, frameHeaderLen, frameHeaderLen+64)}
	m.encodeBody(&body)

	length := len(body.buf) - frameHeaderLen
	if uint64(length) > uint64(s.maxBody) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "encode %s: %d bytes", m.Kind(), length)
	}

	frame := body.buf
	copy(frame[0:4], s.magic[:])
	binary.LittleEndian.PutUint16(frame[4:6], uint16(m.Kind()))
	binary.LittleEndian.PutUint32(frame[6:10], uint32(length))
	binary.LittleEndian.PutUint32(frame[10:14], uint32(m.SessionID()))
	return frame, nil
}

// WriteMessage encodes m and writes the frame to w. It returns the number of
// bytes written.
func (s *Serializer) WriteMessage(w io.Writer, m Message) (int, error) {
	frame, err := s.Encode(m)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(frame)
	if err != nil {
		return n, errors.Wrapf(err, "write %s", m.Kind())
	}
	return n, nil
}

// ReadMessage blocks until one complete frame has been read from r and
// returns the decoded message and the frame size.
func (s *Serializer) ReadMessage(r io.Reader) (Message, int, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, errors.Wrap(err, "read frame header")
	}

	if [4]byte(header[0:4]) != s.magic {
		return nil, 0, errors.Wrapf(ErrMagicMismatch, "got %q", header[0:4])
	}

	kind := Kind(binary.LittleEndian.Uint16(header[4:6]))
	length := binary.LittleEndian.Uint32(header[6:10])
	session := SessionID(int32(binary.LittleEndian.Uint32(header[10:14])))

	factory := s.factory(kind)
	if factory == nil {
		return nil, 0, errors.Wrapf(ErrUnknownMessageKind, "kind %d", uint16(kind))
	}
	if length > s.maxBody {
		return nil, 0, errors.Wrapf(ErrFrameTooLarge, "%s: %d bytes", kind, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, errors.Wrapf(err, "read %s body", kind)
	}

	m := factory()
	reader := bodyReader{buf: body}
	m.decodeBody(&reader)
	if reader.failed || reader.remaining() != 0 {
		return nil, 0, errors.Wrapf(ErrMalformedFrame, "%s: declared %d bytes, consumed %d",
			kind, length, reader.off)
	}
	m.SetSessionID(session)

	return m, frameHeaderLen + int(length), nil
}
