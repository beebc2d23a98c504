package uplink

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitWire(t *testing.T, w *Wire) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for wire to stop")
		return nil
	}
}

// startPair runs a wire on each end of a TCP pair and completes the default
// session handshake initiated by the server side.
func startPair(t *testing.T, serverEP, clientEP *Endpoint, opts ...WireOption) (*Wire, *Wire) {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)

	serverWire, err := NewWire(serverConn, serverEP, opts...)
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	clientWire, err := NewWire(clientConn, clientEP, opts...)
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	t.Cleanup(func() {
		_ = serverWire.Stop()
		_ = clientWire.Stop()
	})

	if err := serverWire.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := clientWire.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := serverEP.SendSessionSetup(DefaultSessionSettings()); err != nil {
		t.Fatalf("SendSessionSetup failed: %v", err)
	}
	waitFor(t, "session handshake", func() bool {
		id := serverEP.CurrentSession()
		return id != InvalidSessionID && id == clientEP.CurrentSession()
	})

	return serverWire, clientWire
}

func TestNewWire_Invalid(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	if _, err := NewWire(nil, newTestEndpoint(t)); err != ErrInvalidStream {
		t.Errorf("expected ErrInvalidStream, got %v", err)
	}
	if _, err := NewWire(serverConn, nil); err != ErrInvalidEndpoint {
		t.Errorf("expected ErrInvalidEndpoint, got %v", err)
	}
}

func TestNewWire_Options(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	w, err := NewWire(serverConn, newTestEndpoint(t),
		KeepAliveOption(time.Minute),
		IdleTickOption(time.Millisecond),
		ReadTimeoutOption(time.Hour),
		WriteTimeoutOption(2*time.Hour),
	)
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}

	if w.opts.keepAlive != time.Minute {
		t.Errorf("keepAlive = %v, want %v", w.opts.keepAlive, time.Minute)
	}
	if w.opts.idleTick != time.Millisecond {
		t.Errorf("idleTick = %v, want %v", w.opts.idleTick, time.Millisecond)
	}
	if w.opts.readTimeout != time.Hour {
		t.Errorf("readTimeout = %v, want %v", w.opts.readTimeout, time.Hour)
	}
	if w.opts.writeTimeout != 2*time.Hour {
		t.Errorf("writeTimeout = %v, want %v", w.opts.writeTimeout, 2*time.Hour)
	}
	if w.RemoteAddr() == nil {
		t.Error("RemoteAddr returned nil")
	}
}

func TestWire_Lifecycle(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ep := newTestEndpoint(t)
	w, err := NewWire(serverConn, ep)
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}

	if err := w.Wait(); err != ErrWireNotStarted {
		t.Errorf("Wait before Start: expected ErrWireNotStarted, got %v", err)
	}
	if w.IsConnected() {
		t.Error("constructed wire reports connected")
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(context.Background()); err != ErrWireRunning {
		t.Errorf("second Start: expected ErrWireRunning, got %v", err)
	}
	if !w.IsConnected() || !ep.IsConnected() {
		t.Error("running wire should report connected")
	}

	_ = w.Stop()
	if err := waitWire(t, w); err != nil {
		t.Errorf("Wait after Stop = %v, want nil", err)
	}
	if w.IsConnected() || ep.IsConnected() {
		t.Error("stopped wire reports connected")
	}
	if err := w.Start(context.Background()); err != ErrWireStopped {
		t.Errorf("Start after Stop: expected ErrWireStopped, got %v", err)
	}
	if err := w.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.Errorf("second Stop = %v", err)
	}
}

func TestWire_StopBeforeStart(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w, err := NewWire(serverConn, newTestEndpoint(t))
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}

	_ = w.Stop()
	if err := w.Start(context.Background()); err != ErrWireStopped {
		t.Errorf("expected ErrWireStopped, got %v", err)
	}
	if err := w.Wait(); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
}

func TestWire_ConcurrentStartStop(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, b := net.Pipe()
		w, err := NewWire(a, newTestEndpoint(t))
		if err != nil {
			t.Fatalf("NewWire failed: %v", err)
		}

		var (
			wg       sync.WaitGroup
			startErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			startErr = w.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = w.Stop()
		}()
		wg.Wait()

		if startErr != nil && startErr != ErrWireStopped {
			t.Fatalf("iteration %d: Start = %v", i, startErr)
		}
		if err := waitWire(t, w); err != nil {
			t.Fatalf("iteration %d: Wait = %v, want nil", i, err)
		}
		if w.IsConnected() {
			t.Fatalf("iteration %d: wire still connected after Stop", i)
		}
		_ = b.Close()
	}
}

func TestWire_DisconnectHandshake(t *testing.T) {
	var stops atomic.Int32
	serverEP := newTestEndpoint(t)
	clientEP := newTestEndpoint(t)

	serverWire, clientWire := startPair(t, serverEP, clientEP, OnStopOption(func(err error) {
		if err != nil {
			t.Errorf("onStop got %v, want nil", err)
		}
		stops.Add(1)
	}))

	if !serverEP.IsConnected() || !clientEP.IsConnected() {
		t.Fatal("both endpoints should be connected")
	}

	if err := clientEP.RequestDisconnect(); err != nil {
		t.Fatalf("RequestDisconnect failed: %v", err)
	}

	if err := waitWire(t, serverWire); err != nil {
		t.Errorf("server wire: Wait = %v, want nil", err)
	}
	if err := waitWire(t, clientWire); err != nil {
		t.Errorf("client wire: Wait = %v, want nil", err)
	}

	if serverEP.IsConnected() || clientEP.IsConnected() {
		t.Error("endpoints still connected after the handshake")
	}
	if serverEP.CurrentSession() != InvalidSessionID || clientEP.CurrentSession() != InvalidSessionID {
		t.Error("sessions should end with the handshake")
	}
	if stops.Load() != 2 {
		t.Errorf("onStop calls = %d, want one per wire", stops.Load())
	}
}

func TestWire_StreamsData(t *testing.T) {
	var mu sync.Mutex
	var frames []*CameraFrame
	serverEP := newTestEndpoint(t, OnMessageOption(func(m Message) error {
		if f, ok := m.(*CameraFrame); ok {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		}
		return nil
	}))
	clientEP := newTestEndpoint(t)

	startPair(t, serverEP, clientEP)

	session := clientEP.CurrentSession()
	frame := &CameraFrame{Envelope: Envelope{Session: session}, ColorImage: rgbImage()}
	if err := clientEP.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, "camera frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	})

	mu.Lock()
	got := frames[0]
	mu.Unlock()
	if got.SessionID() != session {
		t.Errorf("session = %d, want %d", got.SessionID(), session)
	}
	if got.ColorImage.Width != 1 || len(got.ColorImage.Data) != 3 {
		t.Errorf("color image = %+v", got.ColorImage)
	}
	if clientEP.Stats().Kind(KindCameraFrame).Sent != 1 {
		t.Error("client stats did not count the frame")
	}
}

func TestWire_CorruptedMagic(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	var dispatched atomic.Int32
	ep := newTestEndpoint(t, OnMessageOption(func(Message) error {
		dispatched.Add(1)
		return nil
	}))
	ep.BeginSession(1, DefaultSessionSettings())

	var stopErr error
	w, err := NewWire(serverConn, ep, OnStopOption(func(err error) { stopErr = err }))
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	frame, err := ep.Serializer().Encode(&Blob{Envelope: Envelope{Session: 1}, Name: "x"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	copy(frame[0:4], "scan")
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err = waitWire(t, w)
	if !errors.Is(err, ErrMagicMismatch) {
		t.Errorf("expected ErrMagicMismatch, got %v", err)
	}
	if !errors.Is(stopErr, ErrMagicMismatch) {
		t.Errorf("onStop got %v", stopErr)
	}
	if dispatched.Load() != 0 {
		t.Errorf("dispatched %d messages, want 0", dispatched.Load())
	}
	if ep.IsConnected() {
		t.Error("endpoint still connected")
	}
}

func TestWire_KeepAlive(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ep := newTestEndpoint(t)
	w, err := NewWire(serverConn, ep, KeepAliveOption(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 2; i++ {
		m, _, err := ep.Serializer().ReadMessage(clientConn)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if m.Kind() != KindKeepAlive || m.SessionID() != SystemSessionID {
			t.Errorf("got %s tagged %d, want a system KeepAlive", m.Kind(), m.SessionID())
		}
	}
}

func TestWire_PeerClosed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	w, err := NewWire(serverConn, newTestEndpoint(t))
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clientConn.Close()

	if err := waitWire(t, w); err == nil {
		t.Error("expected an error after the peer closed")
	}
}

func TestWire_ReadTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w, err := NewWire(serverConn, newTestEndpoint(t), ReadTimeoutOption(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err = waitWire(t, w)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("expected a timeout, got %v", err)
	}
}

func TestWire_ContextCanceled(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w, err := NewWire(serverConn, newTestEndpoint(t))
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()

	if err := waitWire(t, w); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWire_Disconnect(t *testing.T) {
	serverEP := newTestEndpoint(t)
	clientEP := newTestEndpoint(t)
	serverWire, clientWire := startPair(t, serverEP, clientEP)

	serverEP.Disconnect()

	if err := waitWire(t, serverWire); err != nil {
		t.Errorf("server wire: Wait = %v, want nil", err)
	}
	if err := waitWire(t, clientWire); err == nil {
		t.Error("client wire should fail when the peer drops")
	}
	if serverEP.IsConnected() || clientEP.IsConnected() {
		t.Error("endpoints still connected")
	}
}

// plainStream hides the deadline methods of a net.Conn.
type plainStream struct {
	conn net.Conn
}

func (s plainStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s plainStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s plainStream) Close() error                { return s.conn.Close() }

func TestWire_PipeWithoutDeadlines(t *testing.T) {
	a, b := net.Pipe()

	var received atomic.Int32
	serverEP := newTestEndpoint(t)
	clientEP := newTestEndpoint(t, OnMessageOption(func(m Message) error {
		if m.Kind() == KindCameraPose {
			received.Add(1)
		}
		return nil
	}))

	serverWire, err := NewWire(plainStream{a}, serverEP)
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	clientWire, err := NewWire(plainStream{b}, clientEP)
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	if serverWire.RemoteAddr() != nil {
		t.Error("RemoteAddr should be nil for a plain stream")
	}

	_ = serverWire.Start(context.Background())
	_ = clientWire.Start(context.Background())

	_ = serverEP.SendSessionSetup(DefaultSessionSettings())
	waitFor(t, "session handshake", func() bool {
		return serverEP.CurrentSession() != InvalidSessionID && serverEP.CurrentSession() == clientEP.CurrentSession()
	})

	_ = serverEP.Enqueue(&CameraPose{Envelope: Envelope{Session: serverEP.CurrentSession()}, Status: 1})
	waitFor(t, "camera pose", func() bool { return received.Load() == 1 })

	_ = serverEP.RequestDisconnect()
	if err := waitWire(t, clientWire); err != nil {
		t.Errorf("client wire: Wait = %v, want nil", err)
	}
	if err := waitWire(t, serverWire); err != nil {
		t.Errorf("server wire: Wait = %v, want nil", err)
	}
}
