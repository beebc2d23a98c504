package uplink

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by wire operations.
var (
	// ErrInvalidStream is returned when no stream is provided.
	ErrInvalidStream = errors.New("invalid stream")
	// ErrInvalidEndpoint is returned when no endpoint is provided.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrWireRunning is returned when starting a wire twice.
	ErrWireRunning = errors.New("wire already running")
	// ErrWireStopped is returned when starting a stopped wire. Wires are not restartable.
	ErrWireStopped = errors.New("wire stopped")
	// ErrWireNotStarted is returned when waiting on a wire that was never started.
	ErrWireNotStarted = errors.New("wire not started")
)

type wireState int32

const (
	stateConstructed wireState = iota
	stateRunning
	stateStopped
)

// Wire binds a duplex stream to an Endpoint through two loops: the sender
// drains the endpoint's outgoing channels onto the stream, the receiver
// decodes frames from the stream and dispatches them to the endpoint.
//
// A wire moves from constructed to running on Start and to stopped when
// either loop ends or Stop is called. It is not reusable: reconnecting
// means a new Wire over a new stream.
type Wire struct {
	stream   io.ReadWriteCloser
	reader   *bufio.Reader
	writer   *bufio.Writer
	endpoint *Endpoint
	logger   Logger
	opts     wireOptions

	state         atomic.Int32
	senderUp      atomic.Bool
	receiverUp    atomic.Bool
	stopRequested atomic.Bool
	loops         atomic.Int32

	wake chan struct{}

	// mu guards cancel and firstErr, and orders Start against Stop.
	mu       sync.Mutex
	cancel   context.CancelFunc
	firstErr error

	closeOnce sync.Once
	closeErr  error
	doneOnce  sync.Once
	done      chan struct{}
	result    error
}

// NewWire creates a wire serving endpoint over stream. The wire owns the
// stream and closes it when it stops.
func NewWire(stream io.ReadWriteCloser, endpoint *Endpoint, opt ...WireOption) (*Wire, error) {
	if stream == nil {
		return nil, ErrInvalidStream
	}
	if endpoint == nil {
		return nil, ErrInvalidEndpoint
	}

	var opts wireOptions
	for _, o := range opt {
		o(&opts)
	}
	checkWireOptions(&opts, endpoint)

	return &Wire{
		stream:   stream,
		reader:   bufio.NewReader(stream),
		writer:   bufio.NewWriter(stream),
		endpoint: endpoint,
		logger:   opts.logger,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the sender and receiver loops and returns immediately.
func (w *Wire) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	if !w.state.CompareAndSwap(int32(stateConstructed), int32(stateRunning)) {
		w.mu.Unlock()
		cancel()
		if wireState(w.state.Load()) == stateStopped {
			return ErrWireStopped
		}
		return ErrWireRunning
	}
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Info("wire started", "addr", w.RemoteAddr())
	w.logger.Debug("wire options", "addr", w.RemoteAddr(),
		"keep_alive", w.opts.keepAlive,
		"idle_tick", w.opts.idleTick,
		"read_timeout", w.opts.readTimeout,
		"write_timeout", w.opts.writeTimeout)

	group, child := errgroup.WithContext(ctx)

	w.senderUp.Store(true)
	w.receiverUp.Store(true)
	w.loops.Store(2)
	w.endpoint.attach(w)

	group.Go(func() error {
		return w.finishLoop("receiver", &w.receiverUp, w.receiveLoop(child))
	})

	group.Go(func() error {
		return w.finishLoop("sender", &w.senderUp, w.sendLoop(child))
	})

	return nil
}

// Wait blocks until both loops have exited. It returns nil after a graceful
// disconnect or Stop, and the first fatal error otherwise.
func (w *Wire) Wait() error {
	if wireState(w.state.Load()) == stateConstructed {
		return ErrWireNotStarted
	}
	<-w.done
	return w.result
}

// Run starts the wire and blocks until it stops.
func (w *Wire) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	return w.Wait()
}

// Stop signals both loops to exit and closes the stream, which unblocks a
// pending read. Safe to call multiple times.
func (w *Wire) Stop() error {
	w.stopRequested.Store(true)

	w.mu.Lock()
	prev := wireState(w.state.Swap(int32(stateStopped)))
	cancel := w.cancel
	w.mu.Unlock()

	if prev == stateConstructed {
		err := w.closeStream()
		w.doneOnce.Do(func() { close(w.done) })
		return err
	}
	if cancel != nil {
		cancel()
	}
	return w.closeStream()
}

// IsConnected is true only while the wire runs and neither loop has
// reported itself disconnected.
func (w *Wire) IsConnected() bool {
	return wireState(w.state.Load()) == stateRunning &&
		w.senderUp.Load() &&
		w.receiverUp.Load()
}

// NotifySender wakes the sender loop so it drains without waiting for its
// next tick.
func (w *Wire) NotifySender() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// RemoteAddr returns the peer address when the stream is a network connection.
func (w *Wire) RemoteAddr() net.Addr {
	if c, ok := w.stream.(net.Conn); ok {
		return c.RemoteAddr()
	}
	return nil
}

// sendLoop drains the endpoint once per iteration and emits a KeepAlive
// frame when nothing was sent for a keep-alive interval. Any write failure
// or fatal send pass ends the loop.
func (w *Wire) sendLoop(ctx context.Context) error {
	lastSent := time.Now()
	timer := time.NewTimer(w.opts.idleTick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.setWriteDeadline()
		sent, err := w.endpoint.DrainForSend(w.writer)
		if flushErr := w.writer.Flush(); flushErr != nil {
			return errors.Wrap(flushErr, "flush")
		}
		if err != nil {
			return err
		}

		now := time.Now()
		if sent {
			lastSent = now
			continue
		}

		if now.Sub(lastSent) >= w.opts.keepAlive {
			if err := w.endpoint.SendKeepAlive(w.writer); err != nil {
				return err
			}
			if err := w.writer.Flush(); err != nil {
				return errors.Wrap(err, "flush keep-alive")
			}
			lastSent = now
		}

		timer.Reset(w.opts.idleTick)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-timer.C:
		}
	}
}

// receiveLoop blocks reading one frame at a time and dispatches it. A read
// error, a codec error or a disconnect command ends the loop.
func (w *Wire) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.setReadDeadline()
		m, n, err := w.endpoint.serializer.ReadMessage(w.reader)
		if err != nil {
			return err
		}

		if err := w.endpoint.dispatch(m, n); err != nil {
			if errors.Is(err, errDisconnectRequested) {
				// The sender ends the wire once the reply is out.
				w.NotifySender()
				return nil
			}
			return err
		}
	}
}

// finishLoop records how a loop ended. The stream is closed on any error so
// the other loop unblocks; the last loop out finalizes the wire.
func (w *Wire) finishLoop(name string, up *atomic.Bool, err error) error {
	up.Store(false)

	if err != nil {
		w.mu.Lock()
		if w.firstErr == nil {
			w.firstErr = err
		}
		w.mu.Unlock()

		if w.isGraceful(err) {
			w.logger.Debug("loop stopped", "loop", name, "addr", w.RemoteAddr(), "reason", err)
		} else {
			w.logger.Error("loop failed", "loop", name, "addr", w.RemoteAddr(), "error", err)
		}
		_ = w.closeStream()
	}

	if w.loops.Add(-1) == 0 {
		w.finalize()
	}
	return err
}

func (w *Wire) finalize() {
	_ = w.closeStream()
	w.state.Store(int32(stateStopped))
	w.endpoint.detach(w)

	w.mu.Lock()
	cancel := w.cancel
	err := w.firstErr
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if w.isGraceful(err) {
		err = nil
		w.logger.Info("wire stopped", "addr", w.RemoteAddr())
	} else {
		w.logger.Info("wire stopped with error", "addr", w.RemoteAddr(), "error", err)
	}

	w.result = err
	if w.opts.onStop != nil {
		w.opts.onStop(err)
	}
	w.doneOnce.Do(func() { close(w.done) })
}

// isGraceful reports whether err ends the wire without a failure.
func (w *Wire) isGraceful(err error) bool {
	if err == nil || errors.Is(err, ErrDisconnected) || errors.Is(err, errDisconnectRequested) {
		return true
	}
	return w.stopRequested.Load()
}

func (w *Wire) closeStream() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.stream.Close()
	})
	return w.closeErr
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (w *Wire) setReadDeadline() {
	if d, ok := w.stream.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(w.opts.readTimeout))
	}
}

func (w *Wire) setWriteDeadline() {
	if d, ok := w.stream.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(w.opts.writeTimeout))
	}
}
