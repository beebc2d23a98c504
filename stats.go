package uplink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Discard reasons reported by Stats.
const (
	DiscardStale   = "stale"
	DiscardCodec   = "codec"
	DiscardDropped = "dropped"
)

// rateWindow is the span over which windowed rates are measured.
const rateWindow = time.Second

// KindStats is a snapshot of the traffic counters of one message kind.
type KindStats struct {
	Sent        uint64
	Received    uint64
	Discarded   uint64
	SendRate    float64 // messages per second over the last full window
	ReceiveRate float64
}

// Stats tracks per-kind traffic for diagnostics. Nothing in the protocol
// depends on these numbers.
type Stats struct {
	kinds [kindCount]kindCounters

	messages  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	discarded *prometheus.CounterVec
}

type kindCounters struct {
	sent      atomic.Uint64
	received  atomic.Uint64
	discarded atomic.Uint64

	sendRate    rateMeter
	receiveRate rateMeter
}

// newStats creates the counters and registers them with reg when it is not nil.
func newStats(namespace string, reg prometheus.Registerer) *Stats {
	s := &Stats{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages sent or received, by kind.",
		}, []string{"direction", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Frame bytes sent or received, by kind.",
		}, []string{"direction", "kind"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_discarded_total",
			Help:      "Messages discarded without delivery, by kind and reason.",
		}, []string{"kind", "reason"}),
	}

	if reg != nil {
		s.messages = registerCounterVec(reg, s.messages)
		s.bytes = registerCounterVec(reg, s.bytes)
		s.discarded = registerCounterVec(reg, s.discarded)
	}
	return s
}

// registerCounterVec registers c, reusing an identical collector that is
// already registered so several endpoints can share one registry.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

// Kind returns a snapshot for k.
func (s *Stats) Kind(k Kind) KindStats {
	if !k.Valid() {
		return KindStats{}
	}
	c := &s.kinds[k]
	return KindStats{
		Sent:        c.sent.Load(),
		Received:    c.received.Load(),
		Discarded:   c.discarded.Load(),
		SendRate:    c.sendRate.rate(),
		ReceiveRate: c.receiveRate.rate(),
	}
}

func (s *Stats) recordSent(k Kind, n int) {
	if !k.Valid() {
		return
	}
	c := &s.kinds[k]
	c.sent.Add(1)
	c.sendRate.tick(time.Now())
	s.messages.WithLabelValues("sent", k.String()).Inc()
	s.bytes.WithLabelValues("sent", k.String()).Add(float64(n))
}

func (s *Stats) recordReceived(k Kind, n int) {
	if !k.Valid() {
		return
	}
	c := &s.kinds[k]
	c.received.Add(1)
	c.receiveRate.tick(time.Now())
	s.messages.WithLabelValues("received", k.String()).Inc()
	s.bytes.WithLabelValues("received", k.String()).Add(float64(n))
}

func (s *Stats) recordDiscard(k Kind, reason string) {
	if !k.Valid() {
		return
	}
	s.kinds[k].discarded.Add(1)
	s.discarded.WithLabelValues(k.String(), reason).Inc()
}

// rateMeter counts events per rateWindow.
type rateMeter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	last        float64
}

func (m *rateMeter) tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	if elapsed := now.Sub(m.windowStart); elapsed >= rateWindow {
		m.last = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.windowStart = now
	}
	m.count++
}

func (m *rateMeter) rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
