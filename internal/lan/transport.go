package lan

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/metrics"
)

// SendOutcome is the best-effort result of writing one datagram. Callers that
// only care about convergence may ignore it.
type SendOutcome int

const (
	SendOK SendOutcome = iota
	// SendSuppressed is a known, environment-level failure (payload too
	// large, broadcast address unreachable). It is logged once per kind.
	SendSuppressed
	// SendFailed is any other write error, logged per occurrence.
	SendFailed
)

func (o SendOutcome) String() string {
	switch o {
	case SendOK:
		return "ok"
	case SendSuppressed:
		return "suppressed"
	default:
		return "failed"
	}
}

type sendErrorKind string

const (
	kindOversized   sendErrorKind = "oversized"
	kindUnreachable sendErrorKind = "unreachable"
)

func classifySendError(err error) (sendErrorKind, bool) {
	switch {
	case errors.Is(err, syscall.EMSGSIZE):
		return kindOversized, true
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return kindUnreachable, true
	}
	return "", false
}

// Transport owns the UDP socket shared by all discovery traffic. Every
// datagram is a JSON Envelope; received envelopes are dispatched to the
// registered handler from a single read-loop goroutine.
type Transport struct {
	conn    *net.UDPConn
	port    int
	logger  *zap.Logger
	targets []*net.UDPAddr // fixed broadcast targets; nil means compute per send

	mu      sync.RWMutex
	handler func(*Envelope, *net.UDPAddr)
	warned  map[sendErrorKind]bool

	readStopped chan struct{}
}

// Listen binds a UDP socket on addr (e.g. "0.0.0.0:45178") and starts the
// read loop. Go enables SO_BROADCAST on UDP sockets.
func Listen(addr string, logger *zap.Logger) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	t := &Transport{
		conn:        conn,
		port:        conn.LocalAddr().(*net.UDPAddr).Port,
		logger:      logger.Named("udp"),
		warned:      make(map[sendErrorKind]bool),
		readStopped: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// SetBroadcastTargets replaces the computed broadcast fan-out with a fixed
// list, for networks where the peers are known in advance.
func (t *Transport) SetBroadcastTargets(targets []*net.UDPAddr) {
	t.mu.Lock()
	t.targets = targets
	t.mu.Unlock()
}

// OnMessage registers the callback invoked for every decoded envelope.
func (t *Transport) OnMessage(handler func(*Envelope, *net.UDPAddr)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Port returns the bound port.
func (t *Transport) Port() int { return t.port }

// Addr returns the bound address.
func (t *Transport) Addr() *net.UDPAddr { return t.conn.LocalAddr().(*net.UDPAddr) }

// Close closes the socket and waits for the read loop to exit.
func (t *Transport) Close() error {
	err := t.conn.Close()
	<-t.readStopped
	return err
}

func (t *Transport) readLoop() {
	defer close(t.readStopped)
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("read datagram", zap.Error(err))
			continue
		}

		var env Envelope
		if err := env.unmarshal(buf[:n]); err != nil {
			metrics.UDPDropped.Inc()
			t.logger.Debug("drop undecodable datagram", zap.Stringer("from", src), zap.Error(err))
			continue
		}
		metrics.UDPReceived.WithLabelValues(env.Message.ID, string(env.Message.Type)).Inc()

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(&env, src)
		}
	}
}

// Send writes env to a single address.
func (t *Transport) Send(env *Envelope, to *net.UDPAddr) SendOutcome {
	b, err := env.marshal()
	if err != nil {
		t.logger.Error("marshal envelope", zap.String("id", env.Message.ID), zap.Error(err))
		return SendFailed
	}
	return t.write(b, env, to)
}

// Broadcast writes env to every broadcast target and returns the outcome per
// target, in target order.
func (t *Transport) Broadcast(env *Envelope) []SendOutcome {
	b, err := env.marshal()
	if err != nil {
		t.logger.Error("marshal envelope", zap.String("id", env.Message.ID), zap.Error(err))
		return []SendOutcome{SendFailed}
	}

	t.mu.RLock()
	targets := t.targets
	t.mu.RUnlock()
	if targets == nil {
		targets = BroadcastAddrs(t.port)
	}

	out := make([]SendOutcome, len(targets))
	for i, to := range targets {
		out[i] = t.write(b, env, to)
	}
	return out
}

func (t *Transport) write(b []byte, env *Envelope, to *net.UDPAddr) SendOutcome {
	if _, err := t.conn.WriteToUDP(b, to); err != nil {
		return t.sendFailed(err, env, to)
	}
	metrics.UDPSent.WithLabelValues(env.Message.ID, string(env.Message.Type)).Inc()
	return SendOK
}

func (t *Transport) sendFailed(err error, env *Envelope, to *net.UDPAddr) SendOutcome {
	kind, known := classifySendError(err)
	if !known {
		metrics.UDPSendErrors.WithLabelValues(SendFailed.String()).Inc()
		t.logger.Error("send datagram",
			zap.String("id", env.Message.ID),
			zap.Stringer("to", to),
			zap.Error(err))
		return SendFailed
	}

	metrics.UDPSendErrors.WithLabelValues(SendSuppressed.String()).Inc()
	t.mu.Lock()
	first := !t.warned[kind]
	t.warned[kind] = true
	t.mu.Unlock()
	if first {
		t.logger.Warn("send datagram failed, further errors of this kind are suppressed",
			zap.String("kind", string(kind)),
			zap.String("id", env.Message.ID),
			zap.Stringer("to", to),
			zap.Error(err))
	}
	return SendSuppressed
}
