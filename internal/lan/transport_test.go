package lan

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/lansync/internal/state"
)

func testTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := Listen("127.0.0.1:0", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransport_SendAndReceive(t *testing.T) {
	a := testTransport(t)
	b := testTransport(t)

	got := make(chan *Envelope, 1)
	b.OnMessage(func(env *Envelope, src *net.UDPAddr) {
		if src.Port != a.Port() {
			t.Errorf("src port = %d, want %d", src.Port, a.Port())
		}
		got <- env
	})

	from := state.Identity{ServerID: "s1", ComputerName: "pc", StartedAt: time.Now().UTC()}
	env, err := newEnvelope(from, TypePush, MsgPushHostInfo, time.Now().UTC(), HostInfoPayload{Port: 8080, Projects: []string{"P1"}})
	if err != nil {
		t.Fatal(err)
	}
	if out := a.Send(env, b.Addr()); out != SendOK {
		t.Fatalf("send outcome = %v", out)
	}

	select {
	case e := <-got:
		var p HostInfoPayload
		if err := e.decodePayload(&p); err != nil {
			t.Fatal(err)
		}
		if e.Client.ServerID != "s1" || p.Port != 8080 || len(p.Projects) != 1 {
			t.Fatalf("unexpected envelope %+v payload %+v", e, p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram received")
	}
}

func TestTransport_DropsUndecodable(t *testing.T) {
	b := testTransport(t)
	called := make(chan struct{}, 1)
	b.OnMessage(func(*Envelope, *net.UDPAddr) { called <- struct{}{} })

	conn, err := net.DialUDP("udp4", nil, b.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("not json")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-called:
		t.Fatal("handler called for undecodable datagram")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_BroadcastUsesFixedTargets(t *testing.T) {
	a := testTransport(t)
	b := testTransport(t)
	c := testTransport(t)
	a.SetBroadcastTargets([]*net.UDPAddr{b.Addr(), c.Addr()})

	recv := make(chan int, 2)
	b.OnMessage(func(*Envelope, *net.UDPAddr) { recv <- b.Port() })
	c.OnMessage(func(*Envelope, *net.UDPAddr) { recv <- c.Port() })

	env, err := newEnvelope(state.Identity{}, TypeRequest, MsgDiscoverIP, time.Now(), struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	outcomes := a.Broadcast(env)
	if len(outcomes) != 2 || outcomes[0] != SendOK || outcomes[1] != SendOK {
		t.Fatalf("outcomes = %v", outcomes)
	}
	seen := map[int]bool{}
	for range 2 {
		select {
		case p := <-recv:
			seen[p] = true
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received by all targets")
		}
	}
	if !seen[b.Port()] || !seen[c.Port()] {
		t.Fatalf("seen = %v", seen)
	}
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		err   error
		kind  sendErrorKind
		known bool
	}{
		{fmt.Errorf("write: %w", syscall.EMSGSIZE), kindOversized, true},
		{fmt.Errorf("write: %w", syscall.EHOSTUNREACH), kindUnreachable, true},
		{fmt.Errorf("write: %w", syscall.ENETUNREACH), kindUnreachable, true},
		{errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		kind, known := classifySendError(tt.err)
		if kind != tt.kind || known != tt.known {
			t.Errorf("classify(%v) = %q, %v; want %q, %v", tt.err, kind, known, tt.kind, tt.known)
		}
	}
}

func TestTransport_SendFailedSuppressesRepeats(t *testing.T) {
	a := testTransport(t)
	env, _ := newEnvelope(state.Identity{}, TypePush, MsgPushHostInfo, time.Now(), struct{}{})
	to := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}

	err := fmt.Errorf("write: %w", syscall.EMSGSIZE)
	if out := a.sendFailed(err, env, to); out != SendSuppressed {
		t.Fatalf("first outcome = %v", out)
	}
	if !a.warned[kindOversized] {
		t.Fatal("expected oversized kind to be recorded")
	}
	if out := a.sendFailed(err, env, to); out != SendSuppressed {
		t.Fatalf("second outcome = %v", out)
	}
	if out := a.sendFailed(errors.New("boom"), env, to); out != SendFailed {
		t.Fatalf("unknown error outcome = %v", out)
	}
}
