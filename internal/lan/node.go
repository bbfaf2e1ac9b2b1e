// Package lan implements LAN host discovery: a UDP broadcast protocol through
// which hosting processes announce their storage and learn their peers.
package lan

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/metrics"
	"github.com/ssd-technologies/lansync/internal/state"
)

// HostProjectsFunc returns the projects this process currently hosts.
type HostProjectsFunc func(ctx context.Context) ([]string, error)

// DiskUsageFunc reports free space for a storage root.
type DiskUsageFunc func(ctx context.Context, path string) (*state.DiskUsage, error)

// Config holds Node construction parameters.
type Config struct {
	State             *state.State
	Transport         *Transport
	HTTPPort          int // port announced to peers for the storage API
	BroadcastInterval time.Duration
	PruneInterval     time.Duration
	HostProjects      HostProjectsFunc
	DiskUsage         DiskUsageFunc // optional
	Logger            *zap.Logger
}

// Node runs the host/peer state machine on top of a Transport.
type Node struct {
	state        *state.State
	transport    *Transport
	httpPort     int
	hostProjects HostProjectsFunc
	diskUsage    DiskUsageFunc
	logger       *zap.Logger

	broadcastLoop *Loop
	pruneLoop     *Loop
}

// NewNode creates a Node and registers it as the transport's handler.
func NewNode(cfg Config) *Node {
	if cfg.HostProjects == nil {
		cfg.HostProjects = func(context.Context) ([]string, error) { return nil, nil }
	}
	n := &Node{
		state:        cfg.State,
		transport:    cfg.Transport,
		httpPort:     cfg.HTTPPort,
		hostProjects: cfg.HostProjects,
		diskUsage:    cfg.DiskUsage,
		logger:       cfg.Logger.Named("lan"),
	}
	n.broadcastLoop = NewLoop(cfg.BroadcastInterval, n.broadcastTick)
	n.pruneLoop = NewLoop(cfg.PruneInterval, n.pruneTick)
	n.transport.OnMessage(n.handleMessage)
	return n
}

// Start announces this process to learn its own address, then starts the
// broadcast and prune loops. Calling Start again is a no-op for the loops.
func (n *Node) Start(ctx context.Context) {
	if err := n.DiscoverIP(); err != nil {
		n.logger.Warn("discover ip", zap.Error(err))
	}
	n.broadcastLoop.Start(ctx)
	n.pruneLoop.Start(ctx)
}

// Stop stops both loops. The transport is left open.
func (n *Node) Stop() {
	n.broadcastLoop.Stop()
	n.pruneLoop.Stop()
}

// DiscoverIP broadcasts a discover-IP request. The process learns its
// network-visible address when its own broadcast loops back.
func (n *Node) DiscoverIP() error {
	env, err := newEnvelope(n.state.Identity(), TypeRequest, MsgDiscoverIP, n.now(), struct{}{})
	if err != nil {
		return err
	}
	n.transport.Broadcast(env)
	return nil
}

func (n *Node) now() time.Time { return n.state.Now().UTC() }

func (n *Node) broadcastTick(ctx context.Context) {
	if err := n.PushHostInfo(ctx); err != nil {
		n.logger.Warn("push host info", zap.Error(err))
	}
}

func (n *Node) pruneTick(context.Context) {
	peers, hosts := n.state.Prune()
	if peers > 0 || hosts > 0 {
		n.logger.Debug("pruned", zap.Int("peers", peers), zap.Int("hosts", hosts))
	}
	metrics.HostPeers.Set(float64(len(n.state.Peers())))
	metrics.KnownHosts.Set(float64(len(n.state.Hosts())))
}

// PushHostInfo broadcasts this host's projects, peers and disk usage. It does
// nothing unless the process is hosting.
func (n *Node) PushHostInfo(ctx context.Context) error {
	if !n.state.AmHosting() {
		return nil
	}

	projects, err := n.hostProjects(ctx)
	if err != nil {
		return fmt.Errorf("list host projects: %w", err)
	}

	settings := n.state.Settings()
	var du *state.DiskUsage
	if n.diskUsage != nil {
		du, err = n.diskUsage(ctx, settings.MyLanStoragePath)
		if err != nil {
			n.logger.Warn("disk usage", zap.String("path", settings.MyLanStoragePath), zap.Error(err))
		}
	}

	// State may have changed while projects and disk usage were gathered.
	if !n.state.AmHosting() {
		return nil
	}

	createdAt := n.now()
	n.state.RecordHostContent(contentKey(n.httpPort, projects), projects, createdAt)

	peers := n.state.ActivePeers()
	payload := HostInfoPayload{
		Port:      n.httpPort,
		Projects:  projects,
		DiskUsage: du,
		Peers:     make(map[string]state.PeerInfo, len(peers)),
	}
	for _, p := range peers {
		payload.Peers[p.ServerID] = p
		if p.IsClient {
			payload.ClientCount++
		} else {
			payload.PeerCount++
		}
	}

	env, err := newEnvelope(n.state.Identity(), TypePush, MsgPushHostInfo, createdAt, payload)
	if err != nil {
		return err
	}

	// Record our own host directly; the loopback echo may never arrive.
	n.upsertOwnHost(env, payload)
	n.transport.Broadcast(env)
	return nil
}

// contentKey fingerprints the parts of a push that define a host refresh.
func contentKey(port int, projects []string) string {
	sorted := slices.Clone(projects)
	slices.Sort(sorted)
	return strconv.Itoa(port) + "|" + strings.Join(sorted, "\x00")
}

func (n *Node) handleMessage(env *Envelope, src *net.UDPAddr) {
	self := n.state.IsSelf(env.Client.ComputerName, env.Client.StartedAt)

	switch env.Message.ID {
	case MsgDiscoverIP:
		if self {
			n.handleDiscoverIP(env, src)
		}
	case MsgPushHostInfo:
		switch env.Message.Type {
		case TypePush:
			n.handleHostPush(env, src, self)
		case TypeResponse:
			if !self {
				n.handleHostAck(env, src)
			}
		}
	default:
		n.logger.Debug("ignore unknown message", zap.String("id", env.Message.ID), zap.Stringer("from", src))
	}
}

func (n *Node) handleDiscoverIP(env *Envelope, src *net.UDPAddr) {
	if env.Message.Type != TypeRequest {
		n.logger.Debug("discover ip roundtrip complete", zap.String("ip", n.state.MyIP()))
		return
	}
	ip := src.IP.String()
	n.state.SetMyIP(ip)
	n.logger.Info("learned own address", zap.String("ip", ip))

	reply, err := newEnvelope(n.state.Identity(), TypeResponse, MsgDiscoverIP, n.now(), DiscoverIPPayload{IP: ip})
	if err != nil {
		n.logger.Error("build discover ip response", zap.Error(err))
		return
	}
	n.transport.Send(reply, src)
}

func (n *Node) handleHostPush(env *Envelope, src *net.UDPAddr, self bool) {
	var p HostInfoPayload
	if err := env.decodePayload(&p); err != nil {
		n.logger.Debug("bad host push", zap.Stringer("from", src), zap.Error(err))
		return
	}

	if self {
		n.upsertOwnHost(env, p)
		return
	}

	host := n.state.UpsertHost(state.HostInfo{
		ServerID:     env.Client.ServerID,
		Protocol:     "http",
		IP:           src.IP.String(),
		Port:         p.Port,
		ComputerName: env.Client.ComputerName,
		User:         env.Client.User,
		StartedAt:    env.Client.StartedAt,
		UpdatedAt:    env.Message.CreatedAt,
		Projects:     p.Projects,
		DiskUsage:    p.DiskUsage,
		PeerCount:    p.PeerCount,
		ClientCount:  p.ClientCount,
		Peers:        p.Peers,
	})

	ack := HostAckPayload{
		Port:          n.httpPort,
		HostServerID:  host.ServerID,
		HostUpdatedAt: host.UpdatedAt,
		IsClient:      n.state.Settings().ProxyServerID == host.ServerID,
	}
	reply, err := newEnvelope(n.state.Identity(), TypeResponse, MsgPushHostInfo, n.now(), ack)
	if err != nil {
		n.logger.Error("build host ack", zap.Error(err))
		return
	}
	n.transport.Send(reply, src)
}

// upsertOwnHost records this process's host using its authoritative peer and
// client counts rather than the echoed values.
func (n *Node) upsertOwnHost(env *Envelope, p HostInfoPayload) {
	if !n.state.AmHosting() {
		return
	}
	ip := n.state.MyIP()
	if ip == "" {
		ip = "127.0.0.1"
	}
	active := n.state.ActivePeers()
	peers := make(map[string]state.PeerInfo, len(active))
	for _, ap := range active {
		peers[ap.ServerID] = ap
	}
	peerCount, clientCount := n.state.PeerCounts()
	n.state.UpsertHost(state.HostInfo{
		ServerID:     env.Client.ServerID,
		Protocol:     "http",
		IP:           ip,
		Port:         p.Port,
		ComputerName: env.Client.ComputerName,
		User:         env.Client.User,
		StartedAt:    env.Client.StartedAt,
		UpdatedAt:    env.Message.CreatedAt,
		Projects:     p.Projects,
		DiskUsage:    p.DiskUsage,
		PeerCount:    peerCount,
		ClientCount:  clientCount,
		Peers:        peers,
	})
}

func (n *Node) handleHostAck(env *Envelope, src *net.UDPAddr) {
	if !n.state.AmHosting() {
		return
	}
	var ack HostAckPayload
	if err := env.decodePayload(&ack); err != nil {
		n.logger.Debug("bad host ack", zap.Stringer("from", src), zap.Error(err))
		return
	}
	if ack.HostServerID != n.state.MyServerID() {
		return
	}
	n.state.UpsertPeer(state.PeerInfo{
		ServerID:      env.Client.ServerID,
		Protocol:      "http",
		IP:            src.IP.String(),
		Port:          ack.Port,
		ComputerName:  env.Client.ComputerName,
		User:          env.Client.User,
		StartedAt:     env.Client.StartedAt,
		HostUpdatedAt: ack.HostUpdatedAt,
		UpdatedAt:     env.Message.CreatedAt,
		IsClient:      ack.IsClient,
	})
}
