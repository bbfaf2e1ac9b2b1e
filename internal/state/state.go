// Package state holds the per-process record of known LAN hosts, the peers of
// this process's own host, and the local hosting/proxy settings.
//
// A State is created once per server instance and passed to every component
// that needs it. All methods are safe for concurrent use; callers must not
// assume anything read before a blocking operation is still current after it.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExpirationFactor multiplies the broadcast interval to give the heartbeat age
// after which a host or peer is stale.
const ExpirationFactor = 2.5

// Config holds State construction parameters.
type Config struct {
	ServerID          string // generated when empty
	ComputerName      string
	User              string
	StartedAt         time.Time // defaults to now
	BroadcastInterval time.Duration
	Now               func() time.Time // clock override for tests
}

// State is the process-wide host/peer registry.
type State struct {
	mu          sync.RWMutex
	now         func() time.Time
	expireAfter time.Duration

	me       Identity
	myIP     string
	settings Settings

	hosts       map[string]*HostInfo
	myHostPeers map[string]*PeerInfo

	hostProjects    []string
	hostContent     string
	hostRefreshedAt time.Time

	version uint64
}

// New creates a State for one server instance.
func New(cfg Config) *State {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Now()
	}
	return &State{
		now:         cfg.Now,
		expireAfter: time.Duration(float64(cfg.BroadcastInterval) * ExpirationFactor),
		me: Identity{
			ServerID:     cfg.ServerID,
			StartedAt:    cfg.StartedAt,
			ComputerName: cfg.ComputerName,
			User:         cfg.User,
		},
		hosts:       make(map[string]*HostInfo),
		myHostPeers: make(map[string]*PeerInfo),
	}
}

// Now returns the State's clock reading.
func (s *State) Now() time.Time { return s.now() }

// Identity returns this process's identity.
func (s *State) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.me
}

// MyServerID returns this process's server id.
func (s *State) MyServerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.me.ServerID
}

// SetUsername records the user name announced in outgoing datagrams.
func (s *State) SetUsername(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.me.User = user
	s.version++
}

// IsSelf reports whether the (computerName, startedAt) pair identifies this
// process, i.e. a datagram is a loopback of its own broadcast.
func (s *State) IsSelf(computerName string, startedAt time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.me.ComputerName == computerName && s.me.StartedAt.Equal(startedAt)
}

// SetMyIP records the address learned through the discover-IP roundtrip.
func (s *State) SetMyIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.myIP != ip {
		s.myIP = ip
		s.version++
	}
}

// MyIP returns the learned network-visible address, or "" if not yet known.
func (s *State) MyIP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.myIP
}

// Settings returns a copy of the local settings.
func (s *State) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// AmHosting reports allowHosting && myLanStoragePath != "".
func (s *State) AmHosting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.AmHosting()
}

// SetHosting updates the hosting switch and the storage root.
func (s *State) SetHosting(allow bool, storagePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.AllowHosting = allow
	s.settings.MyLanStoragePath = storagePath
	s.version++
}

// SetProxy records the host this process is a passive client of. Empty values
// clear proxy mode.
func (s *State) SetProxy(url, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.ProxyURL = url
	s.settings.ProxyServerID = serverID
	s.version++
}

// Restore replaces all settings at once, e.g. from the settings database.
func (s *State) Restore(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.version++
}

// Version is incremented on every mutation. Observers compare versions to
// detect change.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// UpsertHost creates or refreshes a HostInfo. DiscoveredAt is preserved across
// updates and LastSeenAt is stamped with the current time.
func (s *State) UpsertHost(h HostInfo) HostInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	h = h.clone()
	h.Projects = normalizeProjects(h.Projects)
	h.LastSeenAt = now
	if existing, ok := s.hosts[h.ServerID]; ok {
		h.DiscoveredAt = existing.DiscoveredAt
	} else {
		h.DiscoveredAt = now
	}
	s.hosts[h.ServerID] = &h
	s.version++
	return h.clone()
}

// Host returns the HostInfo for serverID.
func (s *State) Host(serverID string) (HostInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[serverID]
	if !ok {
		return HostInfo{}, false
	}
	return h.clone(), true
}

// Hosts returns all known hosts in no particular order.
func (s *State) Hosts() []HostInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HostInfo, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h.clone())
	}
	slices.SortFunc(out, func(a, b HostInfo) int { return a.DiscoveredAt.Compare(b.DiscoveredAt) })
	return out
}

// RankedHosts returns known hosts ordered by relevance to this process.
func (s *State) RankedHosts() []HostInfo {
	hosts := s.Hosts()
	s.mu.RLock()
	me, hosting := s.me.ServerID, s.settings.AmHosting()
	s.mu.RUnlock()
	RankHosts(hosts, me, hosting)
	return hosts
}

// UpsertPeer creates or refreshes a peer of this process's host. HostPeersAt
// records when the peer was first added and is preserved across updates.
func (s *State) UpsertPeer(p PeerInfo) PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p.LastSeenAt = now
	if existing, ok := s.myHostPeers[p.ServerID]; ok {
		p.HostPeersAt = existing.HostPeersAt
	} else {
		p.HostPeersAt = now
	}
	s.myHostPeers[p.ServerID] = &p
	s.version++
	return p
}

// Peers returns every tracked peer of this host, stale or not.
func (s *State) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.myHostPeers))
	for _, p := range s.myHostPeers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PeerInfo) int { return a.HostPeersAt.Compare(b.HostPeersAt) })
	return out
}

// ActivePeers returns the peers that are neither expired nor obsolete.
func (s *State) ActivePeers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []PeerInfo
	for _, p := range s.myHostPeers {
		if !s.peerStaleLocked(p, now) {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b PeerInfo) int { return a.HostPeersAt.Compare(b.HostPeersAt) })
	return out
}

// PeerCounts splits the active peers into other hosts and passive clients.
func (s *State) PeerCounts() (peers, clients int) {
	for _, p := range s.ActivePeers() {
		if p.IsClient {
			clients++
		} else {
			peers++
		}
	}
	return peers, clients
}

// RecordHostContent records the content of an outgoing push. When content
// differs from the previous push, pushedAt becomes the new refresh version
// and any peer that acknowledged an older version turns obsolete. It returns
// the current refresh version.
func (s *State) RecordHostContent(content string, projects []string, pushedAt time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostProjects = normalizeProjects(projects)
	if content != s.hostContent || s.hostRefreshedAt.IsZero() {
		s.hostContent = content
		s.hostRefreshedAt = pushedAt
		s.version++
	}
	return s.hostRefreshedAt
}

// HostProjects returns the projects announced in the last push.
func (s *State) HostProjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.hostProjects)
}
