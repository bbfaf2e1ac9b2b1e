// internal/state/models.go
package state

import (
	"maps"
	"slices"
	"time"
)

// DiskUsage is a free-space snapshot of a storage root.
type DiskUsage struct {
	DiskPath string `json:"diskPath"`
	Free     uint64 `json:"free"`
	Size     uint64 `json:"size"`
}

// HostInfo describes a process that serves a LAN storage folder.
type HostInfo struct {
	ServerID     string              `json:"serverId"`
	Protocol     string              `json:"protocol"`
	IP           string              `json:"ip"`
	Port         int                 `json:"port"`
	ComputerName string              `json:"computerName"`
	User         string              `json:"user"`
	StartedAt    time.Time           `json:"startedAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	LastSeenAt   time.Time           `json:"lastSeenAt"`
	DiscoveredAt time.Time           `json:"discoveredAt"`
	Projects     []string            `json:"projects"`
	DiskUsage    *DiskUsage          `json:"diskUsage,omitempty"`
	PeerCount    int                 `json:"peerCount"`
	ClientCount  int                 `json:"clientCount"`
	Peers        map[string]PeerInfo `json:"peers,omitempty"`
}

// PeerInfo describes a process that answered this host's broadcast.
type PeerInfo struct {
	ServerID      string    `json:"serverId"`
	Protocol      string    `json:"protocol"`
	IP            string    `json:"ip"`
	Port          int       `json:"port"`
	ComputerName  string    `json:"computerName"`
	User          string    `json:"user"`
	StartedAt     time.Time `json:"startedAt"`
	HostUpdatedAt time.Time `json:"hostUpdatedAt"`
	HostPeersAt   time.Time `json:"hostPeersAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	IsClient      bool      `json:"isClient"`
}

// Identity is the part of a process's identity carried in every datagram.
type Identity struct {
	ServerID     string    `json:"serverId"`
	StartedAt    time.Time `json:"startedAt"`
	ComputerName string    `json:"computerName"`
	User         string    `json:"user"`
}

// Settings are the locally configured knobs that decide hosting and proxying.
type Settings struct {
	AllowHosting     bool   `json:"allowHosting"`
	MyLanStoragePath string `json:"myLanStoragePath"`
	ProxyURL         string `json:"proxyUrl"`
	ProxyServerID    string `json:"proxyServerId"`
}

// AmHosting reports whether these settings make the process a host.
func (s Settings) AmHosting() bool {
	return s.AllowHosting && s.MyLanStoragePath != ""
}

func (h HostInfo) clone() HostInfo {
	h.Projects = slices.Clone(h.Projects)
	h.Peers = maps.Clone(h.Peers)
	if h.DiskUsage != nil {
		du := *h.DiskUsage
		h.DiskUsage = &du
	}
	return h
}

// normalizeProjects turns a project list into a sorted set.
func normalizeProjects(projects []string) []string {
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		if p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
