package state

import "time"

// expiredLocked reports whether a heartbeat at lastSeen is older than the
// expiration window.
func (s *State) expiredLocked(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) > s.expireAfter
}

// peerStaleLocked reports whether a peer is expired or acknowledged a host
// version older than the latest refresh.
func (s *State) peerStaleLocked(p *PeerInfo, now time.Time) bool {
	if s.expiredLocked(p.LastSeenAt, now) {
		return true
	}
	return p.HostUpdatedAt.Before(s.hostRefreshedAt)
}

// Prune removes stale peers of this host, then removes hosts that are either
// this process's own host after hosting was disabled, or another process's
// host whose heartbeat expired. It returns the number of entries removed.
func (s *State) Prune() (peersRemoved, hostsRemoved int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, p := range s.myHostPeers {
		if s.peerStaleLocked(p, now) {
			delete(s.myHostPeers, id)
			peersRemoved++
		}
	}

	hosting := s.settings.AmHosting()
	for id, h := range s.hosts {
		mine := id == s.me.ServerID
		if (mine && !hosting) || (!mine && s.expiredLocked(h.LastSeenAt, now)) {
			delete(s.hosts, id)
			hostsRemoved++
		}
	}

	if peersRemoved > 0 || hostsRemoved > 0 {
		s.version++
	}
	return peersRemoved, hostsRemoved
}

// ExpireAfter returns the heartbeat age beyond which entries are stale.
func (s *State) ExpireAfter() time.Duration { return s.expireAfter }
