package state

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testState(t *testing.T) (*State, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := New(Config{
		ServerID:          "me",
		ComputerName:      "laptop",
		User:              "ann@example.com",
		BroadcastInterval: 10 * time.Second,
		Now:               clock.Now,
	})
	return s, clock
}

func TestAmHostingRequiresPath(t *testing.T) {
	s, _ := testState(t)
	tests := []struct {
		allow bool
		path  string
		want  bool
	}{
		{false, "", false},
		{true, "", false},
		{false, "/srv/share", false},
		{true, "/srv/share", true},
	}
	for _, tt := range tests {
		s.SetHosting(tt.allow, tt.path)
		if got := s.AmHosting(); got != tt.want {
			t.Errorf("SetHosting(%v, %q): AmHosting = %v, want %v", tt.allow, tt.path, got, tt.want)
		}
	}
}

func TestNew_GeneratesServerID(t *testing.T) {
	a := New(Config{BroadcastInterval: time.Second})
	b := New(Config{BroadcastInterval: time.Second})
	if a.MyServerID() == "" || a.MyServerID() == b.MyServerID() {
		t.Fatalf("expected distinct generated ids, got %q and %q", a.MyServerID(), b.MyServerID())
	}
}

func TestIsSelf(t *testing.T) {
	s, clock := testState(t)
	id := s.Identity()
	if !s.IsSelf("laptop", id.StartedAt) {
		t.Fatal("expected own identity to match")
	}
	if s.IsSelf("laptop", clock.Now().Add(time.Second)) {
		t.Fatal("different start time must not match")
	}
	if s.IsSelf("desktop", id.StartedAt) {
		t.Fatal("different computer must not match")
	}
}

func TestUpsertHost_PreservesDiscoveredAt(t *testing.T) {
	s, clock := testState(t)
	first := s.UpsertHost(HostInfo{ServerID: "h1", Projects: []string{"P2", "P1", "P1"}})
	if len(first.Projects) != 2 || first.Projects[0] != "P1" {
		t.Fatalf("projects not normalized: %v", first.Projects)
	}

	clock.Advance(3 * time.Second)
	second := s.UpsertHost(HostInfo{ServerID: "h1", Projects: []string{"P3"}})
	if !second.DiscoveredAt.Equal(first.DiscoveredAt) {
		t.Fatalf("DiscoveredAt changed: %v -> %v", first.DiscoveredAt, second.DiscoveredAt)
	}
	if !second.LastSeenAt.Equal(clock.Now()) {
		t.Fatalf("LastSeenAt = %v, want %v", second.LastSeenAt, clock.Now())
	}
	if got, _ := s.Host("h1"); len(got.Projects) != 1 || got.Projects[0] != "P3" {
		t.Fatalf("projects = %v, want [P3]", got.Projects)
	}
}

func TestUpsertPeer_PreservesHostPeersAt(t *testing.T) {
	s, clock := testState(t)
	first := s.UpsertPeer(PeerInfo{ServerID: "p1"})
	clock.Advance(2 * time.Second)
	second := s.UpsertPeer(PeerInfo{ServerID: "p1", IsClient: true})
	if !second.HostPeersAt.Equal(first.HostPeersAt) {
		t.Fatal("HostPeersAt should be preserved")
	}
	if len(s.Peers()) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(s.Peers()))
	}
}

func TestPrune_ExpiresStaleHostsAndPeers(t *testing.T) {
	s, clock := testState(t)
	s.UpsertHost(HostInfo{ServerID: "old"})
	s.UpsertPeer(PeerInfo{ServerID: "old-peer"})

	clock.Advance(20 * time.Second)
	s.UpsertHost(HostInfo{ServerID: "fresh"})
	s.UpsertPeer(PeerInfo{ServerID: "fresh-peer"})

	// 26s after "old" was seen: beyond 2.5 x 10s.
	clock.Advance(6 * time.Second)
	peers, hosts := s.Prune()
	if peers != 1 || hosts != 1 {
		t.Fatalf("Prune removed %d peers / %d hosts, want 1/1", peers, hosts)
	}
	if _, ok := s.Host("old"); ok {
		t.Fatal("stale host survived prune")
	}
	if _, ok := s.Host("fresh"); !ok {
		t.Fatal("fresh host was pruned")
	}
	if ps := s.Peers(); len(ps) != 1 || ps[0].ServerID != "fresh-peer" {
		t.Fatalf("peers after prune = %+v", ps)
	}
}

func TestPrune_WithinWindowSurvives(t *testing.T) {
	s, clock := testState(t)
	s.UpsertHost(HostInfo{ServerID: "h"})
	clock.Advance(25 * time.Second) // exactly 2.5 x interval is not stale
	s.Prune()
	if _, ok := s.Host("h"); !ok {
		t.Fatal("host at the window edge should survive")
	}
}

func TestPrune_OwnHostRemovedWhenHostingDisabled(t *testing.T) {
	s, clock := testState(t)
	s.SetHosting(true, "/srv/share")
	s.UpsertHost(HostInfo{ServerID: "me"})

	clock.Advance(time.Minute)
	s.Prune()
	if _, ok := s.Host("me"); !ok {
		t.Fatal("own host must not expire while hosting")
	}

	s.SetHosting(false, "/srv/share")
	s.Prune()
	if _, ok := s.Host("me"); ok {
		t.Fatal("own host should be removed once hosting is disabled")
	}
}

func TestPrune_ObsoletePeers(t *testing.T) {
	s, clock := testState(t)
	v1 := s.RecordHostContent("a", []string{"P1"}, clock.Now())
	s.UpsertPeer(PeerInfo{ServerID: "p1", HostUpdatedAt: v1})

	clock.Advance(time.Second)
	// Same content keeps the version, peer stays.
	if v := s.RecordHostContent("a", []string{"P1"}, clock.Now()); !v.Equal(v1) {
		t.Fatalf("version moved without content change")
	}
	s.Prune()
	if len(s.Peers()) != 1 {
		t.Fatal("peer acknowledging the current version was pruned")
	}

	clock.Advance(time.Second)
	v2 := s.RecordHostContent("b", []string{"P1", "P2"}, clock.Now())
	if !v2.After(v1) {
		t.Fatal("content change should advance the version")
	}
	if got := len(s.ActivePeers()); got != 0 {
		t.Fatalf("ActivePeers = %d, want 0 after refresh", got)
	}
	s.Prune()
	if len(s.Peers()) != 0 {
		t.Fatal("obsolete peer survived prune")
	}
}

func TestPeerCounts(t *testing.T) {
	s, _ := testState(t)
	s.UpsertPeer(PeerInfo{ServerID: "a"})
	s.UpsertPeer(PeerInfo{ServerID: "b", IsClient: true})
	s.UpsertPeer(PeerInfo{ServerID: "c", IsClient: true})
	peers, clients := s.PeerCounts()
	if peers != 1 || clients != 2 {
		t.Fatalf("PeerCounts = %d/%d, want 1/2", peers, clients)
	}
}

func TestVersionAdvances(t *testing.T) {
	s, _ := testState(t)
	v := s.Version()
	s.SetProxy("http://10.0.0.2:45177", "h1")
	if s.Version() <= v {
		t.Fatal("version should advance on mutation")
	}
	if got := s.Settings().ProxyServerID; got != "h1" {
		t.Fatalf("ProxyServerID = %q", got)
	}
}
