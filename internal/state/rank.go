package state

import "slices"

// RankHosts sorts hosts in place by relevance to the process me:
//  1. while hosting, me's own host comes first;
//  2. a host listing me as an active peer comes before one that does not;
//  3. among hosts listing me, the one that added me earlier comes first;
//
// otherwise the input order is kept.
func RankHosts(hosts []HostInfo, me string, amHosting bool) {
	slices.SortStableFunc(hosts, func(a, b HostInfo) int {
		return compareHosts(a, b, me, amHosting)
	})
}

func compareHosts(a, b HostInfo, me string, amHosting bool) int {
	if amHosting {
		aMine, bMine := a.ServerID == me, b.ServerID == me
		if aMine && !bMine {
			return -1
		}
		if bMine && !aMine {
			return 1
		}
	}

	// A process hosting itself may also be listed in its own peers; both
	// branches stay reachable.
	ap, aPeer := a.Peers[me]
	bp, bPeer := b.Peers[me]
	switch {
	case aPeer && !bPeer:
		return -1
	case bPeer && !aPeer:
		return 1
	case aPeer && bPeer:
		return ap.HostPeersAt.Compare(bp.HostPeersAt)
	}
	return 0
}
