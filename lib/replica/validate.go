package replica

import (
	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
)

// VerifyLeader returns nil if raft reports this node as leader. Otherwise it
// returns NotLeader with the known leader, or NoLeader.
func (r *Replica) VerifyLeader() error {
	g := r.currentGroup()
	if g == nil {
		return rangeerr.NoLeader(r.id)
	}
	leader, _ := g.LeaderTerm()
	if leader == r.cfg.NodeID {
		return nil
	}
	return r.notLeader(leader)
}

func (r *Replica) notLeader(leader uint64) error {
	if leader == 0 {
		return rangeerr.NoLeader(r.id)
	}
	m := r.Meta()
	peer, ok := m.FindPeerByNodeID(leader)
	if !ok {
		return rangeerr.NoLeader(r.id)
	}
	return rangeerr.NotLeader(r.id, m.Epoch, peer)
}

// KeyInRange checks key against [start, end) of the range
func (r *Replica) KeyInRange(key []byte) bool {
	return r.Meta().ContainsKey(key)
}

func (r *Replica) CheckKeyInRange(key []byte) error {
	m := r.Meta()
	if !m.ContainsKey(key) {
		return rangeerr.KeyNotInRange(r.id, key, m.StartKey, m.EndKey)
	}
	return nil
}

// EpochIsEqual compares the version only. A changed conf version does not
// move keys, so requests built against it stay valid.
func (r *Replica) EpochIsEqual(epoch meta.Epoch) bool {
	return epoch.Version == r.Meta().Epoch.Version
}

// CheckEpoch returns StaleEpoch with the current metadata, and the metadata
// of the range split off this one if it is known here
func (r *Replica) CheckEpoch(epoch meta.Epoch) error {
	if r.EpochIsEqual(epoch) {
		return nil
	}
	var sibling *meta.Range
	if id := r.splitRangeID.Load(); id > 0 && r.resolver != nil {
		if s, ok := r.resolver.Range(id); ok {
			sibling = s
		}
	}
	return rangeerr.StaleEpoch(epoch.Version, r.Meta(), sibling)
}

// checkRequest runs the checks every client request passes on the leader
func (r *Replica) checkRequest(epoch meta.Epoch, keys [][]byte) error {
	if !r.valid.Load() {
		return rangeerr.Invalid(r.id)
	}
	if err := r.VerifyLeader(); err != nil {
		return err
	}
	if err := r.CheckEpoch(epoch); err != nil {
		return err
	}
	for _, k := range keys {
		if err := r.CheckKeyInRange(k); err != nil {
			return err
		}
	}
	return nil
}
