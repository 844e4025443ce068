package sampling

import (
	"math/rand/v2"

	"github.com/topos-tce/tce-node/core"
)

// PeerSource supplies random peers to callers that need them without
// keeping their own peer bookkeeping. Grounded on SPEC_FULL.md
// supplemental feature 4 (the original's gatekeeper dependency of
// CheckpointSynchronizer): sync.Synchronizer depends on this interface
// instead of importing sampling's concrete Oracle type.
type PeerSource interface {
	RandomPeers(n int) ([]core.SubnetId, error)
}

// ViewPeerSource implements PeerSource by drawing from the Oracle's
// current stable view, pooling every set so the Synchronizer can reach
// any peer this node already has a live subscription relationship with.
type ViewPeerSource struct {
	oracle *Oracle
}

// NewViewPeerSource wraps oracle as a PeerSource.
func NewViewPeerSource(oracle *Oracle) *ViewPeerSource {
	return &ViewPeerSource{oracle: oracle}
}

func (s *ViewPeerSource) RandomPeers(n int) ([]core.SubnetId, error) {
	view := s.oracle.CurrentView()

	seen := make(map[core.SubnetId]struct{})
	var pool []core.SubnetId
	for _, kind := range allSetKinds {
		for _, peer := range view.Members(kind) {
			if _, ok := seen[peer]; !ok {
				seen[peer] = struct{}{}
				pool = append(pool, peer)
			}
		}
	}

	if n >= len(pool) {
		return pool, nil
	}

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n], nil
}

var _ PeerSource = (*ViewPeerSource)(nil)
