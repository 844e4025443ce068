package node

import (
	"encoding/hex"
	"fmt"

	"github.com/topos-tce/tce-node/config"
	"github.com/topos-tce/tce-node/core"
)

// directory is the one concrete type node builds to satisfy both
// gossip.PeerDirectory and rpc.PeerDirectory — each package declares the
// same Endpoint(core.SubnetId) (string, bool) shape independently rather
// than importing a shared type, so one directory value (constructed
// twice, once per address field) answers both without either package
// knowing about the other.
type directory struct {
	endpoints map[core.SubnetId]string
}

func (d *directory) Endpoint(peer core.SubnetId) (string, bool) {
	addr, ok := d.endpoints[peer]
	return addr, ok
}

// newDirectory builds a directory from the statically configured peer
// list, picking one address field per peer via pick (GossipAddr for
// gossip's directory, RPCAddr for the synchronizer client's).
func newDirectory(peers []config.PeerConfig, pick func(config.PeerConfig) string) (*directory, error) {
	endpoints := make(map[core.SubnetId]string, len(peers))
	for _, p := range peers {
		id, err := parseSubnetID(p.SubnetIDHex)
		if err != nil {
			return nil, fmt.Errorf("node: peer %q: %w", p.SubnetIDHex, err)
		}
		endpoints[id] = pick(p)
	}
	return &directory{endpoints: endpoints}, nil
}

func parseSubnetID(hexStr string) (core.SubnetId, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return core.SubnetId{}, fmt.Errorf("decoding subnet id: %w", err)
	}
	if len(raw) != core.SubnetIdSize {
		return core.SubnetId{}, fmt.Errorf("subnet id must be %d bytes, got %d", core.SubnetIdSize, len(raw))
	}
	var id core.SubnetId
	copy(id[:], raw)
	return id, nil
}
