package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// DiscoveryService is the mDNS service name bus instances advertise on the
// local link. Only instances sharing it find each other.
const DiscoveryService = "vms-bus"

// bootstrapPeers parses the configured bootstrap addresses. Addresses of the
// same peer are merged; addresses without a /p2p component are skipped.
func bootstrapPeers(addrs []string) []peer.AddrInfo {
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			log.Warnf("Skipping bootstrap address %s: %v", s, err)
			continue
		}
		if _, err := peer.AddrInfoFromP2pAddr(ma); err != nil {
			log.Warnf("Skipping bootstrap address %s without peer ID", s)
			continue
		}
		maddrs = append(maddrs, ma)
	}

	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		log.Warnf("Failed to group bootstrap addresses: %v", err)
		return nil
	}
	return infos
}

// busFinder dials bus instances announced on the local link.
type busFinder struct {
	ctx  context.Context
	host host.Host
}

func (f *busFinder) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == f.host.ID() {
		return
	}
	if f.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}

	if err := f.host.Connect(f.ctx, pi); err != nil {
		log.Debugf("Bus instance %s found on local link but unreachable: %v", pi.ID, err)
		return
	}
	log.Infof("Joined bus instance %s on local link", pi.ID)
}
