// Package node runs the libp2p host and GossipSub router that bus instances
// exchange layer snapshots and messages over.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"

	"github.com/vmsbus/vms-server/internal/config"
)

var log = logging.Logger("vms-node")

const userAgent = "vmsd"

// Node is one bus instance on the network: a libp2p host with a stable
// identity and the GossipSub router the bridge joins topics on.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config *config.Config
	finder mdns.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates a node from cfg. The host listens immediately; call Start to
// reach other bus instances.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	key, err := loadIdentity(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	opts, err := hostOptions(cfg.Network, key)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	// Publish to every topic peer, not only the mesh.
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithFloodPublish(true))
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	log.Infof("Bus instance %s up on %v", h.ID(), h.Addrs())
	return &Node{
		host:   h,
		pubsub: ps,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func hostOptions(cfg config.NetworkConfig, key crypto.PrivKey) ([]libp2p.Option, error) {
	listen := make([]multiaddr.Multiaddr, 0, len(cfg.Listen))
	for _, s := range cfg.Listen {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", s, err)
		}
		listen = append(listen, ma)
	}

	cm, err := connmgr.NewConnManager(cfg.MaxConns/2, cfg.MaxConns, connmgr.WithGracePeriod(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	return []libp2p.Option{
		libp2p.Identity(key),
		libp2p.UserAgent(userAgent),
		libp2p.ListenAddrs(listen...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(cm),
	}, nil
}

// Start dials the bootstrap peers in the background and, when enabled,
// announces the instance on the local link. Unreachable peers are logged.
func (n *Node) Start(ctx context.Context) error {
	for _, pi := range bootstrapPeers(n.config.Network.Bootstrap) {
		n.wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer n.wg.Done()
			if err := n.host.Connect(ctx, pi); err != nil {
				log.Warnf("Bootstrap bus instance %s unreachable: %v", pi.ID, err)
				return
			}
			log.Infof("Joined bootstrap bus instance %s", pi.ID)
		}(pi)
	}

	if !n.config.Network.EnableMDNS {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finder != nil {
		return nil
	}
	svc := mdns.NewMdnsService(n.host, DiscoveryService, &busFinder{ctx: n.ctx, host: n.host})
	if err := svc.Start(); err != nil {
		log.Warnf("Local link discovery unavailable: %v", err)
		return nil
	}
	n.finder = svc
	log.Infof("Announcing on local link as %s", DiscoveryService)
	return nil
}

// Stop ends discovery, waits for pending dials and closes the host.
func (n *Node) Stop() error {
	n.cancel()

	n.mu.Lock()
	if n.finder != nil {
		n.finder.Close()
		n.finder = nil
	}
	n.mu.Unlock()

	n.wg.Wait()

	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

// PeerID returns the instance's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the instance's listen addresses.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Peers returns the peers currently connected.
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}

func (n *Node) Host() host.Host {
	return n.host
}

func (n *Node) PubSub() *pubsub.PubSub {
	return n.pubsub
}
