// Package swarm joins the relay overlay: a libp2p host that finds other
// relays through a DHT rendezvous, gossips cache presence, and carries
// RPC streams between relays.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"lumerelay/internal/conn"
	"lumerelay/internal/metrics"
	"lumerelay/internal/signer"
)

// ProtocolID selects the relay RPC protocol on a libp2p stream
const ProtocolID = protocol.ID("/lumeweb/relay/rpc/1.0.0")

// DefaultTopic is the rendezvous namespace relays meet under
const DefaultTopic = "lumeweb"

const (
	discoveryInterval = time.Minute
	connectTimeout    = 10 * time.Second
)

// StreamServer serves one RPC exchange on a framed connection
type StreamServer interface {
	Serve(ctx context.Context, f conn.Framer) error
}

// Options configures a Swarm
type Options struct {
	PrivKey          crypto.PrivKey
	ListenAddrs      []ma.Multiaddr
	BootstrapPeers   []ma.Multiaddr
	Topic            string
	PresenceInterval time.Duration
	// DisableDHT skips the DHT, leaving only directly connected peers
	DisableDHT bool
	Breaker    BreakerOptions
}

// Swarm is this relay's membership in the overlay
type Swarm struct {
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *drouting.RoutingDiscovery
	pubsub    *pubsub.PubSub
	topic     *pubsub.Topic
	presence  *Presence
	breakers  *breakers
	bootstrap []peer.AddrInfo
	namespace string
	self      string
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the libp2p host and joins the presence topic. Nothing is
// announced until Start.
func New(ctx context.Context, opts Options, m *metrics.Metrics, logger zerolog.Logger) (*Swarm, error) {
	if opts.PrivKey == nil {
		return nil, errors.New("identity key is required")
	}
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}

	self, err := signer.PublicKeyHex(opts.PrivKey.GetPublic())
	if err != nil {
		return nil, err
	}

	bootstrap, err := peer.AddrInfosFromP2pAddrs(opts.BootstrapPeers...)
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap peer: %w", err)
	}

	hostOpts := []libp2p.Option{libp2p.Identity(opts.PrivKey)}
	if len(opts.ListenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrs(opts.ListenAddrs...))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	s := &Swarm{
		host:      h,
		breakers:  newBreakers(opts.Breaker),
		bootstrap: bootstrap,
		namespace: opts.Topic,
		self:      self,
		metrics:   m,
		logger:    logger.With().Str("component", "swarm").Logger(),
	}

	var psOpts []pubsub.Option
	if !opts.DisableDHT {
		s.dht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer), dht.BootstrapPeers(bootstrap...))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to create dht: %w", err)
		}
		s.discovery = drouting.NewRoutingDiscovery(s.dht)
		psOpts = append(psOpts, pubsub.WithDiscovery(s.discovery))
	}

	s.pubsub, err = pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		s.closeHost()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	s.topic, err = s.pubsub.Join(opts.Topic + ".rpccache")
	if err != nil {
		s.closeHost()
		return nil, fmt.Errorf("failed to join presence topic: %w", err)
	}

	s.presence = NewPresence(s.topic, h.ID(), opts.PresenceInterval, logger)

	s.logger.Info().
		Str("relay", self).
		Str("peer", h.ID().String()).
		Interface("addrs", h.Addrs()).
		Msg("swarm host created")

	return s, nil
}

// Start connects to bootstrap peers, advertises the rendezvous and begins
// gossiping presence.
func (s *Swarm) Start(ctx context.Context) error {
	sub, err := s.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to presence topic: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	for _, info := range s.bootstrap {
		if err := s.Connect(ctx, info); err != nil {
			s.logger.Warn().Err(err).Str("peer", info.ID.String()).Msg("failed to reach bootstrap peer")
		}
	}

	if s.dht != nil {
		if err := s.dht.Bootstrap(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("dht bootstrap failed")
		}
		dutil.Advertise(ctx, s.discovery, s.namespace)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.discoverLoop(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.presence.Run(ctx, sub)
	}()

	s.logger.Info().Str("topic", s.namespace).Msg("swarm started")
	return nil
}

func (s *Swarm) discoverLoop(ctx context.Context) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		s.findPeers(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Swarm) findPeers(ctx context.Context) {
	peers, err := s.discovery.FindPeers(ctx, s.namespace)
	if err != nil {
		s.logger.Debug().Err(err).Msg("peer discovery failed")
		return
	}

	found := 0
	for info := range peers {
		if info.ID == s.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		if s.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		if err := s.Connect(ctx, info); err != nil {
			s.logger.Debug().Err(err).Str("peer", info.ID.String()).Msg("failed to connect to discovered peer")
			continue
		}
		found++
	}

	if found > 0 {
		s.logger.Debug().Int("connected", found).Msg("discovered relays")
	}
}

// Connect dials a peer
func (s *Swarm) Connect(ctx context.Context, info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return s.host.Connect(ctx, info)
}

// AddrInfo returns how other relays can reach this one
func (s *Swarm) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: s.host.ID(), Addrs: s.host.Addrs()}
}

// RelayID returns this relay's id
func (s *Swarm) RelayID() string {
	return s.self
}

// Presence returns the cache presence directory
func (s *Swarm) Presence() *Presence {
	return s.presence
}

// Serve routes incoming RPC streams to server. Streams that do not open
// with the handshake are reset.
func (s *Swarm) Serve(ctx context.Context, server StreamServer) {
	s.host.SetStreamHandler(ProtocolID, func(stream network.Stream) {
		s.metrics.ConnectionOpened("libp2p")
		defer s.metrics.ConnectionClosed("libp2p")

		err := server.Serve(ctx, conn.NewStreamFramer(stream))
		if conn.IsNotRPC(err) {
			s.logger.Debug().Str("peer", stream.Conn().RemotePeer().String()).Msg("stream skipped handshake")
			stream.Reset()
		}
	})
}

// OnlinePeers lists relays seen on the presence topic, excluding this one
func (s *Swarm) OnlinePeers() []string {
	return slices.DeleteFunc(s.presence.Online(), func(relay string) bool {
		return relay == s.self
	})
}

// DirectPeers lists online relays this host is directly meshed with on the
// presence topic
func (s *Swarm) DirectPeers() []string {
	online := s.OnlinePeers()

	direct := make([]string, 0, len(online))
	for _, id := range s.topic.ListPeers() {
		relay, err := RelayFromPeerID(id)
		if err != nil {
			continue
		}
		if slices.Contains(online, relay) {
			direct = append(direct, relay)
		}
	}
	slices.Sort(direct)
	return direct
}

// Close stops gossip and discovery and shuts the host down
func (s *Swarm) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.host.RemoveStreamHandler(ProtocolID)

	var errs []error
	if err := s.topic.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close presence topic: %w", err))
	}
	errs = append(errs, s.closeHost())
	return errors.Join(errs...)
}

func (s *Swarm) closeHost() error {
	var errs []error
	if s.dht != nil {
		errs = append(errs, s.dht.Close())
	}
	errs = append(errs, s.host.Close())
	s.logger.Info().Msg("swarm closed")
	return errors.Join(errs...)
}
