package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"lumerelay/internal/broadcast"
	"lumerelay/internal/cache"
	"lumerelay/internal/config"
	"lumerelay/internal/conn"
	"lumerelay/internal/dispatch"
	"lumerelay/internal/metrics"
	"lumerelay/internal/plugin"
	"lumerelay/internal/registry"
	"lumerelay/internal/signer"
	"lumerelay/internal/swarm"
	"lumerelay/internal/ws"
)

// Server wires the relay together and owns its lifecycle
type Server struct {
	cfg         *config.Config
	signer      *signer.Signer
	registry    *registry.Registry
	metrics     *metrics.Metrics
	cache       *cache.ResponseCache
	dispatcher  *dispatch.Dispatcher
	swarm       *swarm.Swarm
	broadcaster *broadcast.Broadcaster
	plugins     *plugin.Manager
	signals     *plugin.Signals
	gateway     *http.Server
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds every component from cfg. Nothing listens until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	priv, err := signer.KeyFromMnemonic(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive relay key: %w", err)
	}
	sgn, err := signer.New(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	listenAddrs, err := cfg.GetListenMultiaddrs()
	if err != nil {
		return nil, err
	}
	bootstrap, err := cfg.GetBootstrapMultiaddrs()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New()
	m := metrics.New()

	responses := cache.NewResponseCache(cache.Options{
		Size: cfg.Cache.Size,
		TTL:  cfg.Cache.GetTTLDuration(),
	}, sgn, logger)
	m.RegisterCacheSize(responses.Len)

	logger.Info().
		Int("size", cfg.Cache.Size).
		Int("ttl", cfg.Cache.TTL).
		Msg("response cache ready")

	dispatcher := dispatch.New(reg, responses, sgn, m, logger)

	sw, err := swarm.New(ctx, swarm.Options{
		PrivKey:          priv,
		ListenAddrs:      listenAddrs,
		BootstrapPeers:   bootstrap,
		Topic:            cfg.Topic,
		PresenceInterval: cfg.GetPresenceIntervalDuration(),
		DisableDHT:       cfg.DisableDHT,
	}, m, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create swarm: %w", err)
	}

	responses.SetAnnouncer(sw.Presence())
	responses.SetPeers(sw)

	broadcaster := broadcast.New(sw.RelayID(), dispatcher, sw, cfg.GetBroadcastTimeoutDuration(), m, logger)

	signals := plugin.NewSignals()
	plugins := plugin.NewManager(reg, dispatcher, signals, plugin.Options{
		Identity: sgn.PublicKeyHex(),
		Timeout:  cfg.GetPluginTimeoutDuration(),
		Config:   cfg.GetPluginSections(),
	}, logger)

	return &Server{
		cfg:         cfg,
		signer:      sgn,
		registry:    reg,
		metrics:     m,
		cache:       responses,
		dispatcher:  dispatcher,
		swarm:       sw,
		broadcaster: broadcaster,
		plugins:     plugins,
		signals:     signals,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// RelayID returns this relay's public identity
func (s *Server) RelayID() string {
	return s.swarm.RelayID()
}

// Start loads plugins, then opens the relay to peers and the gateway
func (s *Server) Start() error {
	dir := ""
	if s.cfg.IsPluginsEnabled() {
		dir = s.cfg.GetPluginDirectory()
	}

	builtins := []plugin.Plugin{
		plugin.Core(),
		plugin.RPC(s.cache, s.broadcaster, s.swarm),
	}
	if err := s.plugins.LoadAll(builtins, dir); err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}

	s.logger.Info().
		Strs("plugins", s.plugins.Loaded()).
		Strs("methods", s.registry.ListMethods()).
		Msg("plugins loaded")

	handler := conn.NewHandler(s.dispatcher, s.cfg.GetStreamChunkDelayDuration(), s.logger)
	s.swarm.Serve(s.ctx, handler)

	if err := s.swarm.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start swarm: %w", err)
	}

	info := s.swarm.AddrInfo()
	s.logger.Info().
		Str("relay", s.RelayID()).
		Str("peerId", info.ID.String()).
		Interface("addrs", info.Addrs).
		Msg("relay online")

	if s.cfg.IsGatewayEnabled() {
		s.startGateway(handler)
	}

	return nil
}

func (s *Server) startGateway(handler *conn.Handler) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)

	s.gateway = &http.Server{
		Addr:        addr,
		Handler:     ws.NewHandler(handler, s.metrics, s.logger),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", addr).
			Msg("starting WebSocket gateway")
		if err := s.gateway.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("WebSocket gateway error")
		}
	}()
}

// Stop gracefully stops the relay
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down relay...")

	s.signals.Shutdown.Fire()

	var errs []error
	if s.gateway != nil {
		errs = append(errs, s.gateway.Shutdown(ctx))
	}

	s.plugins.Close()
	s.cancel()

	errs = append(errs, s.swarm.Close())
	s.cache.Close()

	s.logger.Info().Msg("relay stopped")
	return errors.Join(errs...)
}
