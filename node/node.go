// Package node wires C1 through C6 plus the externally facing RPC,
// metrics and tracing surfaces into one running process, the way
// AKJUS-boulder's cmd/boulder-ca wires a CertificateAuthorityImpl out of
// its own constituent packages: one Config in, one long-running Run
// loop out, with an explicit shutdown sequence instead of a bare
// context cancellation.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmhodges/clock"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/broadcast"
	"github.com/topos-tce/tce-node/config"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/gossip"
	"github.com/topos-tce/tce-node/metrics"
	"github.com/topos-tce/tce-node/ratelimit"
	"github.com/topos-tce/tce-node/rpc"
	"github.com/topos-tce/tce-node/sampling"
	"github.com/topos-tce/tce-node/storage"
	"github.com/topos-tce/tce-node/stream"
	"github.com/topos-tce/tce-node/sync"
	"github.com/topos-tce/tce-node/tracing"
)

// ShutdownTimeout bounds how long Run waits for the ordered shutdown
// sequence before forcing every server closed, per spec.md §5's "A
// bounded shutdown timeout (default 30s) forces abort."
const ShutdownTimeout = 30 * time.Second

// Node is one running TCE process: every component named in spec.md §5,
// wired together, plus the HTTP listeners that expose it.
type Node struct {
	cfg *config.Config
	log blog.Logger

	myID core.SubnetId

	store   storage.Store
	oracle  *sampling.Oracle
	engine  *broadcast.Engine
	adapter *gossip.Adapter
	syncer  *sync.Synchronizer
	streams *stream.Server
	api     *rpc.APIService

	tracingProvider *tracing.Provider

	gossipServer  *http.Server
	rpcServer     *http.Server
	metricsServer *http.Server
}

// New builds every component from cfg but starts nothing; call Run to
// bring the node up.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	log := blog.New("tce-node", parseLevel(cfg.Log.Level))

	keyBytes, err := hex.DecodeString(cfg.Node.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("node: decoding private key: %w", err)
	}
	priv, err := core.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("node: parsing private key: %w", err)
	}
	myID := core.SubnetIDFromPrivateKey(priv)

	registry := metrics.NewRegistry()

	tracingProvider, err := tracing.NewProvider(ctx, cfg.Tracing.Endpoint, myID.String())
	if err != nil {
		return nil, fmt.Errorf("node: starting tracing: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			return nil, fmt.Errorf("node: instrumenting redis client: %w", err)
		}
	}

	store, err := buildStore(ctx, cfg.Storage, clock.New(), log, registry)
	if err != nil {
		return nil, fmt.Errorf("node: opening storage: %w", err)
	}
	if err := store.Recover(ctx); err != nil {
		return nil, fmt.Errorf("node: recovering storage: %w", err)
	}

	gossipDirectory, err := newDirectory(cfg.Gossip.Peers, func(p config.PeerConfig) string { return p.GossipAddr })
	if err != nil {
		return nil, err
	}
	rpcDirectory, err := newDirectory(cfg.Gossip.Peers, func(p config.PeerConfig) string { return p.RPCAddr })
	if err != nil {
		return nil, err
	}

	params := sampling.Params{
		EchoSampleSize:     cfg.Sampling.EchoSampleSize,
		ReadySampleSize:    cfg.Sampling.ReadySampleSize,
		DeliverySampleSize: cfg.Sampling.DeliverySampleSize,
		EchoThreshold:      cfg.Sampling.EchoThreshold,
		ReadyThreshold:     cfg.Sampling.ReadyThreshold,
		DeliveryThreshold:  cfg.Sampling.DeliveryThreshold,
	}

	peerClient := gossip.NewHTTPPeerClient(cfg.Gossip.RequestTimeout)
	signer := gossip.LocalReadySigner{ValidatorID: myID, Sign: func(payload []byte) ([]byte, error) {
		return core.Sign(priv, payload), nil
	}}
	gossipMetrics := gossip.NewMetrics(registry)
	adapter := gossip.NewAdapter(myID, gossipDirectory, peerClient, signer, log, gossipMetrics, cfg.Gossip.BatchIntervalMs, cfg.Gossip.BatchSize).
		WithHandshakeTimeout(cfg.Gossip.HandshakeTimeout)

	oracle, err := sampling.NewOracle(params, adapter, log, clock.New(), cfg.Sampling.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("node: constructing sampling oracle: %w", err)
	}

	streams := stream.NewServer(store, log, stream.NewMetrics(registry), cfg.Stream.QueueSize)

	engine := broadcast.NewEngine(myID, params, store, &fanoutEmitter{adapter: adapter, streams: streams}, log, broadcast.NewMetrics(registry), clock.New())

	adapter.SetReceivers(oracle, engine)

	syncClient := rpc.NewHTTPSynchronizerClient(rpcDirectory, cfg.Gossip.RequestTimeout)
	syncer := sync.NewSynchronizer(store, sampling.NewViewPeerSource(oracle), syncClient, log, sync.NewMetrics(registry),
		clock.New(), time.Duration(cfg.Sync.IntervalSeconds)*time.Second, cfg.Sync.MaxFetchBatch).
		WithNotifier(streamNotifier{streams: streams})
	if cfg.Sync.DedupCacheEnable && redisClient != nil {
		syncer = syncer.WithFetchCache(sync.NewRedisFetchCache(redisClient, 0))
	}

	var quota ratelimit.Quota
	if cfg.RateLimit.QuotaEnabled && redisClient != nil {
		quota = ratelimit.NewRedisQuota(redisClient, cfg.RateLimit.QuotaLimit, cfg.RateLimit.QuotaWindow)
	}
	limiter := ratelimit.NewSubmissionLimiter(rate.Limit(cfg.RateLimit.PerSubnetRate), cfg.RateLimit.PerSubnetBurst, quota, ratelimit.NewMetrics(registry))

	api := rpc.NewAPIService(store, engine, streams, log, rpc.NewMetrics(registry)).WithLimiter(limiter)
	syncSvc := rpc.NewSynchronizerService(store, log, rpc.NewMetrics(registry))
	console := rpc.NewConsoleService(oracle)
	handler := rpc.NewHandler(log, api, syncSvc, console)

	gossipMux := http.NewServeMux()
	gossip.NewServer(adapter, log).RegisterRoutes(gossipMux)

	return &Node{
		cfg:     cfg,
		log:     log,
		myID:    myID,
		store:   store,
		oracle:  oracle,
		engine:  engine,
		adapter: adapter,
		syncer:  syncer,
		streams: streams,
		api:     api,

		tracingProvider: tracingProvider,

		gossipServer:  &http.Server{Addr: cfg.Gossip.ListenAddr, Handler: gossipMux},
		rpcServer:     &http.Server{Addr: cfg.RPC.ListenAddr, Handler: handler},
		metricsServer: &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: registry.Handler()},
	}, nil
}

func buildStore(ctx context.Context, cfg config.StorageConfig, clk clock.Clock, log blog.Logger, registry *metrics.Registry) (storage.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return storage.NewMemoryStore(clk, log, storage.NewMetrics(registry)), nil
	case "mysql":
		return storage.OpenMySQLStore(ctx, cfg.DSN, clk, log, storage.NewMetrics(registry))
	default:
		return nil, fmt.Errorf("node: unknown storage driver %q", cfg.Driver)
	}
}

// Run brings every listener and background loop up, populates the
// sampling oracle with this node's static peer set, and blocks until ctx
// is canceled, at which point it runs the ordered shutdown sequence of
// spec.md §5.
func (n *Node) Run(ctx context.Context) error {
	peers := make([]core.SubnetId, 0, len(n.cfg.Gossip.Peers))
	for _, p := range n.cfg.Gossip.Peers {
		id, err := parseSubnetID(p.SubnetIDHex)
		if err != nil {
			return err
		}
		if id != n.myID {
			peers = append(peers, id)
		}
	}
	n.oracle.OnVisiblePeersChanged(peers)
	n.engine.RetryExpiredPending(ctx, 0)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)

	g.Go(func() error { return serveUntilCanceled(runCtx, n.gossipServer) })
	g.Go(func() error { return serveUntilCanceled(runCtx, n.rpcServer) })
	g.Go(func() error { return serveUntilCanceled(runCtx, n.metricsServer) })
	g.Go(func() error { n.adapter.Run(runCtx); return nil })
	g.Go(func() error { n.syncer.Run(runCtx); return nil })
	g.Go(func() error { return n.forwardSampleViews(runCtx) })
	g.Go(func() error { return n.retryPendingLoop(runCtx) })
	g.Go(func() error { return n.checkSampleTimeoutsLoop(runCtx) })

	<-ctx.Done()
	n.shutdown()
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// forwardSampleViews feeds every newly stabilized View from the Oracle
// (C2) into the Double-Echo Engine (C3), the wiring the original
// expresses as both components sharing one command channel.
func (n *Node) forwardSampleViews(ctx context.Context) error {
	views := n.oracle.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case view := <-views:
			n.engine.OnSampleView(ctx, view)
		}
	}
}

// retryPendingLoop re-surfaces certificates stuck in the pending queue on
// a fixed cadence, using cfg.Broadcast's interval/ttl when configured and
// falling back to broadcast.DefaultPendingTTL for both otherwise.
func (n *Node) retryPendingLoop(ctx context.Context) error {
	ttl := n.cfg.Broadcast.PendingTTL
	if ttl <= 0 {
		ttl = broadcast.DefaultPendingTTL
	}
	interval := n.cfg.Broadcast.PendingRetryEvery
	if interval <= 0 {
		interval = ttl
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.engine.RetryExpiredPending(ctx, ttl)
		}
	}
}

// checkSampleTimeoutsLoop sweeps the Oracle's pending handshakes on a
// fixed cadence so a peer that silently drops a subscribe request is
// evicted and replaced instead of blocking the view from stabilizing
// forever (spec.md §4.2).
func (n *Node) checkSampleTimeoutsLoop(ctx context.Context) error {
	interval := n.cfg.Sampling.HandshakeTimeoutCheckEvery
	if interval <= 0 {
		interval = n.cfg.Sampling.HandshakeTimeout
	}
	if interval <= 0 {
		interval = sampling.DefaultHandshakeTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.oracle.CheckTimeouts()
		}
	}
}

// shutdown runs spec.md §5's drain order: C6, C4 and C3 are told to stop
// taking on new work here, while C5 and C2 are only stopped by the
// subsequent cancellation of runCtx (by the caller); that cancellation
// and the bounded wait in Run's g.Wait is what actually lets each loop
// exit, with ShutdownTimeout forcing an abort if a
// listener doesn't close in time.
func (n *Node) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// C6: stop accepting new push-stream subscriptions.
	n.api.SetDrainSubscriptions(true)

	// C4: stop ticking. Messages still queued in the adapter are not
	// flushed; they are dropped.
	n.adapter.Stop()

	// C3: stop accepting new broadcasts. In-flight deliveries need no
	// explicit wait: Engine's handlers run synchronously to completion
	// before returning control to their HTTP caller.
	n.api.SetDrainSubmissions(true)

	// C5 (sync) and C2 (sampling) have no state to flush beyond ceasing
	// their own goroutines, which runCtx cancellation in Run already
	// triggers.

	_ = n.gossipServer.Shutdown(shutdownCtx)
	_ = n.rpcServer.Shutdown(shutdownCtx)
	_ = n.metricsServer.Shutdown(shutdownCtx)

	if n.tracingProvider != nil {
		_ = n.tracingProvider.Shutdown(shutdownCtx)
	}

	// C1: close storage last, once every other component has stopped
	// issuing reads or writes.
	if err := n.store.Close(); err != nil {
		n.log.Warningf("node: closing storage: %s", err)
	}
}

func serveUntilCanceled(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func parseLevel(level string) blog.Level {
	switch level {
	case "debug":
		return blog.LevelDebug
	case "warning", "warn":
		return blog.LevelWarning
	case "error":
		return blog.LevelError
	default:
		return blog.LevelInfo
	}
}
