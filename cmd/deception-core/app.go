package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"boundary-deception/internal/bridge"
	"boundary-deception/internal/config"
	"boundary-deception/internal/control"
	"boundary-deception/internal/dedup"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/dispatch"
	"boundary-deception/internal/kafka"
	"boundary-deception/internal/lockmap"
	"boundary-deception/internal/metrics"
	"boundary-deception/internal/middleware"
	"boundary-deception/internal/registry"
	"boundary-deception/internal/response"
	"boundary-deception/internal/sandbox"
	"boundary-deception/internal/security/audit"
	"boundary-deception/internal/security/signing"
	"boundary-deception/internal/security/watchdog"
	"boundary-deception/internal/signal"
	"boundary-deception/internal/storage"
	"boundary-deception/internal/storage/s3"
	"boundary-deception/internal/teardown"
	"boundary-deception/internal/topology"
	"boundary-deception/internal/visibility"
)

// shutdownOperator is recorded as requested_by for assets torn down on exit.
const shutdownOperator = "system:shutdown"

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *registry.Registry
	ledger     *deploy.Ledger
	deployer   *deploy.Engine
	signals    *signal.Engine
	dispatcher *dispatch.Dispatcher
	mapper     *response.Mapper
	teardowns  *teardown.Engine

	producer *kafka.Producer
	consumer *kafka.Consumer
	deduper  *dedup.RedisDeduper
	chClient *storage.ClickHouseClient
	archive  *storage.Archive
	limiter  *middleware.RateLimiter
	audit    *audit.Logger
	watchdog *watchdog.Watchdog

	signalPub ed25519.PublicKey

	visibilityServer *http.Server
	controlServer    *http.Server

	wg sync.WaitGroup
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if cfg.Audit.Enabled {
		trail, err := audit.NewLogger(cfg.Audit, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit trail: %w", err)
		}
		a.audit = trail
	}

	descriptorKey, err := signing.LoadPublicKey(cfg.Registry.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load descriptor verification key: %w", err)
	}
	signalKey, err := loadSignalKey(cfg.Signing)
	if err != nil {
		return nil, err
	}
	signalPub := signalKey.Public().(ed25519.PublicKey)
	a.signalPub = signalPub

	scanner, err := buildScanner(cfg.Topology)
	if err != nil {
		return nil, err
	}
	guard := topology.NewGuard(scanner, cfg.Topology.Timeout)

	a.registry = registry.New(descriptorKey, guard, cfg.Registry.Workers, logger.With("component", "registry"))
	loaded, err := a.registry.Load(ctx, cfg.Registry.Dir)
	if err != nil {
		return nil, err
	}
	a.record(ctx, audit.Event{
		Type:    audit.EventRegistryLoad,
		Message: "descriptor registry loaded",
		Actor:   "system",
		Target:  loaded.Dir,
		Success: true,
		Data: map[string]any{
			"verified":   len(loaded.Verified),
			"rejections": len(loaded.Rejections),
		},
	})

	if cfg.Storage.Enabled {
		if err := a.initStorage(ctx, loaded.Rejections); err != nil {
			return nil, err
		}
	}

	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		if err := a.initKafka(ctx); err != nil {
			return nil, err
		}
	}

	// Correlation bridge and response mapper, fed by the dispatcher.
	var (
		publisher bridge.Publisher = bridge.NewLogPublisher(logger)
		trigger   response.Trigger = response.NewLogTrigger(logger)
	)
	if a.producer != nil {
		publisher = bridge.NewKafkaPublisher(a.producer, cfg.Kafka.SignalTopic)
		trigger = response.NewKafkaTrigger(a.producer, cfg.Kafka.TriggerTopic)
	}
	fwd := bridge.New(publisher, signalPub, cfg.Bridge.PublishTimeout, logger.With("component", "bridge"))

	table, err := loadMappings(cfg.Response, logger)
	if err != nil {
		return nil, err
	}
	a.mapper = response.NewMapper(table, trigger, signalPub,
		response.WithLogger(logger.With("component", "response")),
		response.WithTriggerTimeout(cfg.Response.TriggerTimeout),
		response.WithJournalCapacity(cfg.Response.JournalCapacity),
	)
	a.dispatcher = dispatch.New(cfg.Dispatch, logger.With("component", "dispatch"), fwd, a.mapper)

	// Signal engine.
	locks := lockmap.New()
	a.ledger = deploy.NewLedger()
	signalOpts := []signal.Option{
		signal.WithSink(a.dispatcher),
		signal.WithLogger(logger.With("component", "signal")),
	}
	if cfg.Redis.Enabled {
		client, err := dedup.NewGoRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.deduper = dedup.NewRedisDeduper(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL)
		signalOpts = append(signalOpts, signal.WithDeduper(a.deduper))
	} else {
		signalOpts = append(signalOpts, signal.WithDeduper(signal.NewMemoryDeduper(cfg.Signal.DedupTTL)))
	}
	if a.archive != nil {
		signalOpts = append(signalOpts, signal.WithArchiver(a.archive))
		a.ledger.Observe(a.archive.ObserveRecord)
	}
	if a.audit != nil {
		a.ledger.Observe(a.recordSafeHalt)
	}
	a.signals = signal.NewEngine(a.registry, a.ledger, locks, signalKey, signal.NewStore(cfg.Signal.StorePerAsset), signalOpts...)

	// Deployment and teardown share the lock arena with the signal engine.
	factory := sandbox.NewFactory(cfg.Sandbox, a.signals, logger.With("component", "sandbox"))
	a.deployer = deploy.NewEngine(a.ledger, locks, guard, factory,
		deploy.WithSafeHaltScope(cfg.Deploy.SafeHaltScope),
		deploy.WithLogger(logger.With("component", "deploy")),
	)

	teardownOpts := []teardown.Option{teardown.WithLogger(logger.With("component", "teardown"))}
	if a.archive != nil {
		teardownOpts = append(teardownOpts, teardown.WithArchiver(a.archive))
	}
	if cfg.Archive != nil && cfg.Archive.Enabled {
		evidence, err := a.initEvidenceArchive(ctx, signalKey)
		if err != nil {
			return nil, err
		}
		teardownOpts = append(teardownOpts, teardown.WithArchiver(evidence))
	}
	a.teardowns = teardown.NewEngine(a.ledger, locks, a.registry, a.deployer, cfg.Teardown, teardownOpts...)

	if a.producer != nil && cfg.Kafka.EmergencyTopic != "" {
		a.consumer, err = kafka.NewConsumer(cfg.Kafka, cfg.Kafka.EmergencyTopic,
			func(ctx context.Context, msg kafka.Message) error {
				return a.teardowns.HandleEmergencyMessage(ctx, msg.Value)
			},
			logger.With("component", "emergency-consumer"),
		)
		if err != nil {
			return nil, fmt.Errorf("create emergency consumer: %w", err)
		}
	}

	if cfg.Watchdog.Enabled {
		a.initWatchdog()
	}

	a.initServers()
	ok = true
	return a, nil
}

func (a *app) initStorage(ctx context.Context, rejections []registry.Rejection) error {
	cfg := a.cfg.Storage
	a.logger.Info("initializing ClickHouse archive",
		"hosts", cfg.ClickHouse.Hosts,
		"database", cfg.ClickHouse.Database,
	)

	client, err := storage.NewClickHouseClient(ctx, cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}
	a.chClient = client

	if cfg.Migrate {
		if err := client.EnsureDatabase(ctx); err != nil {
			return err
		}
		if err := storage.NewMigrator(client, a.logger).Run(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		if err := storage.NewRetentionManager(client, cfg.Retention).ApplyTTLs(ctx); err != nil {
			a.logger.Warn("failed to apply archive retention", "error", err)
		}
	}

	a.archive = storage.NewArchive(client, cfg.BatchWriter, a.logger.With("component", "archive"))
	if len(rejections) > 0 {
		if err := a.archive.Quarantine().WriteRejections(ctx, rejections); err != nil {
			a.logger.Warn("failed to record rejected descriptors", "count", len(rejections), "error", err)
		}
	}
	return nil
}

func (a *app) initKafka(ctx context.Context) error {
	cfg := a.cfg.Kafka
	if cfg.EnsureTopics {
		admin, err := kafka.NewAdmin(cfg, a.logger)
		if err != nil {
			return err
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			return fmt.Errorf("ensure kafka topics: %w", err)
		}
	}

	producer, err := kafka.NewProducer(cfg, a.logger.With("component", "kafka"))
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	a.producer = producer
	return nil
}

func (a *app) initEvidenceArchive(ctx context.Context, key ed25519.PrivateKey) (*s3.Archiver, error) {
	client, err := s3.NewClient(ctx, a.cfg.Archive, a.logger.With("component", "evidence"))
	if err != nil {
		return nil, fmt.Errorf("create evidence archive client: %w", err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		a.logger.Warn("evidence bucket not reachable", "bucket", a.cfg.Archive.Bucket, "error", err)
	}
	return s3.NewArchiver(client, a.registry, key, a.logger.With("component", "evidence")), nil
}

// initWatchdog registers the liveness checks. Only a hung ledger withholds
// the systemd keepalive; SafeHalt and disk pressure are reported as degraded.
func (a *app) initWatchdog() {
	cfg := a.cfg.Watchdog
	a.watchdog = watchdog.New(cfg, a.logger.With("component", "watchdog"))

	a.watchdog.Register("ledger", true, func(ctx context.Context) error {
		a.ledger.List()
		return nil
	})
	a.watchdog.Register("safe_halt", false, func(ctx context.Context) error {
		if n := len(a.ledger.WithStatus(deploy.StatusSafeHalt)); n > 0 {
			return fmt.Errorf("%d assets in SafeHalt awaiting intervention", n)
		}
		return nil
	})
	if root := a.cfg.Sandbox.LureRoot; root != "" {
		a.watchdog.Register("disk:lures", false, watchdog.DiskChecker(root, cfg.DiskThreshold))
	}
	if a.audit != nil {
		a.watchdog.Register("disk:audit", false, watchdog.DiskChecker(a.cfg.Audit.Dir, cfg.DiskThreshold))
	}
	if a.deduper != nil {
		a.watchdog.Register("redis", false, a.deduper.Ping)
	}
	if a.chClient != nil {
		a.watchdog.Register("clickhouse", false, a.chClient.Ping)
	}
}

func (a *app) initServers() {
	cfg := a.cfg
	headers := middleware.SecurityHeadersMiddleware(cfg.SecurityHeaders, a.logger)

	gateway := visibility.NewGateway(a.ledger, a.registry, a.signals.Store(), a.mapper, a.teardowns)
	if a.watchdog != nil {
		gateway.WithServiceHealth(a.watchdog)
	}
	gateway.WithSignalKey(a.signalPub).
		WithDeployRefusals(a.deployer).
		WithDroppedSignals(a.dispatcher)
	a.visibilityServer = &http.Server{
		Addr:         cfg.Server.VisibilityAddr,
		Handler:      middleware.Chain(gateway.Handler(), headers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	a.limiter = middleware.NewRateLimiter(cfg.RateLimit, a.logger)
	ctl := control.NewHandler(a.signals, a.teardowns, a.logger.With("component", "control")).
		WithMaxPayload(cfg.Server.MaxBodyBytes)
	if a.audit != nil {
		ctl.WithAuditor(a.audit)
	}
	controlHandler := middleware.Chain(ctl.Routes(),
		headers,
		a.limiter.Middleware,
		middleware.APIKeyMiddleware(cfg.Auth, a.logger),
	)
	a.controlServer = &http.Server{
		Addr:         cfg.Server.ControlAddr,
		Handler:      controlHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func (a *app) servers() []*http.Server {
	return []*http.Server{a.visibilityServer, a.controlServer}
}

// start deploys the verified assets and starts the background workers.
func (a *app) start(ctx context.Context) {
	a.dispatcher.Start(ctx)

	records, failed := a.deployer.DeployAll(ctx, a.registry.All())
	a.logger.Info("initial deployment complete",
		"deployed", len(records),
		"failed", len(failed),
		"rejected", len(a.registry.Rejections()),
	)
	a.record(ctx, audit.Event{
		Type:    audit.EventSystemStart,
		Message: "deception core started",
		Actor:   "system",
		Success: len(failed) == 0,
		Data: map[string]any{
			"deployed":        len(records),
			"failed":          len(failed),
			"safe_halt_scope": string(a.cfg.Deploy.SafeHaltScope),
		},
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.teardowns.Run(ctx)
	}()

	if a.consumer != nil {
		if err := a.consumer.StartAsync(); err != nil {
			a.logger.Error("failed to start emergency consumer", "error", err)
		}
	}

	if a.watchdog != nil {
		if err := a.watchdog.Start(ctx); err != nil {
			a.logger.Error("failed to start watchdog", "error", err)
		}
		status := fmt.Sprintf("%d assets deployed, %d failed", len(records), len(failed))
		if err := a.watchdog.Ready(status); err != nil {
			a.logger.Warn("failed to notify readiness", "error", err)
		}
	}
}

// stopping tells the service manager shutdown has begun.
func (a *app) stopping() {
	if a.watchdog != nil {
		a.watchdog.Stop()
	}
}

// teardownAll removes every deployed asset before exit so no decoy outlives
// the process that tracks it.
func (a *app) teardownAll(ctx context.Context) {
	for _, rec := range a.ledger.WithStatus(deploy.StatusDeployed) {
		rb, err := a.teardowns.Teardown(ctx, rec.AssetID, shutdownOperator)
		if err != nil {
			a.logger.Error("shutdown teardown failed", "asset_id", rec.AssetID, "error", err)
		}
		ev := audit.Event{
			Type:       audit.EventOperatorTeardown,
			Message:    "shutdown teardown",
			Actor:      shutdownOperator,
			Target:     rec.AssetID,
			TargetType: "asset",
			Success:    err == nil,
		}
		if err != nil {
			ev.Error = err.Error()
		}
		if rb != nil {
			ev.Data = map[string]any{"rollback_id": rb.RollbackID, "status": string(rb.Status)}
		}
		a.record(ctx, ev)
	}
}

// record appends ev to the audit trail when one is configured.
func (a *app) record(ctx context.Context, ev audit.Event) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, ev); err != nil {
		a.logger.Error("failed to write audit entry", "type", ev.Type, "error", err)
	}
}

// recordSafeHalt is a ledger observer; every entry into SafeHalt is audited
// whichever path caused it.
func (a *app) recordSafeHalt(rec deploy.Record) {
	if rec.Status != deploy.StatusSafeHalt {
		return
	}
	a.record(context.Background(), audit.Event{
		Type:       audit.EventSafeHaltEntered,
		Severity:   audit.SeverityCritical,
		Message:    "asset entered SafeHalt",
		Actor:      "system",
		Target:     rec.AssetID,
		TargetType: "asset",
		Success:    false,
		Error:      rec.HaltReason,
		Data:       map[string]any{"generation": rec.Generation},
	})
}

// close releases resources in reverse dependency order. It is safe on a
// partially built app.
func (a *app) close() {
	a.stopping()
	if a.consumer != nil {
		if err := a.consumer.Stop(); err != nil {
			a.logger.Error("emergency consumer stop error", "error", err)
		}
	}
	a.wg.Wait()
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", "error", err)
		}
	}
	if a.deduper != nil {
		if err := a.deduper.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Error("archive close error", "error", err)
		}
		for table, m := range a.archive.Metrics() {
			a.logger.Info("archive metrics", "table", table, "written", m.Written, "failed", m.Failed, "dropped", m.Dropped)
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.logger.Error("clickhouse close error", "error", err)
		}
	}
	if a.audit != nil {
		a.record(context.Background(), audit.Event{
			Type:    audit.EventSystemShutdown,
			Message: "deception core stopped",
			Actor:   "system",
			Success: true,
		})
		a.audit.Close()
	}
}

func loadSignalKey(cfg config.SigningConfig) (ed25519.PrivateKey, error) {
	key, err := signing.LoadPrivateKey(cfg.SignalPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signal signing key: %w", err)
	}
	if cfg.SignalPublicKeyPath == "" {
		return key, nil
	}
	pub, err := signing.LoadPublicKey(cfg.SignalPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signal verification key: %w", err)
	}
	if !bytes.Equal(pub, key.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("signal verification key %s does not match signing key", cfg.SignalPublicKeyPath)
	}
	return key, nil
}

func buildScanner(cfg config.TopologyConfig) (topology.Scanner, error) {
	var scanners topology.Multi
	if cfg.Mode == "static" || cfg.Mode == "both" {
		s, err := topology.NewStaticScanner(cfg.Static)
		if err != nil {
			return nil, fmt.Errorf("static topology: %w", err)
		}
		scanners = append(scanners, s)
	}
	if cfg.Mode == "remote" || cfg.Mode == "both" {
		scanners = append(scanners, topology.NewClient(cfg.Remote))
	}
	if len(scanners) == 1 {
		return scanners[0], nil
	}
	return scanners, nil
}

// loadMappings reads the playbook table and applies DECEPTION_PLAYBOOK_MAPPINGS
// ("type:playbook,...") on top of it.
func loadMappings(cfg config.ResponseConfig, logger *slog.Logger) (*response.Table, error) {
	table, err := response.LoadTable(cfg.MappingsPath)
	if err != nil {
		return nil, err
	}
	if env := os.Getenv("DECEPTION_PLAYBOOK_MAPPINGS"); env != "" {
		extra, invalid := response.ParseEnvMappings(env)
		for _, entry := range invalid {
			logger.Warn("ignoring malformed playbook mapping", "entry", entry)
		}
		table = table.Override(extra)
	}
	logger.Info("playbook mappings loaded", "path", cfg.MappingsPath, "mappings", table.Len())
	return table, nil
}
