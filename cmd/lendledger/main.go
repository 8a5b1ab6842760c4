package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"LendLedger/internal/bank"
	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/irm"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/state"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	var log zerolog.Logger
	if cfg.LogFile != "" {
		log = observability.NewFileLogger("lendledger", cfg.LogFile)
	} else {
		log = observability.NewLogger("lendledger")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("lendledger exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	log.Info().Msg("lendledger starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Collaborators ---
	clock := func() int64 { return time.Now().Unix() }

	rates := irm.NewRegistry()
	for name, rm := range cfg.RateModels {
		var model core.RateModel
		switch rm.Type {
		case "fixed":
			model = irm.Fixed{Rate: rm.Rate}
		case "linear":
			model = irm.LinearUtilization{Base: rm.Base, Slope: rm.Slope}
		}
		if err := rates.Register(name, model); err != nil {
			return fmt.Errorf("register rate model: %w", err)
		}
	}

	feeds := oracle.NewRegistry()
	for name, fc := range cfg.PriceFeeds {
		var feed core.PriceFeed
		if fc.MaxAgeSeconds > 0 {
			feed = &oracle.Stale{
				Inner:  oracle.NewStatic(fc.InitialPrice),
				MaxAge: fc.MaxAgeSeconds,
				Clock:  clock,
			}
		} else {
			feed = oracle.NewStatic(fc.InitialPrice)
		}
		if err := feeds.Register(name, feed); err != nil {
			return fmt.Errorf("register price feed: %w", err)
		}
	}
	log.Info().
		Strs("rate_models", rates.Names()).
		Strs("price_feeds", feeds.Names()).
		Msg("collaborators registered")

	var owner uuid.UUID
	if cfg.OwnerID != "" {
		owner, err = uuid.Parse(cfg.OwnerID)
		if err != nil {
			return fmt.Errorf("parse owner_id: %w", err)
		}
	} else {
		log.Warn().Msg("owner_id not set, market creation and fee admin disabled")
	}

	// --- Value ledger ---
	assets := bank.NewAssetRegistry()
	tracker := bank.NewBalanceTracker()
	mover := bank.NewMover(assets, tracker)

	// --- Channels ---
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.ProjectionChanSize)
	publishChan := make(chan core.Output, cfg.PublishChanSize)
	commandChan := make(chan ingestion.RawCommand, cfg.CommandChanSize)

	// --- Engine ---
	engine := core.New(core.Config{
		Owner:          owner,
		Store:          state.NewStore(),
		Mover:          mover,
		Assets:         assets,
		RateModels:     rates,
		PriceFeeds:     feeds,
		Clock:          clock,
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		Logger:         log.With().Str("component", "engine").Logger(),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		PublishChan:    publishChan,
	})

	// --- Recovery: snapshot restore + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverState(ctx, engine, snapMgr, assets, tracker, metrics, log); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	subscriber := ingestion.NewNATSSubscriber(js, commandChan, log.With().Str("component", "nats").Logger())
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- Workers ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewWorker(
		db, assets, persistChan,
		cfg.PersistBatchSize, cfg.FlushTimeout(),
		metrics, log.With().Str("component", "persistence").Logger(),
	)
	go func() { errChan <- persistWorker.Run(ctx) }()

	projWorker := projection.NewWorker(
		db, assets, projectionChan,
		metrics, log.With().Str("component", "projection").Logger(),
	)
	go func() { errChan <- projWorker.Run(ctx) }()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, log.With().Str("component", "publisher").Logger())
	go func() { errChan <- publisher.Run(ctx) }()

	// --- Engine loop ---
	dispatcher := ingestion.NewDispatcher(
		engine, feeds, commandChan, ingestion.DefaultSubjects(),
		metrics, log.With().Str("component", "dispatcher").Logger(),
	)
	snapshotReqs := make(chan server.SnapshotRequest, 1)
	rawStateReqs := make(chan server.RawStateRequest, 1)
	go runEngineLoop(ctx, engine, dispatcher, commandChan, snapshotReqs, rawStateReqs, snapMgr, cfg.SnapshotInterval, metrics, log)

	// --- Channel gauges ---
	go watchChannels(ctx, metrics, persistChan, projectionChan, publishChan, commandChan)

	// --- HTTP API ---
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, &server.Deps{
		QueryService:     query.NewQueryService(db),
		SnapshotMgr:      snapMgr,
		ProjectionWorker: projWorker,
		HealthChecker:    healthChecker,
		Metrics:          metrics,
		SnapshotRequests: snapshotReqs,
		RawStateRequests: rawStateReqs,
		Commands:         commandChan,
		StartTime:        time.Now(),
	}, log.With().Str("component", "http").Logger())
	go func() { errChan <- httpServer.Start(ctx) }()

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", engine.Sequence()).
		Str("http_addr", cfg.HTTPAddr).
		Msg("lendledger ready")

	// --- Wait for shutdown ---
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("worker failed, shutting down")
		}
	}
	cancel()
	healthChecker.SetReady(false)
	subscriber.Stop()

	// The engine loop has exited with ctx; a final snapshot captures
	// everything the log already holds, so a crash here loses nothing.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Int64("sequence", engine.Sequence()).Msg("final snapshot saved")
	}

	log.Info().Msg("lendledger shutdown complete")
	return nil
}

// runEngineLoop is the only goroutine that touches the engine. Commands,
// snapshot requests, and the periodic snapshot check all serialize here.
func runEngineLoop(
	ctx context.Context,
	engine *core.Engine,
	dispatcher *ingestion.Dispatcher,
	commandChan <-chan ingestion.RawCommand,
	snapshotReqs <-chan server.SnapshotRequest,
	rawStateReqs <-chan server.RawStateRequest,
	snapMgr *persistence.SnapshotManager,
	snapshotInterval int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	lastSnapshotSeq := engine.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-commandChan:
			if !ok {
				return
			}
			dispatcher.Handle(raw)

		case req := <-snapshotReqs:
			err := takeSnapshot(ctx, engine, snapMgr, metrics)
			req.Reply <- server.SnapshotResult{Sequence: engine.Sequence(), Err: err}

		case req := <-rawStateReqs:
			req.Reply <- engine.Store().RawState(req.Keys)

		case <-ticker.C:
			if snapshotInterval <= 0 {
				continue
			}
			seq := engine.Sequence()
			if seq-lastSnapshotSeq < snapshotInterval {
				continue
			}
			if err := takeSnapshot(ctx, engine, snapMgr, metrics); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = seq
			log.Info().Int64("sequence", seq).Msg("periodic snapshot saved")
		}
	}
}

func takeSnapshot(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()
	snap := engine.CreateSnapshotState()
	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return nil
}

// recoverState restores the latest snapshot and replays the event log and
// journal from there. After it returns the engine state matches the last
// persisted operation exactly.
func recoverState(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	assets *bank.AssetRegistry,
	tracker *bank.BalanceTracker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		log.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		log.Info().Msg("no snapshot, cold start from sequence 0")
	}

	const batchSize = 1000
	fromSequence := engine.Sequence()

	// Balances are carried by the journal, not the envelopes.
	journalFrom := fromSequence
	for {
		rows, err := snapMgr.LoadJournalsFrom(ctx, journalFrom, batchSize)
		if err != nil {
			return fmt.Errorf("load journals from %d: %w", journalFrom, err)
		}
		if len(rows) == 0 {
			break
		}
		if err := persistence.ApplyJournalRows(rows, assets, tracker); err != nil {
			return fmt.Errorf("apply journals: %w", err)
		}
		journalFrom = rows[len(rows)-1].Sequence + 1
	}

	var replayed int64
	for {
		envelopes, err := snapMgr.LoadEnvelopesFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return fmt.Errorf("load envelopes from %d: %w", fromSequence, err)
		}
		if len(envelopes) == 0 {
			break
		}
		for _, env := range envelopes {
			if err := engine.ReplayEnvelope(env); err != nil {
				return err
			}
			replayed++
		}
		fromSequence = envelopes[len(envelopes)-1].Sequence + 1
	}

	metrics.ReplayEventsTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	if replayed > 0 {
		log.Info().
			Int64("replayed", replayed).
			Int64("sequence", engine.Sequence()).
			Dur("took", time.Since(start)).
			Msg("event replay complete")
	}
	return nil
}

func watchChannels(
	ctx context.Context,
	metrics *observability.Metrics,
	persistChan chan core.Output,
	projectionChan chan core.Output,
	publishChan chan core.Output,
	commandChan chan ingestion.RawCommand,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
			metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			metrics.SetChannelMetrics("command", len(commandChan), cap(commandChan))
		}
	}
}
