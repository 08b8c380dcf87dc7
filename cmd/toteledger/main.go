// toteledger is the pari-mutuel wagering settlement service. It hosts the
// single-threaded settlement engine, the Postgres audit log and projections,
// the NATS ingestion shell, and the HTTP API.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"ToteLedger/internal/asset"
	"ToteLedger/internal/auth"
	"ToteLedger/internal/config"
	"ToteLedger/internal/engine"
	"ToteLedger/internal/event"
	"ToteLedger/internal/ingestion"
	"ToteLedger/internal/observability"
	"ToteLedger/internal/persistence"
	"ToteLedger/internal/projection"
	"ToteLedger/internal/query"
	"ToteLedger/internal/server"
)

const replayBatchSize = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("main")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	if os.Getenv("TOTE_LOG_LEVEL") == "" {
		os.Setenv("TOTE_LOG_LEVEL", cfg.LogLevel)
	}
	logger := observability.NewLogger("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := setupDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database setup failed")
	}
	defer db.Close()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Engine channels ---
	submissions := make(chan engine.Submission, cfg.CommandChannelSize)
	enginePersistChan := make(chan engine.Output, cfg.PersistChannelSize)
	engineProjectionChan := make(chan engine.Output, cfg.ProjectionChannelSize)
	enginePublishChan := make(chan engine.Notice, cfg.PublishChannelSize)

	persistWorkerChan := make(chan persistence.Output, cfg.PersistChannelSize)
	projectionWorkerChan := make(chan projection.Output, cfg.ProjectionChannelSize)
	publishOutChan := make(chan ingestion.PublishableNotice, cfg.PublishChannelSize)

	// --- Engine ---
	// The engine starts with the replay transferer so recovery resolves asset
	// transfers from recorded journal outcomes instead of moving assets again.
	authority := auth.NewAuthority(cfg.OperatorAccounts)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	replayTransferer := asset.NewReplayTransferer()

	eng := engine.NewEngine(
		engine.Config{
			StartSequence:    0,
			DedupLRUCapacity: cfg.DedupLRUCapacity,
			PayoutAccount:    cfg.OperatorPayoutAccount,
		},
		authority,
		replayTransferer,
		dbChecker,
		enginePersistChan,
		engineProjectionChan,
		enginePublishChan,
		metrics,
	)

	// --- Recovery: snapshot restore + command log replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverState(ctx, eng, snapMgr, replayTransferer, cfg, metrics, logger); err != nil {
		logger.Fatal().Err(err).Msg("state recovery failed")
	}

	// Swap in the live transferer before accepting commands.
	var transferer asset.Transferer
	if cfg.AssetGatewayURL == "" {
		logger.Warn().Msg("no asset gateway configured, using in-process memory bank")
		transferer = asset.NewMemoryBank(cfg.CustodyAccount)
	} else {
		transferer = asset.NewGatewayClient(cfg.AssetGatewayURL, cfg.CustodyAccount)
	}
	eng.SetTransferer(transferer)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("NATS connection failed")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure command stream failed")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream failed")
	}

	rawChan := make(chan ingestion.RawCommand, cfg.CommandChannelSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	subjects := ingestion.DefaultSubjects()
	if err := subscriber.Subscribe(ctx, subjects); err != nil {
		logger.Fatal().Err(err).Msg("NATS subscribe failed")
	}

	// --- Workers ---
	// Workers get their own context so a shutdown drains the queues: the
	// engine stops first, its output channels close, and each worker exits
	// only after consuming everything still in flight.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	errChan := make(chan error, 8)
	var workers sync.WaitGroup

	persistWorker := persistence.NewWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushInterval, metrics)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	projectionWorker := projection.NewWorker(db, projectionWorkerChan)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := projectionWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishOutChan)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	// --- Bridges: engine output -> worker inputs ---
	workers.Add(1)
	go func() {
		defer workers.Done()
		defer close(persistWorkerChan)
		for out := range enginePersistChan {
			persistWorkerChan <- toPersistOutput(out)
		}
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		defer close(projectionWorkerChan)
		for out := range engineProjectionChan {
			select {
			case projectionWorkerChan <- toProjectionOutput(out):
			default:
				metrics.ProjectionDrops.Inc()
			}
		}
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		defer close(publishOutChan)
		for n := range enginePublishChan {
			select {
			case publishOutChan <- ingestion.PublishableNotice(n):
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}()

	// --- Engine loop ---
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx, submissions)
	}()

	// --- Ingestion shell: raw NATS messages -> typed commands -> engine ---
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					return
				}
				cmdType, known := ingestion.CommandTypeForSubject(raw.Subject, subjects)
				if !known {
					logger.Warn().Str("subject", raw.Subject).Msg("unroutable subject")
					raw.AckFunc()
					continue
				}
				cmd, err := ingestion.ParseRawCommand(raw, cmdType)
				if err != nil {
					// Malformed payloads never improve on redelivery.
					logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable command")
					raw.AckFunc()
					continue
				}
				select {
				case submissions <- engine.Submission{Cmd: cmd}:
					// ACK only after handoff: a crash before this point
					// redelivers, and the idempotency key dedups.
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	// --- HTTP API and metrics ---
	queryService := query.NewService(db)
	apiServer := server.NewHTTPServer(cfg.HTTPAddr, submissions, queryService, metrics)
	go func() {
		if err := apiServer.Run(); err != nil {
			errChan <- err
		}
	}()

	metricsServer := server.NewMetricsServer(cfg.MetricsAddr, health)
	go func() {
		if err := metricsServer.Run(); err != nil {
			errChan <- err
		}
	}()

	// --- Periodic snapshots ---
	go func() {
		ticker := time.NewTicker(cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := takeSnapshot(ctx, eng, snapMgr, metrics); err != nil {
					logger.Error().Err(err).Msg("periodic snapshot failed")
				}
			}
		}
	}()

	// --- Channel depth gauges ---
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("submissions", len(submissions), cap(submissions))
				metrics.SetChannelMetrics("persist", len(persistWorkerChan), cap(persistWorkerChan))
				metrics.SetChannelMetrics("projection", len(projectionWorkerChan), cap(projectionWorkerChan))
				metrics.SetChannelMetrics("publish", len(publishOutChan), cap(publishOutChan))
			}
		}
	}()

	health.SetReady(true)
	logger.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("metrics_addr", cfg.MetricsAddr).
		Int64("sequence", eng.GetSequence()).
		Msg("toteledger started")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("fatal component error")
	}

	health.SetReady(false)

	// Stop intake first so nothing new reaches the engine.
	subscriber.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown error")
	}

	// Stop the engine, then close its output channels so the bridges and
	// workers drain everything already applied.
	cancel()
	<-engineDone
	close(enginePersistChan)
	close(engineProjectionChan)
	close(enginePublishChan)
	workers.Wait()

	// Final snapshot. The engine goroutine has exited, so direct state access
	// is safe here.
	if snap := eng.CreateSnapshotState(); snap.Sequence >= 0 {
		if err := saveSnapshot(shutdownCtx, snap, snapMgr, metrics); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
		}
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics shutdown error")
	}

	logger.Info().Msg("toteledger stopped")
}

func setupDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Msg("database ready")
	return db, nil
}

// recoverState rebuilds engine state: restore the latest snapshot, then
// replay every command logged past it. Transfers resolve from the recorded
// journal rows, so external assets never move during recovery and payout
// pages converge to the exact claimed state of the original run.
func recoverState(
	ctx context.Context,
	eng *engine.Engine,
	snapMgr *persistence.SnapshotManager,
	rt *asset.ReplayTransferer,
	cfg *config.Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		var state engine.SnapshotState
		if err := json.Unmarshal(snap.Data, &state); err != nil {
			return err
		}
		eng.RestoreFromSnapshot(&state)
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		// Cold start with a surviving command log: warm the dedup LRU so
		// redelivered commands from before the restart are still rejected.
		keys, err := snapMgr.LoadRecentKeys(ctx, cfg.DedupLRUCapacity)
		if err != nil {
			return err
		}
		eng.WarmLRU(keys)
	}

	var replayed int64
	var lastHash []byte
	for {
		commands, err := snapMgr.LoadCommandsFrom(ctx, eng.GetSequence(), replayBatchSize)
		if err != nil {
			return err
		}
		if len(commands) == 0 {
			break
		}

		journals, err := snapMgr.LoadJournalsForRange(ctx,
			commands[0].Sequence, commands[len(commands)-1].Sequence)
		if err != nil {
			return err
		}
		bySequence := groupJournals(journals)

		for _, row := range commands {
			cmd, err := event.DecodeCommand(row.CommandType, row.Payload)
			if err != nil {
				return err
			}

			outcome := bySequence[row.Sequence]
			rt.SetCommand(outcome.received, outcome.paid)

			if err := eng.ReplayCommand(ctx, cmd); err != nil {
				logger.Error().Err(err).
					Int64("sequence", row.Sequence).
					Str("command_type", row.CommandType).
					Msg("replay divergence")
				return err
			}
			lastHash = row.StateHash
			replayed++
		}
	}

	// The recomputed chain tip must match the logged one.
	if replayed > 0 {
		tip := eng.GetStateHash()
		if string(tip[:]) != string(lastHash) {
			return errors.New("state hash mismatch after replay, refusing to start")
		}
	}

	metrics.ReplayTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", eng.GetSequence()).
		Dur("elapsed", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// journalOutcome holds the recorded asset movements of one command:
// what each holder's deposit was observed as, and what each holder was paid.
type journalOutcome struct {
	received map[string]int64
	paid     map[string]int64
}

const holderPrefix = "holder:"

func groupJournals(journals []persistence.JournalRow) map[int64]journalOutcome {
	grouped := make(map[int64]journalOutcome)
	for _, j := range journals {
		outcome, ok := grouped[j.Sequence]
		if !ok {
			outcome = journalOutcome{
				received: make(map[string]int64),
				paid:     make(map[string]int64),
			}
			grouped[j.Sequence] = outcome
		}

		switch j.JournalType {
		case 0: // deposit: pool debited, holder credited with the observed amount
			if len(j.CreditAccount) > len(holderPrefix) && j.CreditAccount[:len(holderPrefix)] == holderPrefix {
				outcome.received[j.CreditAccount[len(holderPrefix):]] += j.Amount
			}
		case 1, 2, 3: // reward, refund, owner cut: holder debited with the payout
			if len(j.DebitAccount) > len(holderPrefix) && j.DebitAccount[:len(holderPrefix)] == holderPrefix {
				outcome.paid[j.DebitAccount[len(holderPrefix):]] += j.Amount
			}
		}
	}
	return grouped
}

func takeSnapshot(ctx context.Context, eng *engine.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	snap, err := eng.RequestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Sequence < 0 {
		return nil // nothing processed yet
	}
	return saveSnapshot(ctx, snap, snapMgr, metrics)
}

func saveSnapshot(ctx context.Context, snap *engine.SnapshotState, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	rec := &persistence.SnapshotRecord{
		Sequence:  snap.Sequence,
		StateHash: snap.StateHash[:],
		Data:      data,
		CreatedAt: time.Now(),
	}
	if err := snapMgr.SaveSnapshot(ctx, rec); err != nil {
		return err
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return err
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(len(data)))
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return nil
}

func toPersistOutput(out engine.Output) persistence.Output {
	env := out.Envelope
	row := persistence.CommandRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		EventCode:      env.EventCode,
		Actor:          env.Actor,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}

	var journals []persistence.JournalRow
	if out.Batch != nil {
		journals = make([]persistence.JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				CommandRef:    j.CommandRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				EventCode:     j.EventCode,
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return persistence.Output{CommandRow: row, JournalRows: journals}
}

func toProjectionOutput(out engine.Output) projection.Output {
	env := out.Envelope
	notices := make([]projection.Notice, 0, len(out.Notices))
	for _, n := range out.Notices {
		notices = append(notices, projection.Notice(n))
	}
	return projection.Output{
		Sequence:    env.Sequence,
		CommandType: env.CommandType.String(),
		EventCode:   env.EventCode,
		Payload:     env.Payload,
		Notices:     notices,
		Timestamp:   env.Timestamp,
	}
}
