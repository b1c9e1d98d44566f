package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/api"
	"github.com/nidhogg/mnemo/internal/bus"
	"github.com/nidhogg/mnemo/internal/config"
	"github.com/nidhogg/mnemo/internal/embedding"
	"github.com/nidhogg/mnemo/internal/extract"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/ingest"
	"github.com/nidhogg/mnemo/internal/intimacy"
	"github.com/nidhogg/mnemo/internal/provider"
	pgstore "github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/temporal"
	"github.com/nidhogg/mnemo/internal/topic"
	"github.com/nidhogg/mnemo/internal/vectorstore"
)

const shutdownGrace = 10 * time.Second

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	if os.Getenv("MNEMO_DEV") != "" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	logger.Info("Starting mnemo...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/mnemo.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Event bus
	events := bus.New(logger)

	// Memory graph with optional Neo4j persistence
	memGraph := graph.New(graph.Config{
		DecayRatePerHour: cfg.Memory.DecayRatePerHour,
		ReinforceAlpha:   cfg.Memory.ReinforceAlpha,
		ForgetThreshold:  cfg.Memory.ForgetThreshold,
	}, logger)

	var graphStore *graph.Store
	var persister *graph.Persister
	if cfg.Database.Neo4j.URI != "" {
		gs, gErr := graph.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, memory graph will not persist", zap.Error(gErr))
		} else {
			graphStore = gs
			snaps, loadErr := graphStore.LoadGroups(context.Background())
			if loadErr != nil {
				logger.Warn("failed to load persisted graph", zap.Error(loadErr))
			} else {
				for _, snap := range snaps {
					memGraph.RestoreGroup(snap)
				}
				logger.Info("Graph restored", zap.Int("groups", len(snaps)))
			}
			persister = graph.NewPersister(memGraph, graphStore, 30*time.Second, logger)
			persister.Start()
		}
	}

	// PostgreSQL for open topics and impressions
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without durable follow-ups", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Redis backs the vector cache and the intimacy stream
	var redisClient *redis.Client
	var notifier *intimacy.Notifier
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr == nil {
			rc := redis.NewClient(opts)
			if pingErr := rc.Ping(context.Background()).Err(); pingErr != nil {
				logger.Warn("Redis unavailable, running without vector cache tier", zap.Error(pingErr))
			} else {
				redisClient = rc
			}
		} else {
			logger.Warn("invalid redis url", zap.Error(rErr))
		}

		n, nErr := intimacy.NewNotifier(cfg.Database.Redis.URL, logger)
		if nErr != nil {
			logger.Warn("intimacy notifier unavailable", zap.Error(nErr))
		} else {
			notifier = n
		}
	}

	// Embedding provider and tiered vector cache
	var embedder embedding.Provider
	if cfg.Embedding.Endpoint != "" {
		embedder = embedding.NewAPIProvider(embedding.Config{
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		})
	}
	vecCache, err := embedding.NewTieredCache(redisClient, logger)
	if err != nil {
		logger.Fatal("vector cache init failed", zap.Error(err))
	}

	// Qdrant keeps vectors searchable across restarts
	var vecIndex *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" && embedder != nil {
		qc, qErr := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, recall stays in-process", zap.Error(qErr))
		} else {
			if eErr := qc.EnsureCollection(context.Background(), uint64(cfg.Embedding.Dimension)); eErr != nil {
				logger.Warn("Qdrant collection setup failed", zap.Error(eErr))
			}
			defer qc.Close()
			mirrorMemoriesToQdrant(events, embedder, qc, logger)
			vecIndex = qc
		}
	}

	recallerOpts := []graph.RecallerOption{}
	if vecIndex != nil {
		recallerOpts = append(recallerOpts, graph.WithIndex(qdrantIndex{vecIndex}))
	}
	recaller := graph.NewRecaller(memGraph, embedder, vecCache, logger, recallerOpts...)

	// LLM provider and extractor
	llm := provider.NewOpenAIProvider(provider.Config{
		Name:     "extraction",
		Endpoint: cfg.LLM.Endpoint,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Timeout:  time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}, logger)
	extractor := extract.New(llm, extract.Options{
		Model:          cfg.LLM.Model,
		Timeout:        time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		PersonaEnabled: cfg.Persona.Enabled,
		PersonaText:    cfg.Persona.Text,
	}, logger)

	// Topic engine
	engineOpts := []topic.Option{}
	if notifier != nil {
		engineOpts = append(engineOpts, topic.WithNotifier(notifier))
	}
	if pgStore != nil {
		engineOpts = append(engineOpts, topic.WithImpressionSink(pgStore))
	}
	if persister != nil {
		engineOpts = append(engineOpts, topic.WithDirtier(persister))
	}
	engine := topic.NewEngine(cfg.Topic, memGraph, extractor, events, logger, engineOpts...)

	// Temporal tracker
	trackerOpts := []temporal.TrackerOption{}
	if pgStore != nil {
		trackerOpts = append(trackerOpts, temporal.WithStore(pgStore))
	}
	tracker := temporal.NewTracker(cfg.Tracker, events, logger, trackerOpts...)
	tracker.Register(events)
	if err := tracker.Restore(context.Background()); err != nil {
		logger.Warn("failed to restore open topics", zap.Error(err))
	}

	events.Start()
	engine.Start()
	tracker.Start()

	// Periodic decay and forget sweeps
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Memory.DecayInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r := memGraph.Sweep(time.Now())
				if r.Empty() {
					continue
				}
				if persister != nil {
					for _, groupID := range memGraph.GroupIDs() {
						persister.MarkDirty(groupID)
					}
				}
				if vecIndex != nil {
					for _, f := range r.Forgotten {
						ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
						if err := vecIndex.DeleteMemory(ctx, f.MemoryID); err != nil {
							logger.Warn("vector index eviction failed",
								zap.String("memory_id", f.MemoryID), zap.Error(err))
						}
						cancel()
					}
				}
			case <-sweepStop:
				return
			}
		}
	}()

	// Platform ingest adapters
	sink := func(groupID string, msg bus.Message) {
		engine.AddMessage(groupID, msg)
		tracker.ObserveMessage(groupID, msg)
	}
	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	var adapters []ingest.Adapter
	if cfg.Ingest.Discord.Enabled && cfg.Ingest.Discord.BotToken != "" {
		adapters = append(adapters, ingest.NewDiscordAdapter(cfg.Ingest.Discord.BotToken, sink, logger))
	}
	if cfg.Ingest.Slack.Enabled && cfg.Ingest.Slack.BotToken != "" {
		adapters = append(adapters, ingest.NewSlackAdapter(cfg.Ingest.Slack.BotToken, cfg.Ingest.Slack.AppToken, sink, logger))
	}
	for _, a := range adapters {
		if err := a.Connect(ingestCtx); err != nil {
			logger.Warn("ingest adapter failed to connect",
				zap.String("platform", a.Platform()), zap.Error(err))
		}
	}

	// HTTP API
	handler := api.NewHandler(engine, memGraph, recaller, tracker, events, pgStore, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("mnemo listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down mnemo...")

	// Stop intake first, then let in-flight work drain, then flush state.
	ingestCancel()
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			logger.Warn("adapter close failed", zap.String("platform", a.Platform()), zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	srv.Shutdown(ctx)
	cancel()

	engine.Stop(shutdownGrace)
	tracker.Stop()
	close(sweepStop)
	events.Stop(shutdownGrace)

	if persister != nil {
		persister.Stop()
	}
	if graphStore != nil {
		graphStore.Close(context.Background())
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if notifier != nil {
		notifier.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	vecCache.Close()
}

// qdrantIndex adapts the Qdrant client to the recall index interface.
type qdrantIndex struct {
	qc *vectorstore.Client
}

func (q qdrantIndex) Search(ctx context.Context, groupID string, vector []float32, topK int) ([]graph.IndexHit, error) {
	res, err := q.qc.SearchGroup(ctx, groupID, vector, uint64(topK))
	if err != nil {
		return nil, err
	}
	hits := make([]graph.IndexHit, len(res))
	for i, r := range res {
		hits[i] = graph.IndexHit{MemoryID: r.MemoryID, Score: float64(r.Score)}
	}
	return hits, nil
}

// mirrorMemoriesToQdrant keeps the vector index in sync with committed
// memories.
func mirrorMemoriesToQdrant(events *bus.Bus, embedder embedding.Provider, qc *vectorstore.Client, logger *zap.Logger) {
	events.Subscribe(bus.KindMemoryCreated, "qdrant-mirror", func(ev bus.Event) {
		mc, ok := ev.(bus.MemoryCreated)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		vecs, err := embedder.Embed(ctx, []string{mc.Content})
		if err != nil || len(vecs) != 1 {
			logger.Warn("embed for vector index failed",
				zap.String("memory_id", mc.MemoryID), zap.Error(err))
			return
		}
		if err := qc.UpsertMemory(ctx, mc.GroupID, mc.MemoryID, vecs[0]); err != nil {
			logger.Warn("vector index upsert failed",
				zap.String("memory_id", mc.MemoryID), zap.Error(err))
		}
	})
}
