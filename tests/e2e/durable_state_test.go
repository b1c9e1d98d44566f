package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/bus"
	"github.com/nidhogg/mnemo/internal/config"
	"github.com/nidhogg/mnemo/internal/embedding"
	"github.com/nidhogg/mnemo/internal/extract"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/intimacy"
	pgstore "github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/temporal"
)

func TestMain(m *testing.M) {
	if os.Getenv("MNEMO_E2E") == "" {
		fmt.Println("MNEMO_E2E not set, skipping container tests")
		os.Exit(0)
	}

	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start Neo4j
	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()

	testGraphStore, err = graph.NewStore(neo4jURI, "", "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "graph store: %v\n", err)
		os.Exit(1)
	}
	defer testGraphStore.Close(ctx)

	// 2. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testPGStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testPGStore.Close()

	// Run migrations
	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 3. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func TestDurableState(t *testing.T) {
	ctx := context.Background()

	t.Run("GraphPersistence", func(t *testing.T) {
		now := time.Now()
		g, err := seedGraphGroup("e2e-g1", now)
		if err != nil {
			t.Fatalf("seed graph: %v", err)
		}

		if err := testGraphStore.SaveGroup(ctx, g.SnapshotGroup("e2e-g1")); err != nil {
			t.Fatalf("SaveGroup: %v", err)
		}
		// A second save must replace, not accumulate.
		if err := testGraphStore.SaveGroup(ctx, g.SnapshotGroup("e2e-g1")); err != nil {
			t.Fatalf("SaveGroup again: %v", err)
		}

		snaps, err := testGraphStore.LoadGroups(ctx)
		if err != nil {
			t.Fatalf("LoadGroups: %v", err)
		}
		var snap *graph.Snapshot
		for i := range snaps {
			if snaps[i].GroupID == "e2e-g1" {
				snap = &snaps[i]
			}
		}
		if snap == nil {
			t.Fatal("group e2e-g1 not persisted")
		}
		if len(snap.Concepts) != 2 || len(snap.Memories) != 1 || len(snap.Connections) != 1 {
			t.Fatalf("snapshot = %d concepts, %d memories, %d connections, want 2/1/1",
				len(snap.Concepts), len(snap.Memories), len(snap.Connections))
		}

		restored := graph.New(graph.Config{
			DecayRatePerHour: 0.01,
			ReinforceAlpha:   0.2,
			ForgetThreshold:  0.12,
		}, testLogger)
		restored.RestoreGroup(*snap)

		mems := restored.MemoriesForGroup("e2e-g1")
		if len(mems) != 1 {
			t.Fatalf("restored memories = %d, want 1", len(mems))
		}
		if mems[0].Content != "周末大家约好去公园野餐" {
			t.Errorf("restored content = %q", mems[0].Content)
		}
		if mems[0].Facets.Location != "公园" {
			t.Errorf("restored location = %q", mems[0].Facets.Location)
		}
		if _, ok := restored.ConceptByName("e2e-g1", "周末"); !ok {
			t.Error("restored graph lost concept 周末")
		}
	})

	t.Run("OpenTopicRoundTrip", func(t *testing.T) {
		ot := temporal.OpenTopic{
			ID:        uuid.NewString(),
			GroupID:   "e2e-g1",
			TopicID:   uuid.NewString(),
			Question:  "明天谁带吃的呢？",
			AskerID:   "u1",
			Keywords:  []string{"公园", "野餐"},
			Status:    temporal.StatusPending,
			DueAt:     time.Now().Add(time.Hour).UTC(),
			CreatedAt: time.Now().UTC(),
		}
		if err := testPGStore.SaveOpenTopic(ctx, ot); err != nil {
			t.Fatalf("SaveOpenTopic: %v", err)
		}

		// Upsert path: same id, bumped missed count.
		ot.Missed = 2
		if err := testPGStore.SaveOpenTopic(ctx, ot); err != nil {
			t.Fatalf("SaveOpenTopic upsert: %v", err)
		}

		topics, err := testPGStore.LoadOpenTopics(ctx)
		if err != nil {
			t.Fatalf("LoadOpenTopics: %v", err)
		}
		if len(topics) != 1 {
			t.Fatalf("topics = %d, want 1", len(topics))
		}
		got := topics[0]
		if got.Question != ot.Question || got.Missed != 2 || got.Status != temporal.StatusPending {
			t.Errorf("loaded topic = %+v", got)
		}
		if len(got.Keywords) != 2 || got.Keywords[0] != "公园" {
			t.Errorf("keywords = %v", got.Keywords)
		}

		if err := testPGStore.DeleteOpenTopic(ctx, ot.ID); err != nil {
			t.Fatalf("DeleteOpenTopic: %v", err)
		}
		topics, err = testPGStore.LoadOpenTopics(ctx)
		if err != nil {
			t.Fatalf("LoadOpenTopics after delete: %v", err)
		}
		if len(topics) != 0 {
			t.Errorf("topics after delete = %d, want 0", len(topics))
		}
	})

	t.Run("TrackerRestore", func(t *testing.T) {
		events := bus.New(testLogger)
		events.Start()
		defer events.Stop(time.Second)

		cfg := config.Default().Tracker
		tracker := temporal.NewTracker(cfg, events, testLogger, temporal.WithStore(testPGStore))
		tracker.HandleTopicClosed(bus.TopicClosed{
			GroupID:  "e2e-g2",
			TopicID:  uuid.NewString(),
			Keywords: []string{"露营", "装备"},
			Tail: []bus.Message{
				{SenderID: "u1", SenderName: "小明", Content: "周末去露营吧", Timestamp: time.Now()},
				{SenderID: "u2", SenderName: "小红", Content: "装备谁来准备呢？", Timestamp: time.Now()},
			},
			ClosedAt: time.Now(),
		})
		if tracker.PendingCount() != 1 {
			t.Fatalf("pending = %d, want 1", tracker.PendingCount())
		}

		// A fresh tracker on the same store sees the question again.
		revived := temporal.NewTracker(cfg, events, testLogger, temporal.WithStore(testPGStore))
		if err := revived.Restore(ctx); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if revived.PendingCount() != 1 {
			t.Fatalf("restored pending = %d, want 1", revived.PendingCount())
		}
		open := revived.GroupOpenTopics("e2e-g2")
		if len(open) != 1 || open[0].Question != "装备谁来准备呢？" {
			t.Errorf("restored topics = %+v", open)
		}

		for _, ot := range open {
			if err := testPGStore.DeleteOpenTopic(ctx, ot.ID); err != nil {
				t.Fatalf("cleanup: %v", err)
			}
		}
	})

	t.Run("ImpressionScoreBlending", func(t *testing.T) {
		first := extract.Impression{
			PersonName: "小明",
			Summary:    "热心组织活动",
			Score:      0.8,
			Details:    "主动提议周末野餐",
		}
		if err := testPGStore.SaveImpression(ctx, "e2e-g1", first); err != nil {
			t.Fatalf("SaveImpression: %v", err)
		}

		second := extract.Impression{
			PersonName: "小明",
			Summary:    "偶尔放人鸽子",
			Score:      0.4,
			Details:    "临时取消了野餐",
		}
		if err := testPGStore.SaveImpression(ctx, "e2e-g1", second); err != nil {
			t.Fatalf("SaveImpression upsert: %v", err)
		}

		imps, err := testPGStore.GroupImpressions(ctx, "e2e-g1")
		if err != nil {
			t.Fatalf("GroupImpressions: %v", err)
		}
		if len(imps) != 1 {
			t.Fatalf("impressions = %d, want 1", len(imps))
		}
		got := imps[0]
		if got.Summary != "偶尔放人鸽子" {
			t.Errorf("summary = %q, want latest", got.Summary)
		}
		if got.Score < 0.59 || got.Score > 0.61 {
			t.Errorf("score = %f, want blended 0.6", got.Score)
		}
	})

	t.Run("MemoryNoticeStream", func(t *testing.T) {
		notifier, err := intimacy.NewNotifier(testRedisURL, testLogger)
		if err != nil {
			t.Fatalf("notifier: %v", err)
		}
		defer notifier.Close()

		notifier.NotifyMemory("e2e-g1", "mem-1", "周末大家约好去公园野餐", []string{"小明", "小红"})

		opts, err := redis.ParseURL(testRedisURL)
		if err != nil {
			t.Fatalf("parse redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		// Delivery is async; poll the stream.
		var entries []redis.XMessage
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			entries, err = rdb.XRange(ctx, intimacy.Stream, "-", "+").Result()
			if err == nil && len(entries) > 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if len(entries) != 1 {
			t.Fatalf("stream entries = %d, want 1", len(entries))
		}

		var notice intimacy.MemoryNotice
		if err := json.Unmarshal([]byte(entries[0].Values["data"].(string)), &notice); err != nil {
			t.Fatalf("decode notice: %v", err)
		}
		if notice.MemoryID != "mem-1" || len(notice.Participants) != 2 {
			t.Errorf("notice = %+v", notice)
		}
		if notifier.Failed() != 0 {
			t.Errorf("failed deliveries = %d", notifier.Failed())
		}
	})

	t.Run("VectorCacheRedisTier", func(t *testing.T) {
		opts, err := redis.ParseURL(testRedisURL)
		if err != nil {
			t.Fatalf("parse redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		writer, err := embedding.NewTieredCache(rdb, testLogger)
		if err != nil {
			t.Fatalf("cache: %v", err)
		}
		defer writer.Close()

		vec := []float32{0.1, -0.5, 0.25}
		writer.Put(ctx, "e2e-g1", "mem-1", vec)

		// A separate cache has a cold in-process tier and must fall through
		// to Redis.
		reader, err := embedding.NewTieredCache(rdb, testLogger)
		if err != nil {
			t.Fatalf("second cache: %v", err)
		}
		defer reader.Close()

		var got []float32
		var ok bool
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if got, ok = reader.Get(ctx, "e2e-g1", "mem-1"); ok {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if !ok {
			t.Fatal("vector not found via redis tier")
		}
		if len(got) != 3 || got[1] != -0.5 {
			t.Errorf("vector = %v", got)
		}
	})
}
