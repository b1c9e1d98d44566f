package e2e

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/graph"
	pgstore "github.com/nidhogg/mnemo/internal/store"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger     *zap.Logger
	testGraphStore *graph.Store
	testPGStore    *pgstore.Store
	testRedisURL   string
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("mnemo_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// seedGraphGroup builds an in-memory group with two linked concepts and one
// memory, the minimal shape a completed extraction commits.
func seedGraphGroup(groupID string, now time.Time) (*graph.Graph, error) {
	g := graph.New(graph.Config{
		DecayRatePerHour: 0.01,
		ReinforceAlpha:   0.2,
		ForgetThreshold:  0.12,
	}, testLogger)

	park := g.AddConcept(groupID, "公园", now)
	weekend := g.AddConcept(groupID, "周末", now)
	if _, err := g.AddMemory(groupID, park.ID, "周末大家约好去公园野餐", graph.Facets{
		Participants: "小明, 小红",
		Location:     "公园",
		Emotion:      "期待",
	}, true, now); err != nil {
		return nil, err
	}
	if _, err := g.Connect(groupID, park.ID, weekend.ID, now); err != nil {
		return nil, err
	}
	return g, nil
}
