package intimacy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream is where memory notifications land for the intimacy subsystem.
const Stream = "mnemo:intimacy:memories"

// notifyTimeout bounds each delivery attempt.
const notifyTimeout = 5 * time.Second

// MemoryNotice tells the intimacy subsystem that a group produced a durable
// memory, so relationship scores can react to it.
type MemoryNotice struct {
	GroupID      string    `json:"group_id"`
	MemoryID     string    `json:"memory_id"`
	Content      string    `json:"content"`
	Participants []string  `json:"participants"`
	At           time.Time `json:"at"`
}

// Notifier pushes memory notices onto a Redis stream, fire and forget: a
// failed delivery is counted and logged but never surfaces to the caller,
// and never blocks extraction.
type Notifier struct {
	rdb    *redis.Client
	logger *zap.Logger
	failed atomic.Uint64
}

// NewNotifier connects to Redis and returns a ready notifier.
func NewNotifier(redisURL string, logger *zap.Logger) (*Notifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Notifier{rdb: rdb, logger: logger}, nil
}

// NotifyMemory delivers one notice asynchronously.
func (n *Notifier) NotifyMemory(groupID, memoryID, content string, participants []string) {
	notice := MemoryNotice{
		GroupID:      groupID,
		MemoryID:     memoryID,
		Content:      content,
		Participants: participants,
		At:           time.Now(),
	}
	go n.deliver(notice)
}

func (n *Notifier) deliver(notice MemoryNotice) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	data, err := json.Marshal(notice)
	if err != nil {
		n.failed.Add(1)
		n.logger.Error("marshal memory notice",
			zap.String("memory_id", notice.MemoryID),
			zap.Error(err))
		return
	}

	err = n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("memory notice dropped",
			zap.String("group_id", notice.GroupID),
			zap.String("memory_id", notice.MemoryID),
			zap.Error(err))
		return
	}

	n.logger.Debug("memory notice delivered",
		zap.String("group_id", notice.GroupID),
		zap.String("memory_id", notice.MemoryID))
}

// Failed reports how many notices were dropped.
func (n *Notifier) Failed() uint64 {
	return n.failed.Load()
}

// Close shuts down the Redis connection.
func (n *Notifier) Close() error {
	return n.rdb.Close()
}
