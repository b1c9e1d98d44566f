package topic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/bus"
	"github.com/nidhogg/mnemo/internal/config"
	"github.com/nidhogg/mnemo/internal/extract"
	"github.com/nidhogg/mnemo/internal/graph"
)

type fakeExtractor struct {
	mu      sync.Mutex
	calls   []extract.Request
	scripts []func(extract.Request) (extract.Result, error)
}

func (f *fakeExtractor) Extract(_ context.Context, req extract.Request) (extract.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.scripts) == 0 {
		return extract.Result{}, nil
	}
	fn := f.scripts[0]
	f.scripts = f.scripts[1:]
	return fn(req)
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExtractor) call(i int) extract.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type recordedNotify struct {
	groupID  string
	memoryID string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []recordedNotify
}

func (n *fakeNotifier) NotifyMemory(groupID, memoryID, _ string, _ []string) {
	n.mu.Lock()
	n.notes = append(n.notes, recordedNotify{groupID, memoryID})
	n.mu.Unlock()
}

func testTopicConfig() config.TopicConfig {
	cfg := config.Default().Topic
	return cfg
}

func newTestEngine(t *testing.T, cfg config.TopicConfig, fx *fakeExtractor, opts ...Option) (*Engine, *graph.Graph, *bus.Bus) {
	t.Helper()
	g := graph.New(graph.Config{DecayRatePerHour: 0.01, ReinforceAlpha: 0.2, ForgetThreshold: 0.12}, zap.NewNop())
	b := bus.New(zap.NewNop())
	e := NewEngine(cfg, g, fx, b, zap.NewNop(), opts...)
	t.Cleanup(func() { b.Stop(time.Second) })
	return e, g, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sendBatch(e *Engine, groupID string, n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		sender := fmt.Sprintf("u%d", i%3)
		e.AddMessage(groupID, bus.Message{
			SenderID:   sender,
			SenderName: sender,
			Content:    fmt.Sprintf("周末去公园野餐吧 %d", i),
			Timestamp:  now,
		})
	}
}

func parkSession(confidence float64) extract.Session {
	return extract.Session{
		SessionID:    "new_1",
		Status:       extract.StatusCompleted,
		Keywords:     []string{"公园", "周末"},
		Summary:      "约好周末去公园野餐",
		Participants: []string{"u0", "u1"},
		Memory: &extract.MemoryPayload{
			Content:      "群里约好周末去公园野餐",
			Location:     "公园",
			Emotion:      "期待",
			Confidence:   confidence,
		},
	}
}

func TestBatchThresholdTriggersExtraction(t *testing.T) {
	fx := &fakeExtractor{}
	e, _, b := newTestEngine(t, testTopicConfig(), fx)
	b.Start()

	sendBatch(e, "g1", 11)
	time.Sleep(20 * time.Millisecond)
	if got := fx.callCount(); got != 0 {
		t.Fatalf("extractor called %d times below threshold", got)
	}

	sendBatch(e, "g1", 1)
	waitFor(t, "extraction call", func() bool { return fx.callCount() == 1 })
	if got := len(fx.call(0).Messages); got != 12 {
		t.Errorf("batch size = %d, want 12", got)
	}
}

func TestCompletedSessionCommitsGraphEntities(t *testing.T) {
	fx := &fakeExtractor{scripts: []func(extract.Request) (extract.Result, error){
		func(req extract.Request) (extract.Result, error) {
			s := parkSession(0.9)
			if len(req.ActiveSessions) > 0 {
				s.SessionID = req.ActiveSessions[0].ID
			}
			return extract.Result{Sessions: []extract.Session{s}}, nil
		},
	}}
	notifier := &fakeNotifier{}
	e, g, b := newTestEngine(t, testTopicConfig(), fx, WithNotifier(notifier))

	var mu sync.Mutex
	var kinds []bus.Kind
	for _, k := range []bus.Kind{bus.KindTopicCreated, bus.KindMemoryCreated, bus.KindTopicClosed} {
		b.Subscribe(k, "test", func(ev bus.Event) {
			mu.Lock()
			kinds = append(kinds, ev.Kind())
			mu.Unlock()
		})
	}
	b.Start()

	sendBatch(e, "g1", 12)
	waitFor(t, "memory commit", func() bool { return g.Stats().Memories == 1 })

	// Two keywords become two concepts with one edge; the memory hangs off
	// the first concept.
	stats := g.Stats()
	if stats.Concepts != 2 || stats.Connections != 1 {
		t.Errorf("stats = %+v, want 2 concepts and 1 connection", stats)
	}
	if _, ok := g.ConceptByName("g1", "公园"); !ok {
		t.Error("concept 公园 missing")
	}
	if _, ok := g.ConceptByName("g1", "周末"); !ok {
		t.Error("concept 周末 missing")
	}
	mems := g.MemoriesForGroup("g1")
	if len(mems) != 1 || mems[0].Facets.Location != "公园" {
		t.Errorf("memories = %+v", mems)
	}

	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	})
	waitFor(t, "notifier", func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.notes) == 1 && notifier.notes[0].groupID == "g1"
	})

	// The completed topic leaves no live cluster behind but its summary
	// feeds the next extraction as context.
	if got := len(e.GroupClusters("g1")); got != 0 {
		t.Errorf("live clusters = %d, want 0 after completion", got)
	}
}

func TestExtractionFailureRequeuesBatchForRetry(t *testing.T) {
	fx := &fakeExtractor{scripts: []func(extract.Request) (extract.Result, error){
		func(extract.Request) (extract.Result, error) {
			return extract.Result{}, errors.New("model unavailable")
		},
	}}
	e, _, b := newTestEngine(t, testTopicConfig(), fx)

	failed := make(chan bus.Event, 1)
	b.Subscribe(bus.KindExtractionFailed, "test", func(ev bus.Event) { failed <- ev })
	b.Start()

	sendBatch(e, "g1", 12)
	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("no extraction failure event")
	}

	waitFor(t, "batch requeue", func() bool { return e.Stats().PendingMessages == 12 })

	// The next message re-triggers with the original batch in front.
	sendBatch(e, "g1", 1)
	waitFor(t, "retry call", func() bool { return fx.callCount() == 2 })
	retry := fx.call(1)
	if len(retry.Messages) != 13 {
		t.Errorf("retry batch = %d messages, want 13", len(retry.Messages))
	}
	if retry.Messages[0].Content != fx.call(0).Messages[0].Content {
		t.Error("requeued messages lost their original order")
	}
}

func TestLowConfidenceMemoryIsDiscarded(t *testing.T) {
	fx := &fakeExtractor{scripts: []func(extract.Request) (extract.Result, error){
		func(extract.Request) (extract.Result, error) {
			return extract.Result{Sessions: []extract.Session{parkSession(0.1)}}, nil
		},
	}}
	e, g, b := newTestEngine(t, testTopicConfig(), fx)

	closed := make(chan bus.Event, 1)
	b.Subscribe(bus.KindTopicClosed, "test", func(ev bus.Event) { closed <- ev })
	b.Start()

	sendBatch(e, "g1", 12)
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("topic never closed")
	}

	if stats := g.Stats(); stats.Memories != 0 {
		t.Errorf("memories = %d, want 0 below confidence floor", stats.Memories)
	}
}

func TestOngoingSessionPersistsAndCompletesLater(t *testing.T) {
	fx := &fakeExtractor{scripts: []func(extract.Request) (extract.Result, error){
		func(req extract.Request) (extract.Result, error) {
			if len(req.ActiveSessions) != 1 {
				return extract.Result{}, fmt.Errorf("active sessions = %d, want 1", len(req.ActiveSessions))
			}
			return extract.Result{Sessions: []extract.Session{{
				SessionID: req.ActiveSessions[0].ID,
				Status:    extract.StatusOngoing,
				Keywords:  []string{"公园", "周末"},
				Summary:   "正在讨论周末计划",
			}}}, nil
		},
		func(req extract.Request) (extract.Result, error) {
			if len(req.ActiveSessions) != 1 {
				return extract.Result{}, fmt.Errorf("active sessions = %d, want 1", len(req.ActiveSessions))
			}
			s := parkSession(0.9)
			s.SessionID = req.ActiveSessions[0].ID
			return extract.Result{Sessions: []extract.Session{s}}, nil
		},
	}}
	e, g, b := newTestEngine(t, testTopicConfig(), fx)
	b.Start()

	sendBatch(e, "g1", 12)
	waitFor(t, "ongoing cluster", func() bool {
		cs := e.GroupClusters("g1")
		return len(cs) == 1 && cs[0].Summary == "正在讨论周末计划"
	})

	sendBatch(e, "g1", 12)
	waitFor(t, "completion", func() bool { return g.Stats().Memories == 1 })
	if got := len(e.GroupClusters("g1")); got != 0 {
		t.Errorf("clusters after completion = %d, want 0", got)
	}
}

func TestExcludedMessagesNeverEnterPending(t *testing.T) {
	cfg := testTopicConfig()
	cfg.ExcludeKeywords = []string{"广告"}
	fx := &fakeExtractor{}
	e, _, b := newTestEngine(t, cfg, fx)
	b.Start()

	e.AddMessage("g1", bus.Message{SenderID: "u1", Content: "最新广告优惠", Timestamp: time.Now()})
	if got := e.Stats().PendingMessages; got != 0 {
		t.Errorf("pending = %d, want 0 for excluded message", got)
	}
}

func TestMatchingMessagesTouchExistingClusters(t *testing.T) {
	fx := &fakeExtractor{scripts: []func(extract.Request) (extract.Result, error){
		func(req extract.Request) (extract.Result, error) {
			if len(req.ActiveSessions) != 1 {
				return extract.Result{}, fmt.Errorf("active sessions = %d, want 1", len(req.ActiveSessions))
			}
			return extract.Result{Sessions: []extract.Session{{
				SessionID: req.ActiveSessions[0].ID,
				Status:    extract.StatusOngoing,
				Keywords:  []string{"公园", "野餐"},
			}}}, nil
		},
	}}
	e, _, b := newTestEngine(t, testTopicConfig(), fx)
	b.Start()

	sendBatch(e, "g1", 12)
	waitFor(t, "refined cluster", func() bool {
		cs := e.GroupClusters("g1")
		return len(cs) == 1 && len(cs[0].Keywords) == 2
	})
	before := e.GroupClusters("g1")[0]

	e.AddMessage("g1", bus.Message{SenderID: "u9", SenderName: "u9", Content: "公园野餐我也去", Timestamp: time.Now()})
	after := e.GroupClusters("g1")[0]

	found := false
	for _, p := range after.Participants {
		if p == "u9" {
			found = true
		}
	}
	if !found {
		t.Error("matching message did not join the cluster's participants")
	}
	if after.Heat < before.Heat {
		t.Errorf("heat fell from %v to %v after a matching message", before.Heat, after.Heat)
	}
}

func TestCompletedNewSessionCarriesAssignedMessages(t *testing.T) {
	fx := &fakeExtractor{scripts: []func(extract.Request) (extract.Result, error){
		func(extract.Request) (extract.Result, error) {
			s := parkSession(0.9)
			s.Messages = []int{11, 12}
			return extract.Result{Sessions: []extract.Session{s}}, nil
		},
	}}
	e, _, b := newTestEngine(t, testTopicConfig(), fx)
	closed := make(chan bus.Event, 4)
	b.Subscribe(bus.KindTopicClosed, "test", func(ev bus.Event) { closed <- ev })
	b.Start()

	sendBatch(e, "g1", 11)
	e.AddMessage("g1", bus.Message{
		SenderID:   "u1",
		SenderName: "u1",
		Content:    "明天还去公园吗？",
		Timestamp:  time.Now(),
	})

	// The session was opened and concluded inside one batch; its assigned
	// messages must still travel with the closure.
	ev := drainClosed(t, closed)
	if len(ev.Tail) != 2 {
		t.Fatalf("tail = %d messages, want the 2 assigned ones", len(ev.Tail))
	}
	if got := ev.Tail[len(ev.Tail)-1].Content; got != "明天还去公园吗？" {
		t.Errorf("last tail message = %q, want the closing question", got)
	}
}

func drainClosed(t *testing.T, ch <-chan bus.Event) bus.TopicClosed {
	t.Helper()
	select {
	case ev := <-ch:
		return ev.(bus.TopicClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("topic never closed")
		return bus.TopicClosed{}
	}
}

func TestUnmatchedMessageOpensLocalCluster(t *testing.T) {
	fx := &fakeExtractor{}
	e, _, b := newTestEngine(t, testTopicConfig(), fx)
	b.Start()

	e.AddMessage("g1", bus.Message{SenderID: "u1", SenderName: "u1", Content: "周末去公园野餐吧", Timestamp: time.Now()})
	if got := len(e.GroupClusters("g1")); got != 1 {
		t.Fatalf("clusters = %d, want 1 after first message", got)
	}

	// An unrelated message opens its own cluster.
	e.AddMessage("g1", bus.Message{SenderID: "u2", SenderName: "u2", Content: "今天股市又跌了", Timestamp: time.Now()})
	if got := len(e.GroupClusters("g1")); got != 2 {
		t.Fatalf("clusters = %d, want 2 after unrelated message", got)
	}

	// A matching one joins instead of opening a third.
	e.AddMessage("g1", bus.Message{SenderID: "u3", SenderName: "u3", Content: "周末去公园野餐吧，我带吃的", Timestamp: time.Now()})
	if got := len(e.GroupClusters("g1")); got != 2 {
		t.Errorf("clusters = %d, want 2 after matching message", got)
	}
}

func TestPendingBufferBoundedDuringIngest(t *testing.T) {
	cfg := testTopicConfig()
	cfg.MessageThreshold = 100
	cfg.MaxPendingPerGroup = 5
	fx := &fakeExtractor{}
	e, _, b := newTestEngine(t, cfg, fx)
	b.Start()

	sendBatch(e, "g1", 8)
	if got := e.Stats().PendingMessages; got != 5 {
		t.Errorf("pending = %d, want 5 at the ceiling", got)
	}
	if got := fx.callCount(); got != 0 {
		t.Errorf("extractor called %d times below threshold", got)
	}
}

func TestFailureRequeueRespectsPendingCeiling(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fx := &fakeExtractor{scripts: []func(extract.Request) (extract.Result, error){
		func(extract.Request) (extract.Result, error) {
			close(started)
			<-release
			return extract.Result{}, errors.New("model unavailable")
		},
	}}
	cfg := testTopicConfig()
	cfg.MessageThreshold = 3
	cfg.MaxPendingPerGroup = 4
	e, _, b := newTestEngine(t, cfg, fx)
	b.Start()

	sendBatch(e, "g1", 3)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("extraction never started")
	}

	// More traffic lands while the call is in flight; the failed batch is
	// requeued in front of it and the ceiling trims the oldest.
	sendBatch(e, "g1", 3)
	close(release)
	waitFor(t, "bounded requeue", func() bool { return e.Stats().PendingMessages == 4 })
}
