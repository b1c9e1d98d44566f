package graph

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// connectionFloor is the strength below which an edge counts as gone.
const connectionFloor = 0.01

// connectionStep is how much an existing edge gains when re-observed.
const connectionStep = 0.1

// Config holds the strength dynamics tunables.
type Config struct {
	// DecayRatePerHour is lambda in s *= exp(-lambda * hours).
	DecayRatePerHour float64
	// ReinforceAlpha is alpha in s += alpha * (1 - s).
	ReinforceAlpha float64
	// ForgetThreshold is the strength below which a forgettable memory is
	// removed by the forget sweep.
	ForgetThreshold float64
}

// Graph is the in-memory associative store. All state is partitioned by
// group id; no operation reads or writes across groups.
type Graph struct {
	mu     sync.RWMutex
	groups map[string]*groupGraph
	cfg    Config
	logger *zap.Logger
}

type groupGraph struct {
	mu            sync.RWMutex
	concepts      map[string]*Concept
	conceptByName map[string]string
	memories      map[string]*Memory
	connections   map[string]*Connection
}

func newGroupGraph() *groupGraph {
	return &groupGraph{
		concepts:      make(map[string]*Concept),
		conceptByName: make(map[string]string),
		memories:      make(map[string]*Memory),
		connections:   make(map[string]*Connection),
	}
}

// SweepResult counts what one maintenance pass removed.
type SweepResult struct {
	MemoriesForgotten  int
	ConceptsPruned     int
	ConnectionsDropped int
	Forgotten          []ForgottenMemory
}

// ForgottenMemory identifies one memory removed by a forget sweep, so
// callers can evict it from external indices.
type ForgottenMemory struct {
	GroupID  string
	MemoryID string
}

// Empty reports whether the sweep removed anything.
func (r SweepResult) Empty() bool {
	return r.MemoriesForgotten == 0 && r.ConceptsPruned == 0 && r.ConnectionsDropped == 0
}

// New creates an empty graph.
func New(cfg Config, logger *zap.Logger) *Graph {
	return &Graph{
		groups: make(map[string]*groupGraph),
		cfg:    cfg,
		logger: logger,
	}
}

func (g *Graph) group(groupID string) *groupGraph {
	g.mu.RLock()
	gg, ok := g.groups[groupID]
	g.mu.RUnlock()
	if ok {
		return gg
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if gg, ok = g.groups[groupID]; ok {
		return gg
	}
	gg = newGroupGraph()
	g.groups[groupID] = gg
	return gg
}

func (g *Graph) groupIfExists(groupID string) *groupGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groups[groupID]
}

// AddConcept creates a concept or returns the existing one with the same
// name in the group. Either way the concept counts as accessed now.
func (g *Graph) AddConcept(groupID, name string, now time.Time) Concept {
	gg := g.group(groupID)
	gg.mu.Lock()
	defer gg.mu.Unlock()

	if id, ok := gg.conceptByName[name]; ok {
		c := gg.concepts[id]
		c.LastAccessed = now
		c.AccessCount++
		return *c
	}

	c := &Concept{
		ID:           uuid.NewString(),
		GroupID:      groupID,
		Name:         name,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
	}
	gg.concepts[c.ID] = c
	gg.conceptByName[name] = c.ID
	g.logger.Debug("concept created",
		zap.String("group_id", groupID),
		zap.String("concept", name))
	return *c
}

// AddMemory attaches a new memory to an existing concept at full strength.
func (g *Graph) AddMemory(groupID, conceptID, content string, f Facets, allowForget bool, now time.Time) (Memory, error) {
	gg := g.group(groupID)
	gg.mu.Lock()
	defer gg.mu.Unlock()

	c, ok := gg.concepts[conceptID]
	if !ok {
		return Memory{}, fmt.Errorf("add memory: concept %s not in group %s", conceptID, groupID)
	}
	if c.GroupID != groupID {
		g.logger.DPanic("concept group mismatch",
			zap.String("concept_id", conceptID),
			zap.String("concept_group", c.GroupID),
			zap.String("group_id", groupID))
		return Memory{}, fmt.Errorf("add memory: concept %s belongs to group %s", conceptID, c.GroupID)
	}

	m := &Memory{
		ID:           uuid.NewString(),
		GroupID:      groupID,
		ConceptID:    conceptID,
		Content:      content,
		Facets:       f,
		Strength:     1.0,
		AllowForget:  allowForget,
		CreatedAt:    now,
		LastAccessed: now,
	}
	gg.memories[m.ID] = m
	return *m, nil
}

// Connect records that two concepts co-occurred. A new edge starts at full
// strength; an existing edge between the pair, in either orientation, is
// strengthened instead of duplicated.
func (g *Graph) Connect(groupID, fromID, toID string, now time.Time) (Connection, error) {
	if fromID == toID {
		return Connection{}, fmt.Errorf("connect: self edge on concept %s", fromID)
	}

	gg := g.group(groupID)
	gg.mu.Lock()
	defer gg.mu.Unlock()

	if _, ok := gg.concepts[fromID]; !ok {
		return Connection{}, fmt.Errorf("connect: concept %s not in group %s", fromID, groupID)
	}
	if _, ok := gg.concepts[toID]; !ok {
		return Connection{}, fmt.Errorf("connect: concept %s not in group %s", toID, groupID)
	}

	if conn, ok := gg.connections[pairKey(fromID, toID)]; ok {
		conn.Strength = math.Min(1.0, conn.Strength+connectionStep)
		conn.LastStrengthened = now
		return *conn, nil
	}

	conn := &Connection{
		ID:               uuid.NewString(),
		GroupID:          groupID,
		FromConcept:      fromID,
		ToConcept:        toID,
		Strength:         1.0,
		LastStrengthened: now,
	}
	gg.connections[pairKey(fromID, toID)] = conn
	return *conn, nil
}

// pairKey canonicalizes a concept pair so an edge is unique regardless of
// orientation.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Reinforce strengthens a memory asymptotically toward 1 and marks it and
// its owning concept accessed.
func (g *Graph) Reinforce(groupID, memoryID string, now time.Time) error {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return fmt.Errorf("reinforce: unknown group %s", groupID)
	}

	gg.mu.Lock()
	defer gg.mu.Unlock()

	m, ok := gg.memories[memoryID]
	if !ok {
		return fmt.Errorf("reinforce: memory %s not in group %s", memoryID, groupID)
	}
	m.Strength += g.cfg.ReinforceAlpha * (1 - m.Strength)
	m.LastAccessed = now
	m.AccessCount++

	if c, ok := gg.concepts[m.ConceptID]; ok {
		c.LastAccessed = now
		c.AccessCount++
	}
	return nil
}

// DecaySweep applies exponential strength decay to every memory and
// connection, per group. Entities are updated one at a time; ingestion in
// other groups is never blocked, and within a group each critical section
// covers a single entity.
func (g *Graph) DecaySweep(now time.Time) {
	for _, groupID := range g.GroupIDs() {
		g.decayGroup(groupID, now)
	}
}

func (g *Graph) decayGroup(groupID string, now time.Time) {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return
	}

	gg.mu.RLock()
	memIDs := make([]string, 0, len(gg.memories))
	for id := range gg.memories {
		memIDs = append(memIDs, id)
	}
	connKeys := make([]string, 0, len(gg.connections))
	for k := range gg.connections {
		connKeys = append(connKeys, k)
	}
	gg.mu.RUnlock()

	for _, id := range memIDs {
		gg.mu.Lock()
		if m, ok := gg.memories[id]; ok {
			if factor, ok := g.decayFactor(m.lastTouch(), now); ok {
				m.Strength *= factor
				m.decayedAt = now
			}
		}
		gg.mu.Unlock()
	}
	for _, k := range connKeys {
		gg.mu.Lock()
		if conn, ok := gg.connections[k]; ok {
			if factor, ok := g.decayFactor(conn.lastTouch(), now); ok {
				conn.Strength *= factor
				conn.decayedAt = now
			}
		}
		gg.mu.Unlock()
	}
}

func (g *Graph) decayFactor(lastTouch, now time.Time) (float64, bool) {
	dt := now.Sub(lastTouch)
	if dt < 0 {
		g.logger.DPanic("decay observed negative elapsed time",
			zap.Time("last_touch", lastTouch),
			zap.Time("now", now))
		return 0, false
	}
	if dt == 0 {
		return 0, false
	}
	return math.Exp(-g.cfg.DecayRatePerHour * dt.Hours()), true
}

// ForgetSweep removes memories whose strength fell below the forget
// threshold, then concepts left with no memories and no connections, then
// connections that faded out or lost an endpoint. Memories marked not
// forgettable survive at any strength.
func (g *Graph) ForgetSweep() SweepResult {
	var total SweepResult
	for _, groupID := range g.GroupIDs() {
		r := g.forgetGroup(groupID)
		total.MemoriesForgotten += r.MemoriesForgotten
		total.ConceptsPruned += r.ConceptsPruned
		total.ConnectionsDropped += r.ConnectionsDropped
		total.Forgotten = append(total.Forgotten, r.Forgotten...)
	}
	return total
}

func (g *Graph) forgetGroup(groupID string) SweepResult {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return SweepResult{}
	}

	gg.mu.Lock()
	defer gg.mu.Unlock()

	var r SweepResult

	for id, m := range gg.memories {
		if m.AllowForget && m.Strength < g.cfg.ForgetThreshold {
			delete(gg.memories, id)
			r.MemoriesForgotten++
			r.Forgotten = append(r.Forgotten, ForgottenMemory{GroupID: groupID, MemoryID: id})
		}
	}

	referenced := make(map[string]int)
	for _, m := range gg.memories {
		referenced[m.ConceptID]++
	}
	connected := make(map[string]int)
	for _, conn := range gg.connections {
		connected[conn.FromConcept]++
		connected[conn.ToConcept]++
	}
	for id, c := range gg.concepts {
		if referenced[id] == 0 && connected[id] == 0 {
			delete(gg.concepts, id)
			delete(gg.conceptByName, c.Name)
			r.ConceptsPruned++
		}
	}

	for k, conn := range gg.connections {
		_, fromOK := gg.concepts[conn.FromConcept]
		_, toOK := gg.concepts[conn.ToConcept]
		if conn.Strength < connectionFloor || !fromOK || !toOK {
			delete(gg.connections, k)
			r.ConnectionsDropped++
		}
	}

	if !r.Empty() {
		g.logger.Info("forget sweep completed",
			zap.String("group_id", groupID),
			zap.Int("memories_forgotten", r.MemoriesForgotten),
			zap.Int("concepts_pruned", r.ConceptsPruned),
			zap.Int("connections_dropped", r.ConnectionsDropped))
	}
	return r
}

// Sweep runs one maintenance pass: decay first, so a stale strong memory is
// weighed at its decayed strength before the forget decision.
func (g *Graph) Sweep(now time.Time) SweepResult {
	g.DecaySweep(now)
	return g.ForgetSweep()
}

// ConceptByName looks up a concept by its unique in-group name.
func (g *Graph) ConceptByName(groupID, name string) (Concept, bool) {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return Concept{}, false
	}
	gg.mu.RLock()
	defer gg.mu.RUnlock()
	id, ok := gg.conceptByName[name]
	if !ok {
		return Concept{}, false
	}
	return *gg.concepts[id], true
}

// GetMemory returns a copy of one memory.
func (g *Graph) GetMemory(groupID, memoryID string) (Memory, bool) {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return Memory{}, false
	}
	gg.mu.RLock()
	defer gg.mu.RUnlock()
	m, ok := gg.memories[memoryID]
	if !ok {
		return Memory{}, false
	}
	return *m, true
}

// MemoriesForGroup returns copies of every memory in the group, newest
// first. An unknown group yields an empty slice.
func (g *Graph) MemoriesForGroup(groupID string) []Memory {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return nil
	}
	gg.mu.RLock()
	defer gg.mu.RUnlock()
	out := make([]Memory, 0, len(gg.memories))
	for _, m := range gg.memories {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ConceptsForGroup returns copies of every concept in the group.
func (g *Graph) ConceptsForGroup(groupID string) []Concept {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return nil
	}
	gg.mu.RLock()
	defer gg.mu.RUnlock()
	out := make([]Concept, 0, len(gg.concepts))
	for _, c := range gg.concepts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConnectionsForGroup returns copies of every connection in the group.
func (g *Graph) ConnectionsForGroup(groupID string) []Connection {
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return nil
	}
	gg.mu.RLock()
	defer gg.mu.RUnlock()
	out := make([]Connection, 0, len(gg.connections))
	for _, conn := range gg.connections {
		out = append(out, *conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupIDs lists the groups the graph currently holds state for.
func (g *Graph) GroupIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.groups))
	for id := range g.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports graph-wide entity counts.
func (g *Graph) Stats() Stats {
	s := Stats{}
	for _, groupID := range g.GroupIDs() {
		gg := g.groupIfExists(groupID)
		if gg == nil {
			continue
		}
		gg.mu.RLock()
		s.Groups++
		s.Concepts += len(gg.concepts)
		s.Memories += len(gg.memories)
		s.Connections += len(gg.connections)
		gg.mu.RUnlock()
	}
	return s
}

// SnapshotGroup copies one group's state for persistence.
func (g *Graph) SnapshotGroup(groupID string) Snapshot {
	snap := Snapshot{GroupID: groupID}
	gg := g.groupIfExists(groupID)
	if gg == nil {
		return snap
	}
	gg.mu.RLock()
	defer gg.mu.RUnlock()
	for _, c := range gg.concepts {
		snap.Concepts = append(snap.Concepts, *c)
	}
	for _, m := range gg.memories {
		snap.Memories = append(snap.Memories, *m)
	}
	for _, conn := range gg.connections {
		snap.Connections = append(snap.Connections, *conn)
	}
	return snap
}

// RestoreGroup replaces one group's state from a snapshot, rebuilding the
// name index. Connections with missing endpoints are dropped rather than
// restored dangling.
func (g *Graph) RestoreGroup(snap Snapshot) {
	gg := g.group(snap.GroupID)
	gg.mu.Lock()
	defer gg.mu.Unlock()

	gg.concepts = make(map[string]*Concept, len(snap.Concepts))
	gg.conceptByName = make(map[string]string, len(snap.Concepts))
	gg.memories = make(map[string]*Memory, len(snap.Memories))
	gg.connections = make(map[string]*Connection, len(snap.Connections))

	for i := range snap.Concepts {
		c := snap.Concepts[i]
		gg.concepts[c.ID] = &c
		gg.conceptByName[c.Name] = c.ID
	}
	for i := range snap.Memories {
		m := snap.Memories[i]
		if _, ok := gg.concepts[m.ConceptID]; !ok {
			g.logger.Warn("dropping restored memory with missing concept",
				zap.String("group_id", snap.GroupID),
				zap.String("memory_id", m.ID))
			continue
		}
		gg.memories[m.ID] = &m
	}
	for i := range snap.Connections {
		conn := snap.Connections[i]
		_, fromOK := gg.concepts[conn.FromConcept]
		_, toOK := gg.concepts[conn.ToConcept]
		if !fromOK || !toOK {
			g.logger.Warn("dropping restored connection with missing endpoint",
				zap.String("group_id", snap.GroupID),
				zap.String("connection_id", conn.ID))
			continue
		}
		gg.connections[pairKey(conn.FromConcept, conn.ToConcept)] = &conn
	}

	g.logger.Info("group restored",
		zap.String("group_id", snap.GroupID),
		zap.Int("concepts", len(gg.concepts)),
		zap.Int("memories", len(gg.memories)),
		zap.Int("connections", len(gg.connections)))
}
