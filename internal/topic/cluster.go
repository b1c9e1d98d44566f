package topic

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/mnemo/internal/bus"
)

// Status is a cluster's lifecycle stage.
type Status string

const (
	StatusOngoing Status = "ongoing"
	StatusDormant Status = "dormant"
	StatusClosed  Status = "closed"
)

const (
	// tailCap bounds how many recent messages a cluster keeps for
	// downstream consumers.
	tailCap = 10
	// hitsCap bounds the activity window used for heat.
	hitsCap = 200
)

// Cluster is one live conversation thread within a group.
type Cluster struct {
	ID           string
	GroupID      string
	Keywords     []string
	Summary      string
	Subtext      string
	Emotion      string
	Participants map[string]struct{}
	Status       Status
	CreatedAt    time.Time
	LastActive   time.Time

	hits []time.Time
	tail []bus.Message
}

func newCluster(id, groupID string, keywords []string, now time.Time) *Cluster {
	return &Cluster{
		ID:           id,
		GroupID:      groupID,
		Keywords:     keywords,
		Participants: make(map[string]struct{}),
		Status:       StatusOngoing,
		CreatedAt:    now,
		LastActive:   now,
	}
}

// touch records a message hitting this cluster.
func (c *Cluster) touch(msg bus.Message, now time.Time) {
	c.LastActive = now
	c.Participants[msg.SenderID] = struct{}{}
	if c.Status == StatusDormant {
		c.Status = StatusOngoing
	}

	c.hits = append(c.hits, now)
	if len(c.hits) > hitsCap {
		c.hits = c.hits[len(c.hits)-hitsCap:]
	}
	c.tail = append(c.tail, msg)
	if len(c.tail) > tailCap {
		c.tail = c.tail[len(c.tail)-tailCap:]
	}
}

// Heat scores the cluster in [0,1]. Each recorded message contributes
// exp(-age/tau); the sum is normalized by a saturation count and scaled by
// participant diversity. More traffic and more distinct speakers push heat
// up, idle time pulls it toward zero.
func (c *Cluster) Heat(now time.Time, tau time.Duration, saturation float64) float64 {
	if len(c.hits) == 0 || saturation <= 0 || tau <= 0 {
		return 0
	}

	var recency float64
	for _, at := range c.hits {
		age := now.Sub(at)
		if age < 0 {
			continue
		}
		recency += math.Exp(-age.Seconds() / tau.Seconds())
	}

	diversity := math.Min(1, float64(len(c.Participants))/3)
	return math.Min(1, recency/saturation*diversity)
}

// hasInTail reports whether this exact message is already retained.
func (c *Cluster) hasInTail(msg bus.Message) bool {
	for _, m := range c.tail {
		if m.SenderID == msg.SenderID && m.Content == msg.Content && m.Timestamp.Equal(msg.Timestamp) {
			return true
		}
	}
	return false
}

// participantList returns sorted participant ids.
func (c *Cluster) participantList() []string {
	out := make([]string, 0, len(c.Participants))
	for id := range c.Participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// tailCopy returns the retained message tail.
func (c *Cluster) tailCopy() []bus.Message {
	out := make([]bus.Message, len(c.tail))
	copy(out, c.tail)
	return out
}
