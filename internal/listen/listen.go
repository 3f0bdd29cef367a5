// Package listen is the external session layer's entry point for change
// events (SPEC_FULL.md §2.2): it receives the events the FSM produced
// after an applied command and fans them out on a Redis Pub/Sub topic,
// which is the concrete shape of "the consensus layer's session-event
// channel" the core's design notes describe. The core itself never
// imports this package, and never depends on delivery succeeding — the
// authoritative per-session event record remains kvmap.Machine.Drain.
package listen

import (
	"context"
	"encoding/json"
	"strconv"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kvmapd/kvmapd/internal/kvmap"
)

const defaultTopic = "kvmap:events"

// wireEvent is the JSON shape published to subscribers.
type wireEvent struct {
	Type string          `json:"type"`
	Key  string          `json:"key"`
	Old  kvmap.Versioned `json:"old,omitempty"`
	New  kvmap.Versioned `json:"new,omitempty"`
}

// Publisher fans kvmap.Event values out to a Redis topic. It implements
// cluster.EventSink.
type Publisher struct {
	rdb   *rdb.Client
	log   *zap.Logger
	topic string
}

// NewPublisher wires a Redis client for event fan-out on topic (defaults
// to "kvmap:events").
func NewPublisher(client *rdb.Client, log *zap.Logger, topic string) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if topic == "" {
		topic = defaultTopic
	}
	return &Publisher{rdb: client, log: log, topic: topic}
}

// sessionTopic derives the per-session channel name from the publisher's
// base topic, so a subscriber only ever receives the events queued for the
// session it opened its watch with (spec §4.5's "keyed by session id").
func sessionTopic(base string, sessionID uint64) string {
	return base + ":" + strconv.FormatUint(sessionID, 10)
}

// Publish delivers events to sessionID's own topic, in order. It satisfies
// cluster.EventSink so the FSM can call it synchronously after Apply
// without blocking the raft apply path on network I/O failures — errors
// are logged, not returned, since event delivery is best-effort relative
// to the authoritative Drain path.
func (p *Publisher) Publish(sessionID uint64, events []kvmap.Event) {
	if len(events) == 0 {
		return
	}
	topic := sessionTopic(p.topic, sessionID)
	ctx := context.Background()
	for _, ev := range events {
		wire := wireEvent{Type: ev.Type.String(), Key: ev.Key, Old: ev.Old, New: ev.New}
		b, err := json.Marshal(wire)
		if err != nil {
			p.log.Warn("listen: marshal event failed", zap.Error(err))
			continue
		}
		if err := p.rdb.Publish(ctx, topic, b).Err(); err != nil {
			p.log.Warn("listen: publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Subscribe returns a Redis subscription for one session's event topic,
// used by a gateway process that owns the actual client connections and
// knows which session it is watching on behalf of.
func Subscribe(ctx context.Context, client *rdb.Client, topic string, sessionID uint64) *rdb.PubSub {
	if topic == "" {
		topic = defaultTopic
	}
	return client.Subscribe(ctx, sessionTopic(topic, sessionID))
}
