// Package events is the in-process progress bus: per-topic sequenced
// fan-out with bounded replay buffers. Scan and action progress flows
// through it to SSE streams and the alert notifier.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Kind classifies an event within a topic.
type Kind string

const (
	KindProgress Kind = "progress"
	KindPhase    Kind = "phase"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one sequenced message on a topic.
type Event struct {
	Topic    string          `json:"topic"`
	Sequence uint64          `json:"sequence"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ScanTopic names the progress topic for a scan.
func ScanTopic(scanID string) string { return "scan:" + scanID }

// ActionTopic names the progress topic for an action batch.
func ActionTopic(batchID string) string { return "action:" + batchID }

// OverflowMarker is the phase payload emitted when a topic buffer drops
// its oldest events, so subscribers can detect loss.
const OverflowMarker = `{"phase":"overflow"}`

const (
	defaultBufferSize    = 256
	subscriberChanBuffer = 64
)

// subscriber is one live consumer of a topic.
type subscriber struct {
	id string
	ch chan Event
}

// topicState holds a topic's sequence counter, replay ring, and consumers.
type topicState struct {
	nextSeq uint64
	ring    []Event // at most bufferSize, oldest first
	subs    map[string]*subscriber
}

// Bus is the single-process publish/subscribe hub. Delivery to a live
// subscriber is at-least-once; (topic, sequence) makes duplicates
// detectable. A slow subscriber misses events rather than blocking the
// publisher, and can Replay from its last seen sequence.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topicState
	bufferSize int
	logger     *slog.Logger

	// mirror, when set, republishes terminal events to Redis so sibling
	// processes can observe completion without subscribing in-process.
	mirror *redis.Client
}

// NewBus creates an event bus. rdb may be nil to disable cross-process
// mirroring.
func NewBus(rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{
		topics:     make(map[string]*topicState),
		bufferSize: defaultBufferSize,
		logger:     logger,
		mirror:     rdb,
	}
}

func (b *Bus) topic(name string) *topicState {
	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{nextSeq: 1, subs: make(map[string]*subscriber)}
		b.topics[name] = ts
	}
	return ts
}

// Publish assigns the next sequence on the topic and fans the event out.
// It never blocks: a subscriber with a full channel skips the event and
// recovers it via Replay.
func (b *Bus) Publish(ctx context.Context, topic string, kind Kind, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding event payload: %w", err)
	}

	b.mu.Lock()
	ts := b.topic(topic)
	ev := Event{Topic: topic, Sequence: ts.nextSeq, Kind: kind, Payload: raw}
	ts.nextSeq++

	// Buffer for replay; on overflow drop the oldest and keep a marker in
	// the head slot recording the highest lost sequence, so late readers
	// see the gap.
	if len(ts.ring) >= b.bufferSize {
		copy(ts.ring, ts.ring[1:])
		ts.ring[len(ts.ring)-1] = ev
		ts.ring[0] = Event{
			Topic:    topic,
			Sequence: ts.ring[1].Sequence - 1,
			Kind:     KindPhase,
			Payload:  json.RawMessage(OverflowMarker),
		}
	} else {
		ts.ring = append(ts.ring, ev)
	}

	for _, sub := range ts.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: skip, it can replay.
		}
	}
	b.mu.Unlock()

	if b.mirror != nil && (kind == KindComplete || kind == KindError) {
		msg, _ := json.Marshal(ev)
		if err := b.mirror.Publish(ctx, "filepilot:events", msg).Err(); err != nil {
			b.logger.Warn("mirroring event to redis", "error", err, "topic", topic)
		}
	}

	return ev, nil
}

// Subscribe registers a consumer on the topic and returns its channel plus
// a cancel function. Subscribing twice with the same id replaces the first
// subscription.
func (b *Bus) Subscribe(topic, subscriberID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.topic(topic)
	if old, ok := ts.subs[subscriberID]; ok {
		close(old.ch)
	}
	sub := &subscriber{id: subscriberID, ch: make(chan Event, subscriberChanBuffer)}
	ts.subs[subscriberID] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := ts.subs[subscriberID]; ok && cur == sub {
			delete(ts.subs, subscriberID)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Replay returns the buffered events on the topic with sequence >= from,
// oldest first. Events older than the buffer are gone; the first returned
// event may be an overflow marker.
func (b *Bus) Replay(topic string, from uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[topic]
	if !ok {
		return nil
	}

	var out []Event
	for _, ev := range ts.ring {
		if ev.Sequence >= from {
			out = append(out, ev)
		}
	}
	return out
}

// LastSequence returns the highest sequence assigned on the topic, or 0 if
// nothing was published.
func (b *Bus) LastSequence(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return ts.nextSeq - 1
}

// Forget drops a topic's buffer and subscribers. Called when a job's
// record is past retention.
func (b *Bus) Forget(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[topic]
	if !ok {
		return
	}
	for _, sub := range ts.subs {
		close(sub.ch)
	}
	delete(b.topics, topic)
}
