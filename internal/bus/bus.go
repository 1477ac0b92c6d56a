// Package bus implements async agent-to-agent messaging on Redis.
//
// Each agent owns one ordered inbox stream (agent:{id}:inbox) read through
// consumer groups for at-least-once delivery, plus a pub/sub layer for
// non-persistent topic broadcasts. Entries pending past the visibility
// horizon are reclaimed for another consumer in the same group on the next
// read; that is the retry primitive.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/aetherpro/fabric/internal/fabric"
)

const (
	defaultTTLSeconds = 86400
	defaultMaxLen     = 10000
)

// Bus is the message-bus client. It is safe for concurrent use; the
// underlying Redis client pools connections.
type Bus struct {
	rdb        *redis.Client
	visibility time.Duration
	maxLen     int64
	consumer   string
}

// New connects to Redis and returns a bus client.
func New(redisURL string, visibility time.Duration, maxLen int64) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), visibility, maxLen), nil
}

// NewWithClient wraps an existing Redis client (shared-client mode).
func NewWithClient(rdb *redis.Client, visibility time.Duration, maxLen int64) *Bus {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	host, _ := os.Hostname()
	return &Bus{
		rdb:        rdb,
		visibility: visibility,
		maxLen:     maxLen,
		consumer:   fmt.Sprintf("%s_%d", host, os.Getpid()),
	}
}

// InboxKey is the stream key for an agent's inbox.
func InboxKey(agentID string) string {
	return "agent:" + agentID + ":inbox"
}

// DefaultGroup is the consumer group used when the caller names none.
func DefaultGroup(agentID string) string {
	return agentID + "_workers"
}

func busErr(op string, err error) error {
	log.Warn().Err(err).Str("op", op).Msg("message bus operation failed")
	return fabric.E(fabric.ErrBusUnavailable, "message bus unavailable")
}

// ── Send ────────────────────────────────────────────────────

// SendInput describes one direct message.
type SendInput struct {
	FromAgent     string
	ToAgent       string
	MessageType   string
	Payload       map[string]any
	Priority      fabric.Priority
	ReplyTo       string
	CorrelationID string
	TTLSeconds    int
}

// SendResult reports the ids assigned to a sent message.
type SendResult struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	StreamID  string    `json:"stream_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Send appends a message to the recipient's inbox stream and publishes a
// realtime notification for subscribers.
func (b *Bus) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	msg := fabric.Message{
		MessageID:     "msg:" + uuid.New().String(),
		FromAgent:     in.FromAgent,
		ToAgent:       in.ToAgent,
		MessageType:   in.MessageType,
		Payload:       in.Payload,
		Priority:      in.Priority,
		ReplyTo:       in.ReplyTo,
		CorrelationID: in.CorrelationID,
		TTLSeconds:    in.TTLSeconds,
		Timestamp:     time.Now().UTC(),
	}
	if msg.Priority == "" {
		msg.Priority = fabric.PriorityNormal
	}
	if msg.TTLSeconds <= 0 {
		msg.TTLSeconds = defaultTTLSeconds
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}
	if msg.ReplyTo == "" && msg.MessageType == "task" {
		msg.ReplyTo = "agent:" + msg.FromAgent + ":results"
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, busErr("send", err)
	}

	streamID, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: InboxKey(in.ToAgent),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		return nil, busErr("send", err)
	}

	notify, _ := json.Marshal(map[string]any{
		"from":       msg.FromAgent,
		"type":       msg.MessageType,
		"priority":   msg.Priority,
		"message_id": msg.MessageID,
	})
	if err := b.rdb.Publish(ctx, "agent."+in.ToAgent+".new_message", notify).Err(); err != nil {
		// Notification is best-effort; the message is already durable.
		log.Debug().Err(err).Str("to", in.ToAgent).Msg("new-message notify failed")
	}

	return &SendResult{
		MessageID: msg.MessageID,
		Status:    "queued",
		StreamID:  streamID,
		Timestamp: msg.Timestamp,
	}, nil
}

// ── Receive ─────────────────────────────────────────────────

// Receive reads up to count messages for the agent through the consumer
// group. Entries pending past the visibility horizon are claimed first;
// when none are pending the call blocks up to block for new entries.
func (b *Bus) Receive(ctx context.Context, agentID string, count int, block time.Duration, group string) ([]fabric.Message, error) {
	if count <= 0 {
		count = 10
	}
	if group == "" {
		group = DefaultGroup(agentID)
	}
	key := InboxKey(agentID)

	if err := b.ensureGroup(ctx, key, group); err != nil {
		return nil, err
	}

	var out []fabric.Message

	// Claim entries another consumer left pending past the horizon.
	claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: b.consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, busErr("receive", err)
	}
	out = appendDecoded(out, claimed, group)

	remaining := count - len(out)
	if remaining <= 0 {
		return out, nil
	}
	// go-redis sends BLOCK only for non-negative values, and BLOCK 0 waits
	// forever; negative means a plain non-blocking read.
	if len(out) > 0 || block <= 0 {
		block = -1
	}

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.consumer,
		Streams:  []string{key, ">"},
		Count:    int64(remaining),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil // blocked out with nothing new
		}
		return nil, busErr("receive", err)
	}
	for _, s := range streams {
		out = appendDecoded(out, s.Messages, group)
	}
	return out, nil
}

func (b *Bus) ensureGroup(ctx context.Context, key, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return busErr("ensure group", err)
	}
	return nil
}

func appendDecoded(out []fabric.Message, entries []redis.XMessage, group string) []fabric.Message {
	for _, e := range entries {
		raw, ok := e.Values["data"].(string)
		if !ok {
			continue
		}
		var msg fabric.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Warn().Err(err).Str("entry", e.ID).Msg("undecodable bus entry skipped")
			continue
		}
		msg.StreamEntryID = e.ID
		out = append(out, msg)
	}
	return out
}

// ── Acknowledge ─────────────────────────────────────────────

// AckResult reports the outcome for one acknowledged id.
type AckResult struct {
	ID    string `json:"id"`
	Acked bool   `json:"acked"`
}

// Acknowledge marks entries as processed so they are not redelivered.
// Stream-entry ids are authoritative; "msg:"-prefixed message ids are
// accepted as aliases and resolved through the pending set. Acking an
// already-acked entry succeeds without side effect.
func (b *Bus) Acknowledge(ctx context.Context, agentID string, ids []string, group string) ([]AckResult, error) {
	if group == "" {
		group = DefaultGroup(agentID)
	}
	key := InboxKey(agentID)

	results := make([]AckResult, 0, len(ids))
	for _, id := range ids {
		entryID := id
		if strings.HasPrefix(id, "msg:") {
			resolved, err := b.resolveAlias(ctx, key, group, id)
			if err != nil {
				return nil, err
			}
			if resolved == "" {
				results = append(results, AckResult{ID: id, Acked: false})
				continue
			}
			entryID = resolved
		}
		if err := b.rdb.XAck(ctx, key, group, entryID).Err(); err != nil {
			return nil, busErr("acknowledge", err)
		}
		results = append(results, AckResult{ID: id, Acked: true})
	}
	return results, nil
}

// resolveAlias finds the stream entry carrying the user-facing message id
// among the group's pending entries.
func (b *Bus) resolveAlias(ctx context.Context, key, group, messageID string) (string, error) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", busErr("acknowledge", err)
	}
	for _, p := range pending {
		entries, err := b.rdb.XRangeN(ctx, key, p.ID, p.ID, 1).Result()
		if err != nil || len(entries) == 0 {
			continue
		}
		if raw, ok := entries[0].Values["data"].(string); ok {
			var msg fabric.Message
			if json.Unmarshal([]byte(raw), &msg) == nil && msg.MessageID == messageID {
				return p.ID, nil
			}
		}
	}
	return "", nil
}

// ── Publish / topics ────────────────────────────────────────

// Publish broadcasts to all current subscribers of a topic. Nothing is
// persisted; absent subscribers miss the message.
func (b *Bus) Publish(ctx context.Context, topic string, data map[string]any, fromAgent string) (int64, error) {
	payload, err := json.Marshal(map[string]any{
		"topic":     topic,
		"data":      data,
		"from":      fromAgent,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return 0, busErr("publish", err)
	}
	recipients, err := b.rdb.Publish(ctx, topic, payload).Result()
	if err != nil {
		return 0, busErr("publish", err)
	}
	return recipients, nil
}

// Subscribe opens a pub/sub subscription on the given topics. The caller
// owns the returned subscription and must close it.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, topics...)
}

// Topics lists channels with at least one active subscriber.
func (b *Bus) Topics(ctx context.Context) ([]string, error) {
	channels, err := b.rdb.PubSubChannels(ctx, "*").Result()
	if err != nil {
		return nil, busErr("topics", err)
	}
	return channels, nil
}

// ── Queue status ────────────────────────────────────────────

// GroupStatus summarizes one consumer group on an inbox.
type GroupStatus struct {
	Name      string `json:"name"`
	Consumers int64  `json:"consumers"`
	Pending   int64  `json:"pending"`
	LastID    string `json:"last_delivered_id"`
}

// QueueStatus reports inbox depth and consumer-group state for an agent.
type QueueStatus struct {
	AgentID    string        `json:"agent_id"`
	QueueDepth int64         `json:"queue_depth"`
	Groups     []GroupStatus `json:"groups"`
}

// Status returns the queue status for an agent's inbox.
func (b *Bus) Status(ctx context.Context, agentID string) (*QueueStatus, error) {
	key := InboxKey(agentID)

	depth, err := b.rdb.XLen(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, busErr("queue status", err)
	}

	st := &QueueStatus{AgentID: agentID, QueueDepth: depth, Groups: []GroupStatus{}}
	groups, err := b.rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		// A never-written inbox has no stream key; that is an empty queue,
		// not an error.
		if strings.Contains(err.Error(), "no such key") || errors.Is(err, redis.Nil) {
			return st, nil
		}
		return nil, busErr("queue status", err)
	}
	for _, g := range groups {
		st.Groups = append(st.Groups, GroupStatus{
			Name:      g.Name,
			Consumers: g.Consumers,
			Pending:   g.Pending,
			LastID:    g.LastDeliveredID,
		})
	}
	return st, nil
}

// Ping checks store connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return busErr("ping", err)
	}
	return nil
}

// Close releases the client.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
