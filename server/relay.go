package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
)

const (
	defaultRelayChannel = "almasync:events"
	relayQueueSize      = 256
	relayPublishTimeout = 2 * time.Second
)

// relayEnvelope wraps an event with the id of the node that produced it
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// Relay mirrors hub events across nodes through a Redis pub/sub channel, so an
// observer connected to any node sees schedules executed on every node.
type Relay struct {
	client  *goredis.Client
	channel string
	nodeID  string
	out     chan []byte
	drops   atomic.Int64
	logger  *zap.SugaredLogger
}

// NewRelay connects to Redis at url (redis://[:password@]host:port/db)
func NewRelay(url, channel string, log *zap.SugaredLogger) (*Relay, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.NewConfigurationError("redis url is required for the event relay")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrConfiguration), "invalid server.redis_url")
	}
	return newRelay(goredis.NewClient(opts), channel, log), nil
}

func newRelay(client *goredis.Client, channel string, log *zap.SugaredLogger) *Relay {
	if channel == "" {
		channel = defaultRelayChannel
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		out:     make(chan []byte, relayQueueSize),
		logger:  log.Named("relay"),
	}
}

// Ping checks that Redis is reachable
func (r *Relay) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.MarkExternalService(err, "redis ping failed")
	}
	return nil
}

// Publish queues a serialized event for other nodes. It never blocks.
func (r *Relay) Publish(payload []byte) {
	select {
	case r.out <- payload:
	default:
		r.drops.Add(1)
	}
}

// Run publishes queued events and delivers events from other nodes until ctx is done
func (r *Relay) Run(ctx context.Context, deliver func([]byte) int) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	r.logger.Infow("Event relay subscribed", "channel", r.channel, "node", r.nodeID)
	incoming := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.out:
			r.publish(ctx, payload)
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			r.handleMessage([]byte(msg.Payload), deliver)
		}
	}
}

func (r *Relay) publish(ctx context.Context, payload []byte) {
	body, err := r.encode(payload)
	if err != nil {
		r.logger.Errorw("Failed to encode relay envelope", logger.FieldError, err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, body).Err(); err != nil {
		r.logger.Warnw("Failed to publish event to relay", logger.FieldError, err)
	}
}

func (r *Relay) encode(payload []byte) ([]byte, error) {
	return json.Marshal(relayEnvelope{Origin: r.nodeID, Event: payload})
}

// handleMessage delivers an event from another node. Events this node
// published come back through the subscription and are skipped.
func (r *Relay) handleMessage(body []byte, deliver func([]byte) int) bool {
	var env relayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.logger.Debugw("Ignoring malformed relay message", logger.FieldError, err)
		return false
	}
	if env.Origin == r.nodeID || len(env.Event) == 0 {
		return false
	}
	deliver(env.Event)
	return true
}

// Close releases the Redis connection pool
func (r *Relay) Close() error {
	return r.client.Close()
}
