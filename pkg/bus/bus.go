// Package bus publishes domain events to named topics over Redis pub/sub.
// Publication is strictly downstream of the state mutation it announces: it
// never participates in the mutating transaction, and a failed publish never
// reverts a committed change.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fansvoice/backend/pkg/breaker"
)

const (
	channelPrefix  = "bus:"
	publishTimeout = 5 * time.Second

	// DefaultRetryBase is the base delay of the exponential backoff
	// (delay = base * 2^attempt).
	DefaultRetryBase = time.Second
)

// Session event topics.
const (
	TopicSessions     = "sessions"
	TopicControl      = "sessions.control"
	TopicPosition     = "sessions.position"
	TopicParticipants = "sessions.participants"
)

// Envelope is the wire form of a published event.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	At      int64           `json:"at"`
}

// Publisher publishes to named topics, guarded by a circuit breaker per topic.
type Publisher struct {
	rdb       *redis.Client
	breakers  *breaker.Registry
	logger    *zap.Logger
	retryBase time.Duration
}

// NewPublisher creates a topic publisher. breakers may be nil to disable
// fault isolation (tests).
func NewPublisher(rdb *redis.Client, breakers *breaker.Registry, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{rdb: rdb, breakers: breakers, logger: logger, retryBase: DefaultRetryBase}
}

// Publish makes a single best-effort delivery attempt to topic; failure is
// returned to the caller.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	if p.breakers == nil {
		return p.publish(ctx, topic, payload)
	}
	return p.breakers.Do(ctx, "publish_"+topic, func(ctx context.Context) error {
		return p.publish(ctx, topic, payload)
	})
}

func (p *Publisher) publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event for topic %s: %w", topic, err)
	}
	env, err := json.Marshal(Envelope{Topic: topic, Payload: body, At: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal envelope for topic %s: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, channelPrefix+topic, env).Err(); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	return nil
}

// PublishWithRetry retries Publish with exponential backoff up to attempts
// tries, raising only after exhaustion. Honors ctx cancellation between tries.
func (p *Publisher) PublishWithRetry(ctx context.Context, topic string, payload any, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.Publish(ctx, topic, payload); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		delay := p.retryBase << uint(i)
		p.logger.Warn("publish failed, retrying",
			zap.String("topic", topic),
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Subscribe listens on a topic and invokes handler for each event. Returns a
// cancel function that stops the subscription.
func (p *Publisher) Subscribe(topic string, handler func(payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	sub := p.rdb.Subscribe(ctx, channelPrefix+topic)
	if _, err := sub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe to topic %s: %w", topic, err)
	}
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					p.logger.Warn("invalid event payload", zap.String("topic", topic), zap.Error(err))
					continue
				}
				handler(env.Payload)
			}
		}
	}()
	return cancelCtx, nil
}
