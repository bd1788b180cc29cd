package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/observability"
)

// Type names an evaluation lifecycle event.
type Type string

const (
	TypeQueued     Type = "evaluation.queued"
	TypeCompleted  Type = "evaluation.completed"
	TypeFailed     Type = "evaluation.failed"
	TypeOverridden Type = "evaluation.overridden"
	TypeFinalized  Type = "evaluation.finalized"
)

const defaultChannel = "grader"

// Event is the JSON document sent to subscribers.
type Event struct {
	Type         Type      `json:"type"`
	EvaluationID uint      `json:"evaluation_id"`
	SubmissionID uint      `json:"submission_id"`
	Status       string    `json:"status"`
	TotalScore   float64   `json:"total_score"`
	Error        string    `json:"error,omitempty"`
	Source       string    `json:"source"`
	SentAt       time.Time `json:"sent_at"`
}

// Publisher announces evaluation lifecycle changes. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) {}

// BrokerPublisher fans events out to a Redis channel and a NATS subject.
type BrokerPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string
	now          func() time.Time
}

// NewBrokerPublisher builds a publisher. Either broker may be nil.
func NewBrokerPublisher(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) *BrokerPublisher {
	if channelBase == "" {
		channelBase = defaultChannel
	}

	return &BrokerPublisher{
		redis:        redisClient,
		redisChannel: channelBase + ":evaluations",
		nats:         natsConn,
		natsSubject:  strings.ReplaceAll(channelBase, ":", ".") + ".evaluations",
		logger:       logger.With().Str("component", "event_publisher").Logger(),
		nodeID:       uuid.NewString(),
		now:          time.Now,
	}
}

// Publish sends the event to every configured broker and logs failures.
func (p *BrokerPublisher) Publish(ctx context.Context, event Event) {
	event.Source = p.nodeID
	if event.SentAt.IsZero() {
		event.SentAt = p.now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to encode evaluation event")
		return
	}

	if p.redis != nil {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			p.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to publish evaluation event to redis")
		}
	}

	if p.nats != nil {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			p.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to publish evaluation event to nats")
		}
	}

	observability.EventsPublished().WithLabelValues(string(event.Type)).Inc()
}

// Listen delivers events to fn until ctx is cancelled. Redis is preferred when both
// brokers are configured.
func (p *BrokerPublisher) Listen(ctx context.Context, fn func(Event)) error {
	switch {
	case p.redis != nil:
		return p.listenRedis(ctx, fn)
	case p.nats != nil:
		return p.listenNATS(ctx, fn)
	default:
		return errors.New("no event broker configured")
	}
}

func (p *BrokerPublisher) listenRedis(ctx context.Context, fn func(Event)) error {
	pubsub := p.redis.Subscribe(ctx, p.redisChannel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.redisChannel, err)
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("evaluation event subscription closed: %w", err)
		}
		p.handle([]byte(msg.Payload), fn)
	}
}

func (p *BrokerPublisher) listenNATS(ctx context.Context, fn func(Event)) error {
	sub, err := p.nats.Subscribe(p.natsSubject, func(msg *nats.Msg) {
		p.handle(msg.Data, fn)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.natsSubject, err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to drain evaluation event subscription")
	}
	return nil
}

func (p *BrokerPublisher) handle(payload []byte, fn func(Event)) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		p.logger.Warn().Err(err).Msg("invalid evaluation event payload")
		return
	}
	fn(event)
}
