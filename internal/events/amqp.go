package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/workflow"
	"github.com/pitabwire/labflow/model"
)

const (
	defaultPublishTimeout = 5 * time.Second
	defaultQueueSize      = 1024
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
}

// StageMessage is the body published for every persisted transition.
type StageMessage struct {
	EventID    string      `json:"event_id"`
	RecordID   string      `json:"record_id"`
	Action     string      `json:"action"`
	From       model.Stage `json:"from,omitempty"`
	To         model.Stage `json:"to"`
	TestType   string      `json:"test_type,omitempty"`
	ActorID    string      `json:"actor_id"`
	FacilityID string      `json:"facility_id,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// AMQPPublisher sends successful transitions to a topic exchange. Routing keys
// have the form "lab.<action>.<stage>", e.g. "lab.stage_submitted.processed".
//
// OnStageEvent only enqueues; a single worker publishes in order. When the
// queue is full or the breaker is open the message is dropped. Failures are
// logged and counted, never returned to the workflow.
type AMQPPublisher struct {
	ch       Channel
	exchange string
	logger   *zap.Logger
	metrics  *observability.Metrics
	breaker  *Breaker
	timeout  time.Duration
	now      func() time.Time

	queueSize int
	queue     chan outbound
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

type outbound struct {
	key    string
	msg    StageMessage
	pub    amqp.Publishing
	logger *zap.Logger
}

// PublisherOption configures optional dependencies.
type PublisherOption func(*AMQPPublisher)

// WithPublisherMetrics counts publish outcomes.
func WithPublisherMetrics(m *observability.Metrics) PublisherOption {
	return func(p *AMQPPublisher) { p.metrics = m }
}

// WithQueueSize bounds the number of messages waiting to be published.
func WithQueueSize(n int) PublisherOption {
	return func(p *AMQPPublisher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithPublishTimeout bounds a single publish.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *AMQPPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *Breaker) PublisherOption {
	return func(p *AMQPPublisher) { p.breaker = b }
}

// NewPublisher creates an AMQPPublisher over an open channel and starts its
// worker. Call Close to flush and stop it.
func NewPublisher(ch Channel, exchange string, logger *zap.Logger, opts ...PublisherOption) *AMQPPublisher {
	p := &AMQPPublisher{
		ch:        ch,
		exchange:  exchange,
		logger:    logger,
		timeout:   defaultPublishTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = NewBreaker(defaultBreakerThreshold, defaultBreakerCooldown)
	}
	p.queue = make(chan outbound, p.queueSize)
	go p.run()
	return p
}

// Dial connects to url, declares a durable topic exchange and returns a
// publisher plus a closer that flushes it and closes the connection.
func Dial(url, exchange string, logger *zap.Logger, opts ...PublisherOption) (*AMQPPublisher, func(), error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("events: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}

	p := NewPublisher(ch, exchange, logger, opts...)
	closer := func() {
		p.Close()
		_ = ch.Close()
		_ = conn.Close()
	}
	return p, closer, nil
}

// RoutingKey returns the routing key for a transition.
func RoutingKey(action string, to model.Stage) string {
	stage := strings.ReplaceAll(strings.ToLower(string(to)), " ", "_")
	return "lab." + action + "." + stage
}

// OnStageEvent implements workflow.StageObserver.
func (p *AMQPPublisher) OnStageEvent(ctx context.Context, e workflow.TransitionEvent) {
	if !e.Success {
		return
	}

	msg := StageMessage{
		EventID:    uuid.New().String(),
		RecordID:   e.RecordID,
		Action:     e.Action,
		From:       e.From,
		To:         e.To,
		TestType:   e.TestType,
		ActorID:    e.ActorID,
		OccurredAt: p.now(),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		msg.FacilityID = rctx.FacilityID
	}
	logger := observability.RequestLogger(ctx, p.logger)

	body, err := json.Marshal(msg)
	if err != nil {
		logger.Error("stage event encode failed", zap.String("record_id", e.RecordID), zap.Error(err))
		p.record("error")
		return
	}
	headers := amqp.Table{}
	observability.InjectTraceContext(ctx, tableCarrier(headers))

	out := outbound{
		key: RoutingKey(e.Action, e.To),
		msg: msg,
		pub: amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.EventID,
			Timestamp:     msg.OccurredAt,
			Type:          msg.Action,
			CorrelationId: correlationID(ctx),
			Headers:       headers,
			Body:          body,
		},
		logger: logger,
	}
	if !p.enqueue(out) {
		logger.Warn("stage event dropped, publish queue full",
			zap.String("record_id", e.RecordID),
			zap.Int("queue_size", p.queueSize),
		)
		p.record("dropped")
	}
}

func (p *AMQPPublisher) enqueue(out outbound) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- out:
		return true
	default:
		return false
	}
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	for out := range p.queue {
		p.deliver(out)
	}
}

func (p *AMQPPublisher) deliver(out outbound) {
	if !p.breaker.Allow() {
		p.record("dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.ch.PublishWithContext(ctx, p.exchange, out.key, false, false, out.pub); err != nil {
		out.logger.Error("stage event publish failed",
			zap.String("record_id", out.msg.RecordID),
			zap.String("exchange", p.exchange),
			zap.Error(err),
		)
		p.record("error")
		if p.breaker.Failure() {
			p.logger.Warn("broker circuit breaker opened", zap.String("exchange", p.exchange))
		}
		return
	}
	p.breaker.Success()
	p.record("success")
}

// Close stops accepting events, publishes what is already queued and waits
// for the worker to finish. It is safe to call more than once.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *AMQPPublisher) record(status string) {
	if p.metrics != nil {
		p.metrics.RecordEventPublished(status)
	}
}

// HealthCheck implements observability.HealthChecker.
func (p *AMQPPublisher) HealthCheck(_ context.Context) error {
	if p.ch.IsClosed() {
		return errors.New("broker channel is closed")
	}
	if state := p.breaker.State(); state == BreakerOpen {
		return fmt.Errorf("broker circuit breaker is %s", state)
	}
	return nil
}

func correlationID(ctx context.Context) string {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return rctx.CorrelationID
	}
	return ""
}

// tableCarrier adapts amqp.Table to propagation.TextMapCarrier.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c tableCarrier) Set(key, value string) { c[key] = value }

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
