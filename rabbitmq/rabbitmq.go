package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"petshop-service/config"
	"petshop-service/models"
)

// Topology names the exchanges and queues the service publishes to and
// consumes from.
type Topology struct {
	OrderExchange      string
	OrderQueue         string
	DelayExchange      string
	DeadLetterExchange string
	DeadLetterQueue    string
	MaxPriority        int
}

func TopologyFromConfig(cfg *config.Config) Topology {
	return Topology{
		OrderExchange:      cfg.OrderExchange,
		OrderQueue:         cfg.OrderQueue,
		DelayExchange:      cfg.DelayExchange,
		DeadLetterExchange: cfg.DeadLetterQueue + "_exchange",
		DeadLetterQueue:    cfg.DeadLetterQueue,
		MaxPriority:        cfg.MaxPriority,
	}
}

// orderQueueArgs routes rejected order messages to the dead-letter queue.
func (t Topology) orderQueueArgs() amqp.Table {
	return amqp.Table{
		"x-max-priority":            t.MaxPriority,
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	}
}

type RabbitMQ struct {
	conn *amqp.Connection
	topo Topology

	mu      sync.Mutex // serialises publishes on ch
	ch      *amqp.Channel
	delayOK bool
}

func NewRabbitMQ(cfg *config.Config) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &RabbitMQ{conn: conn, ch: ch, topo: TopologyFromConfig(cfg)}, nil
}

func (r *RabbitMQ) Topology() Topology { return r.topo }

// SetupQueues declares the dead-letter, order and delay topology. Delayed
// payment checks are published to the delay exchange and land in the order
// queue once their delay expires.
func (r *RabbitMQ) SetupQueues() error {
	t := r.topo
	steps := []struct {
		what string
		fn   func() error
	}{
		{"dead-letter exchange", func() error { return declareExchange(r.ch, t.DeadLetterExchange, "direct", nil) }},
		{"dead-letter queue", func() error {
			return declareQueue(r.ch, t.DeadLetterQueue, amqp.Table{"x-queue-type": "classic"})
		}},
		{"dead-letter binding", func() error {
			return r.ch.QueueBind(t.DeadLetterQueue, t.DeadLetterQueue, t.DeadLetterExchange, false, nil)
		}},
		{"order exchange", func() error { return declareExchange(r.ch, t.OrderExchange, "direct", nil) }},
		{"order queue", func() error { return declareQueue(r.ch, t.OrderQueue, t.orderQueueArgs()) }},
		{"order binding", func() error {
			return r.ch.QueueBind(t.OrderQueue, t.OrderQueue, t.OrderExchange, false, nil)
		}},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("declare %s: %w", s.what, err)
		}
	}

	ok, err := r.setupDelayExchange()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.delayOK = ok
	r.mu.Unlock()
	return nil
}

// setupDelayExchange needs the rabbitmq_delayed_message_exchange plugin. A
// failed declare closes its channel, so it runs on a throwaway one.
func (r *RabbitMQ) setupDelayExchange() (bool, error) {
	probe, err := r.conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer probe.Close()

	args := amqp.Table{"x-delayed-type": "direct"}
	if err := declareExchange(probe, r.topo.DelayExchange, "x-delayed-message", args); err != nil {
		log.Printf("Warning: delayed exchange not supported, payment checks disabled: %v", err)
		return false, nil
	}
	if err := probe.QueueBind(r.topo.OrderQueue, r.topo.OrderQueue, r.topo.DelayExchange, false, nil); err != nil {
		return false, fmt.Errorf("bind order queue to delay exchange: %w", err)
	}
	return true, nil
}

func declareExchange(ch *amqp.Channel, name, kind string, args amqp.Table) error {
	return ch.ExchangeDeclare(name, kind, true, false, false, false, args)
}

func declareQueue(ch *amqp.Channel, name string, args amqp.Table) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, args)
	return err
}

func (r *RabbitMQ) PublishOrderEvent(ctx context.Context, evt models.OrderEvent, priority uint8) error {
	msg, err := eventMessage(evt)
	if err != nil {
		return err
	}
	msg.Priority = priority
	return r.publish(ctx, r.topo.OrderExchange, msg)
}

// PublishDelayedEvent is a no-op when the broker lacks the delayed message
// plugin.
func (r *RabbitMQ) PublishDelayedEvent(ctx context.Context, evt models.OrderEvent, delay time.Duration) error {
	r.mu.Lock()
	ok := r.delayOK
	r.mu.Unlock()
	if !ok {
		return nil
	}
	msg, err := eventMessage(evt)
	if err != nil {
		return err
	}
	msg.Headers = amqp.Table{"x-delay": delay.Milliseconds()}
	return r.publish(ctx, r.topo.DelayExchange, msg)
}

func eventMessage(evt models.OrderEvent) (amqp.Publishing, error) {
	body, err := EncodeEvent(evt)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  ContentType,
		Type:         evt.Type,
		Body:         body,
	}, nil
}

func (r *RabbitMQ) publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ch.PublishWithContext(ctx, exchange, r.topo.OrderQueue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s event to %s: %w", msg.Type, exchange, err)
	}
	return nil
}

// ConsumerChannel opens a dedicated channel for consumers with the given
// prefetch.
func (r *RabbitMQ) ConsumerChannel(prefetch int) (*amqp.Channel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return ch, nil
}

func (r *RabbitMQ) Close() {
	if err := r.ch.Close(); err != nil {
		log.Printf("Failed to close RabbitMQ channel: %v", err)
	}
	if err := r.conn.Close(); err != nil {
		log.Printf("Failed to close RabbitMQ connection: %v", err)
	}
}
