package ports

import (
	"sync"
	"time"

	"github.com/juju/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mkarlin/sagaflow/types"
	"github.com/mkarlin/sagaflow/utils"
)

/**
 * AmqpBus publishes workflow events to a RabbitMQ exchange. Events are
 * JSON envelopes carrying the emitting transaction's coordinates, the
 * event name doubles as routing key.
 */
type AmqpBus struct {
	mu sync.Mutex

	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewAmqpBus(url, exchange string) (*AmqpBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", url)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.Annotatef(err, "declare exchange %s", exchange)
	}

	return &AmqpBus{conn: conn, channel: channel, exchange: exchange}, nil
}

type eventEnvelope struct {
	Event         string     `json:"event"`
	TransactionID string     `json:"transaction_id"`
	WorkflowID    string     `json:"workflow_id"`
	StepID        string     `json:"step_id"`
	Payload       types.Data `json:"payload,omitempty"`
	EmittedAt     time.Time  `json:"emitted_at"`
}

func (b *AmqpBus) Emit(ctx types.Context, name string, payload types.Data) error {
	body, err := utils.Serialize(&eventEnvelope{
		Event:         name,
		TransactionID: ctx.GetTransactionID(),
		WorkflowID:    ctx.GetWorkflowID(),
		StepID:        ctx.GetStepID(),
		Payload:       payload,
		EmittedAt:     time.Now(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel == nil {
		return errors.New("bus is closed")
	}
	err = b.channel.PublishWithContext(ctx, b.exchange, name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    ctx.GetTransactionID() + "/" + ctx.GetStepID(),
		Body:         body,
	})
	return errors.Annotatef(err, "publish %s", name)
}

func (b *AmqpBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		b.channel.Close()
		b.channel = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return errors.Trace(err)
	}
	return nil
}
