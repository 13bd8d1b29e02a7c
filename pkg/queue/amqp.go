package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oarkflow/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

// AMQP backs the queue contract with a durable RabbitMQ queue. Deliveries are
// consumed with manual acks; an unacked message returns to the queue when the
// channel or connection closes, which is how the broker approximates the
// visibility-timeout contract. The visibility argument to Receive therefore
// only bounds how long Receive waits for deliveries.
type AMQP struct {
	uri       string
	queueName string
	conn      *amqp.Connection
	channel   *amqp.Channel
	consumer  <-chan amqp.Delivery
	mu        sync.Mutex
}

func NewAMQP(uri, queueName string) *AMQP {
	if queueName == "" {
		queueName = "default"
	}
	return &AMQP{uri: uri, queueName: queueName}
}

func (a *AMQP) Setup(ctx context.Context) error {
	conn, err := amqp.Dial(a.uri)
	if err != nil {
		return err
	}
	a.conn = conn
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	a.channel = ch
	_, err = ch.QueueDeclare(
		a.queueName,
		true,
		false,
		false,
		false,
		declareArgs(),
	)
	return err
}

// declareArgs declares a quorum queue. Classic queues only expose the boolean
// Redelivered flag, which saturates the retry budget at two attempts; quorum
// queues stamp every redelivery with the x-delivery-count header.
func declareArgs() amqp.Table {
	return amqp.Table{"x-queue-type": "quorum"}
}

func (a *AMQP) Send(ctx context.Context, body []byte) error {
	if a.channel == nil {
		return fmt.Errorf("amqp queue not set up")
	}
	return a.channel.PublishWithContext(ctx,
		"", // default exchange
		a.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (a *AMQP) Receive(ctx context.Context, max int, visibility time.Duration) ([]contracts.Message, error) {
	if max <= 0 {
		max = 1
	}
	consumer, err := a.ensureConsumer(max)
	if err != nil {
		return nil, err
	}
	var out []contracts.Message
	timer := time.NewTimer(visibility)
	defer timer.Stop()
	for len(out) < max {
		select {
		case d, ok := <-consumer:
			if !ok {
				return out, nil
			}
			out = append(out, contracts.Message{
				ID:            strconv.FormatUint(d.DeliveryTag, 10),
				Body:          d.Body,
				DeliveryCount: deliveryCount(d),
				Receipt:       d,
			})
			if len(out) == 1 {
				// First delivery in hand; only drain what is already buffered.
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(50 * time.Millisecond)
			}
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (a *AMQP) ensureConsumer(prefetch int) (<-chan amqp.Delivery, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consumer != nil {
		return a.consumer, nil
	}
	if a.channel == nil {
		return nil, fmt.Errorf("amqp queue not set up")
	}
	if err := a.channel.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	consumer, err := a.channel.Consume(
		a.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}
	a.consumer = consumer
	return consumer, nil
}

func (a *AMQP) Ack(ctx context.Context, msg contracts.Message) error {
	d, ok := msg.Receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("message %s carries no amqp receipt", msg.ID)
	}
	return d.Ack(false)
}

func deliveryCount(d amqp.Delivery) int {
	if d.Headers != nil {
		if raw, ok := d.Headers["x-delivery-count"]; ok {
			switch v := raw.(type) {
			case int32:
				return int(v) + 1
			case int64:
				return int(v) + 1
			}
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (a *AMQP) Close() error {
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			log.Printf("AMQP channel close error: %v", err)
		}
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
