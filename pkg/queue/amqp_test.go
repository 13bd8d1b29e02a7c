package queue

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestDeclareArgsRequestQuorumQueue(t *testing.T) {
	args := declareArgs()
	if args["x-queue-type"] != "quorum" {
		t.Fatalf("expected quorum queue type, got %v", args["x-queue-type"])
	}
}

func TestDeliveryCountGrowsWithRedeliveries(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqp.Delivery
		want     int
	}{
		{"first delivery", amqp.Delivery{}, 1},
		{"redelivered without header", amqp.Delivery{Redelivered: true}, 2},
		{
			"first quorum redelivery",
			amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int64(1)}},
			2,
		},
		{
			"fourth quorum redelivery",
			amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int64(4)}},
			5,
		},
		{
			"int32 header",
			amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int32(2)}},
			3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deliveryCount(tt.delivery); got != tt.want {
				t.Fatalf("expected delivery count %d, got %d", tt.want, got)
			}
		})
	}
}
