package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}

const entitlementExchange string = "coolvpn_entitlements"

// AMQPBroker publishes entitlement events via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns an entitlement event Producer over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupEntitlementExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for entitlement events")
	}
	return broker, nil
}

func (a *AMQPBroker) setupEntitlementExchange() error {
	return a.channel.ExchangeDeclare(
		entitlementExchange, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// PublishEntitlement publishes the event with its type as the routing key
// so fleet consumers can bind to the subset they care about
func (a *AMQPBroker) PublishEntitlement(ctx context.Context, event EntitlementEvent) error {
	body, err := json.Marshal(&event)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode entitlement event")
	}
	if err := a.channel.Publish(
		entitlementExchange,
		event.Type,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish entitlement event")
	}
	return nil
}
