package store

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stonegate/slgcore/internal/mlog"
)

// RabbitMQConnection is a hub for the migration-audit and dead-letter event
// publishers (C9, C3).
type RabbitMQConnection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
}

func (rc *RabbitMQConnection) Connect() error {
	rc.Logger.Info("connecting to rabbitmq...")

	conn, err := amqp.Dial(rc.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("store: dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("store: open channel: %w", err)
	}

	rc.conn = conn
	rc.channel = ch

	rc.Logger.Info("connected to rabbitmq")

	return nil
}

// GetChannel returns the channel, connecting on first use.
func (rc *RabbitMQConnection) GetChannel() (*amqp.Channel, error) {
	if rc.channel == nil {
		if err := rc.Connect(); err != nil {
			return nil, err
		}
	}

	return rc.channel, nil
}

// Close tears down the channel and connection.
func (rc *RabbitMQConnection) Close() error {
	if rc.channel != nil {
		_ = rc.channel.Close()
	}

	if rc.conn != nil {
		return rc.conn.Close()
	}

	return nil
}
