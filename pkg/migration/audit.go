// Package migration is the migration coordinator (C9): orchestrates
// WORLD/GAME/FULL player migrations across the session state machine
// (pkg/gate), guards against concurrent migrations for the same player,
// enforces an overall deadline, and publishes an audit event for every
// migration that passes the in-flight claim and the GAMING -> MIGRATING
// transition; a migration rejected at either of those checks publishes
// nothing (spec.md §4.9).
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/stonegate/slgcore/internal/mlog"
)

// AuditEvent is the JSON body published for every migration outcome.
// Grounded on components/consumer's producer idiom (publish a JSON message
// body to a fixed exchange/routing key over an amqp091-go channel).
type AuditEvent struct {
	PlayerID  int64  `json:"playerId"`
	Kind      string `json:"kind"`
	Result    string `json:"result"` // "success" | "rolled_back" | "timeout"
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// AuditPublisher publishes migration outcomes. Defined as an interface so
// tests substitute a recording fake.
type AuditPublisher interface {
	PublishMigrationEvent(ctx context.Context, event AuditEvent) error
}

// RabbitMQAuditPublisher publishes to a fixed exchange/routing key pair,
// the same shape as components/consumer's ProducerRabbitMQRepository.
type RabbitMQAuditPublisher struct {
	Channel  *amqp.Channel
	Exchange string
	Logger   mlog.Logger
}

func (p *RabbitMQAuditPublisher) PublishMigrationEvent(ctx context.Context, event AuditEvent) error {
	if p.Channel == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("migration: marshal audit event: %w", err)
	}

	routingKey := "migration." + event.Kind + "." + event.Result

	err = p.Channel.PublishWithContext(ctx, p.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		if p.Logger != nil {
			p.Logger.Errorf("migration: publish audit event for player %d: %v", event.PlayerID, err)
		}

		return fmt.Errorf("migration: publish audit event: %w", err)
	}

	return nil
}

// MongoAuditPublisher archives migration outcomes as schemaless documents,
// the teacher's metadata-repository idiom applied to an audit trail that
// has no fixed shape across WORLD/GAME/FULL kinds and doesn't need one.
type MongoAuditPublisher struct {
	Collection *mongo.Collection
	Logger     mlog.Logger
}

func (p *MongoAuditPublisher) PublishMigrationEvent(ctx context.Context, event AuditEvent) error {
	if p.Collection == nil {
		return nil
	}

	doc := bson.M{
		"playerId":  event.PlayerID,
		"kind":      event.Kind,
		"result":    event.Result,
		"reason":    event.Reason,
		"timestamp": event.Timestamp,
	}

	if _, err := p.Collection.InsertOne(ctx, doc); err != nil {
		if p.Logger != nil {
			p.Logger.Errorf("migration: archive audit event for player %d: %v", event.PlayerID, err)
		}

		return fmt.Errorf("migration: archive audit event: %w", err)
	}

	return nil
}

// FanOutAuditPublisher publishes to every configured sink, tolerating any
// individual sink's failure and returning the first error encountered.
type FanOutAuditPublisher struct {
	Publishers []AuditPublisher
}

func (p *FanOutAuditPublisher) PublishMigrationEvent(ctx context.Context, event AuditEvent) error {
	var firstErr error

	for _, pub := range p.Publishers {
		if err := pub.PublishMigrationEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// stampedEvent fills in Timestamp, since callers construct AuditEvent
// without one (spec.md treats publish time as a concern of the publisher
// boundary, not of Migrate's own return value).
func stampedEvent(event AuditEvent) AuditEvent {
	event.Timestamp = time.Now().UnixMilli()
	return event
}
