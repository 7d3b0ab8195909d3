package broker

import (
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is the content type of every message the pipeline publishes.
const ContentTypeJSON = "application/json"

// PersistentJSON builds a persistent JSON publishing with a fresh message id.
// kind is carried in the Type property.
func PersistentJSON(kind string, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         kind,
		Body:         body,
	}
}
