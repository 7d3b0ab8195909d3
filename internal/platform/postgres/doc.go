// Package postgres provides the consumer's PostgreSQL datastore handle.
// It opens the connection pool through the pgx database/sql driver, applies
// the embedded goose migrations, and implements consumer.DeliveryLog so
// delivery attempts and dead-lettered messages survive consumer restarts.
package postgres
