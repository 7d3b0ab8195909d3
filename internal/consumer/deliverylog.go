package consumer

import (
	"context"
	"sync"
	"time"
)

// DeadLetter describes a message moved to the dead-letter queue.
type DeadLetter struct {
	MessageID      string
	Queue          string
	Attempts       int
	Reason         string
	Body           []byte
	DeadLetteredAt time.Time
}

// DeliveryLog tracks delivery attempts per message id and records
// dead-lettered messages.
type DeliveryLog interface {
	// RecordAttempt counts one more delivery of messageID and returns the
	// total, this delivery included.
	RecordAttempt(ctx context.Context, messageID string) (int, error)

	// Forget drops the attempt count of a settled message.
	Forget(ctx context.Context, messageID string) error

	// RecordDeadLetter stores a dead-lettered message.
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
}

// MemoryDeliveryLog is a process-local DeliveryLog. Counts are lost on
// restart, so a message may get up to MaxDeliveries more attempts after one.
type MemoryDeliveryLog struct {
	mu          sync.Mutex
	attempts    map[string]int
	deadLetters []DeadLetter
}

var _ DeliveryLog = (*MemoryDeliveryLog)(nil)

// NewMemoryDeliveryLog creates an empty MemoryDeliveryLog.
func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{attempts: make(map[string]int)}
}

// RecordAttempt implements DeliveryLog.
func (l *MemoryDeliveryLog) RecordAttempt(_ context.Context, messageID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[messageID]++
	return l.attempts[messageID], nil
}

// Forget implements DeliveryLog.
func (l *MemoryDeliveryLog) Forget(_ context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, messageID)
	return nil
}

// RecordDeadLetter implements DeliveryLog.
func (l *MemoryDeliveryLog) RecordDeadLetter(_ context.Context, dl DeadLetter) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadLetters = append(l.deadLetters, dl)
	return nil
}

// DeadLetters returns the recorded dead letters, oldest first.
func (l *MemoryDeliveryLog) DeadLetters() []DeadLetter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeadLetter(nil), l.deadLetters...)
}

// Attempts returns the current attempt count for messageID.
func (l *MemoryDeliveryLog) Attempts(messageID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[messageID]
}
