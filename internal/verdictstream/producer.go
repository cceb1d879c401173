// Package verdictstream forwards every evaluated telemetry event to a Kafka topic for downstream
// SIEM consumers. Delivery is best-effort and never blocks ingestion.
package verdictstream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/metrics"
	"github.com/ocsafe/cyberguard/internal/models"
)

// emitTimeout is the max time allowed for a single async emit. Close waits at most this long for in-flight emits.
const emitTimeout = 5 * time.Second

// Record is the message value written for each evaluated event.
type Record struct {
	EventID        uuid.UUID      `json:"event_id"`
	OrganizationID int64          `json:"organization_id"`
	DeviceID       int64          `json:"device_id"`
	Action         string         `json:"action"`
	Timestamp      time.Time      `json:"timestamp"`
	Verdict        models.Verdict `json:"threat_evaluation"`
}

// MessageWriter is the subset of *kafka.Writer used by Producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BreakerSettings configures the circuit breaker around Kafka writes.
type BreakerSettings struct {
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // how long to stay open before probing
}

// Producer writes verdict records through a circuit breaker. A nil *Producer is a valid no-op.
type Producer struct {
	writer  MessageWriter
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaProducer creates a producer for topic. It returns nil when brokers or topic are empty.
func NewKafkaProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return NewProducer(writer, BreakerSettings{}, logger)
}

// NewProducer wraps an arbitrary writer.
func NewProducer(w MessageWriter, s BreakerSettings, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "verdict-stream",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("verdict stream breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Producer{writer: w, breaker: cb, logger: logger}
}

// Emit writes one record. Records are keyed by organization so each tenant's stream stays ordered.
func (p *Producer) Emit(ctx context.Context, rec Record) error {
	if p == nil || p.writer == nil {
		return nil
	}
	value, err := json.Marshal(rec)
	if err != nil {
		metrics.VerdictStreamErrors.WithLabelValues("encode").Inc()
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(rec.OrganizationID, 10)),
		Value: value,
		Time:  rec.Timestamp,
	}
	_, err = p.breaker.Execute(func() (struct{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, emitTimeout)
		defer cancel()
		return struct{}{}, p.writer.WriteMessages(writeCtx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.VerdictStreamErrors.WithLabelValues("breaker_open").Inc()
		} else {
			metrics.VerdictStreamErrors.WithLabelValues("write").Inc()
		}
		return err
	}
	return nil
}

// EmitAsync runs Emit in a goroutine so the caller is not blocked; errors are logged.
// The goroutine uses its own timeout so request cancellation does not abort the write.
// Records emitted after Close are dropped.
func (p *Producer) EmitAsync(rec Record) {
	if p == nil || p.writer == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		metrics.VerdictStreamErrors.WithLabelValues("closed").Inc()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		if err := p.Emit(context.Background(), rec); err != nil {
			p.logger.Debug("verdict stream emit failed", zap.String("event_id", rec.EventID.String()), zap.Error(err))
		}
	}()
}

// Close waits for in-flight emits and closes the writer. Safe on a nil Producer and idempotent.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(emitTimeout):
		p.logger.Warn("verdict stream close timed out waiting for in-flight emits")
	}
	return p.writer.Close()
}
