package verdictstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocsafe/cyberguard/internal/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	calls  int
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func record() Record {
	return Record{
		EventID:        uuid.New(),
		OrganizationID: 42,
		DeviceID:       7,
		Action:         "process_launch",
		Timestamp:      time.Now().UTC(),
		Verdict:        models.Verdict{IsThreat: true, RiskScore: 90, Reasons: []string{"Malicious process detected"}},
	}
}

func TestEmit_KeyedByOrganization(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(w, BreakerSettings{}, nil)

	rec := record()
	require.NoError(t, p.Emit(context.Background(), rec))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))

	var got Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, rec.EventID, got.EventID)
	assert.Equal(t, 90, got.Verdict.RiskScore)
}

func TestEmit_BreakerOpensAfterFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := NewProducer(w, BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)

	assert.Error(t, p.Emit(context.Background(), record()))
	assert.Error(t, p.Emit(context.Background(), record()))

	err := p.Emit(context.Background(), record())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, w.calls, "open breaker short-circuits writes")
}

func TestEmitAsync_CloseDrains(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(w, BreakerSettings{}, nil)
	for i := 0; i < 5; i++ {
		p.EmitAsync(record())
	}
	require.NoError(t, p.Close())
	assert.Equal(t, 5, w.count())
	assert.True(t, w.closed)
}

func TestNilProducer(t *testing.T) {
	var p *Producer
	assert.NoError(t, p.Emit(context.Background(), record()))
	p.EmitAsync(record())
	assert.NoError(t, p.Close())

	assert.Nil(t, NewKafkaProducer(nil, "topic", nil))
	assert.Nil(t, NewKafkaProducer([]string{"localhost:9092"}, "", nil))
}

func TestEmitAsync_ConcurrentWithClose(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(w, BreakerSettings{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.EmitAsync(record())
			}
		}()
	}
	require.NoError(t, p.Close())
	wg.Wait()
	assert.True(t, w.closed)

	n := w.count()
	p.EmitAsync(record())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, w.count(), "records after Close are dropped")
	assert.NoError(t, p.Close(), "second Close is a no-op")
}
