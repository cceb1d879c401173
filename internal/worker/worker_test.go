package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/queue"
)

type memThreats struct {
	mu      sync.Mutex
	threats map[uuid.UUID]*models.ThreatRecord
	setErr  error
}

func (m *memThreats) GetThreatByEventID(_ context.Context, id uuid.UUID) (*models.ThreatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threats[id]
	if !ok {
		return nil, errors.New("threat not found")
	}
	cp := *t
	return &cp, nil
}

func (m *memThreats) SetEvidenceKey(_ context.Context, id uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.threats[id].EvidenceKey = &key
	return nil
}

type memStore struct {
	mu   sync.Mutex
	docs map[string]any
	err  error
}

func (m *memStore) PutEvidence(_ context.Context, key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs[key] = v
	return nil
}

type memQueue struct {
	mu      sync.Mutex
	jobs      []*queue.Job
	retried   []*queue.Job
	retryErrs []error // ctx.Err() seen by each Retry
}

func (q *memQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, nil
}

func (q *memQueue) Retry(ctx context.Context, job *queue.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryErrs = append(q.retryErrs, ctx.Err())
	job.Attempt++
	q.retried = append(q.retried, job)
	return job.Attempt >= queue.MaxRetries, nil
}

func fixture(t *testing.T) (*memThreats, *memStore, *queue.Job, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	threats := &memThreats{threats: map[uuid.UUID]*models.ThreatRecord{
		id: {
			EventID:        id,
			OrganizationID: 5,
			DeviceID:       9,
			Timestamp:      time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
			RiskScore:      90,
			Reasons:        []string{"Malicious process detected"},
			Payload:        json.RawMessage(`{"action":"process_launch"}`),
		},
	}}
	job, err := queue.NewJob(queue.JobTypeEvidenceArchive, queue.EvidencePayload{EventID: id, OrganizationID: 5, DeviceID: 9})
	require.NoError(t, err)
	return threats, &memStore{docs: make(map[string]any)}, job, id
}

func TestProcess_ArchivesAndRecordsKey(t *testing.T) {
	threats, store, job, id := fixture(t)
	p := NewEvidenceArchiver(threats, store, &memQueue{}, nil)

	require.NoError(t, p.Process(context.Background(), job))

	key := "evidence/5/2026/02/03/" + id.String() + ".json"
	require.Contains(t, store.docs, key)
	doc := store.docs[key].(EvidenceDocument)
	assert.Equal(t, 90, doc.RiskScore)
	assert.JSONEq(t, `{"action":"process_launch"}`, string(doc.Payload))
	require.NotNil(t, threats.threats[id].EvidenceKey)
	assert.Equal(t, key, *threats.threats[id].EvidenceKey)

	// Second run is a no-op.
	store.docs = make(map[string]any)
	require.NoError(t, p.Process(context.Background(), job))
	assert.Empty(t, store.docs)
}

func TestProcess_Errors(t *testing.T) {
	threats, store, job, _ := fixture(t)
	p := NewEvidenceArchiver(threats, store, &memQueue{}, nil)

	assert.Error(t, p.Process(context.Background(), &queue.Job{Type: "other"}))

	store.err = errors.New("access denied")
	assert.Error(t, p.Process(context.Background(), job))

	store.err = nil
	threats.setErr = errors.New("db down")
	assert.Error(t, p.Process(context.Background(), job))

	missing, err := queue.NewJob(queue.JobTypeEvidenceArchive, queue.EvidencePayload{EventID: uuid.New()})
	require.NoError(t, err)
	assert.Error(t, p.Process(context.Background(), missing))
}

func TestRun_RetriesFailedJobs(t *testing.T) {
	threats, store, job, id := fixture(t)
	store.err = errors.New("s3 unavailable")
	q := &memQueue{jobs: []*queue.Job{job}}
	p := NewEvidenceArchiver(threats, store, q, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.retried) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Nil(t, threats.threats[id].EvidenceKey)
	assert.Equal(t, 1, q.retried[0].Attempt)
}

// stallingStore blocks uploads until the worker context is cancelled.
type stallingStore struct {
	started chan struct{}
	once    sync.Once
}

func (s *stallingStore) PutEvidence(ctx context.Context, _ string, _ any) error {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_ShutdownRequeuesInFlightJob(t *testing.T) {
	threats, _, job, _ := fixture(t)
	store := &stallingStore{started: make(chan struct{})}
	q := &memQueue{jobs: []*queue.Job{job}}
	p := NewEvidenceArchiver(threats, store, q, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not picked up")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.retried, 1, "in-flight job goes back to the queue")
	assert.NoError(t, q.retryErrs[0], "retry must not inherit the cancelled context")
}
