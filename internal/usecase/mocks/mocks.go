package mocks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iho/casledger/internal/domain"
)

// SequenceIDGenerator hands out predictable IDs: prefix-1, prefix-2, ...
type SequenceIDGenerator struct {
	Prefix  string
	counter atomic.Int64
}

func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	return &SequenceIDGenerator{Prefix: prefix}
}

func (g *SequenceIDGenerator) Generate() string {
	return fmt.Sprintf("%s-%d", g.Prefix, g.counter.Add(1))
}

// RecordingMetrics counts engine observations.
type RecordingMetrics struct {
	mu            sync.Mutex
	byStatus      map[domain.TransferStatus]int
	retries       atomic.Int64
	compensations atomic.Int64
}

func NewRecordingMetrics() *RecordingMetrics {
	return &RecordingMetrics{byStatus: make(map[domain.TransferStatus]int)}
}

func (m *RecordingMetrics) ObserveTransfer(transfer *domain.Transfer, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byStatus[transfer.Status]++
}

func (m *RecordingMetrics) IncRetry()        { m.retries.Add(1) }
func (m *RecordingMetrics) IncCompensation() { m.compensations.Add(1) }

func (m *RecordingMetrics) Transfers(status domain.TransferStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byStatus[status]
}

func (m *RecordingMetrics) Retries() int64       { return m.retries.Load() }
func (m *RecordingMetrics) Compensations() int64 { return m.compensations.Load() }

// FakeIdempotencyStore is an in-memory IdempotencyStore.
type FakeIdempotencyStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	CheckAndSetFunc func(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error)
	UpdateFunc      func(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

func NewFakeIdempotencyStore() *FakeIdempotencyStore {
	return &FakeIdempotencyStore{
		data: make(map[string][]byte),
	}
}

func (m *FakeIdempotencyStore) CheckAndSet(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error) {
	if m.CheckAndSetFunc != nil {
		return m.CheckAndSetFunc(ctx, key, response, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[key]; ok {
		return true, existing, nil
	}
	if response != nil {
		m.data[key] = response
	} else {
		m.data[key] = []byte("processing")
	}
	return false, nil, nil
}

func (m *FakeIdempotencyStore) Update(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, key, response, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = response
	return nil
}

func (m *FakeIdempotencyStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Value returns the stored value for key.
func (m *FakeIdempotencyStore) Value(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}
