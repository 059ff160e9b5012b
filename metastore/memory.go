// Package metastore implements strongbox.Metastore backends.
package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/nimbusware/strongbox"
)

// Memory is an in-process Metastore for tests and local development. It is
// not durable and shares nothing across processes.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[int64]*strongbox.EnvelopeKeyRecord
}

var _ strongbox.Metastore = (*Memory)(nil)

// NewMemory returns an empty Memory metastore.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[int64]*strongbox.EnvelopeKeyRecord)}
}

// Load implements strongbox.Metastore.
func (m *Memory) Load(_ context.Context, id string, created int64) (*strongbox.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCreated, ok := m.records[id]
	if !ok {
		return nil, nil
	}

	record, ok := byCreated[created]
	if !ok {
		return nil, nil
	}

	return record, nil
}

// LoadLatest implements strongbox.Metastore.
func (m *Memory) LoadLatest(_ context.Context, id string) (*strongbox.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCreated, ok := m.records[id]
	if !ok || len(byCreated) == 0 {
		return nil, nil
	}

	createdTimes := make([]int64, 0, len(byCreated))
	for c := range byCreated {
		createdTimes = append(createdTimes, c)
	}

	sort.Slice(createdTimes, func(i, j int) bool { return createdTimes[i] > createdTimes[j] })

	return byCreated[createdTimes[0]], nil
}

// Store implements strongbox.Metastore: it returns (false, nil) if a record
// already exists for (id, created), never a non-nil error for that case.
func (m *Memory) Store(_ context.Context, id string, created int64, record *strongbox.EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCreated, ok := m.records[id]
	if !ok {
		byCreated = make(map[int64]*strongbox.EnvelopeKeyRecord)
		m.records[id] = byCreated
	}

	if _, exists := byCreated[created]; exists {
		return false, nil
	}

	byCreated[created] = record

	return true, nil
}
