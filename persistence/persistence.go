// Package persistence provides Metastore implementations: an in-memory
// store for tests, a database/sql-backed store for RDBMS use, and a
// DynamoDB-backed store for AWS deployments.
package persistence

import (
	"context"
	"sort"
	"sync"

	envelope "github.com/shieldcrypt/envelope"
)

var _ envelope.Metastore = (*MemoryMetastore)(nil)

// MemoryMetastore is an in-memory Metastore. It should never be used in
// production - state is lost on process exit and nothing is shared across
// instances.
type MemoryMetastore struct {
	mu sync.RWMutex

	envelopes map[string]map[int64]*envelope.EnvelopeKeyRecord
}

// NewMemoryMetastore returns an empty MemoryMetastore.
func NewMemoryMetastore() *MemoryMetastore {
	return &MemoryMetastore{
		envelopes: make(map[string]map[int64]*envelope.EnvelopeKeyRecord),
	}
}

// Load returns the record matching id and created, or nil if absent.
func (m *MemoryMetastore) Load(_ context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ret, ok := m.envelopes[id][created]; ok {
		return ret, nil
	}

	return nil, nil
}

// LoadLatest returns the most recently created record matching id, or nil
// if no record with that id has ever been stored.
func (m *MemoryMetastore) LoadLatest(_ context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idMap, ok := m.envelopes[id]
	if !ok || len(idMap) == 0 {
		return nil, nil
	}

	created := make([]int64, 0, len(idMap))
	for c := range idMap {
		created = append(created, c)
	}

	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })

	return idMap[created[len(created)-1]], nil
}

// Store inserts rec under (id, created) if no record already occupies that
// slot, returning true if the insert happened.
func (m *MemoryMetastore) Store(_ context.Context, id string, created int64, rec *envelope.EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.envelopes[id][created]; ok {
		return false, nil
	}

	if m.envelopes[id] == nil {
		m.envelopes[id] = make(map[int64]*envelope.EnvelopeKeyRecord)
	}

	m.envelopes[id][created] = rec

	return true, nil
}

// Count returns the number of distinct key ids tracked, for tests.
func (m *MemoryMetastore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.envelopes)
}
