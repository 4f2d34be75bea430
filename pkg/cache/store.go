package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// ErrNotFound is returned by Store.Get when a node has no entry.
var ErrNotFound = errors.New("cache entry not found")

// Entry is the persisted result of one node execution.
type Entry struct {
	// Fingerprint identifies the inputs and definition the outputs were
	// computed from.
	Fingerprint uint64 `json:"fingerprint"`

	// Outputs holds one record per output connector.
	Outputs []OutputRecord `json:"outputs"`
}

// OutputRecord is one serialized output value with the tag of its runtime
// type.
type OutputRecord struct {
	Connector workflow.ConnectorID `json:"connector"`
	Type      string               `json:"type"`
	Value     []byte               `json:"value"`
}

func (e Entry) clone() Entry {
	out := Entry{Fingerprint: e.Fingerprint, Outputs: make([]OutputRecord, len(e.Outputs))}
	for i, r := range e.Outputs {
		out.Outputs[i] = OutputRecord{
			Connector: r.Connector,
			Type:      r.Type,
			Value:     append([]byte(nil), r.Value...),
		}
	}
	return out
}

// Store persists cache entries per workflow and node.
type Store interface {
	// Put replaces the node's entry. Readers never observe a mix of the old
	// and new entry.
	Put(ctx context.Context, wf uuid.UUID, node workflow.NodeID, entry Entry) error

	// Get returns the node's entry or ErrNotFound.
	Get(ctx context.Context, wf uuid.UUID, node workflow.NodeID) (Entry, error)

	// Delete removes the node's entry if present.
	Delete(ctx context.Context, wf uuid.UUID, node workflow.NodeID) error

	// Clear removes every entry of the workflow.
	Clear(ctx context.Context, wf uuid.UUID) error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]map[workflow.NodeID]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]map[workflow.NodeID]Entry)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, wf uuid.UUID, node workflow.NodeID, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, ok := s.entries[wf]
	if !ok {
		nodes = make(map[workflow.NodeID]Entry)
		s.entries[wf] = nodes
	}
	nodes[node] = entry.clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, wf uuid.UUID, node workflow.NodeID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[wf][node]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry.clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, wf uuid.UUID, node workflow.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[wf], node)
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, wf uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, wf)
	return nil
}

// Len returns the number of entries of the workflow.
func (s *MemoryStore) Len(wf uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[wf])
}
