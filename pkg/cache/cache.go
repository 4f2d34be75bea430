// Package cache memoizes node outputs keyed by a content hash of their
// inputs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Cache stores the outputs of one workflow's nodes.
type Cache struct {
	mu    sync.Mutex
	store Store
	wf    *workflow.Workflow
}

// New creates a cache for wf backed by store. A nil store means an
// in-memory one.
func New(wf *workflow.Workflow, store Store) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{store: store, wf: wf}
}

// Store returns the backing store.
func (c *Cache) Store() Store { return c.store }

// Fingerprint hashes the values of every input the node requires, in
// connector order, together with the node revision. Unconnected optional
// inputs are skipped.
func Fingerprint(n *workflow.Node, inputs workflow.Arguments) uint64 {
	var hashes []uint64
	for _, in := range n.Inputs() {
		if in.IsOptional() && !in.IsConnected() {
			continue
		}
		t := in.Type()
		v, ok := inputs.Get(in.Name())
		if !ok {
			v = t.Default()
		}
		hashes = append(hashes, types.Hash(t, v))
	}
	hashes = append(hashes, n.Revision())
	return types.HashAll(hashes...)
}

// Set replaces the node's entry with outputs computed from inputs.
func (c *Cache) Set(ctx context.Context, n *workflow.Node, inputs, outputs workflow.Arguments) error {
	entry := Entry{Fingerprint: Fingerprint(n, inputs)}
	for _, out := range n.Outputs() {
		v, ok := outputs.Get(out.Name())
		if !ok {
			return fmt.Errorf("no value for output %s", out.Name())
		}
		actual := types.TypeOf(v)
		data, err := types.Marshal(actual, v)
		if err != nil {
			return fmt.Errorf("failed to serialize output %s: %w", out.Name(), err)
		}
		entry.Outputs = append(entry.Outputs, OutputRecord{
			Connector: out.ID(),
			Type:      actual.String(),
			Value:     data,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Put(ctx, c.wf.UUID(), n.ID(), entry); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Get returns the cached outputs of n when its entry was computed from the
// same inputs. The boolean is false on a miss.
func (c *Cache) Get(ctx context.Context, n *workflow.Node, inputs workflow.Arguments) (workflow.Arguments, bool, error) {
	outputs := n.Outputs()
	if len(outputs) == 0 {
		return nil, false, nil
	}

	c.mu.Lock()
	entry, err := c.store.Get(ctx, c.wf.UUID(), n.ID())
	c.mu.Unlock()
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if entry.Fingerprint != Fingerprint(n, inputs) {
		return nil, false, nil
	}

	records := make(map[workflow.ConnectorID]OutputRecord, len(entry.Outputs))
	for _, r := range entry.Outputs {
		records[r.Connector] = r
	}

	result := make(workflow.Arguments, len(outputs))
	for _, out := range outputs {
		r, ok := records[out.ID()]
		if !ok {
			return nil, false, nil
		}
		t, err := types.Parse(r.Type)
		if err != nil {
			return nil, false, fmt.Errorf("invalid cached type for output %s: %w", out.Name(), err)
		}
		v, err := types.Unmarshal(t, r.Value)
		if err != nil {
			return nil, false, fmt.Errorf("invalid cached value for output %s: %w", out.Name(), err)
		}
		result[out.Name()] = v
	}
	return result, true, nil
}

// Remove drops the entry of one node.
func (c *Cache) Remove(ctx context.Context, id workflow.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, c.wf.UUID(), id)
}

// Clear drops every entry of the workflow.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Clear(ctx, c.wf.UUID())
}
