package engine

import (
	"context"
	"sort"
	"sync"

	"nexus-orchestrator/backend/pkg/models"
)

// Manager owns the live runtimes, one per enabled workflow.
type Manager struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewManager creates an empty Manager.
func NewManager(deps Deps, opts Options) *Manager {
	return &Manager{
		deps:     deps.withDefaults(),
		opts:     opts,
		runtimes: make(map[string]*Runtime),
	}
}

// Actions returns the runner shared by all runtimes.
func (m *Manager) Actions() *ActionRunner {
	return m.deps.Actions
}

// Load replaces the runtime of record.Key with a fresh one. Disabled
// workflows and workflows whose state is "off" are only stopped.
func (m *Manager) Load(record *models.WorkflowRecord) {
	var rt *Runtime
	if record.Enabled && record.Workflow.Enabled() {
		rt = NewRuntime(record, m.deps, m.opts)
	}

	// The swap and Start happen under one lock so a concurrent Load of the
	// same key always sees, and stops, the runtime installed here.
	m.mu.Lock()
	old, ok := m.runtimes[record.Key]
	if rt != nil {
		m.runtimes[record.Key] = rt
		rt.Start()
	} else {
		delete(m.runtimes, record.Key)
	}
	m.mu.Unlock()

	if ok {
		old.Stop()
	}
}

// Stop stops and forgets the runtime of key. It reports whether one existed.
func (m *Manager) Stop(key string) bool {
	m.mu.Lock()
	rt, ok := m.runtimes[key]
	delete(m.runtimes, key)
	m.mu.Unlock()
	if ok {
		rt.Stop()
	}
	return ok
}

// Get returns the runtime of key.
func (m *Manager) Get(key string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[key]
	return rt, ok
}

// Keys lists the workflows that have a runtime, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.runtimes))
	for k := range m.runtimes {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Shutdown stops every runtime and waits for their background work.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	runtimes := m.runtimes
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.Stop()
	}
	for _, rt := range runtimes {
		if err := rt.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
