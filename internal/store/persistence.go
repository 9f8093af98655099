package store

import "sync"

// Persistence loads and saves the serialized snapshot durably.
type Persistence interface {
	Load() (Snapshot, bool, error)
	Save(Snapshot) error
}

// MemoryPersistence keeps the snapshot in process memory. Useful for tests
// and demo mode, where nothing survives a restart.
type MemoryPersistence struct {
	mu       sync.Mutex
	snapshot Snapshot
	saved    bool
}

// NewMemoryPersistence returns an empty in-memory persistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

// Load returns the last saved snapshot, if any.
func (p *MemoryPersistence) Load() (Snapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot, p.saved, nil
}

// Save stores the snapshot.
func (p *MemoryPersistence) Save(snapshot Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = snapshot
	p.saved = true
	return nil
}
