package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemorySink is a mutex-guarded in-memory Sink: used by every test in
// this module and as the default when no Redis address is configured.
type MemorySink struct {
	mu     sync.RWMutex
	items  map[string]PersistedFile
	logger *zap.Logger
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink(logger *zap.Logger) *MemorySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemorySink{items: make(map[string]PersistedFile), logger: logger}
}

func (s *MemorySink) Save(_ context.Context, filename, replicaID string, rec PersistedFile) error {
	key := Key(filename, replicaID)

	s.mu.Lock()
	s.items[key] = rec
	s.mu.Unlock()

	s.logger.Debug("persisted file record", zap.String("key", key), zap.Int("versions", len(rec.Versions)))
	return nil
}

func (s *MemorySink) Delete(_ context.Context, filename, replicaID string) error {
	key := Key(filename, replicaID)

	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()

	s.logger.Debug("deleted file record", zap.String("key", key))
	return nil
}

// Get returns the persisted record for (filename, replicaID), for tests
// that assert on what was written through.
func (s *MemorySink) Get(filename, replicaID string) (PersistedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[Key(filename, replicaID)]
	return rec, ok
}

var _ Sink = (*MemorySink)(nil)
