package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/models"
)

// MemoryStore is an in-memory DocumentStore. Documents are kept in their encoded
// form, so callers never share state with the store.
// It uses a mutex so concurrent instrument tasks can share it.
type MemoryStore struct {
	mu sync.RWMutex

	// docs holds encoded documents: map[key] -> JSON
	docs map[string][]byte

	// failures injects save errors: map[key] -> remaining failures
	failures map[string]int
	failErr  error

	// loadErrs injects read errors: map[key] -> error
	loadErrs map[string]error

	// saves counts successful saves per key
	saves map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string][]byte),
		failures: make(map[string]int),
		loadErrs: make(map[string]error),
		saves:    make(map[string]int),
	}
}

// Locate implements DocumentStore
func (m *MemoryStore) Locate(inst models.Instrument) string {
	return DocumentKey(inst)
}

// Load implements DocumentStore
func (m *MemoryStore) Load(ctx context.Context, key string) (*models.Document, error) {
	m.mu.RLock()
	data, ok := m.docs[key]
	loadErr := m.loadErrs[key]
	m.mu.RUnlock()
	if loadErr != nil {
		return nil, errs.New(errs.ErrorTypePersistenceFatal, "storage", "load", NewStorageError("read", key, loadErr))
	}
	if !ok {
		return nil, nil
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil
	}
	normalize(&doc)
	return &doc, nil
}

// Save implements DocumentStore
func (m *MemoryStore) Save(ctx context.Context, key string, doc *models.Document) error {
	if doc == nil {
		return errs.New(errs.ErrorTypeValidation, "storage", "save", NewStorageError("save", key, errors.New("nil document")))
	}

	data, err := json.MarshalWithOption(doc, json.DisableHTMLEscape())
	if err != nil {
		return errs.New(errs.ErrorTypePersistenceFatal, "storage", "save", NewStorageError("encode", key, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if remaining := m.failures[key]; remaining != 0 {
		if remaining > 0 {
			m.failures[key] = remaining - 1
		}
		failErr := m.failErr
		if failErr == nil {
			failErr = errors.New("injected save failure")
		}
		return errs.New(errs.ErrorTypePersistenceFatal, "storage", "save", NewStorageError("save", key, failErr))
	}

	m.docs[key] = data
	m.saves[key]++
	return nil
}

// Keys implements DocumentStore
func (m *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("keys", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// FailSaves makes the next n saves of key fail with err. A negative n fails every
// save until the injection is cleared with n == 0.
func (m *MemoryStore) FailSaves(key string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n == 0 {
		delete(m.failures, key)
		return
	}
	m.failures[key] = n
	m.failErr = err
}

// FailLoads makes every load of key fail with err until cleared with a nil err
func (m *MemoryStore) FailLoads(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.loadErrs, key)
		return
	}
	m.loadErrs[key] = err
}

// SaveCount returns how many saves of key succeeded
func (m *MemoryStore) SaveCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[key]
}

// Raw returns the encoded document stored under key
func (m *MemoryStore) Raw(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}
