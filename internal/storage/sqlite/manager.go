package sqlite

import (
	"errors"
	"sync"

	"github.com/relves/dyadcast/internal/storage"
)

// StoreManager opens and caches per-device decoder stores and the shared
// issuance ledger under one base path.
type StoreManager struct {
	basePath string
	decoders map[uint32]*DecoderStore
	ledger   *LedgerStore
	mu       sync.RWMutex
}

func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		decoders: make(map[uint32]*DecoderStore),
	}
}

// DecoderStore returns the cached store for deviceID, opening it on first
// use.
func (m *StoreManager) DecoderStore(deviceID uint32) (*DecoderStore, error) {
	m.mu.RLock()
	if store, ok := m.decoders[deviceID]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.decoders[deviceID]; ok {
		return store, nil
	}

	store, err := OpenDecoderStore(m.basePath, deviceID)
	if err != nil {
		return nil, err
	}
	m.decoders[deviceID] = store
	return store, nil
}

// KeyStore is DecoderStore behind the storage.KeyStore interface.
func (m *StoreManager) KeyStore(deviceID uint32) (storage.KeyStore, error) {
	return m.DecoderStore(deviceID)
}

// Ledger returns the issuance ledger store, opening it on first use.
func (m *StoreManager) Ledger() (*LedgerStore, error) {
	m.mu.RLock()
	if m.ledger != nil {
		defer m.mu.RUnlock()
		return m.ledger, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger != nil {
		return m.ledger, nil
	}

	store, err := OpenLedgerStore(m.basePath)
	if err != nil {
		return nil, err
	}
	m.ledger = store
	return store, nil
}

// CloseAll closes every open store.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.decoders {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.decoders = make(map[uint32]*DecoderStore)

	if m.ledger != nil {
		if err := m.ledger.Close(); err != nil {
			errs = append(errs, err)
		}
		m.ledger = nil
	}
	return errors.Join(errs...)
}

func (m *StoreManager) BasePath() string {
	return m.basePath
}
