package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/dyadcast/internal/storage/sqlite"
)

func TestStoreManager_DecoderStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.DecoderStore(7)
	require.NoError(t, err)
	require.NotNil(t, store1)

	// Same device again - should be cached
	store2, err := manager.DecoderStore(7)
	require.NoError(t, err)
	assert.Same(t, store1, store2)
	assert.Equal(t, filepath.Join(tmpDir, "decoders", "7", "decoder.db"), store1.DBPath())
}

func TestStoreManager_MultipleDecoders(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.DecoderStore(1)
	require.NoError(t, err)
	store2, err := manager.DecoderStore(0xffffffff)
	require.NoError(t, err)

	assert.NotSame(t, store1, store2)
	assert.Equal(t, uint32(1), store1.DeviceID())
	assert.Equal(t, uint32(0xffffffff), store2.DeviceID())
}

func TestStoreManager_Ledger(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	l1, err := manager.Ledger()
	require.NoError(t, err)
	l2, err := manager.Ledger()
	require.NoError(t, err)
	assert.Same(t, l1, l2)
}

func TestStoreManager_CloseAll(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)

	_, err = manager.DecoderStore(1)
	require.NoError(t, err)
	_, err = manager.DecoderStore(2)
	require.NoError(t, err)
	_, err = manager.Ledger()
	require.NoError(t, err)

	assert.NoError(t, manager.CloseAll())

	// Stores reopen after CloseAll
	store, err := manager.DecoderStore(1)
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.NoError(t, manager.CloseAll())
}
