package sqlite

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relves/dyadcast/internal/storage"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = storage.ErrNotFound

func openDB(dir, file, schema string) (*sql.DB, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("create directory: %w", err)
	}

	dbPath := filepath.Join(dir, file)
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("initialize schema: %w", err)
	}
	return db, dbPath, nil
}

// u64 encodes t as a big-endian blob so blob ordering matches numeric
// ordering across the full uint64 range.
func u64(t uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, t)
}

func fromU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("timestamp blob has %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
