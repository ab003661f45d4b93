package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// Open returns the store for backend ("file" or "sqlite") rooted at dir.
func Open(backend, dir string, logger *zap.Logger) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dir, WithFileLogger(logger))
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dir, "state.db"), logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

var _ Store = (*FileStore)(nil)
var _ Store = (*SQLiteStore)(nil)

// Dump renders st as indented JSON for logs.
func Dump(st *LoopState) string {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unencodable state: %v>", err)
	}
	return string(data)
}
