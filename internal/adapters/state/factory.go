package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// SQLiteFileName is the database file created inside the state directory.
const SQLiteFileName = "orchestration.db"

// NewExecutionStore creates the store selected by backend inside dir.
// An empty backend selects JSON.
func NewExecutionStore(backend, dir string) (core.ExecutionStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", core.StateBackendJSON:
		return NewJSONStore(dir)
	case core.StateBackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, SQLiteFileName))
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("unsupported state backend: %s", backend))
	}
}
