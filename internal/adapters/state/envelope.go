package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

const envelopeVersion = 1

// recordEnvelope wraps a persisted execution with integrity metadata.
type recordEnvelope struct {
	Version   int                          `json:"version"`
	Checksum  string                       `json:"checksum"`
	UpdatedAt time.Time                    `json:"updated_at"`
	Execution *core.OrchestrationExecution `json:"execution"`
}

// activePointer is the per-project record naming the active execution.
type activePointer struct {
	ExecutionID core.ExecutionID `json:"executionId"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func checksum(exec *core.OrchestrationExecution) (string, []byte, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling execution: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), data, nil
}

// decodeRecord parses and verifies a serialized execution.
func decodeRecord(data []byte, want string) (*core.OrchestrationExecution, error) {
	var exec core.OrchestrationExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unparseable execution record").WithCause(err)
	}
	got, _, err := checksum(&exec)
	if err != nil {
		return nil, err
	}
	if want != "" && got != want {
		return nil, core.ErrState(core.CodeStateCorrupted, "checksum mismatch").
			WithDetail("execution_id", string(exec.ID))
	}
	return &exec, nil
}

func validateForSave(exec *core.OrchestrationExecution) error {
	if exec == nil {
		return core.ErrValidation(core.CodeInvalidState, "nil execution")
	}
	if exec.ID == "" || exec.ProjectID == "" {
		return core.ErrValidation(core.CodeInvalidState, "execution requires id and project id")
	}
	return nil
}
