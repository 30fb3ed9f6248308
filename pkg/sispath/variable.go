package sispath

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Variable is a Path whose on-disk payload is a serialized value rather
// than an opaque artifact. Get/Set are restricted to the worker role: only
// a running task may legally observe or mutate its own outputs.
type Variable struct {
	Path
}

// NewOutputVariable constructs a Variable owned by creator.
func NewOutputVariable(creator Creator, relative string) *Variable {
	return &Variable{Path: Path{Creator: creator, Relative: relative}}
}

// Set atomically writes v as JSON to the variable's resolved location via a
// temp-file-plus-rename, mirroring the store.Write pattern used throughout
// the manager's own on-disk state (job.json-equivalent markers).
func (v *Variable) Set(ctx context.Context, resolved string, value any) error {
	if RoleFromContext(ctx) != RoleWorker {
		return ErrNotWorkerRole
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sispath: marshal variable: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sispath: create variable dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".variable.tmp.*")
	if err != nil {
		return fmt.Errorf("sispath: create temp variable file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sispath: write temp variable file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sispath: close temp variable file: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		return fmt.Errorf("sispath: rename variable file: %w", err)
	}
	return nil
}

// Get reads and decodes the variable's payload into dest (a pointer),
// exercised only from the worker role.
func (v *Variable) Get(ctx context.Context, resolved string, dest any) error {
	if RoleFromContext(ctx) != RoleWorker {
		return ErrNotWorkerRole
	}
	b, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("sispath: read variable: %w", err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("sispath: decode variable: %w", err)
	}
	return nil
}

var _ Handle = (*Variable)(nil)
