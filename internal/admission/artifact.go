package admission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteArtifact persists the decision as JSON via a temp file and rename, so
// a crash mid-write can never leave a half-written artifact at the
// authorized path.
func WriteArtifact(path string, d *Decision) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal admission decision: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".admission-*.json")
	if err != nil {
		return fmt.Errorf("failed to create artifact temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to chmod artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish artifact %s: %w", path, err)
	}
	return nil
}

// ReadArtifact loads a decision artifact. It does not verify the hash;
// callers decide how much to trust the file.
func ReadArtifact(path string) (*Decision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admission artifact %s: %w", path, err)
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse admission artifact %s: %w", path, err)
	}
	return &d, nil
}
