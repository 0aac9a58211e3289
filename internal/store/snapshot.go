package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/formtask/internal/model"
)

// SnapshotFile is the on-disk form of a store snapshot.
type SnapshotFile struct {
	SchemaVersion int                    `yaml:"schema_version"`
	FileType      string                 `yaml:"file_type"`
	WrittenAt     string                 `yaml:"written_at"`
	Values        map[string]model.Value `yaml:"values"`
}

// WriteSnapshot writes the store contents to path as YAML. The file is
// replaced atomically; an existing file is kept as path.bak.
func (s *Store) WriteSnapshot(path string) error {
	snap := SnapshotFile{
		SchemaVersion: 1,
		FileType:      "store_snapshot",
		WrittenAt:     time.Now().UTC().Format(time.RFC3339),
		Values:        s.Snapshot(),
	}
	content, err := yamlv3.Marshal(snap)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return atomicWrite(path, content)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (SnapshotFile, error) {
	var snap SnapshotFile
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".formtask-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", existing, 0644); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
