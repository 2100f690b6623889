package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
)

const snapshotFileExt = ".json"

// FileBackend persists one JSON file per conversation in a directory.
// The directory manifest records content checksums so a retried sync
// pass rewrites only the files that actually changed.
type FileBackend struct {
	dir string
}

// NewFileBackend ensures dir exists and returns the backend.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("file backend: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file backend: create %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Close() error { return nil }

// WriteSnapshots writes each snapshot atomically (temp file + rename),
// skipping files whose content matches the manifest checksum.
func (b *FileBackend) WriteSnapshots(ctx context.Context, snaps []Snapshot) error {
	manifest, err := LoadManifest(b.dir)
	if err != nil {
		return fmt.Errorf("file backend: load manifest: %w", err)
	}
	written := 0
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("file backend: encode %s: %w", snap.ID, err)
		}
		name := snapshotBaseName(snap.ID) + snapshotFileExt
		if manifest.Unchanged(name, data) {
			continue
		}
		if err := writeFileAtomic(filepath.Join(b.dir, name), data); err != nil {
			return fmt.Errorf("file backend: write %s: %w", name, err)
		}
		manifest.MarkFile(name, data)
		written++
	}
	manifest.LastSync = time.Now()
	if err := manifest.Save(b.dir); err != nil {
		return fmt.Errorf("file backend: save manifest: %w", err)
	}
	log.Debugf("File backend wrote %d/%d snapshots to %s", written, len(snaps), b.dir)
	return nil
}

// LoadSnapshots reads every snapshot file in the directory. A file that
// does not parse is skipped with a warning instead of failing the whole
// restore.
func (b *FileBackend) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file backend: read %s: %w", b.dir, err)
	}
	var snaps []Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotFileExt) || IsManifestFile(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("file backend: read %s: %w", e.Name(), err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Warnf("Skipping unreadable snapshot file %s: %v", e.Name(), err)
			continue
		}
		if snap.ID == "" {
			log.Warnf("Skipping snapshot file %s: missing conversation id", e.Name())
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// snapshotBaseName maps a conversation id to a safe file name stem.
// Hostile characters are replaced; ids that needed replacement get a
// checksum suffix so distinct ids cannot collide afterwards.
func snapshotBaseName(id string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	if safe == id && safe != "" && !strings.HasPrefix(safe, ".") {
		return safe
	}
	sum := ComputeChecksum([]byte(id))
	safe = strings.TrimLeft(safe, ".")
	if safe == "" {
		return "conv-" + sum
	}
	return safe + "-" + sum
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
