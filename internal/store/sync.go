package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
)

// ManifestFileName is the bookkeeping file kept inside a snapshot
// directory by the file and git backends.
const ManifestFileName = ".llm-relay-manifest.json"

// SyncManifest records which snapshot files a sync pass has written and
// the content checksum at write time. A later pass consults it to skip
// files whose bytes have not changed, which matters when a partially
// failed sync is retried.
type SyncManifest struct {
	// LastSync is when the last successful sync pass finished.
	LastSync time.Time `json:"last_sync"`
	// ManagedFiles maps relative file names to write-time metadata.
	ManagedFiles map[string]FileInfo `json:"managed_files"`
}

// FileInfo is the write-time metadata for one managed snapshot file.
type FileInfo struct {
	// Checksum is a truncated SHA-256 of the file content as written.
	Checksum string `json:"checksum"`
	// ModifiedAt is when the file was last written by a sync pass.
	ModifiedAt time.Time `json:"modified_at"`
}

// LoadManifest reads the manifest from dir. A missing or corrupt manifest
// yields an empty one; the worst case is rewriting files that were
// already current.
func LoadManifest(dir string) (*SyncManifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &SyncManifest{ManagedFiles: make(map[string]FileInfo)}, nil
	}
	if err != nil {
		return nil, err
	}
	var m SyncManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return &SyncManifest{ManagedFiles: make(map[string]FileInfo)}, nil
	}
	if m.ManagedFiles == nil {
		m.ManagedFiles = make(map[string]FileInfo)
	}
	return &m, nil
}

// Save persists the manifest to dir atomically (temp file + rename).
func (m *SyncManifest) Save(dir string) error {
	if m == nil {
		return nil
	}
	path := filepath.Join(dir, ManifestFileName)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MarkFile records filename with the checksum of content.
func (m *SyncManifest) MarkFile(filename string, content []byte) {
	if m == nil || m.ManagedFiles == nil {
		return
	}
	m.ManagedFiles[filename] = FileInfo{
		Checksum:   ComputeChecksum(content),
		ModifiedAt: time.Now(),
	}
}

// RemoveFile drops filename from the manifest.
func (m *SyncManifest) RemoveFile(filename string) {
	if m == nil || m.ManagedFiles == nil {
		return
	}
	delete(m.ManagedFiles, filename)
}

// Unchanged reports whether filename was already written with exactly
// this content.
func (m *SyncManifest) Unchanged(filename string, content []byte) bool {
	if m == nil || m.ManagedFiles == nil {
		return false
	}
	info, ok := m.ManagedFiles[filename]
	return ok && info.Checksum == ComputeChecksum(content)
}

// ComputeChecksum returns the first 8 bytes of the SHA-256 of data as a
// hex string, which is plenty for change detection.
func ComputeChecksum(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8])
}

// IsManifestFile reports whether path names the manifest itself.
func IsManifestFile(path string) bool {
	return filepath.Base(path) == ManifestFileName
}
