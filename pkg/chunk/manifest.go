package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

const manifestName = "MANIFEST.json"

// Metadata describes one published chunk. It lives in the manifest and is
// what list_chunks hands to the query planner; bloom filters stay in the
// chunk file and are loaded through the store on demand.
type Metadata struct {
	ID       string         `json:"id"`
	Start    uint64         `json:"start"`
	End      uint64         `json:"end"`
	File     string         `json:"file"`
	RowCount map[string]int `json:"row_count"`
	Filters  []string       `json:"filters"`
	Stats    []ColumnStats  `json:"stats"`
}

// Range returns the chunk's block range.
func (m Metadata) Range() schema.BlockRange {
	return schema.BlockRange{Start: m.Start, End: m.End}
}

// Manifest records the chunk list and the frontier values. It is rewritten
// atomically whenever it changes; readers reconstruct exact state from it on
// restart.
type Manifest struct {
	Version            int        `json:"version"`
	CompactionFrontier uint64     `json:"compaction_frontier"`
	IngestFrontier     uint64     `json:"ingest_frontier"`
	Chunks             []Metadata `json:"chunks"`
}

// loadManifest reads the manifest from dir. A missing file yields an empty
// manifest (fresh data directory).
func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if os.IsNotExist(err) {
		return &Manifest{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// saveManifest writes the manifest atomically: marshal to a temp file, sync,
// rename over the old one, sync the directory.
func saveManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(dir, manifestName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create manifest temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close manifest: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish manifest: %w", err)
	}
	return syncDir(dir)
}

// syncDir fsyncs a directory so a rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
