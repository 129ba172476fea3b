package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/voidbox/voidbox/lib/errs"
)

// Record is one entry of the installed-apps index (§3 Installed-Apps
// Index, §6.3 installed.json): enough to reconstruct an app's manifest,
// resolve its layers, and answer List/Info without re-parsing anything
// else on disk.
type Record struct {
	Name         string    `json:"name"`
	ManifestPath string    `json:"manifest_path"`
	Version      string    `json:"installed_version"`
	BaseID       string    `json:"base_id"`
	DepKey       string    `json:"dependency_layer_key"`
	InstalledAt  time.Time `json:"installed_at"`
}

// Index manages the persisted name -> Record mapping, rewritten
// atomically on every mutation via write-temp-then-rename, mirroring
// writeMetadataFile in store.go.
type Index struct {
	mu   sync.Mutex
	path string
}

// NewIndex constructs an Index backed by the JSON file at path.
func NewIndex(path string) *Index {
	return &Index{path: path}
}

func (ix *Index) load() (map[string]Record, error) {
	data, err := os.ReadFile(ix.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, errs.Wrap(errs.KindFilesystem, "read installed index", err)
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "decode installed index", err)
	}
	return records, nil
}

func (ix *Index) save(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIntegrity, "marshal installed index", err)
	}
	if err := os.MkdirAll(filepath.Dir(ix.path), 0755); err != nil {
		return errs.Wrap(errs.KindFilesystem, "create index parent dir", err)
	}
	tmp := ix.path + ".tmp-" + cuid2.Generate()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(errs.KindFilesystem, "write index temp file", err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindFilesystem, "publish index", err)
	}
	return nil
}

// Put inserts or replaces the record for rec.Name.
func (ix *Index) Put(rec Record) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	records, err := ix.load()
	if err != nil {
		return err
	}
	records[rec.Name] = rec
	return ix.save(records)
}

// Delete removes name's record, if present.
func (ix *Index) Delete(name string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	records, err := ix.load()
	if err != nil {
		return err
	}
	delete(records, name)
	return ix.save(records)
}

// Get returns name's record.
func (ix *Index) Get(name string) (Record, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	records, err := ix.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[name]
	return rec, ok, nil
}

// List returns every installed record, in no particular order.
func (ix *Index) List() ([]Record, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	records, err := ix.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	return out, nil
}
