// Package store implements key-named storage for the two shared tree kinds
// voidbox manages on disk, base root filesystems and dependency layers,
// plus the installed-apps index (§4.4, §6.3). Per-app layers are not kept
// in a Store; they live at fixed paths under apps/<name>.
//
// Every tree lives under a digest-named directory with atomically written
// metadata, generalizing the teacher's single-kind image store into three.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/voidbox/voidbox/lib/errs"
)

// Metadata is persisted as JSON alongside each stored tree. Ownership is
// tracked by presence in the installed-apps index (§9), not a counter
// here, so GC works by set difference against that index rather than by
// incrementing/decrementing a field on this struct.
type Metadata struct {
	Digest    string            `json:"digest"`
	CreatedAt time.Time         `json:"created_at"`
	Size      int64             `json:"size"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Store manages digest-keyed directories rooted at dir, each holding a
// tree at <dir>/<digest>/rootfs (or /upper for dependency layers) and
// metadata at <dir>/<digest>/metadata.json.
type Store struct {
	dir      string
	tmpDir   string
	treeName string // "rootfs" or "upper": the subdirectory holding content
}

// New constructs a Store rooted at dir. treeName names the subdirectory
// under each digest directory that holds the actual tree content.
func New(dir, tmpDir, treeName string) *Store {
	return &Store{dir: dir, tmpDir: tmpDir, treeName: treeName}
}

// Dir returns the digest directory path (parent of the tree and metadata).
func (s *Store) Dir(digest string) string {
	return filepath.Join(s.dir, digest)
}

// TreePath returns the path to the tree content for digest.
func (s *Store) TreePath(digest string) string {
	return filepath.Join(s.Dir(digest), s.treeName)
}

// metadataPath returns the path to digest's metadata.json.
func (s *Store) metadataPath(digest string) string {
	return filepath.Join(s.Dir(digest), "metadata.json")
}

// Exists reports whether digest is already stored.
func (s *Store) Exists(digest string) bool {
	_, err := os.Stat(s.metadataPath(digest))
	return err == nil
}

// Stage returns a fresh staging directory under the store's tmpDir for a
// caller to populate before calling Publish. Staging happens outside the
// digest-named tree so partially built content is never visible under its
// final digest (§5 atomicity: stage-then-rename).
func (s *Store) Stage() (stagingDir string, err error) {
	stagingDir = filepath.Join(s.tmpDir, cuid2.Generate())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", errs.Wrap(errs.KindFilesystem, "create staging dir", err)
	}
	return stagingDir, nil
}

// Publish atomically moves a staging directory returned by Stage (with
// its tree populated at <stagingDir>/<treeName>) into place under digest
// and writes its metadata, using rename-if-absent semantics: if another
// process already published the same digest, the staged copy is
// discarded and the existing metadata is returned unmodified (§5).
func (s *Store) Publish(digest, stagingDir string, size int64, extra map[string]string) (Metadata, error) {
	if s.Exists(digest) {
		os.RemoveAll(stagingDir)
		return s.Load(digest)
	}

	destDir := s.Dir(digest)
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		os.RemoveAll(stagingDir)
		return Metadata{}, errs.Wrap(errs.KindFilesystem, "create store parent dir", err)
	}

	meta := Metadata{
		Digest:    digest,
		CreatedAt: time.Now().UTC(),
		Size:      size,
		Extra:     extra,
	}
	if err := writeMetadataFile(filepath.Join(stagingDir, "metadata.json"), meta); err != nil {
		os.RemoveAll(stagingDir)
		return Metadata{}, err
	}

	// One rename from the uniquely named staging directory straight to the
	// digest directory: concurrent publishers of the same digest never
	// touch a shared intermediate path, so the loser always lands in the
	// observe-the-winner branch instead of tripping over the other's
	// half-moved staging copy.
	if err := os.Rename(stagingDir, destDir); err != nil {
		os.RemoveAll(stagingDir)
		if s.Exists(digest) {
			return s.Load(digest)
		}
		return Metadata{}, errs.Wrap(errs.KindFilesystem, "publish digest dir", err)
	}

	return meta, nil
}

// Load reads the metadata for an already-stored digest.
func (s *Store) Load(digest string) (Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(digest))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s", errs.ErrNotFound, digest)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, errs.Wrap(errs.KindIntegrity, "decode metadata", err)
	}
	return meta, nil
}

// Delete removes digest's entire directory. Callers must ensure no
// installed record still references digest first; Delete itself does
// not check (store.GC is the caller that enforces this).
func (s *Store) Delete(digest string) error {
	if err := os.RemoveAll(s.Dir(digest)); err != nil {
		return errs.Wrap(errs.KindFilesystem, "delete store entry", err)
	}
	return nil
}

// List enumerates all digests currently stored.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindFilesystem, "list store", err)
	}
	var digests []string
	for _, e := range entries {
		if e.IsDir() {
			digests = append(digests, e.Name())
		}
	}
	return digests, nil
}

// writeMetadataFile writes meta to path via write-temp-then-rename so a
// reader never observes a partially written file (§5, grounded on the
// teacher's image metadata persistence).
func writeMetadataFile(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIntegrity, "marshal metadata", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.Wrap(errs.KindFilesystem, "create metadata dir", err)
	}
	tmp := path + ".tmp-" + cuid2.Generate()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(errs.KindFilesystem, "write metadata temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindFilesystem, "rename metadata into place", err)
	}
	return nil
}
