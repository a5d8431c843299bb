// Package cache provides the disk-backed precompute cache of per-subject artifacts.
//
// Layout: <root>/<dir>/meta.json plus sibling artifact files, where <dir> is
// derived from the subject key. meta.json is written last and its presence is
// the commit signal; a new artifact set is staged in a sibling directory and
// renamed into place so readers never see metadata pointing at missing files.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// MetaFileName is the commit marker of a cached artifact set.
const MetaFileName = "meta.json"

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
	dirKeyLength    = 32
	stagingPrefix   = ".staging-"
	stalePrefix     = ".stale-"
)

const (
	logFmtDiskHit        = "precompute cache disk hit for %s"
	logFmtStaleMeta      = "ignoring cached artifact for %s: %v"
	logFmtStored         = "stored precompute artifact for %s in %s"
	logFmtStaleRemoveErr = "failed to remove replaced artifact dir %s: %v"
)

var (
	// ErrSubjectMismatch indicates a meta file stored for a different subject key.
	ErrSubjectMismatch = errors.New("stored subject key does not match")
	// ErrArtifactMissing indicates a meta file referencing a file that does not exist.
	ErrArtifactMissing = errors.New("artifact file missing")
	// ErrEmptySubjectKey indicates an artifact without a subject key.
	ErrEmptySubjectKey = errors.New("subject key cannot be empty")
	// ErrNoArtifacts indicates an artifact with no files.
	ErrNoArtifacts = errors.New("artifact has no files")
	// ErrDuplicateName indicates two artifact files registered under one name.
	ErrDuplicateName = errors.New("duplicate artifact name")
)

// WriteError reports a failure to durably persist an artifact. It must fail the
// operation that owns the artifact.
type WriteError struct {
	SubjectKey string
	Op         string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache write failed for %s during %s: %v", e.SubjectKey, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// metaFile is the persisted form. Files are stored relative to the subject
// directory so a staged set stays valid after the rename.
type metaFile struct {
	SubjectKey    string          `json:"subject_key"`
	SourcePath    string          `json:"source_path"`
	Artifacts     []metaEntry     `json:"artifacts"`
	ExtraMetadata json.RawMessage `json:"extra_metadata,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type metaEntry struct {
	Name string `json:"name"`
	File string `json:"file"`
}

// Cache is the precompute cache. The in-memory tier is a mirror of the disk
// tier and is cleared by Reset when the worker restarts.
type Cache struct {
	root    string
	log     *logger.Logger
	mu      sync.RWMutex
	entries map[string]*core.PrecomputeArtifact
}

// New creates a cache rooted at root, creating the directory if needed.
func New(root string, log *logger.Logger) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache root cannot be empty")
	}

	err := os.MkdirAll(root, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache root %s: %w", root, err)
	}

	return &Cache{
		root:    root,
		log:     log,
		mu:      sync.RWMutex{},
		entries: make(map[string]*core.PrecomputeArtifact),
	}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Dir returns the directory holding subjectKey's artifact set.
func (c *Cache) Dir(subjectKey string) string {
	return filepath.Join(c.root, DirName(subjectKey))
}

// DirName maps a subject key to a filesystem-safe directory name.
func DirName(subjectKey string) string {
	sum := sha256.Sum256([]byte(subjectKey))

	return hex.EncodeToString(sum[:])[:dirKeyLength]
}

// Lookup returns the cached artifact for subjectKey. The memory tier is
// consulted first; a disk hit is revalidated and promoted to memory.
func (c *Cache) Lookup(subjectKey string) (*core.PrecomputeArtifact, bool) {
	c.mu.RLock()
	artifact, ok := c.entries[subjectKey]
	c.mu.RUnlock()

	if ok {
		return artifact, true
	}

	artifact, err := Load(c.Dir(subjectKey), subjectKey)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn(logFmtStaleMeta, subjectKey, err)
		}

		return nil, false
	}

	c.log.Info(logFmtDiskHit, subjectKey)
	c.remember(artifact)

	return artifact, true
}

// Remember records an artifact in the memory tier only. Used by the
// supervisor side, where the worker owns the disk writes.
func (c *Cache) Remember(artifact *core.PrecomputeArtifact) error {
	err := validateArtifact(artifact)
	if err != nil {
		return err
	}

	for _, namedPath := range artifact.ArtifactPaths {
		_, statErr := os.Stat(namedPath.Path)
		if statErr != nil {
			return fmt.Errorf("%w: %s: %w", ErrArtifactMissing, namedPath.Name, statErr)
		}
	}

	c.remember(artifact)

	return nil
}

func (c *Cache) remember(artifact *core.PrecomputeArtifact) {
	c.mu.Lock()
	c.entries[artifact.SubjectKey] = artifact
	c.mu.Unlock()
}

// Invalidate drops the memory entry for subjectKey. Disk contents are left for
// inspection.
func (c *Cache) Invalidate(subjectKey string) {
	c.mu.Lock()
	delete(c.entries, subjectKey)
	c.mu.Unlock()
}

// Reset clears the memory tier.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*core.PrecomputeArtifact)
	c.mu.Unlock()
}

// Len returns the number of subjects in the memory tier.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Store copies the artifact's files into the subject's directory, writes the
// meta file last, then atomically replaces any previous set. The returned
// artifact references the cached copies. Any failure is a *WriteError.
func (c *Cache) Store(artifact *core.PrecomputeArtifact) (*core.PrecomputeArtifact, error) {
	err := validateArtifact(artifact)
	if err != nil {
		writeErr := &WriteError{SubjectKey: "", Op: "validate", Err: err}
		if artifact != nil {
			writeErr.SubjectKey = artifact.SubjectKey
		}

		return nil, writeErr
	}

	key := artifact.SubjectKey
	finalDir := c.Dir(key)
	stagingDir := filepath.Join(c.root, stagingPrefix+uuid.NewString())

	err = os.MkdirAll(stagingDir, dirPermissions)
	if err != nil {
		return nil, &WriteError{SubjectKey: key, Op: "mkdir", Err: err}
	}

	meta, err := stageFiles(artifact, stagingDir)
	if err != nil {
		removeQuietly(stagingDir)

		return nil, &WriteError{SubjectKey: key, Op: "copy", Err: err}
	}

	err = writeMeta(filepath.Join(stagingDir, MetaFileName), meta)
	if err != nil {
		removeQuietly(stagingDir)

		return nil, &WriteError{SubjectKey: key, Op: "meta", Err: err}
	}

	err = c.commit(stagingDir, finalDir)
	if err != nil {
		removeQuietly(stagingDir)

		return nil, &WriteError{SubjectKey: key, Op: "commit", Err: err}
	}

	stored := toArtifact(meta, finalDir)
	c.remember(stored)
	c.log.Info(logFmtStored, key, finalDir)

	return stored, nil
}

func (c *Cache) commit(stagingDir, finalDir string) error {
	staleDir := ""

	_, err := os.Stat(finalDir)
	if err == nil {
		staleDir = filepath.Join(c.root, stalePrefix+uuid.NewString())

		err = os.Rename(finalDir, staleDir)
		if err != nil {
			return fmt.Errorf("failed to move aside %s: %w", finalDir, err)
		}
	}

	err = os.Rename(stagingDir, finalDir)
	if err != nil {
		if staleDir != "" {
			restoreErr := os.Rename(staleDir, finalDir)
			if restoreErr != nil {
				return errors.Join(
					fmt.Errorf("failed to commit %s: %w", finalDir, err),
					fmt.Errorf("failed to restore %s from %s: %w", finalDir, staleDir, restoreErr),
				)
			}
		}

		return fmt.Errorf("failed to commit %s: %w", finalDir, err)
	}

	if staleDir != "" {
		removeErr := os.RemoveAll(staleDir)
		if removeErr != nil {
			c.log.Warn(logFmtStaleRemoveErr, staleDir, removeErr)
		}
	}

	return nil
}

func validateArtifact(artifact *core.PrecomputeArtifact) error {
	if artifact == nil || artifact.SubjectKey == "" {
		return ErrEmptySubjectKey
	}

	if len(artifact.ArtifactPaths) == 0 {
		return ErrNoArtifacts
	}

	seen := make(map[string]struct{}, len(artifact.ArtifactPaths))
	for _, namedPath := range artifact.ArtifactPaths {
		if _, dup := seen[namedPath.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateName, namedPath.Name)
		}

		seen[namedPath.Name] = struct{}{}
	}

	return nil
}

func stageFiles(artifact *core.PrecomputeArtifact, stagingDir string) (*metaFile, error) {
	meta := &metaFile{
		SubjectKey:    artifact.SubjectKey,
		SourcePath:    artifact.SourcePath,
		Artifacts:     make([]metaEntry, 0, len(artifact.ArtifactPaths)),
		ExtraMetadata: artifact.ExtraMetadata,
		CreatedAt:     formatTime(artifact.CreatedAt),
	}

	for index, namedPath := range artifact.ArtifactPaths {
		fileName := fmt.Sprintf("%02d_%s%s", index, sanitize(namedPath.Name), filepath.Ext(namedPath.Path))

		err := copyFile(namedPath.Path, filepath.Join(stagingDir, fileName))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", namedPath.Name, err)
		}

		meta.Artifacts = append(meta.Artifacts, metaEntry{Name: namedPath.Name, File: fileName})
	}

	return meta, nil
}

func copyFile(source, destination string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destination, err)
	}

	_, copyErr := io.Copy(out, in)
	syncErr := out.Sync()
	closeErr := out.Close()

	return errors.Join(copyErr, syncErr, closeErr)
}

func writeMeta(path string, meta *metaFile) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create meta file: %w", err)
	}

	_, writeErr := file.Write(data)
	syncErr := file.Sync()
	closeErr := file.Close()

	return errors.Join(writeErr, syncErr, closeErr)
}

func removeQuietly(dir string) {
	_ = os.RemoveAll(dir)
}
