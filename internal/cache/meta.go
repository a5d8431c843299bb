package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Load reads and revalidates the artifact set in dir. The stored subject key
// must equal subjectKey and every referenced file must exist. A missing meta
// file yields an error wrapping os.ErrNotExist.
func Load(dir, subjectKey string) (*core.PrecomputeArtifact, error) {
	meta, err := readMeta(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, err
	}

	if meta.SubjectKey != subjectKey {
		return nil, fmt.Errorf("%w: want %q, stored %q", ErrSubjectMismatch, subjectKey, meta.SubjectKey)
	}

	artifact := toArtifact(meta, dir)
	for _, namedPath := range artifact.ArtifactPaths {
		_, statErr := os.Stat(namedPath.Path)
		if statErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, namedPath.Path)
		}
	}

	return artifact, nil
}

// Inspect reads the artifact set in dir without any subject check. It is what
// external tooling uses to look at the cache.
func Inspect(dir string) (*core.PrecomputeArtifact, error) {
	meta, err := readMeta(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, err
	}

	return toArtifact(meta, dir), nil
}

func readMeta(path string) (*metaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var meta metaFile

	err = json.Unmarshal(data, &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return &meta, nil
}

func toArtifact(meta *metaFile, dir string) *core.PrecomputeArtifact {
	artifact := &core.PrecomputeArtifact{
		SubjectKey:    meta.SubjectKey,
		SourcePath:    meta.SourcePath,
		ArtifactPaths: make([]core.NamedPath, 0, len(meta.Artifacts)),
		ExtraMetadata: meta.ExtraMetadata,
		CreatedAt:     parseTime(meta.CreatedAt),
	}

	for _, entry := range meta.Artifacts {
		artifact.ArtifactPaths = append(artifact.ArtifactPaths, core.NamedPath{
			Name: entry.Name,
			Path: filepath.Join(dir, entry.File),
		})
	}

	return artifact
}

func formatTime(created time.Time) string {
	if created.IsZero() {
		created = time.Now()
	}

	return created.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}

	return parsed
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
