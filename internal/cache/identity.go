package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Identity selects how a subject key is derived from its source file.
type Identity string

const (
	// IdentityContent keys a subject by the SHA-256 of its bytes, so a file
	// replaced in place gets a new key.
	IdentityContent Identity = "content"
	// IdentityPath keys a subject by its canonical absolute path.
	IdentityPath Identity = "path"
)

// ErrUnknownIdentity indicates an identity mode that is not supported.
var ErrUnknownIdentity = errors.New("unknown subject identity mode")

// SubjectFor derives the Subject for the file at sourcePath.
func SubjectFor(sourcePath string, identity Identity) (core.Subject, error) {
	absolute, err := filepath.Abs(sourcePath)
	if err != nil {
		return core.Subject{}, fmt.Errorf("could not resolve absolute path for %q: %w", sourcePath, err)
	}

	canonical, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return core.Subject{}, fmt.Errorf("could not resolve subject %q: %w", sourcePath, err)
	}

	switch identity {
	case IdentityContent, "":
		digest, hashErr := hashFile(canonical)
		if hashErr != nil {
			return core.Subject{}, hashErr
		}

		return core.Subject{Key: "sha256:" + digest, SourcePath: canonical}, nil
	case IdentityPath:
		return core.Subject{Key: "path:" + canonical, SourcePath: canonical}, nil
	default:
		return core.Subject{}, fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open subject %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()

	_, err = io.Copy(hasher, file)
	if err != nil {
		return "", fmt.Errorf("failed to hash subject %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ParseIdentity validates an identity setting. An empty value selects
// IdentityContent.
func ParseIdentity(value string) (Identity, error) {
	switch Identity(value) {
	case IdentityContent, "":
		return IdentityContent, nil
	case IdentityPath:
		return IdentityPath, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIdentity, value)
	}
}
