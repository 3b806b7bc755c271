package workspace

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	// timestampLayout keeps identifiers sortable at second granularity.
	timestampLayout = "20060102_150405"

	artifactExt = ".png"

	suffixOriginal = "_original"
	suffixStyled   = "_styled"
	suffixBlended  = "_blended"
)

// Workspace holds the three artifact locations derived from one request
// identifier. The paths are distinct by construction.
type Workspace struct {
	ID           string
	OriginalPath string
	StyledPath   string
	BlendedPath  string
}

// Allocator produces collision-free workspace identifiers under a base
// directory. Identifiers combine a sortable timestamp, a random suffix and
// a process-wide monotonic counter, so two allocations within the same
// wall-clock second can never collide.
type Allocator struct {
	baseDir string
	now     func() time.Time

	mu  sync.Mutex
	seq uint64
}

// NewAllocator creates an Allocator rooted at baseDir.
func NewAllocator(baseDir string) (*Allocator, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &Allocator{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory artifacts are written under.
func (a *Allocator) BaseDir() string { return a.baseDir }

// Allocate reserves a new workspace identifier and derives its three
// artifact paths. The base directory is created if missing.
func (a *Allocator) Allocate() (Workspace, error) {
	if err := os.MkdirAll(a.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	stamp := a.now().Format(timestampLayout)
	random := uuid.NewString()[:8]
	id := fmt.Sprintf("%s_%s_%06d", stamp, random, seq)

	return Workspace{
		ID:           id,
		OriginalPath: filepath.Join(a.baseDir, id+suffixOriginal+artifactExt),
		StyledPath:   filepath.Join(a.baseDir, id+suffixStyled+artifactExt),
		BlendedPath:  filepath.Join(a.baseDir, id+suffixBlended+artifactExt),
	}, nil
}

// PersistUpload writes the uploaded image bytes to the workspace's
// original path, returning the byte count and a BLAKE3 checksum of the
// content.
func (a *Allocator) PersistUpload(ws Workspace, r io.Reader) (int64, string, error) {
	f, err := os.OpenFile(ws.OriginalPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("create original artifact: %w", err)
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(ws.OriginalPath)
		return 0, "", fmt.Errorf("write original artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close original artifact: %w", err)
	}

	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// ArtifactPath resolves a client-facing artifact filename to its on-disk
// location, rejecting names that could escape the base directory.
func (a *Allocator) ArtifactPath(name string) (string, error) {
	if err := ValidateArtifactName(name); err != nil {
		return "", err
	}
	return filepath.Join(a.baseDir, name), nil
}

// ValidateArtifactName rejects empty names and path traversal attempts.
func ValidateArtifactName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("artifact name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("artifact name %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("artifact name %q is invalid", name)
	}
	return nil
}
