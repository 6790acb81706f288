package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/avaropoint/relay/internal/protocol"
)

// FileSystemService is the capability used to answer remote
// directory-browse requests. Implementations decide which paths are
// exposed at all.
type FileSystemService interface {
	// Roots lists the top-level browsable paths.
	Roots() ([]protocol.BrowseEntry, error)
	// List enumerates one directory.
	List(path string) ([]protocol.BrowseEntry, error)
	// Allowed reports whether a path may be exposed to the peer.
	Allowed(path string) bool
}

// SandboxFS exposes a fixed set of base directories and refuses any
// path that escapes them.
type SandboxFS struct {
	bases []string
}

// NewSandboxFS builds a SandboxFS over the given base directories.
// Paths are cleaned and made absolute; relative inputs resolve against
// the working directory.
func NewSandboxFS(bases ...string) (*SandboxFS, error) {
	abs := make([]string, 0, len(bases))
	for _, b := range bases {
		a, err := filepath.Abs(b)
		if err != nil {
			return nil, err
		}
		abs = append(abs, a)
	}
	return &SandboxFS{bases: abs}, nil
}

func (s *SandboxFS) Roots() ([]protocol.BrowseEntry, error) {
	entries := make([]protocol.BrowseEntry, 0, len(s.bases))
	for _, b := range s.bases {
		entries = append(entries, protocol.BrowseEntry{
			Name:  filepath.Base(b),
			Path:  b,
			IsDir: true,
		})
	}
	return entries, nil
}

func (s *SandboxFS) Allowed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, b := range s.bases {
		if abs == b || strings.HasPrefix(abs, b+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *SandboxFS) List(path string) ([]protocol.BrowseEntry, error) {
	if !s.Allowed(path) {
		return nil, fmt.Errorf("path not allowed: %s", path)
	}

	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	entries := make([]protocol.BrowseEntry, 0, len(dirents))
	for _, de := range dirents {
		e := protocol.BrowseEntry{
			Name:  de.Name(),
			Path:  filepath.Join(path, de.Name()),
			IsDir: de.IsDir(),
		}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
