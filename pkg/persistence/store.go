package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/voxforge/voxd/pkg/engine"
)

// FileExt is the project snapshot file extension.
const FileExt = ".vxp"

// Store handles file-based persistence of project snapshots. It is safe
// for concurrent use, though the daemon's engine gate already
// serializes save/load operations.
type Store struct {
	dataDir string
	codec   *Codec

	mu         sync.Mutex
	totalSaves uint64
	totalLoads uint64
}

// NewStore creates a snapshot store rooted at dataDir.
func NewStore(dataDir string, compress bool) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return &Store{
		dataDir: dataDir,
		codec:   NewCodec(compress),
	}, nil
}

// Save encodes the project and writes it to path atomically.
func (s *Store) Save(p *engine.Project, path string) error {
	data, err := s.codec.Encode(p)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating snapshot dir: %w", err)
		}
	}

	if err := s.writeAtomically(path, data, 0644); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	s.mu.Lock()
	s.totalSaves++
	s.mu.Unlock()
	return nil
}

// Load reads and decodes the snapshot at path.
func (s *Store) Load(path string) (*engine.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	p, err := s.codec.Decode(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.totalLoads++
	s.mu.Unlock()
	return p, nil
}

// DefaultPath is where a project with the given name is stored absent
// an explicit path.
func (s *Store) DefaultPath(name string) string {
	return filepath.Join(s.dataDir, sanitizeName(name)+FileExt)
}

// ListProjects returns the names of snapshots in the data directory.
func (s *Store) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != FileExt {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), FileExt))
	}
	return names, nil
}

// sanitizeName keeps snapshot filenames flat and portable.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" {
		name = "untitled"
	}
	return name
}

func (s *Store) writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return s.syncDir(filepath.Dir(path))
}

func (s *Store) syncDir(path string) error {
	if runtime.GOOS == "windows" {
		// Windows does not support fsync on directories in this mode.
		return nil
	}

	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Stats returns persistence statistics
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"data_dir":    s.dataDir,
		"total_saves": s.totalSaves,
		"total_loads": s.totalLoads,
	}
}
