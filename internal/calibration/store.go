// internal/calibration/store.go
package calibration

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"sensorhub/internal/decoder"
)

const blobExt = ".cal"

var ErrNotFound = errors.New("calibration not found")

// Store keeps calibration blobs and diagnostic dumps on a filesystem
type Store struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger

	mu sync.Mutex
}

// NewStore creates a store rooted at dir; pass afero.NewOsFs() in production
func NewStore(fs afero.Fs, dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "."
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create calibration dir %s: %w", dir, err)
	}
	return &Store{
		fs:     fs,
		dir:    dir,
		logger: logger.With(zap.String("component", "calibration")),
	}, nil
}

// Calibration implements decoder.CalibrationSink
func (s *Store) Calibration(blob decoder.CalibrationBlob) {
	if err := s.Save(blob.Name(), blob.Data); err != nil {
		s.logger.Error("Failed to persist calibration", zap.String("name", blob.Name()), zap.Error(err))
		return
	}
	s.logger.Info("Calibration updated", zap.String("name", blob.Name()), zap.Int("bytes", len(blob.Data)))
}

// Save replaces the blob called name
func (s *Store) Save(name string, data []byte) error {
	return s.write(name+blobExt, data)
}

// Load returns the blob called name
func (s *Store) Load(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path(name+blobExt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read calibration %s: %w", name, err)
	}
	return data, nil
}

// Names lists the stored blobs in name order
func (s *Store) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("list calibration dir: %w", err)
	}
	var names []string
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), blobExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(fi.Name(), blobExt))
	}
	sort.Strings(names)
	return names, nil
}

// SaveDump implements batch.DumpStore; name may contain a subdirectory
func (s *Store) SaveDump(name string, data []byte) error {
	return s.write(name, data)
}

func (s *Store) path(name string) string {
	return path.Join(s.dir, path.Clean("/" + name))
}

// write goes through a temp file so readers never see a partial blob
func (s *Store) write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(name)
	if err := s.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}
