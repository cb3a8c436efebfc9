package iceberg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements Storage using the local filesystem. Paths may be
// plain or carry a file:// prefix.
type LocalStorage struct{}

func localPath(path string) string {
	return strings.TrimPrefix(path, "file://")
}

// Write replaces path through a temp file and a rename, so readers see
// either the old or the new content.
func (s *LocalStorage) Write(_ context.Context, path string, data []byte) error {
	path = localPath(path)
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// WriteIfAbsent fills a temp file next to path and hard-links it into
// place. The link fails if path exists, so of two concurrent writers exactly
// one wins, and readers never see a partially written file.
func (s *LocalStorage) WriteIfAbsent(_ context.Context, path string, data []byte) error {
	path = localPath(path)
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create %s: %w", path, ErrObjectExists)
		}
		return fmt.Errorf("link %s: %w", path, err)
	}
	return nil
}

// writeTemp writes data to a hidden temp file in the directory of path and
// returns its name.
func writeTemp(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", path, err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Chmod(0o644)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return f.Name(), nil
}

func (s *LocalStorage) Read(_ context.Context, path string) ([]byte, error) {
	path = localPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *LocalStorage) Exists(_ context.Context, path string) (bool, error) {
	path = localPath(path)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func (s *LocalStorage) Delete(_ context.Context, path string) error {
	path = localPath(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// List walks the directory named by prefix. A missing directory lists as
// empty.
func (s *LocalStorage) List(_ context.Context, prefix string) ([]string, error) {
	root := localPath(prefix)
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	return out, nil
}

// ListDirs reads one directory level. A missing directory lists as empty.
func (s *LocalStorage) ListDirs(_ context.Context, prefix string) ([]string, error) {
	root := localPath(prefix)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dirs %s: %w", root, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
