package iceberg

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrObjectExists is returned by WriteIfAbsent when the path is taken.
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectNotFound is returned by Read when the path does not exist.
	ErrObjectNotFound = errors.New("object not found")
)

// Storage abstracts file I/O for Iceberg data, manifest, and metadata files.
// Implementations must be safe for concurrent use.
type Storage interface {
	Write(ctx context.Context, path string, data []byte) error
	// WriteIfAbsent creates path and fails with ErrObjectExists if it is
	// already present. It is the primitive behind conditional commits.
	WriteIfAbsent(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	// List returns the paths of every object under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// ListDirs returns the names of the directories directly below prefix,
	// without descending into them.
	ListDirs(ctx context.Context, prefix string) ([]string, error)
}

// SchemeStorage routes s3:// paths to an S3 backend and everything else
// (bare paths and file:// URIs) to the local filesystem.
type SchemeStorage struct {
	local Storage
	s3    Storage
}

// NewSchemeStorage returns a router over local and s3. Either may be nil, in
// which case paths for that scheme fail.
func NewSchemeStorage(local, s3 Storage) *SchemeStorage {
	return &SchemeStorage{local: local, s3: s3}
}

func (s *SchemeStorage) backend(path string) (Storage, error) {
	if strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "s3a://") {
		if s.s3 == nil {
			return nil, fmt.Errorf("no s3 storage configured for %s", path)
		}
		return s.s3, nil
	}
	if s.local == nil {
		return nil, fmt.Errorf("no local storage configured for %s", path)
	}
	return s.local, nil
}

func (s *SchemeStorage) Write(ctx context.Context, path string, data []byte) error {
	b, err := s.backend(path)
	if err != nil {
		return err
	}
	return b.Write(ctx, path, data)
}

func (s *SchemeStorage) WriteIfAbsent(ctx context.Context, path string, data []byte) error {
	b, err := s.backend(path)
	if err != nil {
		return err
	}
	return b.WriteIfAbsent(ctx, path, data)
}

func (s *SchemeStorage) Read(ctx context.Context, path string) ([]byte, error) {
	b, err := s.backend(path)
	if err != nil {
		return nil, err
	}
	return b.Read(ctx, path)
}

func (s *SchemeStorage) Exists(ctx context.Context, path string) (bool, error) {
	b, err := s.backend(path)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, path)
}

func (s *SchemeStorage) Delete(ctx context.Context, path string) error {
	b, err := s.backend(path)
	if err != nil {
		return err
	}
	return b.Delete(ctx, path)
}

func (s *SchemeStorage) List(ctx context.Context, prefix string) ([]string, error) {
	b, err := s.backend(prefix)
	if err != nil {
		return nil, err
	}
	return b.List(ctx, prefix)
}

func (s *SchemeStorage) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	b, err := s.backend(prefix)
	if err != nil {
		return nil, err
	}
	return b.ListDirs(ctx, prefix)
}

// joinPath joins a base location and path elements with "/". Unlike
// path.Join it keeps URI schemes such as s3:// intact.
func joinPath(base string, elems ...string) string {
	out := strings.TrimRight(base, "/")
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		out += "/" + e
	}
	return out
}
