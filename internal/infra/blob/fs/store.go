// Package fs provides a local filesystem blob store.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	blobcore "canopy/internal/blob/core"
)

// Store writes blobs beneath a root directory. Keys map to relative
// file paths, with a sidecar file per blob holding the content type.
type Store struct {
	root string
}

var _ blobcore.Store = (*Store)(nil)

const metaSuffix = ".ctype"

// NewStore creates the root directory if needed and returns the store.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("fs blob store: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs blob store: create root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) keyPath(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("fs blob store: invalid key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (blobcore.Info, error) {
	if err := ctx.Err(); err != nil {
		return blobcore.Info{}, err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return blobcore.Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return blobcore.Info{}, fmt.Errorf("fs blob store: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return blobcore.Info{}, fmt.Errorf("fs blob store: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return blobcore.Info{}, fmt.Errorf("fs blob store: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return blobcore.Info{}, fmt.Errorf("fs blob store: rename: %w", err)
	}
	if contentType != "" {
		if err := os.WriteFile(path+metaSuffix, []byte(contentType), 0o644); err != nil {
			return blobcore.Info{}, fmt.Errorf("fs blob store: write metadata: %w", err)
		}
	}
	stat, err := os.Stat(path)
	if err != nil {
		return blobcore.Info{}, fmt.Errorf("fs blob store: stat: %w", err)
	}
	return blobcore.Info{
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		ETag:         hex.EncodeToString(hash.Sum(nil)),
		LastModified: stat.ModTime().UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (blobcore.Info, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return blobcore.Info{}, nil, err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return blobcore.Info{}, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blobcore.Info{}, nil, blobcore.ErrNotFound
		}
		return blobcore.Info{}, nil, fmt.Errorf("fs blob store: open: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return blobcore.Info{}, nil, fmt.Errorf("fs blob store: stat: %w", err)
	}
	info := blobcore.Info{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  s.readContentType(path),
		LastModified: stat.ModTime().UTC(),
	}
	return info, f, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blobcore.ErrNotFound
		}
		return fmt.Errorf("fs blob store: remove: %w", err)
	}
	os.Remove(path + metaSuffix)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]blobcore.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var infos []blobcore.Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return err
		}
		if strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		stat, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, blobcore.Info{
			Key:          key,
			Size:         stat.Size(),
			ContentType:  s.readContentType(path),
			LastModified: stat.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs blob store: list: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) PresignURL(context.Context, string, time.Duration) (string, error) {
	return "", blobcore.ErrUnsupported
}

func (s *Store) Driver() blobcore.Driver { return blobcore.DriverFilesystem }

func (s *Store) readContentType(path string) string {
	data, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return ""
	}
	return string(data)
}
