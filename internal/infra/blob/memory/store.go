// Package memory provides an in-memory blob store used in tests.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	blobcore "canopy/internal/blob/core"
)

type object struct {
	info blobcore.Info
	data []byte
}

// Store keeps blobs in a map under a mutex.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	nowFn   func() time.Time
}

var _ blobcore.Store = (*Store)(nil)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		objects: map[string]object{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (blobcore.Info, error) {
	if err := ctx.Err(); err != nil {
		return blobcore.Info{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return blobcore.Info{}, err
	}
	sum := sha256.Sum256(data)
	info := blobcore.Info{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: s.nowFn(),
	}
	s.mu.Lock()
	s.objects[key] = object{info: info, data: data}
	s.mu.Unlock()
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (blobcore.Info, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return blobcore.Info{}, nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return blobcore.Info{}, nil, blobcore.ErrNotFound
	}
	return obj.info, io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return blobcore.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]blobcore.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]blobcore.Info, 0, len(s.objects))
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, obj.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) PresignURL(context.Context, string, time.Duration) (string, error) {
	return "", blobcore.ErrUnsupported
}

func (s *Store) Driver() blobcore.Driver { return blobcore.DriverMemory }
