package blob

import (
	"context"
	"io"
)

// SnapshotSink adapts a Store to the narrow writer interface the tree
// service uses for forest exports.
type SnapshotSink struct {
	store Store
}

// NewSnapshotSink wraps store.
func NewSnapshotSink(store Store) *SnapshotSink {
	return &SnapshotSink{store: store}
}

func (s *SnapshotSink) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	info, err := s.store.Put(ctx, key, r, contentType)
	if err != nil {
		return "", err
	}
	return info.Key, nil
}
