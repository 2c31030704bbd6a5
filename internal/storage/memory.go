package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]memObject

	// PutErr, when set, is returned by PutObject.
	PutErr error
	Puts   int
}

type memObject struct {
	data        []byte
	contentType string
	meta        map[string]string
	modified    time.Time
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: map[string]memObject{}}
}

func (m *MemoryStore) URI(key string) string { return "s3://" + m.bucket + "/" + key }

func (m *MemoryStore) PutObject(_ context.Context, key string, data []byte, contentType string, meta map[string]string) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	m.Puts++
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	m.objects[key] = memObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		meta:        cp,
		modified:    time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) Stat(_ context.Context, key string) (ObjectInfo, bool, error) {
	if err := validKey(key); err != nil {
		return ObjectInfo{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, false, nil
	}
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		Metadata:     obj.meta,
		LastModified: obj.modified,
	}, true, nil
}

// Object returns the stored bytes (tests).
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj.data, ok
}
