package media

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
)

// ErrUnavailable is returned when the backing store cannot accept uploads.
var ErrUnavailable = errors.New("media: unavailable")

// ErrNotFound is returned by MemoryStore.Get for unknown keys.
var ErrNotFound = errors.New("media: not found")

// Store uploads an attachment and returns its public URL.
type Store interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Object is a stored attachment held by MemoryStore.
type Object struct {
	ContentType string
	Data        []byte
}

// MemoryStore keeps attachments in process. URLs are baseURL + "/" + key and
// are served by the HTTP layer from Get.
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore returns an in-process store. baseURL is typically
// "http://<host>/media".
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]Object),
	}
}

// Upload implements Store.
func (s *MemoryStore) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", errors.New("media: empty key")
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = Object{ContentType: contentType, Data: buf}
	s.mu.Unlock()

	return s.baseURL + "/" + escapeKey(key), nil
}

// Get returns a stored object.
func (s *MemoryStore) Get(key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.objects[strings.TrimLeft(key, "/")]
	if !ok {
		return Object{}, ErrNotFound
	}
	return o, nil
}

// escapeKey escapes each path segment, keeping the separators.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
