// Package objectstoretest provides an in-memory fake of objectstore.Client
// for driving internal/proxy tests without a network dependency.
package objectstoretest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/richardartoul/s3cacheproxy/internal/objectstore"
)

// Fake is a map-backed objectstore.Client with injectable per-key errors
// and call counters.
type Fake struct {
	mu sync.Mutex

	objects map[string][]byte
	errs    map[string]error

	GetCalls    int
	HeadCalls   int
	PutCalls    int
	DeleteCalls int
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		objects: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

// Seed places an object directly into the fake store, bypassing PutObject.
func (f *Fake) Seed(key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), body...)
}

// SetErr forces every call for key on any method to return err, until
// cleared by calling SetErr(key, nil).
func (f *Fake) SetErr(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, key)
		return
	}
	f.errs[key] = err
}

// Contains reports whether key is currently stored (test helper, not part of
// objectstore.Client).
func (f *Fake) Contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *Fake) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++

	if err, ok := f.errs[key]; ok {
		return nil, 0, err
	}
	body, ok := f.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", key, objectstore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
}

func (f *Fake) HeadObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HeadCalls++

	if err, ok := f.errs[key]; ok {
		return err
	}
	if _, ok := f.objects[key]; !ok {
		return fmt.Errorf("%s: %w", key, objectstore.ErrNotFound)
	}
	return nil
}

func (f *Fake) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.PutCalls++

	if err, ok := f.errs[key]; ok {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *Fake) DeleteObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++

	if err, ok := f.errs[key]; ok {
		return err
	}
	delete(f.objects, key)
	return nil
}

var _ objectstore.Client = (*Fake)(nil)
