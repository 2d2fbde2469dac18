package adapters

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

type memoryObject struct {
	data         []byte
	generation   int64
	updated      time.Time
	cacheControl string
	contentType  string
}

// MemoryObjectStore keeps objects in process with the same generation and
// precondition semantics as the real store. Generations are unique across
// the store and only grow.
type MemoryObjectStore struct {
	mu       sync.Mutex
	objects  map[string]memoryObject
	nextGen  int64
	clock    func() time.Time
	failHook func(op string, url string) error
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects: map[string]memoryObject{},
		nextGen: 1000,
		clock:   time.Now,
	}
}

// SetClock replaces the time source used for update times.
func (s *MemoryObjectStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SetFailHook installs a function consulted before every operation; a
// non-nil result is returned instead of performing it.
func (s *MemoryObjectStore) SetFailHook(hook func(op string, url string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHook = hook
}

// Touch overrides the update time of an existing object.
func (s *MemoryObjectStore) Touch(url string, updated time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[url]; ok {
		obj.updated = updated
		s.objects[url] = obj
	}
}

// CacheControl returns the cache policy recorded for url.
func (s *MemoryObjectStore) CacheControl(url string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[url].cacheControl
}

// Keys lists every stored url in order.
func (s *MemoryObjectStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemoryObjectStore) Get(ctx context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "get", url); err != nil {
		return nil, err
	}
	obj, ok := s.objects[url]
	if !ok {
		return nil, ports.ErrObjectNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryObjectStore) Stat(ctx context.Context, url string) (types.ObjectAttrs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "stat", url); err != nil {
		return types.ObjectAttrs{}, err
	}
	obj, ok := s.objects[url]
	if !ok {
		return types.ObjectAttrs{}, ports.ErrObjectNotFound
	}
	return obj.attrs(url), nil
}

func (s *MemoryObjectStore) Put(ctx context.Context, url string, data []byte, opts types.WriteOptions) (types.ObjectAttrs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "put", url); err != nil {
		return types.ObjectAttrs{}, err
	}
	if err := s.matches(url, opts.Precondition); err != nil {
		return types.ObjectAttrs{}, err
	}
	return s.write(url, data, opts), nil
}

func (s *MemoryObjectStore) Delete(ctx context.Context, url string, cond types.Precondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "delete", url); err != nil {
		return err
	}
	if _, ok := s.objects[url]; !ok {
		return ports.ErrObjectNotFound
	}
	if err := s.matches(url, cond); err != nil {
		return err
	}
	delete(s.objects, url)
	return nil
}

func (s *MemoryObjectStore) List(ctx context.Context, prefix string) ([]types.ObjectAttrs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "list", prefix); err != nil {
		return nil, err
	}
	var result []types.ObjectAttrs
	for url, obj := range s.objects {
		if strings.HasPrefix(url, prefix) {
			result = append(result, obj.attrs(url))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].URL < result[j].URL })
	return result, nil
}

func (s *MemoryObjectStore) Upload(ctx context.Context, localPath string, url string, opts types.WriteOptions) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to read upload source").
			WithCause(err)
	}
	_, err = s.Put(ctx, url, data, opts)
	return err
}

func (s *MemoryObjectStore) Download(ctx context.Context, url string, localPath string) error {
	data, err := s.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *MemoryObjectStore) SyncTree(ctx context.Context, src string, dst string, opts types.SyncOptions) error {
	remoteSrc, remoteDst := ports.IsRemoteURL(src), ports.IsRemoteURL(dst)
	if !remoteSrc && !remoteDst {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("sync requires at least one store url")
	}
	files, err := s.collect(ctx, src, remoteSrc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "sync", dst); err != nil {
		return err
	}
	if remoteDst {
		prefix := dirPrefix(dst)
		for rel, data := range files {
			s.write(prefix+rel, data, types.WriteOptions{CacheControl: opts.CacheControl})
		}
		if opts.DeleteExtra {
			for url := range s.objects {
				rel, ok := strings.CutPrefix(url, prefix)
				if !ok {
					continue
				}
				if _, keep := files[rel]; !keep {
					delete(s.objects, url)
				}
			}
		}
		return nil
	}

	for rel, data := range files {
		path := filepath.Join(dst, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	if opts.DeleteExtra {
		return removeExtraFiles(dst, files)
	}
	return nil
}

func (s *MemoryObjectStore) collect(ctx context.Context, src string, remote bool) (map[string][]byte, error) {
	files := map[string][]byte{}
	if remote {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.check(ctx, "sync", src); err != nil {
			return nil, err
		}
		prefix := dirPrefix(src)
		for url, obj := range s.objects {
			if rel, ok := strings.CutPrefix(url, prefix); ok {
				files[rel] = append([]byte(nil), obj.data...)
			}
		}
		return files, nil
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to read sync source").
			WithCause(err)
	}
	return files, nil
}

func (s *MemoryObjectStore) check(ctx context.Context, op string, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failHook != nil {
		return s.failHook(op, url)
	}
	return nil
}

func (s *MemoryObjectStore) matches(url string, cond types.Precondition) error {
	obj, exists := s.objects[url]
	if cond.DoesNotExist && exists {
		return ports.ErrPreconditionFailed
	}
	if cond.GenerationMatch != 0 && (!exists || obj.generation != cond.GenerationMatch) {
		return ports.ErrPreconditionFailed
	}
	return nil
}

func (s *MemoryObjectStore) write(url string, data []byte, opts types.WriteOptions) types.ObjectAttrs {
	s.nextGen++
	obj := memoryObject{
		data:         append([]byte(nil), data...),
		generation:   s.nextGen,
		updated:      s.clock(),
		cacheControl: opts.CacheControl,
		contentType:  opts.ContentType,
	}
	s.objects[url] = obj
	return obj.attrs(url)
}

func (o memoryObject) attrs(url string) types.ObjectAttrs {
	return types.ObjectAttrs{
		URL:        url,
		Generation: o.generation,
		UpdateTime: o.updated,
		Size:       int64(len(o.data)),
	}
}

func dirPrefix(url string) string {
	return strings.TrimSuffix(url, "/") + "/"
}

func removeExtraFiles(root string, keep map[string][]byte) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if _, ok := keep[filepath.ToSlash(rel)]; ok {
			return nil
		}
		return os.Remove(path)
	})
}

var _ ports.ObjectStorePort = (*MemoryObjectStore)(nil)
