package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

const defaultSyncConcurrency = 16

type GCSConfig struct {
	// Endpoint points the client at an emulator, e.g.
	// http://localhost:4443/storage/v1/.
	Endpoint    string
	WithoutAuth bool
	Concurrency int
}

// GCSObjectStore talks to Cloud Storage through the client library. It
// has the same contract as GsutilObjectStore without needing the CLI.
type GCSObjectStore struct {
	client      *storage.Client
	concurrency int
}

func NewGCSObjectStore(ctx context.Context, cfg GCSConfig) (*GCSObjectStore, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.WithoutAuth {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create storage client").
			WithCause(err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSyncConcurrency
	}
	return &GCSObjectStore{client: client, concurrency: concurrency}, nil
}

func (s *GCSObjectStore) Close() error {
	return s.client.Close()
}

func (s *GCSObjectStore) Get(ctx context.Context, url string) ([]byte, error) {
	obj, err := s.object(url)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, classifyGCSError("get", url, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classifyGCSError("get", url, err)
	}
	return data, nil
}

func (s *GCSObjectStore) Stat(ctx context.Context, url string) (types.ObjectAttrs, error) {
	obj, err := s.object(url)
	if err != nil {
		return types.ObjectAttrs{}, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return types.ObjectAttrs{}, classifyGCSError("stat", url, err)
	}
	return toObjectAttrs(attrs), nil
}

func (s *GCSObjectStore) Put(ctx context.Context, url string, data []byte, opts types.WriteOptions) (types.ObjectAttrs, error) {
	obj, err := s.object(url)
	if err != nil {
		return types.ObjectAttrs{}, err
	}
	w := withConditions(obj, opts.Precondition).NewWriter(ctx)
	w.CacheControl = opts.CacheControl
	w.ContentType = opts.ContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return types.ObjectAttrs{}, classifyGCSError("put", url, err)
	}
	if err := w.Close(); err != nil {
		return types.ObjectAttrs{}, classifyGCSError("put", url, err)
	}
	return toObjectAttrs(w.Attrs()), nil
}

func (s *GCSObjectStore) Delete(ctx context.Context, url string, cond types.Precondition) error {
	obj, err := s.object(url)
	if err != nil {
		return err
	}
	if err := withConditions(obj, cond).Delete(ctx); err != nil {
		return classifyGCSError("delete", url, err)
	}
	return nil
}

func (s *GCSObjectStore) List(ctx context.Context, prefix string) ([]types.ObjectAttrs, error) {
	bucket, name, err := splitGCSURL(prefix)
	if err != nil {
		return nil, err
	}
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: name})
	var result []types.ObjectAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return result, nil
		}
		if err != nil {
			return nil, classifyGCSError("list", prefix, err)
		}
		result = append(result, toObjectAttrs(attrs))
	}
}

func (s *GCSObjectStore) Upload(ctx context.Context, localPath string, url string, opts types.WriteOptions) error {
	obj, err := s.object(url)
	if err != nil {
		return err
	}
	return s.upload(ctx, localPath, withConditions(obj, opts.Precondition), url, opts.CacheControl, opts.ContentType)
}

func (s *GCSObjectStore) upload(ctx context.Context, localPath string, obj *storage.ObjectHandle, url string, cacheControl string, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	w := obj.NewWriter(ctx)
	w.CacheControl = cacheControl
	w.ContentType = contentType
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return classifyGCSError("upload", url, err)
	}
	if err := w.Close(); err != nil {
		return classifyGCSError("upload", url, err)
	}
	return nil
}

func (s *GCSObjectStore) Download(ctx context.Context, url string, localPath string) error {
	obj, err := s.object(url)
	if err != nil {
		return err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return classifyGCSError("download", url, err)
	}
	defer r.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return classifyGCSError("download", url, err)
	}
	return f.Close()
}

// SyncTree mirrors src onto dst. Transfers run concurrently; with
// DeleteExtra, objects or files missing from src are removed afterwards.
func (s *GCSObjectStore) SyncTree(ctx context.Context, src string, dst string, opts types.SyncOptions) error {
	remoteSrc, remoteDst := ports.IsRemoteURL(src), ports.IsRemoteURL(dst)
	if !remoteSrc && !remoteDst {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("sync requires at least one store url")
	}

	sources, err := s.listTree(ctx, src, remoteSrc)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rel := range sources {
		g.Go(func() error {
			return s.transfer(gctx, joinLocation(src, rel, remoteSrc), joinLocation(dst, rel, remoteDst), remoteSrc, remoteDst, opts.CacheControl)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !opts.DeleteExtra {
		return nil
	}

	existing, err := s.listTree(ctx, dst, remoteDst)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(sources))
	for _, rel := range sources {
		keep[rel] = struct{}{}
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rel := range existing {
		if _, ok := keep[rel]; ok {
			continue
		}
		target := joinLocation(dst, rel, remoteDst)
		g.Go(func() error {
			if !remoteDst {
				return os.Remove(target)
			}
			err := s.Delete(gctx, target, types.Precondition{})
			if errors.Is(err, ports.ErrObjectNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (s *GCSObjectStore) transfer(ctx context.Context, from string, to string, remoteSrc bool, remoteDst bool, cacheControl string) error {
	switch {
	case remoteSrc && remoteDst:
		srcObj, err := s.object(from)
		if err != nil {
			return err
		}
		dstObj, err := s.object(to)
		if err != nil {
			return err
		}
		copier := dstObj.CopierFrom(srcObj)
		copier.CacheControl = cacheControl
		if _, err := copier.Run(ctx); err != nil {
			return classifyGCSError("copy", from, err)
		}
		return nil
	case remoteSrc:
		return s.Download(ctx, from, to)
	default:
		obj, err := s.object(to)
		if err != nil {
			return err
		}
		return s.upload(ctx, from, obj, to, cacheControl, "")
	}
}

// listTree returns the slash-separated paths below root.
func (s *GCSObjectStore) listTree(ctx context.Context, root string, remote bool) ([]string, error) {
	var result []string
	if remote {
		prefix := dirPrefix(root)
		objects, err := s.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if rel, ok := strings.CutPrefix(obj.URL, prefix); ok && rel != "" && !strings.HasSuffix(rel, "/") {
				result = append(result, rel)
			}
		}
		return result, nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) && path == root {
			return filepath.SkipDir
		}
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		result = append(result, filepath.ToSlash(rel))
		return nil
	})
	return result, err
}

func (s *GCSObjectStore) object(url string) (*storage.ObjectHandle, error) {
	bucket, name, err := splitGCSURL(url)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(name), nil
}

func joinLocation(root string, rel string, remote bool) string {
	if remote {
		return dirPrefix(root) + rel
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

func splitGCSURL(url string) (string, string, error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok {
		return "", "", errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("not a gs:// url: %s", url))
	}
	bucket, name, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("url has no bucket: %s", url))
	}
	return bucket, name, nil
}

func withConditions(obj *storage.ObjectHandle, cond types.Precondition) *storage.ObjectHandle {
	switch {
	case cond.DoesNotExist:
		return obj.If(storage.Conditions{DoesNotExist: true})
	case cond.GenerationMatch != 0:
		return obj.If(storage.Conditions{GenerationMatch: cond.GenerationMatch})
	default:
		return obj
	}
}

func toObjectAttrs(attrs *storage.ObjectAttrs) types.ObjectAttrs {
	if attrs == nil {
		return types.ObjectAttrs{}
	}
	return types.ObjectAttrs{
		URL:        fmt.Sprintf("gs://%s/%s", attrs.Bucket, attrs.Name),
		Generation: attrs.Generation,
		UpdateTime: attrs.Updated,
		Size:       attrs.Size,
	}
}

func classifyGCSError(op string, url string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ports.ErrObjectNotFound
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusPreconditionFailed:
			return ports.ErrPreconditionFailed
		case http.StatusNotFound:
			return ports.ErrObjectNotFound
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ports.CommandError{Op: op, URL: url, Err: err}
}

var _ ports.ObjectStorePort = (*GCSObjectStore)(nil)
