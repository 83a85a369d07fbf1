// Package storage reads and writes deployment content through a
// gocloud blob bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob" // mem:// for tests and local runs
	_ "gocloud.dev/blob/s3blob"  // s3:// object storage
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("storage: not found")

// Provider is the storage contract deployment content is read through.
type Provider interface {
	Save(ctx context.Context, path string, r io.Reader) error
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	FullPath(path string) string
}

// BlobProvider implements Provider over a gocloud bucket.
type BlobProvider struct {
	bucket *blob.Bucket
	base   string // URL or directory used by FullPath
	local  bool
}

// Open opens the bucket at rawURL. file:// URLs create their root
// directory when missing.
func Open(ctx context.Context, rawURL string) (*BlobProvider, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse url: %w", err)
	}

	if u.Scheme == "file" {
		dir := filepath.FromSlash(u.Path)
		bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", dir, err)
		}
		return &BlobProvider{bucket: bucket, base: dir, local: true}, nil
	}

	bucket, err := blob.OpenBucket(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", rawURL, err)
	}
	base := u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/")
	return &BlobProvider{bucket: bucket, base: base}, nil
}

// NewBlobProvider wraps an already opened bucket.
func NewBlobProvider(bucket *blob.Bucket, base string) *BlobProvider {
	return &BlobProvider{bucket: bucket, base: base}
}

func (p *BlobProvider) Save(ctx context.Context, key string, r io.Reader) error {
	w, err := p.bucket.NewWriter(ctx, cleanKey(key), nil)
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("storage: save %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: save %s: %w", key, err)
	}
	return nil
}

func (p *BlobProvider) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := p.bucket.NewReader(ctx, cleanKey(key), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: open %s: %w", key, err)
	}
	return r, nil
}

func (p *BlobProvider) Delete(ctx context.Context, key string) error {
	if err := p.bucket.Delete(ctx, cleanKey(key)); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

func (p *BlobProvider) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := p.bucket.Exists(ctx, cleanKey(key))
	if err != nil {
		return false, fmt.Errorf("storage: exists %s: %w", key, err)
	}
	return ok, nil
}

// FullPath returns the location of key in the backing store: a file
// path for local buckets, a URL otherwise.
func (p *BlobProvider) FullPath(key string) string {
	key = cleanKey(key)
	if p.local {
		return filepath.Join(p.base, filepath.FromSlash(key))
	}
	return p.base + "/" + key
}

// Close releases the bucket.
func (p *BlobProvider) Close() error {
	return p.bucket.Close()
}

// cleanKey turns a request-style path into a bucket key that cannot
// escape the bucket root.
func cleanKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

// ReadAll reads the whole object at key.
func ReadAll(ctx context.Context, p Provider, key string) ([]byte, error) {
	r, err := p.OpenRead(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
