package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/appgate/internal/model"
)

// BlobKey returns the storage key of the blob with the given sha256 hash.
func BlobKey(hash string) string {
	if len(hash) < 2 {
		return "blobs/" + hash
	}
	return "blobs/" + hash[:2] + "/" + hash
}

// ManifestKey returns the storage key of a deployment manifest.
func ManifestKey(deploymentID string) string {
	return "deployments/" + deploymentID + "/manifest.json"
}

// HashContent returns the hex sha256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DeploymentWriter assembles a deployment. Content is stored once per
// distinct hash no matter how many files or deployments reference it.
type DeploymentWriter struct {
	provider   Provider
	deployment model.Deployment
	paths      map[string]struct{}
	blobs      map[string]model.ObjectBlob
	mu         sync.Mutex
}

// NewDeploymentWriter starts a deployment.
func NewDeploymentWriter(p Provider, id, appID string, kind model.DeploymentKind) *DeploymentWriter {
	return &DeploymentWriter{
		provider: p,
		deployment: model.Deployment{
			ID:        id,
			AppID:     appID,
			Kind:      kind,
			CreatedAt: time.Now().UTC(),
		},
		paths: make(map[string]struct{}),
		blobs: make(map[string]model.ObjectBlob),
	}
}

// AddFile stores content under filePath. It fails if the path was
// already added.
func (w *DeploymentWriter) AddFile(ctx context.Context, filePath string, content []byte) (model.DeploymentFile, error) {
	p := NormalizeFilePath(filePath)
	if p == "" {
		return model.DeploymentFile{}, fmt.Errorf("storage: empty file path")
	}

	w.mu.Lock()
	if _, dup := w.paths[p]; dup {
		w.mu.Unlock()
		return model.DeploymentFile{}, fmt.Errorf("storage: duplicate file path %q", p)
	}
	w.paths[p] = struct{}{}
	w.mu.Unlock()

	hash := HashContent(content)
	key := BlobKey(hash)
	exists, err := w.provider.Exists(ctx, key)
	if err != nil {
		return model.DeploymentFile{}, err
	}
	if !exists {
		if err := w.provider.Save(ctx, key, bytes.NewReader(content)); err != nil {
			return model.DeploymentFile{}, err
		}
	}

	f := model.DeploymentFile{
		Path:        p,
		BlobHash:    hash,
		Size:        int64(len(content)),
		ContentType: mime.TypeByExtension(path.Ext(p)),
	}

	w.mu.Lock()
	w.deployment.Files = append(w.deployment.Files, f)
	w.blobs[hash] = model.ObjectBlob{Hash: hash, Size: f.Size}
	w.mu.Unlock()
	return f, nil
}

// Blobs returns the distinct blobs referenced so far.
func (w *DeploymentWriter) Blobs() []model.ObjectBlob {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.ObjectBlob, 0, len(w.blobs))
	for _, b := range w.blobs {
		out = append(out, b)
	}
	return out
}

// Commit writes the manifest. After Commit the deployment is readable.
func (w *DeploymentWriter) Commit(ctx context.Context) (*model.Deployment, error) {
	w.mu.Lock()
	d := w.deployment
	d.Files = append([]model.DeploymentFile(nil), w.deployment.Files...)
	w.mu.Unlock()

	data, err := json.Marshal(&d)
	if err != nil {
		return nil, fmt.Errorf("storage: encode manifest: %w", err)
	}
	if err := w.provider.Save(ctx, ManifestKey(d.ID), bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &d, nil
}

// NormalizeFilePath maps a request path or file name to the form used
// in manifests: cleaned, relative, slash separated.
func NormalizeFilePath(p string) string {
	c := path.Clean("/" + p)
	if c == "/" {
		return ""
	}
	return c[1:]
}

// DeploymentReader resolves deployment files to blob content.
// Manifests are immutable and cached after the first read.
type DeploymentReader struct {
	provider  Provider
	manifests *lru.Cache[string, *model.Deployment]
	group     singleflight.Group
}

const manifestReadTimeout = 30 * time.Second

// NewDeploymentReader creates a reader caching up to cacheSize manifests.
func NewDeploymentReader(p Provider, cacheSize int) *DeploymentReader {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, _ := lru.New[string, *model.Deployment](cacheSize)
	return &DeploymentReader{provider: p, manifests: c}
}

// Manifest returns the deployment with the given id.
func (r *DeploymentReader) Manifest(ctx context.Context, deploymentID string) (*model.Deployment, error) {
	if d, ok := r.manifests.Get(deploymentID); ok {
		return d, nil
	}

	// The read outlives any one caller so a disconnecting client cannot
	// fail the others waiting on it.
	ch := r.group.DoChan(deploymentID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), manifestReadTimeout)
		defer cancel()
		data, err := ReadAll(ctx, r.provider, ManifestKey(deploymentID))
		if err != nil {
			return nil, err
		}
		var d model.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("storage: decode manifest %s: %w", deploymentID, err)
		}
		r.manifests.Add(deploymentID, &d)
		return &d, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Deployment), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stat returns the manifest entry for filePath.
func (r *DeploymentReader) Stat(ctx context.Context, deploymentID, filePath string) (model.DeploymentFile, error) {
	d, err := r.Manifest(ctx, deploymentID)
	if err != nil {
		return model.DeploymentFile{}, err
	}
	f, ok := d.File(NormalizeFilePath(filePath))
	if !ok {
		return model.DeploymentFile{}, fmt.Errorf("%w: %s/%s", ErrNotFound, deploymentID, filePath)
	}
	return f, nil
}

// ReadFile returns the content of filePath in the deployment.
func (r *DeploymentReader) ReadFile(ctx context.Context, deploymentID, filePath string) ([]byte, error) {
	f, err := r.Stat(ctx, deploymentID, filePath)
	if err != nil {
		return nil, err
	}
	data, err := ReadAll(ctx, r.provider, BlobKey(f.BlobHash))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("storage: blob %s for %s/%s: %w", f.BlobHash, deploymentID, f.Path, err)
		}
		return nil, err
	}
	return data, nil
}
