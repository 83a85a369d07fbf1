package model

import "time"

// DeploymentKind distinguishes SPA bundles from API deployments.
type DeploymentKind string

const (
	DeploymentSPA DeploymentKind = "spa"
	DeploymentAPI DeploymentKind = "api"
)

// Deployment is an immutable set of files published for an app.
type Deployment struct {
	ID        string           `json:"id"`
	AppID     string           `json:"app_id"`
	Kind      DeploymentKind   `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
	Files     []DeploymentFile `json:"files"`
}

// DeploymentFile maps a path inside a deployment to a content blob.
type DeploymentFile struct {
	Path        string `json:"path"`
	BlobHash    string `json:"blob_hash"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// ObjectBlob is content stored once per distinct sha256 hash.
type ObjectBlob struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// File returns the file at path, if present.
func (d *Deployment) File(path string) (DeploymentFile, bool) {
	for _, f := range d.Files {
		if f.Path == path {
			return f, true
		}
	}
	return DeploymentFile{}, false
}
