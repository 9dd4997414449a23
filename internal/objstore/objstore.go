// Package objstore adapts an S3-compatible object store to the small
// JSON blob surface the audit workers need: get/put/delete at
// deterministic keys. It does no retrying of its own; failures surface
// to the caller.
package objstore

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by GetJSON when no object exists at the key.
// Callers distinguish it with errors.Is.
var ErrNotFound = eris.New("objstore: object not found")

// Store is the object-store surface used by the audit workers.
type Store interface {
	// GetJSON loads the object at key and decodes it into out.
	GetJSON(ctx context.Context, bucket, key string, out any) error
	// PutJSON encodes v as JSON and writes it at key, overwriting any
	// existing object.
	PutJSON(ctx context.Context, bucket, key string, v any) error
	// Delete removes the object at key. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, bucket, key string) error
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	Driver    string `yaml:"driver" mapstructure:"driver"` // "minio" or "memory"
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
}

// New builds a Store for the configured driver.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "minio":
		return NewMinio(cfg)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("objstore: unknown driver %q", cfg.Driver)
	}
}
