// Package bundlestore periodically exports a URN's pack bundle to an
// S3-compatible object store, as a cold-storage disaster-recovery tier for
// the monorepo: replication restores a peer's view from the network, but
// only as long as some peer still serves it.
package bundlestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/alecthomas/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// Config configures the S3-compatible endpoint bundles are exported to.
// Exporter is disabled (Enabled == false) unless explicitly turned on, since
// cold-storage export is an operator opt-in, not a default daemon behaviour.
type Config struct {
	Enabled   bool          `hcl:"enabled,optional" help:"Enable periodic S3 bundle export." default:"false"`
	Endpoint  string        `hcl:"endpoint,optional" help:"S3-compatible endpoint host:port."`
	Bucket    string        `hcl:"bucket,optional" help:"Destination bucket for exported bundles."`
	AccessKey string        `hcl:"access-key,optional" help:"S3 access key ID." default:"${BUNDLESTORE_ACCESS_KEY}"`
	SecretKey string        `hcl:"secret-key,optional" help:"S3 secret access key." default:"${BUNDLESTORE_SECRET_KEY}"`
	UseSSL    bool          `hcl:"use-ssl,optional" help:"Use TLS when talking to the S3 endpoint." default:"true"`
	Interval  time.Duration `hcl:"interval,optional" help:"How often each tracked URN's bundle is re-exported." default:"6h"`
}

// Exporter uploads `git bundle` snapshots of a monorepo namespace to S3.
type Exporter struct {
	store  *objstore.Store
	client *minio.Client
	bucket string
}

// New builds an Exporter against cfg's S3 endpoint. Returns (nil, nil) if
// cfg.Enabled is false, so callers can unconditionally call New and skip
// scheduling when the result is nil.
func New(cfg Config, store *objstore.Store) (*Exporter, error) {
	if !cfg.Enabled {
		return nil, nil //nolint:nilnil // disabled exporter is a valid, common case
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "construct minio client")
	}
	return &Exporter{store: store, client: client, bucket: cfg.Bucket}, nil
}

// objectKey is the destination bucket key for urn's bundle.
func objectKey(urn refs.URN) string {
	return fmt.Sprintf("bundles/%s.bundle", urn.EncodedID())
}

// Export generates a bundle of every ref under urn's namespace and uploads
// it, streaming the subprocess's stdout directly into the PUT body rather
// than buffering the whole bundle in memory first.
func (e *Exporter) Export(ctx context.Context, urn refs.URN) error {
	logger := logging.FromContext(ctx)
	ns := refs.NamespaceOf(urn)

	pr, pw := io.Pipe()
	var stderr bytes.Buffer

	//nolint:gosec // urn.EncodedID() is a validated multihash, not raw user input
	cmd := exec.CommandContext(ctx, "git", "-C", e.store.Path(),
		"bundle", "create", "-", "--glob="+ns.String()+"*")
	cmd.Stdout = pw
	cmd.Stderr = &stderr

	runErr := make(chan error, 1)
	go func() {
		runErr <- cmd.Run()
		_ = pw.Close()
	}()

	key := objectKey(urn)
	_, upErr := e.client.PutObject(ctx, e.bucket, key, pr, -1, minio.PutObjectOptions{
		ContentType: "application/x-git-bundle",
	})

	if err := <-runErr; err != nil {
		return errors.Wrapf(err, "generate bundle for %s: %s", urn, stderr.String())
	}
	if upErr != nil {
		return errors.Wrapf(upErr, "upload bundle for %s", urn)
	}

	logger.InfoContext(ctx, "exported bundle", "urn", urn.String(), "key", key)
	return nil
}
