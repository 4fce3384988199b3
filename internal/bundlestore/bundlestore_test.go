package bundlestore_test

import (
	"context"
	"io"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/radicle-link/linkd/internal/bundlestore"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
)

// TestExportUploadsBundle spins up a real minio container and asserts that
// Export's uploaded object round-trips as a valid git bundle.
func TestExportUploadsBundle(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	const user, pass = "linkd-test", "linkd-test-secret"
	container, err := tcminio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z",
		tcminio.WithUsername(user), tcminio.WithPassword(pass))
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, container.Terminate(ctx)) })

	endpoint, err := container.ConnectionString(ctx)
	assert.NoError(t, err)

	const bucket = "linkd-bundles"
	admin, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(user, pass, ""),
	})
	assert.NoError(t, err)
	assert.NoError(t, admin.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))

	store, err := objstore.Open(t.TempDir())
	assert.NoError(t, err)

	urn := newTestURN(t, store)

	exporter, err := bundlestore.New(bundlestore.Config{
		Enabled:   true,
		Endpoint:  endpoint,
		Bucket:    bucket,
		AccessKey: user,
		SecretKey: pass,
		UseSSL:    false,
	}, store)
	assert.NoError(t, err)
	assert.True(t, exporter != nil)

	assert.NoError(t, exporter.Export(ctx, urn))

	obj, err := admin.GetObject(ctx, bucket, "bundles/"+urn.EncodedID()+".bundle", minio.GetObjectOptions{})
	assert.NoError(t, err)
	defer obj.Close()

	header := make([]byte, len("# v2 git bundle\n"))
	_, err = io.ReadFull(obj, header)
	assert.NoError(t, err)
	assert.Equal(t, "# v2 git bundle\n", string(header))
}

// TestNewDisabledReturnsNil asserts the opt-in gate: an unconfigured
// exporter never dials out.
func TestNewDisabledReturnsNil(t *testing.T) {
	store, err := objstore.Open(t.TempDir())
	assert.NoError(t, err)

	exporter, err := bundlestore.New(bundlestore.Config{}, store)
	assert.NoError(t, err)
	assert.True(t, exporter == nil)
}

func newTestURN(t *testing.T, store *objstore.Store) refs.URN {
	t.Helper()
	id, err := refs.NewURNID([]byte("bundlestore-test-subject"))
	assert.NoError(t, err)
	urn := refs.URN{ID: id, Proto: refs.ProtoGit}

	ns := refs.NamespaceOf(urn)
	oid, err := store.WriteBlob([]byte("hello bundle"))
	assert.NoError(t, err)
	tree, err := store.WriteTree([]objstore.TreeFile{{Path: "payload", Oid: oid}})
	assert.NoError(t, err)
	commit, err := store.WriteCommit(tree, nil, "test", objstore.Signature{Name: "test", Email: "test@example.com"})
	assert.NoError(t, err)

	head, err := ns.Qualify("heads/main")
	assert.NoError(t, err)
	assert.NoError(t, store.Transact([]objstore.Update{
		{Name: refs.RefString(head), Target: commit, ExpectedPrevious: objstore.MustNotExist},
	}))
	return urn
}
