package identity

import (
	"time"

	"github.com/alecthomas/errors"
	"github.com/go-git/go-git/v5/plumbing"
	"go.etcd.io/bbolt"
)

// verifiedBucketName holds one entry per verified tip commit. The
// verification result is a derived cache, never the system of record (refs
// remain that, in objstore), so a crash or a deleted db file simply means
// re-verifying from scratch rather than losing data. A verified tip either
// is or isn't memoised; nothing else is worth persisting per entry beyond
// the hash itself.
//
//nolint:gochecknoglobals
var verifiedBucketName = []byte("verified-tips")

// VerificationCache memoises VerifyHistoryAt results keyed by tip commit
// hash, so a gossip-triggered replicate() that re-announces an already
// verified identity tip does not re-walk and re-check its whole first-parent
// chain every time.
type VerificationCache struct {
	db *bbolt.DB
}

// OpenVerificationCache opens (or creates) a bbolt database at path for
// memoising identity verification results.
func OpenVerificationCache(path string) (*VerificationCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Errorf("open identity verification cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(verifiedBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Errorf("create verification bucket: %w", err), db.Close())
	}
	return &VerificationCache{db: db}, nil
}

// Close releases the underlying database file.
func (c *VerificationCache) Close() error {
	return errors.WithStack(c.db.Close())
}

// seen reports whether tip has already been verified successfully.
func (c *VerificationCache) seen(tip plumbing.Hash) bool {
	var found bool
	_ = c.db.View(func(tx *bbolt.Tx) error { //nolint:errcheck
		found = tx.Bucket(verifiedBucketName).Get(tip[:]) != nil
		return nil
	})
	return found
}

// remember records tip as successfully verified.
func (c *VerificationCache) remember(tip plumbing.Hash) error {
	return errors.WithStack(c.db.Update(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(verifiedBucketName).Put(tip[:], []byte{1}))
	}))
}
