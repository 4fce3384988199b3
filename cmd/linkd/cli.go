package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/errors"

	"github.com/radicle-link/linkd/internal/identity"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/tracking"
)

// KeygenCmd generates a fresh Ed25519 keypair, writes the base64-encoded
// seed to the signer key file, and prints the derived PeerId.
type KeygenCmd struct {
	Force bool `help:"Overwrite an existing key file."`
}

func (k KeygenCmd) Run(cfg *GlobalConfig) error {
	path := cfg.Signer.KeyFile
	if !k.Force {
		if _, err := os.Stat(path); err == nil {
			return errors.Errorf("key file %s already exists (use --force to overwrite)", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "generate keypair")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create key directory")
	}
	encoded := base64.StdEncoding.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return errors.Wrap(err, "write key file")
	}

	peer, err := refs.NewPeerId(pub)
	if err != nil {
		return errors.Wrap(err, "derive peer id")
	}
	fmt.Println(peer.String()) //nolint:forbidigo
	return nil
}

// TrackCmd creates or updates a tracking entry for a URN, optionally scoped
// to a single peer, directly against the monorepo.
type TrackCmd struct {
	URN    string `arg:"" help:"URN to track (rad:git:...)."`
	Peer   string `arg:"" optional:"" help:"Peer to track; omitted tracks the URN's default entry."`
	NoData bool   `help:"Exclude data (heads/tags) refs from replication."`
	Remove bool   `help:"Remove the tracking entry instead of creating it."`
}

func (t TrackCmd) Run(cfg *GlobalConfig) error {
	urn, err := refs.ParseURN(t.URN)
	if err != nil {
		return errors.Wrap(err, "parse urn")
	}
	var peer *refs.PeerId
	if t.Peer != "" {
		p, err := refs.ParsePeerId(t.Peer)
		if err != nil {
			return errors.Wrap(err, "parse peer id")
		}
		peer = &p
	}

	store, err := objstore.Open(cfg.monorepoPath())
	if err != nil {
		return errors.Wrap(err, "open monorepo")
	}
	trackingStore := tracking.New(store)

	if t.Remove {
		return errors.Wrap(trackingStore.Untrack(urn, peer, tracking.MustExist), "untrack")
	}

	config := tracking.Config{Data: !t.NoData, Cobs: tracking.CobsPolicy{AllowAll: true}}
	_, err = trackingStore.Track(urn, peer, config, tracking.Any)
	return errors.Wrap(err, "track")
}

// IDShowCmd verifies and prints a URN's current identity document payload.
type IDShowCmd struct {
	URN string `arg:"" help:"URN whose identity document to show."`
}

func (i IDShowCmd) Run(cfg *GlobalConfig) error {
	urn, err := refs.ParseURN(i.URN)
	if err != nil {
		return errors.Wrap(err, "parse urn")
	}

	store, err := objstore.Open(cfg.monorepoPath())
	if err != nil {
		return errors.Wrap(err, "open monorepo")
	}

	doc, err := identity.New(store).VerifyHistory(urn)
	if err != nil {
		return errors.Wrap(err, "verify identity history")
	}

	fmt.Printf("revision: %s\n", doc.Revision)      //nolint:forbidigo
	fmt.Printf("payload:  %s\n", string(doc.Payload)) //nolint:forbidigo
	for _, d := range doc.Delegations {
		switch {
		case d.Key != nil:
			peer, err := refs.NewPeerId(d.Key)
			if err != nil {
				continue
			}
			fmt.Printf("delegate: %s\n", peer) //nolint:forbidigo
		case d.Indirect != nil:
			fmt.Printf("delegate: %s @ %s\n", d.Indirect.URN, d.Indirect.Revision) //nolint:forbidigo
		}
	}
	return nil
}
