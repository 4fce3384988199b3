package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/alecthomas/errors"

	"github.com/radicle-link/linkd/internal/bundlestore"
	"github.com/radicle-link/linkd/internal/gitproc"
	"github.com/radicle-link/linkd/internal/gossip"
	"github.com/radicle-link/linkd/internal/hookbus"
	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/metrics"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/waitingroom"
)

// Bootstrap is one initial peer to treat as a gossip/replication neighbour
// at startup.
type Bootstrap struct {
	PeerID string `hcl:"peer_id" help:"Multibase-encoded peer id of the bootstrap peer."`
	Addr   string `hcl:"addr" help:"Dial address for the bootstrap peer."`
	Label  string `hcl:"label,optional" help:"Human-readable label for the bootstrap peer."`
}

// SignerConfig names where the local peer's Ed25519 signing key comes from.
// Key management itself (agents, hardware tokens) is out of scope; this
// only names the file linkd reads the key from.
type SignerConfig struct {
	KeyFile string `hcl:"key_file,optional" help:"Path to the base64-encoded Ed25519 private key." default:"${LNK_HOME}/key"`
}

// ProtocolConfig names where the Git channel listens and which handshake
// partition this daemon participates in.
type ProtocolConfig struct {
	Listen  string `hcl:"listen,optional" help:"Address the SSH-gated Git channel listens on." default:"127.0.0.1:2222"`
	Network string `hcl:"network,optional" help:"Handshake partition name." default:"main"`
}

// TrackingConfig is the daemon-wide default tracking mode.
type TrackingConfig struct {
	Mode string `hcl:"mode,optional" help:"Default tracking mode: everything or selected." default:"selected"`
}

// GlobalConfig is the full daemon configuration surface.
type GlobalConfig struct {
	LnkHome   string      `hcl:"lnk_home,optional" help:"Data root for the monorepo, seeds, and keys." default:"${LNK_HOME}"`
	ProfileID string      `hcl:"profile_id,optional" help:"Local profile identifier; defaults to \"default\"." default:"default"`
	Bootstraps []Bootstrap `hcl:"bootstrap,block" help:"Initial peers to contact."`

	Signer   SignerConfig   `hcl:"signer,block"`
	Protocol ProtocolConfig `hcl:"protocol,block"`
	Tracking TrackingConfig `hcl:"tracking,block"`

	LoggingConfig     logging.Config     `hcl:"log,block"`
	MetricsConfig      metrics.Config     `hcl:"metrics,block"`
	GitProcConfig      gitproc.Config     `hcl:"git,block"`
	HookBusConfig      hookbus.Config     `hcl:"hooks,block"`
	GossipRateLimits   gossip.RateLimits  `hcl:"gossip,block"`
	WaitingRoomConfig  waitingroom.Config `hcl:"waiting_room,block"`
	BundlestoreConfig  bundlestore.Config `hcl:"bundlestore,block"`

	DataHooks  []string `hcl:"data_hooks,optional" help:"Paths of hook processes run on every DataEvent."`
	TrackHooks []string `hcl:"track_hooks,optional" help:"Paths of hook processes run on every TrackEvent."`
}

// profileDir is <lnk_home>/<profile-id>, the root the persisted-state
// layout (monorepo, seeds, keys) hangs off.
func (c *GlobalConfig) profileDir() string {
	return filepath.Join(c.LnkHome, c.ProfileID)
}

func (c *GlobalConfig) monorepoPath() string { return filepath.Join(c.profileDir(), "monorepo.git") }
func (c *GlobalConfig) keysDir() string      { return filepath.Join(c.profileDir(), "keys") }

// loadSigner reads the Ed25519 private key named by Signer.KeyFile and
// derives the corresponding PeerId.
func (c *GlobalConfig) loadSigner() (refs.PeerId, ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(c.Signer.KeyFile) //nolint:gosec // operator-configured path, not user input
	if err != nil {
		return refs.PeerId{}, nil, errors.Wrap(err, "read signer key file")
	}
	seed, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return refs.PeerId{}, nil, errors.Wrap(err, "decode signer key")
	}
	if len(seed) != ed25519.SeedSize {
		return refs.PeerId{}, nil, errors.Errorf("signer key must be a %d-byte Ed25519 seed", ed25519.SeedSize)
	}
	secret := ed25519.NewKeyFromSeed(seed)
	peer, err := refs.NewPeerId(secret.Public().(ed25519.PublicKey))
	if err != nil {
		return refs.PeerId{}, nil, errors.Wrap(err, "derive peer id")
	}
	return peer, secret, nil
}

// staticMembership is the fixed partial view gossip.Engine broadcasts over,
// seeded once from the configured bootstrap list. A HyParView-style
// view-maintenance protocol would go behind the same interface; this is
// the simplest Membership that satisfies it without one.
type staticMembership struct {
	peers map[string]refs.PeerId
}

func newStaticMembership(bootstraps []Bootstrap) (*staticMembership, error) {
	m := &staticMembership{peers: map[string]refs.PeerId{}}
	for _, b := range bootstraps {
		peer, err := refs.ParsePeerId(b.PeerID)
		if err != nil {
			return nil, errors.Wrapf(err, "parse bootstrap peer id %s", b.PeerID)
		}
		m.peers[peer.String()] = peer
	}
	return m, nil
}

func (m *staticMembership) Members(exclude *refs.PeerId) []refs.PeerId {
	out := make([]refs.PeerId, 0, len(m.peers))
	for _, p := range m.peers {
		if exclude != nil && p.Equal(*exclude) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (m *staticMembership) IsMember(peer refs.PeerId) bool {
	_, ok := m.peers[peer.String()]
	return ok
}
