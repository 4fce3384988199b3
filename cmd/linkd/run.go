package main

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/errors"
	gliderssh "github.com/gliderlabs/ssh"
	gocrypto "golang.org/x/crypto/ssh"

	"github.com/radicle-link/linkd/internal/bundlestore"
	"github.com/radicle-link/linkd/internal/gitproc"
	"github.com/radicle-link/linkd/internal/gossip"
	"github.com/radicle-link/linkd/internal/gossipbridge"
	"github.com/radicle-link/linkd/internal/hookbus"
	"github.com/radicle-link/linkd/internal/identity"
	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/metrics"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/replication"
	"github.com/radicle-link/linkd/internal/signedrefs"
	"github.com/radicle-link/linkd/internal/taskrunner"
	"github.com/radicle-link/linkd/internal/tracking"
	"github.com/radicle-link/linkd/internal/waitingroom"
)

// RunCmd boots the daemon: it opens the monorepo, wires the replication,
// gossip, waiting-room, and Git-subprocess subsystems together, and serves
// the SSH-gated Git channel until ctx is cancelled.
type RunCmd struct{}

// peerContextKey is the ssh.Context key PublicKeyHandler stashes the
// authenticated PeerId under, for the session Handler to read back.
type peerContextKey struct{}

// Run boots and blocks until ctx is cancelled (kong binds GlobalConfig and
// context.Context into this method by type).
func (RunCmd) Run(ctx context.Context, cfg *GlobalConfig) error {
	logger := logging.FromContext(ctx)

	self, secret, err := cfg.loadSigner()
	if err != nil {
		return errors.Wrap(err, "load signer")
	}

	store, err := objstore.Open(cfg.monorepoPath())
	if err != nil {
		return errors.Wrap(err, "open monorepo")
	}
	trackingStore := tracking.New(store)

	verCache, err := identity.OpenVerificationCache(cfg.profileDir() + "/identity-verified.db")
	if err != nil {
		return errors.Wrap(err, "open identity verification cache")
	}
	defer verCache.Close() //nolint:errcheck

	replicas := replication.New(store, self, secret).WithIdentityVerificationCache(verCache)

	membership, err := newStaticMembership(cfg.Bootstraps)
	if err != nil {
		return errors.Wrap(err, "build membership from bootstraps")
	}

	// No concrete QUIC dialer ships with this build, so gossip Tocks and
	// waiting-room Clone commands are logged rather than dialed out.
	bridge := gossipbridge.New(store, trackingStore, replicas, nil)

	selfInfo := func() gossip.PeerInfo {
		return gossip.PeerInfo{Peer: self, Addrs: []string{cfg.Protocol.Listen}}
	}
	gossipEngine := gossip.NewEngine(membership, bridge, selfInfo, cfg.GossipRateLimits)

	hookNotifications := make(chan hookbus.Notification, 64)
	bus, err := hookbus.New(ctx, cfg.HookBusConfig, cfg.DataHooks, cfg.TrackHooks)
	if err != nil {
		return errors.Wrap(err, "start hook bus")
	}
	go bus.Run(ctx, hookNotifications)

	announce := func(urn refs.URN, rev [20]byte) {
		tocks, err := gossipEngine.Apply(ctx, self, gossip.Have(gossip.PeerInfo{Peer: self}, gossip.Payload{URN: urn, Rev: rev}))
		if err != nil {
			logger.WarnContext(ctx, "gossip apply of local have rejected", slog.Any("error", err))
			return
		}
		for range tocks {
			logger.DebugContext(ctx, "dropping gossip tock: no transport dialer configured")
		}
	}

	hooks := gitproc.Hooks{
		PreUpload: func(_ context.Context, urn refs.URN, _ func([]byte) error) error {
			if !store.HasURN(urn) {
				return errors.Errorf("unknown urn %s", urn)
			}
			return nil
		},
		PostReceive: func(ctx context.Context, urn refs.URN, peer refs.PeerId, report func([]byte) error) error {
			manifest, _, err := signedrefs.Write(store, urn, secret, signedrefs.DefaultRemotesCutoff)
			if err != nil {
				return errors.Wrap(err, "sign refs after receive-pack")
			}

			refsByName := map[string]string{}
			for cat, entries := range manifest.Refs {
				for name, oid := range entries {
					refsByName[cat+"/"+name] = oid
				}
			}
			select {
			case hookNotifications <- hookbus.Notification{Data: &hookbus.DataEvent{URN: urn, Peer: peer, Refs: refsByName}}:
			default:
				logger.WarnContext(ctx, "hook notification queue full, dropping data event")
			}

			tip, err := store.ReferenceOid(refs.RefString(refs.NamespaceOf(urn).RadID()))
			if err == nil {
				announce(urn, tip)
			}
			_ = report
			return nil
		},
	}
	supervisor := gitproc.New(store, trackingStore, hooks, cfg.GitProcConfig)

	waitingRoom := waitingroom.New(cfg.WaitingRoomConfig)

	exporter, err := bundlestore.New(cfg.BundlestoreConfig, store)
	if err != nil {
		return errors.Wrap(err, "construct bundle exporter")
	}

	metricsClient, err := metrics.New(ctx, cfg.MetricsConfig)
	if err != nil {
		return errors.Wrap(err, "construct metrics client")
	}
	defer func() {
		if cerr := metricsClient.Close(); cerr != nil {
			logger.ErrorContext(ctx, "error closing metrics client", slog.Any("error", cerr))
		}
	}()
	if err := metricsClient.ServeMetrics(ctx); err != nil {
		return errors.Wrap(err, "serve metrics")
	}

	tasks := make(chan taskrunner.Task, 8)
	go runPeriodicTasks(ctx, tasks, waitingRoom, trackingStore, exporter, cfg.BundlestoreConfig.Interval)
	go func() { //nolint:errcheck
		_ = taskrunner.RunForever(ctx, tasks)
	}()

	server := newSSHServer(cfg, store, supervisor)
	go func() {
		<-ctx.Done()
		supervisor.Stop()
		_ = server.Close()
	}()

	logger.InfoContext(ctx, "starting linkd", slog.String("listen", cfg.Protocol.Listen), slog.String("peer", self.String()))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, gliderssh.ErrServerClosed) {
		return errors.Wrap(err, "serve ssh")
	}
	return nil
}

// runPeriodicTasks feeds the waiting room's tick and the bundle exporter's
// periodic re-export into tasks, once per second and once per
// BundlestoreConfig.Interval respectively, until ctx is cancelled.
func runPeriodicTasks(ctx context.Context, tasks chan<- taskrunner.Task, room *waitingroom.Room, trackingStore *tracking.Store, exporter *bundlestore.Exporter, exportInterval time.Duration) {
	defer close(tasks)

	tickerInterval := time.Second
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	var exportTicker *time.Ticker
	var exportCh <-chan time.Time
	if exporter != nil && exportInterval > 0 {
		exportTicker = time.NewTicker(exportInterval)
		exportCh = exportTicker.C
		defer exportTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cmds := room.Tick(now)
			select {
			case tasks <- func(ctx context.Context) error {
				logDroppedCommands(ctx, cmds)
				return nil
			}:
			case <-ctx.Done():
				return
			}
		case <-exportCh:
			entries, err := trackingStore.Tracked(nil)
			if err != nil {
				continue
			}
			for _, e := range entries {
				urn := e.URN
				select {
				case tasks <- func(ctx context.Context) error {
					return exporter.Export(ctx, urn)
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func logDroppedCommands(ctx context.Context, cmds []waitingroom.Command) {
	if len(cmds) == 0 {
		return
	}
	logger := logging.FromContext(ctx)
	for _, c := range cmds {
		logger.DebugContext(ctx, "waiting room command has no transport to act on", slog.Int("kind", int(c.Kind)), slog.String("urn", c.URN.String()))
	}
}

// newSSHServer builds the SSH-gated Git channel server: every accepted
// session's public key must decode to a valid PeerId, and its exec command
// selects an upload-pack / receive-pack service against the supervisor.
func newSSHServer(cfg *GlobalConfig, store *objstore.Store, supervisor *gitproc.Supervisor) *gliderssh.Server {
	server := &gliderssh.Server{
		Addr: cfg.Protocol.Listen,
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			cryptoKey, ok := key.(gocrypto.CryptoPublicKey)
			if !ok {
				return false
			}
			edKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
			if !ok {
				return false
			}
			peer, err := refs.NewPeerId(edKey)
			if err != nil {
				return false
			}
			ctx.SetValue(peerContextKey{}, peer)
			return true
		},
		Handler: sessionHandler(store, supervisor),
	}
	return server
}

func sessionHandler(store *objstore.Store, supervisor *gitproc.Supervisor) gliderssh.Handler {
	var channelCounter int64
	var mu sync.Mutex
	nextChannelID := func() string {
		mu.Lock()
		defer mu.Unlock()
		channelCounter++
		return strconv.FormatInt(channelCounter, 10)
	}

	return func(s gliderssh.Session) {
		ctx := s.Context()
		peer, _ := ctx.Value(peerContextKey{}).(refs.PeerId)

		argv := s.Command()
		if len(argv) != 2 {
			_, _ = s.Stderr().Write([]byte("usage: git-upload-pack|git-receive-pack <urn>\n"))
			_ = s.Exit(1)
			return
		}

		var service gitproc.Service
		switch argv[0] {
		case "git-upload-pack":
			service = gitproc.UploadPack
		case "git-receive-pack":
			service = gitproc.ReceivePack
		default:
			_, _ = s.Stderr().Write([]byte("unsupported service " + argv[0] + "\n"))
			_ = s.Exit(1)
			return
		}

		urn, err := refs.ParseURN(strings.Trim(argv[1], "'\""))
		if err != nil {
			_, _ = s.Stderr().Write([]byte("invalid urn: " + err.Error() + "\n"))
			_ = s.Exit(1)
			return
		}
		if !store.HasURN(urn) {
			_, _ = s.Stderr().Write([]byte("unknown urn\n"))
			_ = s.Exit(1)
			return
		}

		channelID := nextChannelID()
		reply := &sessionReply{session: s, done: make(chan struct{})}

		if err := supervisor.Exec(ctx, channelID, service, urn, peer, reply); err != nil {
			_, _ = s.Stderr().Write([]byte("exec rejected: " + err.Error() + "\n"))
			_ = s.Exit(1)
			return
		}

		sigCh := make(chan gliderssh.Signal, 1)
		s.Signals(sigCh)

		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, rerr := s.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					_ = supervisor.Data(ctx, channelID, chunk)
				}
				if rerr != nil {
					_ = supervisor.Eof(ctx, channelID)
					return
				}
			}
		}()

		for {
			select {
			case <-reply.done:
				_ = s.Exit(reply.exitCode)
				return
			case sig := <-sigCh:
				if osSig, ok := signalFromSSH(sig); ok {
					_ = supervisor.Signal(ctx, channelID, osSig)
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func signalFromSSH(sig gliderssh.Signal) (syscall.Signal, bool) {
	switch sig {
	case gliderssh.SIGINT:
		return syscall.SIGINT, true
	case gliderssh.SIGTERM:
		return syscall.SIGTERM, true
	case gliderssh.SIGKILL:
		return syscall.SIGKILL, true
	case gliderssh.SIGHUP:
		return syscall.SIGHUP, true
	default:
		return 0, false
	}
}

// sessionReply adapts an ssh.Session to gitproc.Reply.
type sessionReply struct {
	session  gliderssh.Session
	done     chan struct{}
	exitCode int
	once     sync.Once
}

func (r *sessionReply) StdoutData(p []byte) error {
	_, err := r.session.Write(p)
	return errors.WithStack(err) //nolint:wrapcheck
}

func (r *sessionReply) StderrData(p []byte) error {
	_, err := r.session.Stderr().Write(p)
	return errors.WithStack(err) //nolint:wrapcheck
}

func (r *sessionReply) ExitStatus(code int) error {
	r.exitCode = code
	return nil
}

func (r *sessionReply) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
