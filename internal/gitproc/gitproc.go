// Package gitproc is the Git subprocess supervisor: it multiplexes at most
// MaxInFlightGits concurrent `git upload-pack` / `git receive-pack`
// children over whatever channel abstraction the SSH server hands it,
// forwarding stdin/stdout/stderr and signals and running the
// pre-upload/post-receive hooks around each child. The global cap is a
// buffered channel standing in for a semaphore.
package gitproc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	aerrors "github.com/alecthomas/errors"

	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/objstore"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/tracking"
)

// MaxInFlightGits is the global cap on concurrent Git child processes
// across the whole supervisor.
const MaxInFlightGits = 10

// Service is one of the four Git subprocess services a channel may exec.
type Service int

const (
	// UploadPack is the interactive, multi-round upload-pack negotiation.
	UploadPack Service = iota
	// ReceivePack is the interactive, multi-round receive-pack exchange.
	ReceivePack
	// UploadPackLs is a single stateless ref-advertisement round for
	// upload-pack.
	UploadPackLs
	// ReceivePackLs is a single stateless ref-advertisement round for
	// receive-pack.
	ReceivePackLs
)

func (s Service) String() string {
	switch s {
	case UploadPack:
		return "upload-pack"
	case ReceivePack:
		return "receive-pack"
	case UploadPackLs:
		return "upload-pack-ls"
	case ReceivePackLs:
		return "receive-pack-ls"
	default:
		return "unknown"
	}
}

func (s Service) isUpload() bool { return s == UploadPack || s == UploadPackLs }

func (s Service) gitService() string {
	if s.isUpload() {
		return "upload-pack"
	}
	return "receive-pack"
}

// Reply is the reply sink a channel's exec is given: stdout/stderr chunks,
// a final exit status, and a close once the channel is done with this
// child.
type Reply interface {
	StdoutData(p []byte) error
	StderrData(p []byte) error
	ExitStatus(code int) error
	Close() error
}

// Hooks are consulted around a child's lifecycle. A nil field is a no-op
// for that hook. report lets a hook write progress lines back to the
// client over the reply sink's stderr channel.
type Hooks struct {
	// PreUpload runs before an upload-pack/upload-pack-ls child is spawned.
	// A non-nil error aborts the exec: the channel is closed cleanly and no
	// child is started.
	PreUpload func(ctx context.Context, urn refs.URN, report func([]byte) error) error
	// PostReceive runs after a receive-pack child exits zero, before the
	// exit status is sent. Its error is logged and reported to the client
	// on stderr; the exit status sent afterwards is still zero.
	PostReceive func(ctx context.Context, urn refs.URN, peer refs.PeerId, report func([]byte) error) error
}

// Config holds the supervisor's timing knobs.
type Config struct {
	// FetchSlotWaitTimeout bounds how long Exec waits for a free slot in the
	// MaxInFlightGits pool before giving up.
	FetchSlotWaitTimeout time.Duration `hcl:"fetch_slot_wait_timeout,optional" help:"How long Exec waits for a free subprocess slot." default:"20s"`
	// ShutdownGrace is read from configuration and defaulted to 10s, but
	// nothing consults it: a cancelled child is sent SIGKILL at once, with
	// no grace period (see killAndReap).
	ShutdownGrace time.Duration `hcl:"shutdown_grace,optional" help:"Grace period setting for cancelled subprocesses (not consulted: they are killed at once)." default:"10s"`
}

type inputKind int

const (
	inputData inputKind = iota
	inputEOF
	inputSignal
)

type input struct {
	kind inputKind
	data []byte
	sig  syscall.Signal
}

// command constructs the *exec.Cmd for one child; overridable in tests so
// they need not depend on a real `git` binary, mirroring hookbus's
// spawnFunc indirection.
var command = func(ctx context.Context, binary string, args []string, dir string) *exec.Cmd { //nolint:gochecknoglobals
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // binary/args are operator/ref-derived, not raw user input
	cmd.Dir = dir
	return cmd
}

// Supervisor is the pool of at most MaxInFlightGits concurrent Git
// children, keyed by an opaque channel id supplied by the SSH session
// layer.
type Supervisor struct {
	store     *objstore.Store
	tracking  *tracking.Store
	hooks     Hooks
	config    Config
	gitBinary string

	sem chan struct{}

	mu       sync.Mutex
	channels map[string]chan input
	stopping bool
}

// New builds a Supervisor over store, using tracking to compute the
// visible-remotes set for upload-pack's hiderefs overrides.
func New(store *objstore.Store, trackingStore *tracking.Store, hooks Hooks, config Config) *Supervisor {
	if config.FetchSlotWaitTimeout <= 0 {
		config.FetchSlotWaitTimeout = 20 * time.Second
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 10 * time.Second
	}
	return &Supervisor{
		store:     store,
		tracking:  trackingStore,
		hooks:     hooks,
		config:    config,
		gitBinary: "git",
		sem:       make(chan struct{}, MaxInFlightGits),
		channels:  map[string]chan input{},
	}
}

// Stop prevents any further Exec from starting a new child. Already-running
// children are unaffected; callers drain them by letting their channels
// close normally.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
}

// Exec acquires a slot in the MaxInFlightGits pool (waiting up to
// FetchSlotWaitTimeout) and starts a Git child for channelID against urn,
// attributing the session to peer for hook purposes. It returns once the
// child has been registered and its goroutine started; the child's
// lifecycle is driven asynchronously and reported through reply.
func (s *Supervisor) Exec(ctx context.Context, channelID string, service Service, urn refs.URN, peer refs.PeerId, reply Reply) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return aerrors.WithStack(ErrStopped)
	}
	if _, exists := s.channels[channelID]; exists {
		s.mu.Unlock()
		return aerrors.WithStack(&DuplicateChannelError{ChannelID: channelID})
	}
	in := make(chan input, 64)
	s.channels[channelID] = in
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-time.After(s.config.FetchSlotWaitTimeout):
		s.removeChannel(channelID)
		return aerrors.WithStack(&FetchSlotTimeoutError{ChannelID: channelID})
	case <-ctx.Done():
		s.removeChannel(channelID)
		return aerrors.Wrap(ctx.Err(), "exec cancelled before acquiring fetch slot") //nolint:wrapcheck
	}

	go func() {
		defer func() {
			<-s.sem
			s.removeChannel(channelID)
		}()
		s.runChild(ctx, channelID, service, urn, peer, reply, in)
	}()
	return nil
}

func (s *Supervisor) removeChannel(id string) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

// Data forwards bytes to channelID's child's stdin.
func (s *Supervisor) Data(ctx context.Context, channelID string, p []byte) error {
	return s.dispatch(ctx, channelID, input{kind: inputData, data: p})
}

// Eof closes channelID's child's stdin, signalling the client is done
// sending.
func (s *Supervisor) Eof(ctx context.Context, channelID string) error {
	return s.dispatch(ctx, channelID, input{kind: inputEOF})
}

// Signal forwards an OS signal to channelID's child process.
func (s *Supervisor) Signal(ctx context.Context, channelID string, sig syscall.Signal) error {
	return s.dispatch(ctx, channelID, input{kind: inputSignal, sig: sig})
}

// dispatch delivers msg to channelID's running child; per channel, all
// Data/Eof/Signal messages arrive in the order the caller enqueued them.
func (s *Supervisor) dispatch(ctx context.Context, channelID string, msg input) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return aerrors.WithStack(&UnknownChannelError{ChannelID: channelID})
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return aerrors.Wrap(ctx.Err(), "send to subprocess channel cancelled") //nolint:wrapcheck
	}
}

func (s *Supervisor) runChild(
	ctx context.Context,
	channelID string,
	service Service,
	urn refs.URN,
	peer refs.PeerId,
	reply Reply,
	in <-chan input,
) {
	logger := logging.FromContext(ctx)

	if service.isUpload() && s.hooks.PreUpload != nil {
		if err := s.hooks.PreUpload(ctx, urn, reply.StderrData); err != nil {
			logger.WarnContext(ctx, "pre-upload hook rejected channel", slog.String("channel", channelID), slog.Any("error", err))
			_ = reply.Close()
			return
		}
	}

	args, err := s.buildArgs(service, urn)
	if err != nil {
		logger.ErrorContext(ctx, "error preparing git command", slog.Any("error", err))
		_ = reply.StderrData([]byte("error preparing git command: " + err.Error() + "\n"))
		_ = reply.Close()
		return
	}

	cmd := command(ctx, s.gitBinary, args, s.store.Path())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logger.ErrorContext(ctx, "error opening subprocess stdin", slog.Any("error", err))
		_ = reply.Close()
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger.ErrorContext(ctx, "error opening subprocess stdout", slog.Any("error", err))
		_ = reply.Close()
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logger.ErrorContext(ctx, "error opening subprocess stderr", slog.Any("error", err))
		_ = reply.Close()
		return
	}

	if err := cmd.Start(); err != nil {
		logger.ErrorContext(ctx, "error spawning git subprocess", slog.Any("error", err))
		_ = reply.StderrData([]byte("error spawning git subprocess: " + err.Error() + "\n"))
		_ = reply.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	copyErr := make(chan error, 2)
	go streamCopy(&wg, stdout, reply.StdoutData, copyErr)
	go streamCopy(&wg, stderr, reply.StderrData, copyErr)

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	stdinOpen := true

	for {
		select {
		case msg, ok := <-in:
			if !ok {
				continue
			}
			switch msg.kind {
			case inputData:
				if stdinOpen {
					if _, werr := stdin.Write(msg.data); werr != nil {
						logger.WarnContext(ctx, "error writing to git subprocess stdin", slog.Any("error", werr))
					}
				}
			case inputEOF:
				if stdinOpen {
					_ = stdin.Close()
					stdinOpen = false
				}
			case inputSignal:
				if cmd.Process != nil {
					if serr := cmd.Process.Signal(msg.sig); serr != nil {
						logger.WarnContext(ctx, "failed to forward signal to subprocess", slog.Any("error", serr))
						_ = reply.StderrData([]byte("failed to send signal to subprocess\n"))
					}
				}
			}

		case rerr := <-copyErr:
			if rerr != nil {
				logger.WarnContext(ctx, "receiver disappeared while subprocess was running", slog.String("channel", channelID))
				s.killAndReap(cmd, waitCh)
				_ = reply.Close()
				return
			}

		case werr := <-waitCh:
			s.finish(ctx, service, urn, peer, reply, werr)
			return

		case <-ctx.Done():
			logger.InfoContext(ctx, "context cancelled, killing git subprocess", slog.String("channel", channelID))
			s.killAndReap(cmd, waitCh)
			_ = reply.Close()
			return
		}
	}
}

// finish handles a child's exit: reports a non-zero status directly, or on
// a clean receive-pack exit runs the post-receive hook before reporting
// success.
func (s *Supervisor) finish(ctx context.Context, service Service, urn refs.URN, peer refs.PeerId, reply Reply, werr error) {
	logger := logging.FromContext(ctx)

	var exitErr *exec.ExitError
	status := 0
	switch {
	case werr == nil:
	case errors.As(werr, &exitErr):
		status = exitErr.ExitCode()
	default:
		logger.ErrorContext(ctx, "error reading subprocess exit status", slog.Any("error", werr))
		_ = reply.StderrData([]byte("unable to determine exit status of git subprocess, closing connection\n"))
		_ = reply.Close()
		return
	}

	if status != 0 {
		logger.ErrorContext(ctx, "git subprocess exited non-zero", slog.Int("status", status))
		_ = reply.ExitStatus(status)
		_ = reply.Close()
		return
	}

	if service == ReceivePack && s.hooks.PostReceive != nil {
		if herr := s.hooks.PostReceive(ctx, urn, peer, reply.StderrData); herr != nil {
			logger.ErrorContext(ctx, "post-receive hook failed", slog.Any("error", herr))
			_ = reply.StderrData([]byte("error executing post receive hook: " + herr.Error() + "\n"))
		}
	}

	_ = reply.ExitStatus(0)
	_ = reply.Close()
}

// killAndReap sends the child SIGKILL at once, with no grace period, and
// reaps its exit status in the background so the runChild goroutine can
// return immediately without blocking on the process's exit.
func (s *Supervisor) killAndReap(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	go func() { <-waitCh }()
}

// streamCopy forwards r's bytes to forward until EOF or forward itself
// errors (the receiver went away), in which case it reports the error on
// errCh and returns without draining further; a clean EOF reports nil.
func streamCopy(wg *sync.WaitGroup, r io.Reader, forward func([]byte) error, errCh chan<- error) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if ferr := forward(chunk); ferr != nil {
				errCh <- ferr
				return
			}
		}
		if err != nil {
			errCh <- nil
			return
		}
	}
}

// buildArgs constructs the Git command line for service against urn:
// namespace selection, ref-visibility overrides, and the per-service
// flags.
func (s *Supervisor) buildArgs(service Service, urn refs.URN) ([]string, error) {
	args := []string{"--namespace=" + urn.EncodedID()}

	if service.isUpload() {
		args = append(args,
			"-c", "transfer.hiderefs=refs/",
			"-c", "transfer.hiderefs=!refs/heads",
			"-c", "transfer.hiderefs=!refs/tags",
			"-c", "transfer.hiderefs=!refs/rad/ids",
		)
		visible, err := s.visibleRemotes(urn)
		if err != nil {
			return nil, aerrors.Wrap(err, "compute visible remotes")
		}
		for _, ref := range visible {
			args = append(args, "-c", "uploadpack.hiderefs=!^"+ref)
		}
	}

	args = append(args, service.gitService())

	switch service {
	case UploadPack:
		args = append(args, "--strict", "--timeout=5")
	case ReceivePack:
		// no extra flags: interactive, multi-round exchange
	case UploadPackLs:
		args = append(args, "--strict", "--timeout=5", "--stateless-rpc", "--advertise-refs")
	case ReceivePackLs:
		args = append(args, "--stateless-rpc", "--advertise-refs")
	}

	return append(args, "."), nil
}

// visibleRemotes is the set of namespaced refs/remotes/<peer> subtrees the
// local peer may reveal to an upload-pack client, per the tracking store's
// per-peer Data flag.
func (s *Supervisor) visibleRemotes(urn refs.URN) ([]string, error) {
	entries, err := s.tracking.Tracked(&urn)
	if err != nil {
		return nil, aerrors.Wrap(err, "enumerate tracking entries")
	}
	ns := refs.NamespaceOf(urn)
	var out []string
	for _, e := range entries {
		if e.Peer == nil || !e.Config.Data {
			continue
		}
		out = append(out, ns.String()+"refs/remotes/"+e.Peer.String())
	}
	return out, nil
}
