// Package hookbus fans out track/data notifications to a configured set of
// external hook processes: each hook gets its own bounded queue so one slow
// hook never blocks another, and a dropped message for a full queue is
// logged rather than applied back-pressure to the notifier.
package hookbus

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/alecthomas/errors"

	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/refs"
	"github.com/radicle-link/linkd/internal/tracking"
)

// EOT is the end-of-transmission byte sent to every hook on shutdown.
const EOT = 0x04

// Notification is one event the bus delivers to hooks.
type Notification struct {
	Track *TrackEvent
	Data  *DataEvent
}

// TrackEvent fires when a tracking entry is created or changed.
type TrackEvent struct {
	URN    refs.URN
	Peer   *refs.PeerId
	Config tracking.Config
}

// DataEvent fires when replication updates a URN's refs.
type DataEvent struct {
	URN  refs.URN
	Peer refs.PeerId
	Refs map[string]string // ref name -> oid hex
}

func (e TrackEvent) line() []byte {
	peer := "-"
	if e.Peer != nil {
		peer = e.Peer.String()
	}
	return []byte("track " + e.URN.String() + " " + peer + "\n")
}

func (e DataEvent) line() []byte {
	return []byte("data " + e.URN.String() + " " + e.Peer.String() + "\n")
}

// Config is the per-hook buffer depth and shutdown timeout.
type Config struct {
	Buffer  int           `hcl:"buffer,optional" help:"Per-hook pending-message queue depth." default:"32"`
	Timeout time.Duration `hcl:"timeout,optional" help:"Grace period for a hook to exit after EOT before being killed." default:"5s"`
}

// process is the subset of *exec.Cmd a hook worker needs; abstracted so
// tests can substitute an in-memory double.
type process interface {
	write(p []byte) error
	waitOrKill(timeout time.Duration) error
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin interface {
		Write([]byte) (int, error)
		Close() error
	}
}

// spawnFunc is a var so tests can substitute an in-memory process double
// without actually exec'ing a hook binary.
var spawnFunc = spawn //nolint:gochecknoglobals

func spawn(ctx context.Context, path string) (process, error) {
	cmd := exec.CommandContext(ctx, path) //nolint:gosec // hook paths are operator configuration, not user input
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open hook stdin")
	}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start hook process")
	}
	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

func (p *execProcess) write(b []byte) error {
	_, err := p.stdin.Write(b)
	return errors.Wrap(err, "write to hook") //nolint:wrapcheck
}

func (p *execProcess) waitOrKill(timeout time.Duration) error {
	_ = p.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		return errors.Wrap(err, "hook exited") //nolint:wrapcheck
	case <-time.After(timeout):
		if err := p.cmd.Process.Kill(); err != nil {
			return errors.Wrap(err, "kill hook") //nolint:wrapcheck
		}
		<-done
		return nil
	}
}

type hookMessage struct {
	eot     bool
	payload []byte
}

type worker struct {
	path  string
	proc  process
	queue chan hookMessage
}

// Bus runs the notification fan-out loop.
type Bus struct {
	config     Config
	dataHooks  map[string]*worker
	trackHooks map[string]*worker
	workerDone chan string
	numStarted int
}

// New spawns one worker per configured hook path and returns the ready Bus.
// dataHookPaths receive DataEvents, trackHookPaths receive TrackEvents; a
// path may appear in both lists (two independent processes are spawned).
func New(ctx context.Context, config Config, dataHookPaths, trackHookPaths []string) (*Bus, error) {
	if config.Buffer <= 0 {
		config.Buffer = 32
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	b := &Bus{
		config:     config,
		dataHooks:  map[string]*worker{},
		trackHooks: map[string]*worker{},
		workerDone: make(chan string, 16),
	}

	for _, path := range dataHookPaths {
		w, err := b.startWorker(ctx, path)
		if err != nil {
			return nil, errors.Wrapf(err, "start data hook %s", path)
		}
		b.dataHooks[path] = w
	}
	for _, path := range trackHookPaths {
		w, err := b.startWorker(ctx, path)
		if err != nil {
			return nil, errors.Wrapf(err, "start track hook %s", path)
		}
		b.trackHooks[path] = w
	}

	return b, nil
}

func (b *Bus) startWorker(ctx context.Context, path string) (*worker, error) {
	proc, err := spawnFunc(ctx, path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w := &worker{path: path, proc: proc, queue: make(chan hookMessage, b.config.Buffer)}
	b.numStarted++
	go b.drive(ctx, w)
	return w, nil
}

func (b *Bus) drive(ctx context.Context, w *worker) {
	logger := logging.FromContext(ctx)
	for msg := range w.queue {
		if msg.eot {
			if err := w.proc.write([]byte{EOT}); err != nil {
				logger.WarnContext(ctx, "failed to write EOT to hook", slog.String("hook", w.path), slog.Any("error", err))
			}
			if err := w.proc.waitOrKill(b.config.Timeout); err != nil {
				logger.WarnContext(ctx, "failed to terminate hook", slog.String("hook", w.path), slog.Any("error", err))
			}
			b.workerDone <- w.path
			return
		}
		if err := w.proc.write(msg.payload); err != nil {
			logger.WarnContext(ctx, "hook failed, removing from hook set", slog.String("hook", w.path), slog.Any("error", err))
			b.workerDone <- w.path
			return
		}
	}
}

// send delivers payload to every live hook in m, dropping (and logging) for
// any whose queue is currently full.
func (b *Bus) send(ctx context.Context, m map[string]*worker, payload []byte) {
	logger := logging.FromContext(ctx)
	for path, w := range m {
		select {
		case w.queue <- hookMessage{payload: payload}:
		default:
			logger.WarnContext(ctx, "dropping message for hook which is running too slowly", slog.String("hook", path))
		}
	}
}

// Run drains incoming until it closes (or ctx is cancelled), routing each
// Notification to the matching hook set, then sends EOT to every live hook
// and waits for them to exit.
func (b *Bus) Run(ctx context.Context, incoming <-chan Notification) {
	logger := logging.FromContext(ctx)
	live := b.numStarted

	for live > 0 {
		select {
		case path, ok := <-b.workerDone:
			if !ok {
				return
			}
			delete(b.dataHooks, path)
			delete(b.trackHooks, path)
			live--

		case n, ok := <-incoming:
			if !ok {
				b.shutdown(ctx)
				return
			}
			switch {
			case n.Track != nil:
				b.send(ctx, b.trackHooks, n.Track.line())
			case n.Data != nil:
				b.send(ctx, b.dataHooks, n.Data.line())
			}

		case <-ctx.Done():
			logger.InfoContext(ctx, "hook bus context cancelled")
			b.shutdown(ctx)
			return
		}
	}
}

func (b *Bus) shutdown(ctx context.Context) {
	remaining := len(b.dataHooks) + len(b.trackHooks)
	for _, w := range b.dataHooks {
		w.queue <- hookMessage{eot: true}
	}
	for _, w := range b.trackHooks {
		w.queue <- hookMessage{eot: true}
	}
	for remaining > 0 {
		<-b.workerDone
		remaining--
	}
}
