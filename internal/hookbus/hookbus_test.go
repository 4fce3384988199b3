package hookbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/radicle-link/linkd/internal/hookbus"
	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/refs"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	return ctx
}

func testURN(t *testing.T) refs.URN {
	t.Helper()
	id, err := refs.NewURNID([]byte("hookbus-test"))
	assert.NoError(t, err)
	return refs.URN{ID: id, Proto: refs.ProtoGit}
}

func TestRunDeliversDataNotificationsToDataHookOnly(t *testing.T) {
	dataProc := &hookbus.FakeProcess{}
	trackProc := &hookbus.FakeProcess{}
	procs := map[string]*hookbus.FakeProcess{"/bin/data-hook": dataProc, "/bin/track-hook": trackProc}
	restore := hookbus.SetSpawnFunc(func(_ context.Context, path string) (hookbus.ProcessIface, error) {
		return procs[path], nil
	})
	defer restore()

	ctx := testContext(t)
	bus, err := hookbus.New(ctx, hookbus.Config{Buffer: 4, Timeout: time.Second}, []string{"/bin/data-hook"}, []string{"/bin/track-hook"})
	assert.NoError(t, err)

	incoming := make(chan hookbus.Notification, 1)
	incoming <- hookbus.Notification{Data: &hookbus.DataEvent{URN: testURN(t), Peer: mustPeer(t)}}
	close(incoming)

	done := make(chan struct{})
	go func() {
		bus.Run(ctx, incoming)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	// Closing incoming makes Run send EOT to every hook, so each process
	// also receives that final byte.
	assert.Equal(t, 2, len(dataProc.Written))  // data line + EOT
	assert.Equal(t, 1, len(trackProc.Written)) // EOT only
}

func TestRunDeliversThroughOneSlotQueue(t *testing.T) {
	proc := &hookbus.FakeProcess{}
	restore := hookbus.SetSpawnFunc(func(context.Context, string) (hookbus.ProcessIface, error) {
		return proc, nil
	})
	defer restore()

	ctx := testContext(t)
	// A one-slot queue in front of a fake process that never blocks: this
	// exercises the ordinary delivery path, not the full-queue drop in
	// Bus.send, which only a consumer slower than the sender reaches.
	bus, err := hookbus.New(ctx, hookbus.Config{Buffer: 1, Timeout: time.Second}, []string{"/bin/data-hook"}, nil)
	assert.NoError(t, err)

	incoming := make(chan hookbus.Notification)
	go func() {
		for i := 0; i < 3; i++ {
			incoming <- hookbus.Notification{Data: &hookbus.DataEvent{URN: testURN(t), Peer: mustPeer(t)}}
		}
		close(incoming)
	}()

	done := make(chan struct{})
	go func() {
		bus.Run(ctx, incoming)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	assert.True(t, len(proc.Written) >= 1)
}

func mustPeer(t *testing.T) refs.PeerId {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = 7
	}
	peer, err := refs.NewPeerId(key)
	assert.NoError(t, err)
	return peer
}
