package hookbus

import (
	"context"
	"time"
)

// ProcessIface aliases the package's unexported process interface so
// external (_test) packages can reference it when building a double.
type ProcessIface = process

// SetSpawnFunc overrides how New spawns hook processes, for tests. It
// returns a restore function.
func SetSpawnFunc(f func(ctx context.Context, path string) (ProcessIface, error)) (restore func()) {
	prev := spawnFunc
	spawnFunc = f
	return func() { spawnFunc = prev }
}

// FakeProcess is an in-memory process double for tests.
type FakeProcess struct {
	Written    [][]byte
	WriteErr   error
	KilledAt   int
	writeCount int
}

func (f *FakeProcess) write(p []byte) error {
	f.writeCount++
	if f.WriteErr != nil && f.writeCount >= max(1, f.KilledAt) {
		return f.WriteErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.Written = append(f.Written, cp)
	return nil
}

func (f *FakeProcess) waitOrKill(_ time.Duration) error {
	return nil
}
