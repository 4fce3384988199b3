package gitproc

import (
	"context"
	"os/exec"

	"github.com/radicle-link/linkd/internal/refs"
)

// SetCommand overrides how runChild constructs its *exec.Cmd, for tests
// that want to avoid depending on a real `git` binary. It returns a
// restore function.
func SetCommand(f func(ctx context.Context, binary string, args []string, dir string) *exec.Cmd) (restore func()) {
	prev := command
	command = f
	return func() { command = prev }
}

// SetBinary overrides the Supervisor's configured binary name/path.
func (s *Supervisor) SetBinary(binary string) { s.gitBinary = binary }

// BuildArgs exposes buildArgs for tests asserting on the constructed
// command line.
func (s *Supervisor) BuildArgs(service Service, urn refs.URN) ([]string, error) {
	return s.buildArgs(service, urn)
}
