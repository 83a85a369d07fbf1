package execution

import "context"

// SandboxSpec describes one isolated function run. The sandbox sees the
// invocation directory at /sandbox.
type SandboxSpec struct {
	ID        string
	Runtime   string
	Image     string
	Command   []string
	HostDir   string // invocation directory as seen by the container host
	Env       []string
	MemoryMB  int64
	CPUs      float64
	PidsLimit int64
	Network   string
}

// Sandbox runs function containers.
type Sandbox interface {
	// Run starts the sandbox and blocks until it exits or ctx is done.
	Run(ctx context.Context, spec SandboxSpec) (exitCode int, err error)
	// Kill stops and removes the sandbox. It is safe to call for a
	// sandbox that has already exited.
	Kill(ctx context.Context, id string) error
}
